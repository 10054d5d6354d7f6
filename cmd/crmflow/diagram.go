package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/crmflow/internal/diagram"
)

func (c *cli) newDiagramCmd() *cobra.Command {
	var (
		runID  string
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "diagram <workflow-id>",
		Short: "Render a workflow as mermaid, ascii, png or svg",
		Long: `diagram renders the step graph of a workflow. With --run-id the
step logs of that run are overlaid on the graph.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := diagram.ParseFormat(format)
			if err != nil {
				return err
			}

			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			data, err := diagram.Render(cmd.Context(), s, args[0], runID, f)
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := writeFileAtomic(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "overlay the step logs of this run")
	cmd.Flags().StringVar(&format, "format", string(diagram.FormatMermaid), "output format: mermaid, ascii, png, svg")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
