package secrets

import (
	"context"
	"strings"

	"github.com/rendis/crmflow/pkg/schema"
)

const (
	refOpen      = "${{"
	refClose     = "}}"
	secretPrefix = "secrets."
)

// HasReference reports whether s contains a ${{...}} reference.
func HasReference(s string) bool {
	return strings.Contains(s, refOpen)
}

// Expand replaces every ${{secrets.KEY}} in s with the plaintext from r.
// Strings without references are returned unchanged and r may then be nil.
func Expand(ctx context.Context, r Resolver, s string) (string, error) {
	if !HasReference(s) {
		return s, nil
	}
	if r == nil {
		return "", schema.NewError(schema.ErrCodeVault, "secret reference used but no vault is configured")
	}

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], refOpen)
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + len(refOpen)

		end := strings.Index(s[start:], refClose)
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if strings.Contains(expr, refOpen) {
			return "", schema.NewError(schema.ErrCodeValidation, "nested ${{ references are not allowed")
		}
		key, ok := strings.CutPrefix(expr, secretPrefix)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported reference ${{%s}}: only secrets.KEY is allowed", expr)
		}
		if err := ValidateKey(key); err != nil {
			return "", err
		}

		val, err := r.Resolve(ctx, key)
		if err != nil {
			if schema.IsNotFound(err) {
				return "", schema.NewErrorf(schema.ErrCodeNotFound, "secret %s not found", key)
			}
			return "", err
		}
		out.Write(val)

		i = end + len(refClose)
	}
	return out.String(), nil
}
