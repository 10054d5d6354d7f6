//go:build !windows

package main

import (
	"os"

	"github.com/google/renameio/v2"
)

// writeFileAtomic replaces path with data in one rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
