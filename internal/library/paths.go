package library

import (
	"os"
	"path/filepath"
)

// SearchPaths returns the user definition directories in ascending priority.
// Later paths override earlier ones when names collide.
func SearchPaths() []string {
	var paths []string

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "opsdeck", "sequences"))
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "opsdeck", "sequences"))
	}

	if dir := os.Getenv("OPSDECK_SEQUENCE_DIR"); dir != "" {
		paths = append(paths, dir)
	}

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".opsdeck", "sequences"))
	}

	return paths
}
