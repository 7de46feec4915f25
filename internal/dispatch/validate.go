package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Length bounds for incoming string fields. Anything longer is rejected
// before it reaches a PTY or the filesystem.
const (
	maxSessionIDLen = 128
	maxQueryLen     = 512
	maxRepoLen      = 256
	maxRepoPathLen  = 1024
	maxMessageLen   = 4096
)

func requireField(name, val string, max int) error {
	if strings.TrimSpace(val) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(val) > max {
		return fmt.Errorf("%s exceeds %d bytes", name, max)
	}
	return nil
}

// resolvePath expands a leading tilde, normalises the path, and requires it
// to live under the user's home, the system temp dir, or the platform
// install prefix. Everything else is rejected.
func resolvePath(path string) (string, error) {
	if err := requireField("path", path, maxRepoPathLen); err != nil {
		return "", err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	if path == "~" {
		path = home
	} else if strings.HasPrefix(path, "~/") {
		path = filepath.Join(home, path[2:])
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	path = filepath.Clean(path)

	for _, root := range permittedRoots(home) {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return path, nil
		}
	}
	return "", fmt.Errorf("path outside permitted roots: %s", path)
}

func permittedRoots(home string) []string {
	roots := []string{home, filepath.Clean(os.TempDir())}
	if runtime.GOOS == "darwin" {
		roots = append(roots, "/Applications")
	} else {
		roots = append(roots, "/opt", "/usr/local")
	}
	return roots
}
