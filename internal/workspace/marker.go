package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkerHeader identifies the injected section; its presence anywhere in a
// CLAUDE.md means the file is already wired up.
const MarkerHeader = "## Varie Session Coordination"

// MarkerSection is the fixed block appended to managed repos.
const MarkerSection = MarkerHeader + `

This repository is coordinated by the varie daemon. When a session starts
here, check for a pending handoff before doing anything else:

- Read and delete ` + "`~/.varie/resume-pending-<session-id>`" + ` if it exists.
- Report checkpoints over the varie control socket (see daemon.json).
`

// InjectMarker appends the coordination section to the repo's CLAUDE.md.
// Idempotent: injecting twice yields the same file as injecting once. A
// missing file is a no-op, not an error (the repo opted out of markers).
// Returns true if the file was modified.
func InjectMarker(claudePath string) (bool, error) {
	data, err := os.ReadFile(claudePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", claudePath, err)
	}
	content := string(data)
	if strings.Contains(content, MarkerHeader) {
		return false, nil
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if content != "" && !strings.HasSuffix(content, "\n\n") {
		content += "\n"
	}
	content += MarkerSection

	if err := writeAtomic(claudePath, []byte(content), 0644); err != nil {
		return false, err
	}
	return true, nil
}

// writeAtomic writes via a temp file in the same directory plus rename, so
// readers never observe a half-written file.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
