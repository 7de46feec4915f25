package config

import (
	"os"
	"path/filepath"
)

const appName = "varie"

// Dir returns the per-user app directory (~/.varie), creating nothing.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "."+appName), nil
}

// ManagerDir is the orchestrator workspace under the app dir.
func ManagerDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "manager"), nil
}

// SocketPath is the control socket location. Dev builds get their own socket
// so a dev daemon never races a production one.
func SocketPath(dev bool) string {
	name := appName + ".sock"
	if dev {
		name = appName + "-dev.sock"
	}
	return filepath.Join(os.TempDir(), name)
}

// ConfigPath is ~/.varie/config.yaml.
func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DescriptorPath is ~/.varie/daemon.json, read by clients to find the socket.
func DescriptorPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.json"), nil
}

// MachineIDPath is ~/.varie/machine-id.
func MachineIDPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "machine-id"), nil
}

// LearnedReposPath is ~/.varie/learned-repos.json.
func LearnedReposPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "learned-repos.json"), nil
}

// JournalPath is ~/.varie/journal.db, the sqlite checkpoint journal.
func JournalPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.db"), nil
}

// FlagPath is the single-use hook handshake file for one session.
func FlagPath(sessionID string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "resume-pending-"+sessionID), nil
}

// EnsureDirs creates the app dir and manager dir.
func EnsureDirs() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	mgr, err := ManagerDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(mgr, 0755)
}
