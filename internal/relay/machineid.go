package relay

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateMachineID returns the stable machine identity, generating and
// persisting a fresh UUID on first run. The file holds exactly one ASCII
// UUID with no trailing whitespace.
func LoadOrCreateMachineID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Corrupt file; fall through and regenerate.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read machine id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("persist machine id: %w", err)
	}
	return id, nil
}
