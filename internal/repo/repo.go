// Package repo maintains the registry of known repositories and resolves
// user queries against it. Repos arrive from three sources: filesystem scans,
// CLAUDE.md marker files found during scans, and user discovery actions
// persisted as learned repos.
package repo

import (
	"strings"
)

// Source tells where a registry record came from.
type Source string

const (
	SourceScanned    Source = "scanned"
	SourceMarkerFile Source = "marker_file"
	SourceLearned    Source = "learned"
	SourceRegistry   Source = "registry"
)

// Record is one known repository.
type Record struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Source    Source `json:"source"`
	HasMarker bool   `json:"hasMarker"`
}

// Normalize lowercases a repo name and strips separator noise so
// "My-App_Backend" and "myappbackend" compare equal.
func Normalize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}
