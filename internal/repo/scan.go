package repo

import (
	"os"
	"path/filepath"
	"strings"
)

const maxScanDepth = 3

// Scan walks up to three directory levels below root and returns every
// directory that looks like a repo: it contains a .git entry or a CLAUDE.md.
// Entries named with a leading dot, node_modules, or an archive prefix are
// skipped. Repos are not descended into.
func Scan(root string) []Record {
	var out []Record
	scanDir(root, 1, &out)
	return out
}

func scanDir(dir string, depth int, out *[]Record) {
	if depth > maxScanDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if skipEntry(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if isRepo, hasMarker := probeRepo(path); isRepo {
			src := SourceScanned
			if hasMarker {
				src = SourceMarkerFile
			}
			*out = append(*out, Record{Name: name, Path: path, Source: src, HasMarker: hasMarker})
			continue
		}
		scanDir(path, depth+1, out)
	}
}

func skipEntry(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "node_modules") ||
		strings.HasPrefix(name, "archive")
}

func probeRepo(path string) (isRepo, hasMarker bool) {
	if _, err := os.Lstat(filepath.Join(path, ".git")); err == nil {
		isRepo = true
	}
	if _, err := os.Stat(filepath.Join(path, "CLAUDE.md")); err == nil {
		isRepo = true
		hasMarker = true
	}
	return
}
