package workspace

import (
	"fmt"
	"os"
	"strings"
)

// FlagFile is a single-use handoff record written by a hook script for the
// next user prompt. Simple fields are key=value lines; multi-line payloads
// follow as named section blocks:
//
//	type=compact
//	---section---
//	summary
//	...free text...
//	---end---
type FlagFile struct {
	Fields map[string]string
}

const (
	sectionStart = "---section---"
	sectionEnd   = "---end---"
)

// ConsumeFlagFile reads and deletes the flag file at path. The delete happens
// even when parsing fails: a malformed flag must not be retried forever.
// A missing file returns (nil, nil).
func ConsumeFlagFile(path string) (*FlagFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read flag file: %w", err)
	}
	os.Remove(path)

	ff, err := parseFlagFile(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse flag file %s: %w", path, err)
	}
	return ff, nil
}

func parseFlagFile(content string) (*FlagFile, error) {
	ff := &FlagFile{Fields: map[string]string{}}
	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == "" {
			continue
		}
		if line == sectionStart {
			if i+1 >= len(lines) {
				return nil, fmt.Errorf("section block missing name")
			}
			name := strings.TrimSpace(lines[i+1])
			var body []string
			j := i + 2
			for ; j < len(lines); j++ {
				if strings.TrimRight(lines[j], "\r") == sectionEnd {
					break
				}
				body = append(body, lines[j])
			}
			if j >= len(lines) {
				return nil, fmt.Errorf("section %q not terminated", name)
			}
			ff.Fields[name] = strings.Join(body, "\n")
			i = j
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		ff.Fields[key] = val
	}
	return ff, nil
}
