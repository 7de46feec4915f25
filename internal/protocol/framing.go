package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxFrameBytes bounds a single frame. Generic payloads top out at 4096
// bytes, so this leaves generous headroom for envelope fields.
const MaxFrameBytes = 64 * 1024

// NewFrameScanner wraps r with a line scanner sized for protocol frames.
// Partial frames are buffered by the scanner until a newline arrives.
func NewFrameScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), MaxFrameBytes)
	return sc
}

// DecodeFrame parses one LF-delimited line. Blank and whitespace-only lines
// return (nil, nil) and must be skipped by the caller.
func DecodeFrame(line []byte) (*Frame, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, nil
	}
	var f Frame
	if err := json.Unmarshal([]byte(trimmed), &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// WriteJSON marshals v and writes it as one LF-terminated frame.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
