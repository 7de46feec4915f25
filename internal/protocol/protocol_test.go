package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEventAndCommandSetsDisjoint(t *testing.T) {
	events := []string{TypeSessionStart, TypeSessionEnd, TypeCheckpoint, TypeToolUse, TypeQuestion}
	commands := []string{TypeDispatch, TypeRoute, TypeListWorkers, TypeCreateWorker, TypeDiscoverProjects, TypeRecentEvents}

	for _, typ := range events {
		if !IsEvent(typ) || IsCommand(typ) {
			t.Errorf("%s should be event only", typ)
		}
	}
	for _, typ := range commands {
		if !IsCommand(typ) || IsEvent(typ) {
			t.Errorf("%s should be command only", typ)
		}
	}
	if IsEvent("nonsense") || IsCommand("nonsense") {
		t.Error("unknown type classified")
	}
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"checkpoint","sessionId":"s1","context":"done"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != TypeCheckpoint || f.SessionID != "s1" || f.Context != "done" {
		t.Fatalf("bad frame: %+v", f)
	}

	for _, blank := range []string{"", "   ", "\t"} {
		f, err := DecodeFrame([]byte(blank))
		if err != nil || f != nil {
			t.Errorf("blank line %q: want (nil,nil), got (%v,%v)", blank, f, err)
		}
	}

	if _, err := DecodeFrame([]byte("{broken")); err == nil {
		t.Error("want error for malformed JSON")
	}
}

func TestFrameScannerSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	WriteJSON(&buf, Frame{Type: TypeSessionStart, SessionID: "a"})
	WriteJSON(&buf, Frame{Type: TypeSessionEnd, SessionID: "a"})

	sc := NewFrameScanner(&buf)
	var types []string
	for sc.Scan() {
		f, err := DecodeFrame(sc.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		types = append(types, f.Type)
	}
	if len(types) != 2 || types[0] != TypeSessionStart || types[1] != TypeSessionEnd {
		t.Fatalf("got %v", types)
	}
}

func TestFrameScannerHandlesLargeFrames(t *testing.T) {
	// Larger than the default bufio limit, smaller than MaxFrameBytes.
	big := strings.Repeat("x", 50*1024)
	var buf bytes.Buffer
	WriteJSON(&buf, Frame{Type: TypeCheckpoint, Context: big})

	sc := NewFrameScanner(&buf)
	if !sc.Scan() {
		t.Fatalf("scan failed: %v", sc.Err())
	}
	f, err := DecodeFrame(sc.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if f.Context != big {
		t.Error("large payload mangled")
	}
}

func TestResponseOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Ok())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"status":"ok"}` {
		t.Errorf("bare ok serialised as %s", data)
	}

	resp := Errorf("no match")
	resp.Found = Bool(false)
	data, _ = json.Marshal(resp)
	if !strings.Contains(string(data), `"found":false`) {
		t.Errorf("found=false dropped: %s", data)
	}
}
