package store

import "testing"

func TestAppendAndRecent(t *testing.T) {
	j, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	j.Append("s1", "session_start", "")
	j.Append("s1", "checkpoint", "step 1 done")
	j.Append("s2", "session_start", "")

	recent, err := j.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("want 2 entries, got %d", len(recent))
	}
	if recent[0].SessionID != "s2" {
		t.Errorf("want newest first, got %+v", recent[0])
	}
}

func TestBySessionOrder(t *testing.T) {
	j, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	j.Append("s1", "session_start", "")
	j.Append("s1", "checkpoint", "a")
	j.Append("s1", "session_end", "")

	events, err := j.BySession("s1", 0)
	if err != nil {
		t.Fatalf("by session: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	if events[0].Type != "session_start" || events[2].Type != "session_end" {
		t.Errorf("wrong order: %v %v", events[0].Type, events[2].Type)
	}
}
