package session

import (
	"bytes"
	"time"
)

// promptGlyph is the assistant's input prompt marker (U+25B8). If a future
// assistant version changes the prompt only the settle fallback fires; that
// is graceful degradation, not a failure.
var promptGlyph = []byte("▸")

// WaitForAssistantReady watches the session's output until the assistant
// looks ready or timeout elapses.
//
// Detection is a small state machine:
//
//	ignoring: all output in the first 1.5s is shell-prompt noise, skipped
//	watching: ready when the prompt glyph appears, or when output goes
//	          quiet for 2s after at least some output was seen
//
// The ignore window suppresses pattern matching only: output seen inside it
// still counts as activity for the settle condition and the timeout result,
// since shell noise proves the PTY is alive even when the assistant is not
// up yet.
//
// On timeout the result is true iff any activity was observed at all.
// Session termination unblocks the wait and reports false.
func (m *Manager) WaitForAssistantReady(id string, timeout time.Duration) bool {
	sess, err := m.owned(id)
	if err != nil {
		return false
	}
	ch, done, cancel := sess.subscribe()
	defer cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ignore := time.NewTimer(readyIgnoreWindow)
	defer ignore.Stop()

	var settle *time.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	ignoring := true
	anyActivity := false
	// carry holds the tail of the previous chunk so a glyph split across
	// reads still matches.
	var carry []byte

	for {
		select {
		case <-done:
			return false

		case <-deadline.C:
			return anyActivity

		case <-ignore.C:
			ignoring = false
			settle = time.NewTimer(readySettleWindow)
			settleC = settle.C

		case data := <-ch:
			anyActivity = true
			if ignoring {
				continue
			}
			chunk := append(carry, data...)
			if bytes.Contains(chunk, promptGlyph) {
				return true
			}
			if n := len(chunk); n > len(promptGlyph)-1 {
				chunk = chunk[n-(len(promptGlyph)-1):]
			}
			carry = append(carry[:0], chunk...)

			if settle != nil {
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(readySettleWindow)
			}

		case <-settleC:
			if anyActivity {
				return true
			}
			settle.Reset(readySettleWindow)
		}
	}
}
