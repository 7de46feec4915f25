package session

import (
	"bytes"
	"time"
)

// acceptPrompt is the literal the assistant prints when skip-permissions
// asks for a one-time acknowledgement.
var acceptPrompt = []byte("Yes, I accept")

var arrowDown = []byte{0x1b, '[', 'B'}

// autoConfirm answers the skip-permissions safety prompt exactly once.
//
// The default-selected choice on that prompt is "No, exit", so a stray
// newline sent before the prompt renders must never confirm it. The listener
// is therefore event-driven: buffer output, wait for the literal prompt
// text, detach, then arrow-down and enter with settle delays in between.
// If the prompt never appears within 15s the listener goes away silently.
func (m *Manager) autoConfirm(sess *session) {
	ch, done, cancel := sess.subscribe()
	defer cancel()

	timer := time.NewTimer(confirmWindow)
	defer timer.Stop()

	var buf []byte
	for {
		select {
		case <-done:
			return
		case <-timer.C:
			return
		case data := <-ch:
			buf = append(buf, data...)
			if bytes.Contains(buf, acceptPrompt) {
				cancel()
				time.Sleep(confirmArrowDelay)
				if err := m.writeRaw(sess, arrowDown); err != nil {
					return
				}
				time.Sleep(confirmEnterDelay)
				m.writeRaw(sess, []byte("\n"))
				return
			}
			// Keep only a tail; the prompt is short and recent.
			if len(buf) > 8192 {
				buf = append(buf[:0], buf[len(buf)-4096:]...)
			}
		}
	}
}
