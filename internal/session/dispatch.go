package session

import (
	"strings"
	"time"
)

const interruptByte = 0x03 // ^C

// Dispatch delivers a command to the session's PTY.
//
// With ensureAssistant, the session is interrupted and the assistant is
// (re)started before delivery: interrupt, 100ms, start command, then a settle
// window of 1.5s (4s when skip-permissions is active, because the safety
// prompt adds startup time).
//
// With autoSendEnter, the newline is written strictly after the command
// bytes, separated by EnterDelay. Writes to one PTY are serialised, so the
// ordering holds even under concurrent dispatches.
func (m *Manager) Dispatch(id, command string, ensureAssistant, autoSendEnter bool) error {
	sess, err := m.owned(id)
	if err != nil {
		return err
	}

	if ensureAssistant {
		if err := m.writeRaw(sess, []byte{interruptByte}); err != nil {
			return err
		}
		time.Sleep(interruptSettle)

		flags := sess.snapshot().StartupFlags
		if flags == "" {
			flags = m.DefaultFlags
		}
		if err := m.writeRaw(sess, []byte(m.assistantStart(flags)+"\n")); err != nil {
			return err
		}
		settle := ensureSettle
		if strings.Contains(flags, SkipPermissionsFlag) {
			go m.autoConfirm(sess)
			settle = ensureSettleSkip
		}
		time.Sleep(settle)
	}

	if err := m.writeRaw(sess, []byte(command)); err != nil {
		return err
	}
	if autoSendEnter {
		time.Sleep(EnterDelay)
		if err := m.writeRaw(sess, []byte("\n")); err != nil {
			return err
		}
	}
	return nil
}
