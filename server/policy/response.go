package policy

import "bufio"

// writeAction encodes one response and flushes it in a single write, so
// the peer never observes a partial response followed by a stall.
func (s *PolicySession) writeAction(writer *bufio.Writer, action string) error {
	if _, err := writer.WriteString("action="); err != nil {
		return err
	}
	if _, err := writer.WriteString(action); err != nil {
		return err
	}
	if _, err := writer.WriteString("\n\n"); err != nil {
		return err
	}
	if s.server.debug {
		s.DebugLog("response action=%s", sanitizeForLog(action))
	}
	return writer.Flush()
}
