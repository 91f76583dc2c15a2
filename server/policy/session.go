package policy

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/migadu/quotastatus/pkg/metrics"
	serverPkg "github.com/migadu/quotastatus/server"
)

// maxLineLength bounds a single attribute line. Legitimate Postfix
// requests are far smaller; anything longer is a broken or hostile peer
// and the connection is dropped.
const maxLineLength = 64 * 1024

// maxLoggedValueLength caps attribute values echoed into debug logs.
const maxLoggedValueLength = 1024

// policyRequest is one accumulated policy query. Postfix sends many
// attributes per query; only the ones the quota verdict depends on are
// retained, first occurrence wins.
type policyRequest struct {
	recipient    string
	hasRecipient bool
	size         int64
	state        string
	hasState     bool
}

func (r *policyRequest) reset() {
	*r = policyRequest{}
}

// setAttribute records one key=value attribute. Unrecognized keys are
// ignored; Postfix sends plenty we do not care about.
func (r *policyRequest) setAttribute(key, value string) {
	switch key {
	case "recipient":
		// An empty value leaves the recipient unset, so a later
		// recipient attribute can still fill it in.
		if !r.hasRecipient && value != "" {
			r.recipient = value
			r.hasRecipient = true
		}
	case "size":
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil || size < 0 {
			// Unparseable sizes count as zero, the verdict then
			// depends on usage alone.
			size = 0
		}
		r.size = size
	case "protocol_state":
		if !r.hasState {
			r.state = value
			r.hasState = true
		}
	}
}

type PolicySession struct {
	serverPkg.Session

	server *PolicyServer
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	request policyRequest

	// warnedBadState suppresses repeated warnings about inadmissible
	// protocol states for the lifetime of one connection.
	warnedBadState bool
}

func (s *PolicySession) handleConnection() {
	defer func() {
		s.conn.Close()
		s.cancel()
		s.server.removeSession(s)
		s.server.currentConnections.Add(-1)
		metrics.ConnectionsCurrent.WithLabelValues("policy").Dec()
		s.DebugLog("connection closed")
	}()

	reader := bufio.NewReaderSize(s.conn, 4096)
	writer := bufio.NewWriter(s.conn)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line, err := s.readLine(reader)
		if err != nil {
			if err == errLineTooLong {
				s.WarnLog("request line exceeds %d bytes, disconnecting", maxLineLength)
			}
			return
		}

		if line == "" {
			// Empty line finalizes the query
			action := s.decide(s.ctx, &s.request)
			if err := s.writeAction(writer, action); err != nil {
				s.WarnLog("failed to write response: %v", err)
				return
			}
			s.request.reset()
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			// Attribute lines we cannot parse are skipped, not fatal:
			// the MTA dialect may carry lines this daemon never
			// heard of, and the in-flight query must still get its
			// answer.
			if s.server.debug {
				s.DebugLog("ignoring request line without '=': %s", sanitizeForLog(line))
			}
			continue
		}

		key := line[:eq]
		value := line[eq+1:]
		if s.server.debug {
			s.DebugLog("attribute %s=%s", key, sanitizeForLog(value))
		}
		s.request.setAttribute(key, value)
	}
}

// readLine reads one LF-terminated line, without the terminator. A line
// longer than maxLineLength yields errLineTooLong.
func (s *PolicySession) readLine(reader *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineLength {
			return "", errLineTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}

	// Trim the LF and an optional preceding CR
	n := len(line) - 1
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n]), nil
}

// sanitizeForLog makes untrusted protocol data safe for log output:
// control characters are replaced and overlong values truncated.
func sanitizeForLog(value string) string {
	if len(value) > maxLoggedValueLength {
		value = value[:maxLoggedValueLength] + "..."
	}
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return '?'
		}
		return r
	}, value)
}
