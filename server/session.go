package server

import (
	"fmt"

	"github.com/migadu/quotastatus/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
}

// Session carries the per-connection identity shared by the protocol
// servers. Policy sessions are never authenticated; the recipient of the
// current query is logged per message instead.
type Session struct {
	Id         string
	RemoteIP   string
	ServerName string // Name of the server instance (e.g., "policy0")
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) prefix() string {
	if s.ServerName != "" {
		return fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}
	return s.Protocol
}

func (s *Session) Log(format string, args ...any) {
	if s.Stats != nil {
		logger.Info("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "conn_total", s.Stats.GetTotalConnections(), "msg", fmt.Sprintf(format, args...))
	} else {
		logger.Info("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "msg", fmt.Sprintf(format, args...))
	}
}

func (s *Session) DebugLog(format string, args ...any) {
	if s.Stats != nil {
		logger.Debug("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "conn_total", s.Stats.GetTotalConnections(), "msg", fmt.Sprintf(format, args...))
	} else {
		logger.Debug("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "msg", fmt.Sprintf(format, args...))
	}
}

func (s *Session) WarnLog(format string, args ...any) {
	if s.Stats != nil {
		logger.Warn("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "conn_total", s.Stats.GetTotalConnections(), "msg", fmt.Sprintf(format, args...))
	} else {
		logger.Warn("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "msg", fmt.Sprintf(format, args...))
	}
}

func (s *Session) ErrorLog(format string, args ...any) {
	if s.Stats != nil {
		logger.Error("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "conn_total", s.Stats.GetTotalConnections(), "msg", fmt.Sprintf(format, args...))
	} else {
		logger.Error("Session", "protocol", s.prefix(), "remote", s.RemoteIP, "session", s.Id, "msg", fmt.Sprintf(format, args...))
	}
}
