// Package policy implements the Postfix SMTPD access policy server that
// answers quota admission queries for inbound mail.
//
// Postfix connects over TCP, sends one attribute per line as key=value
// pairs, and terminates each query with an empty line. The server answers
// with a single "action=<value>" line followed by an empty line, then
// waits for the next query on the same connection.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/quotastatus/config"
	"github.com/migadu/quotastatus/logger"
	"github.com/migadu/quotastatus/pkg/metrics"
	"github.com/migadu/quotastatus/quota"
	serverPkg "github.com/migadu/quotastatus/server"
	"github.com/migadu/quotastatus/server/idgen"
)

type PolicyServer struct {
	addr      string
	name      string
	appCtx    context.Context
	cancel    context.CancelFunc
	directory quota.Directory
	engine    quota.Engine
	quotaCfg  config.QuotaConfig
	debug     bool

	// Connection limiting
	maxConnections int

	// Connection counters
	totalConnections   atomic.Int64
	currentConnections atomic.Int64

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*PolicySession]struct{}
	sessionsWg          sync.WaitGroup // Tracks active sessions for graceful drain
}

type PolicyServerOptions struct {
	Debug          bool
	MaxConnections int
	Quota          config.QuotaConfig
}

func New(appCtx context.Context, name, addr string, directory quota.Directory, engine quota.Engine, options PolicyServerOptions) (*PolicyServer, error) {
	if directory == nil || engine == nil {
		return nil, fmt.Errorf("policy server requires a directory and a quota engine")
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	return &PolicyServer{
		addr:           addr,
		name:           name,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		directory:      directory,
		engine:         engine,
		quotaCfg:       options.Quota,
		debug:          options.Debug,
		maxConnections: options.MaxConnections,
		activeSessions: make(map[*PolicySession]struct{}),
	}, nil
}

func (s *PolicyServer) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	defer listener.Close()

	logger.Info("Policy server listening", "name", s.name, "addr", listener.Addr().String())

	// Unblock Accept when the application context is cancelled
	go func() {
		<-s.appCtx.Done()
		logger.Debug("Policy: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("Policy server stopped gracefully", "name", s.name)
				return
			default:
				errChan <- err
				return
			}
		}

		if s.maxConnections > 0 && s.currentConnections.Load() >= int64(s.maxConnections) {
			logger.Warn("Policy: connection rejected, limit reached", "name", s.name, "remote", conn.RemoteAddr().String(), "max", s.maxConnections)
			metrics.ConnectionsRejected.WithLabelValues("policy", "max_connections").Inc()
			conn.Close()
			continue
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		s.currentConnections.Add(1)

		metrics.ConnectionsTotal.WithLabelValues("policy").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("policy").Inc()

		session := &PolicySession{
			server: s,
			conn:   conn,
			ctx:    sessionCtx,
			cancel: sessionCancel,
		}
		session.RemoteIP = serverPkg.GetAddrString(conn.RemoteAddr())
		session.Protocol = "POLICY"
		session.ServerName = s.name
		session.Id = idgen.New()
		session.Stats = s

		logger.Debug("Policy: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

		s.addSession(session)
		s.sessionsWg.Add(1)

		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

func (s *PolicyServer) Close() {
	// Cancel context to signal sessions to finish
	if s.cancel != nil {
		s.cancel()
	}

	// Wait for active sessions to finish gracefully, then force-close the rest
	s.waitForSessionsDrain(30 * time.Second)
	s.closeActiveSessions()
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *PolicyServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("Policy: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("Policy: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *PolicyServer) closeActiveSessions() {
	s.activeSessionsMutex.RLock()
	sessions := make([]*PolicySession, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		sessions = append(sessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	for _, session := range sessions {
		if session.conn != nil {
			session.conn.Close()
		}
	}
}

// addSession tracks an active session for graceful shutdown
func (s *PolicyServer) addSession(session *PolicySession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

// removeSession removes a session from active tracking
func (s *PolicyServer) removeSession(session *PolicySession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// GetTotalConnections returns the current total connection count
func (s *PolicyServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

var errLineTooLong = errors.New("request line too long")
