package coordinator

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

// session is one accepted connection. The reader goroutine routes requests;
// the writer goroutine drains out. Everything else talks to the peer through
// send, which never blocks.
type session struct {
	id     string
	srv    *Server
	conn   *securechan.Conn
	remote string
	logger *logging.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	workerID     string
	authFailures int

	// subs is guarded by srv.mu.
	subs map[string]struct{}
}

func newSession(srv *Server, conn *securechan.Conn) *session {
	id := uuid.NewString()[:8]
	remote := conn.RemoteAddr()
	return &session{
		id:     id,
		srv:    srv,
		conn:   conn,
		remote: remote,
		logger: srv.logger.WithConn(remote).With("session", id),
		out:    make(chan []byte, srv.sc.outboundBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
}

// WorkerID returns the worker registered on this connection, if any.
func (s *session) WorkerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}

func (s *session) setWorker(id string) {
	s.mu.Lock()
	s.workerID = id
	s.mu.Unlock()
}

// authFailed counts a rejected login and reports whether the limit is reached.
func (s *session) authFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures++
	return s.authFailures >= s.srv.sc.maxAuthFailures
}

func (s *session) run() {
	s.logger.Debug("connection opened")
	var wg conc.WaitGroup
	wg.Go(s.writeLoop)

	s.readLoop()
	s.close()
	wg.Wait()
	s.srv.untrack(s)
	s.logger.Debug("connection closed", "worker_id", s.WorkerID())
}

func (s *session) readLoop() {
	for {
		frame, err := s.conn.Receive()
		if err != nil {
			s.logReadError(err)
			return
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			s.logger.Warn("malformed envelope", "error", err)
			s.send(protocol.TypeError, "", protocol.Failure(protocol.CodeInvalidRequest, err.Error()))
			continue
		}
		s.srv.handle(s, env)
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *session) logReadError(err error) {
	switch {
	case errors.Is(err, errors.ErrChannelClosed):
		s.logger.Debug("peer closed connection")
	case errors.Is(err, errors.ErrTimeout):
		s.logger.Info("connection idle, closing")
	default:
		s.logger.Warn("connection failed", "error", err, "severity", errors.GetSeverity(err).String())
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.Send(frame); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// send queues a message for the writer. It reports false if the connection
// is closed or its queue is full; a full queue closes the connection.
func (s *session) send(msgType, correlationID string, body any) bool {
	frame, err := protocol.Encode(msgType, correlationID, body)
	if err != nil {
		s.logger.Error("encode failed", "type", msgType, "error", err)
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("outbound queue full, closing connection", "type", msgType)
		s.close()
		return false
	}
}

// sendFinal writes a message directly, bypassing the queue, before the
// connection is closed.
func (s *session) sendFinal(msgType, correlationID string, body any) {
	frame, err := protocol.Encode(msgType, correlationID, body)
	if err == nil {
		_ = s.conn.Send(frame)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
