package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/taskmesh/internal/auth"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/workers"
)

// Config holds required dependencies for creating a Server.
type Config struct {
	// Address is the TCP address to listen on. Use port 0 for an ephemeral
	// port and read it back with Addr.
	Address string
	// Key is the pre-shared channel key.
	Key securechan.Key
	// Authority verifies credentials and session tokens.
	Authority *auth.Authority
}

// Server accepts client and worker connections and coordinates tasks between
// them.
type Server struct {
	cfg    Config
	sc     serverConfig
	logger *logging.Logger

	bus        *event.Bus
	tasks      *taskqueue.Registry
	dispatcher *workers.Dispatcher
	authority  *auth.Authority
	routes     map[string]route

	mu       sync.RWMutex
	started  bool
	cancel   context.CancelFunc
	ln       *securechan.Listener
	wg       conc.WaitGroup
	busSubs  []string
	sessions map[*session]struct{}
	// workerSessions maps a worker id to the connection it last registered on.
	workerSessions map[string]*session
	// subscribers maps a task id to the connections receiving its updates.
	subscribers map[string]map[*session]struct{}

	kick chan struct{}
}

// New creates a Server. The task registry and dispatcher are built here and
// share the server's event bus.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Authority == nil {
		return nil, errors.NewValidationError("coordinator: Authority is required").WithField("authority")
	}
	if cfg.Address == "" {
		return nil, errors.NewValidationError("coordinator: Address is required").WithField("address")
	}

	sc := defaultServerConfig()
	for _, opt := range opts {
		opt(&sc)
	}
	logger := sc.logger.WithComponent("coordinator")
	bus := sc.bus
	if bus == nil {
		bus = event.NewBus(event.WithLogger(logger))
	}

	tasks := taskqueue.NewRegistry(
		taskqueue.WithBus(bus),
		taskqueue.WithLogger(logger),
		taskqueue.WithClock(sc.clock),
		taskqueue.WithRetention(sc.retention),
	)
	dispOpts := []workers.Option{
		workers.WithBus(bus),
		workers.WithLogger(logger),
		workers.WithClock(sc.clock),
	}
	if sc.assignGrace > 0 {
		dispOpts = append(dispOpts, workers.WithAssignGrace(sc.assignGrace))
	}
	dispatcher := workers.NewDispatcher(tasks, workers.NewRegistry(), dispOpts...)

	s := &Server{
		cfg:            cfg,
		sc:             sc,
		logger:         logger,
		bus:            bus,
		tasks:          tasks,
		dispatcher:     dispatcher,
		authority:      cfg.Authority,
		sessions:       make(map[*session]struct{}),
		workerSessions: make(map[string]*session),
		subscribers:    make(map[string]map[*session]struct{}),
		kick:           make(chan struct{}, 1),
	}
	s.routes = s.routeTable()
	return s, nil
}

// Tasks returns the task registry.
func (s *Server) Tasks() *taskqueue.Registry { return s.tasks }

// Dispatcher returns the worker dispatcher.
func (s *Server) Dispatcher() *workers.Dispatcher { return s.dispatcher }

// Bus returns the event bus every component publishes on.
func (s *Server) Bus() *event.Bus { return s.bus }

// Authority returns the session authority.
func (s *Server) Authority() *auth.Authority { return s.authority }

// Addr returns the listening address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Address
}

// Start begins listening and launches the accept, dispatch and liveness
// loops. Returns an error if the server is already started.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("coordinator: server already started")
	}
	ln, err := securechan.Listen(s.cfg.Address, s.cfg.Key, s.sc.channelOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.ln = ln
	s.cancel = cancel
	s.started = true
	s.busSubs = []string{s.bus.Subscribe("task.*", s.onTaskEvent)}

	s.wg.Go(func() { s.acceptLoop(ctx, ln) })
	s.wg.Go(func() { s.dispatchLoop(ctx) })
	s.wg.Go(func() { s.sweepLoop(ctx) })

	s.logger.Info("coordinator listening",
		"address", ln.Addr().String(),
		"heartbeat_interval", s.sc.heartbeatInterval,
		"liveness_timeout", s.sc.livenessTimeout())
	return nil
}

// Stop closes the listener and every connection and waits for all
// goroutines to exit. It is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	ln := s.ln
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	for _, id := range s.busSubs {
		s.bus.Unsubscribe(id)
	}
	s.busSubs = nil
	s.mu.Unlock()

	err := ln.Close()
	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	ln.Wait()

	s.logger.Info("coordinator stopped")
	return err
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Running reports whether the server is started.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Server) acceptLoop(ctx context.Context, ln *securechan.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		sess := newSession(s, conn)
		if !s.track(sess) {
			_ = conn.Close()
			return
		}
		s.wg.Go(func() { sess.run() })
	}
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

// untrack forgets a closed connection. A worker whose current registration
// is on this connection is disconnected, which requeues its task.
func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	for taskID := range sess.subs {
		s.removeSubscriberLocked(taskID, sess)
	}
	workerID := sess.WorkerID()
	bound := workerID != "" && s.workerSessions[workerID] == sess
	if bound {
		delete(s.workerSessions, workerID)
	}
	s.mu.Unlock()

	if bound {
		if _, ok := s.dispatcher.Disconnect(workerID); ok {
			s.requestDispatch()
		}
	}
}

// bindWorker records sess as the connection for workerID. A previous
// connection for the same worker keeps running but no longer receives pushes.
func (s *Server) bindWorker(workerID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.workerSessions[workerID]; prev != nil && prev != sess {
		s.logger.WithWorker(workerID).Info("worker moved to a new connection",
			"previous", prev.remote, "current", sess.remote)
	}
	s.workerSessions[workerID] = sess
}

func (s *Server) workerSession(workerID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerSessions[workerID]
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// requestDispatch wakes the dispatch loop. Requests made while a dispatch is
// pending are coalesced.
func (s *Server) requestDispatch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Server) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.dispatch()
		}
	}
}

// dispatch assigns every queued task it can and pushes the assignments. A
// worker whose connection cannot take the push is disconnected, which
// returns the task to the queue for another worker.
func (s *Server) dispatch() {
	for {
		assignments := s.dispatcher.DispatchAll()
		if len(assignments) == 0 {
			return
		}
		lost := false
		for _, a := range assignments {
			if !s.pushAssignment(a) {
				lost = true
			}
		}
		if !lost {
			return
		}
	}
}

// Dispatch runs one dispatch pass synchronously.
func (s *Server) Dispatch() {
	s.dispatch()
}

// -----------------------------------------------------------------------------
// Liveness
// -----------------------------------------------------------------------------

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.sc.sweep())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep evicts workers whose heartbeats stopped, requeues their tasks and
// re-runs dispatch. It then prunes finished tasks, long-unreachable workers
// and expired sessions.
func (s *Server) Sweep() {
	now := s.sc.clock()
	evicted := s.dispatcher.MarkUnreachableIfStale(now, s.sc.livenessTimeout())
	for _, ev := range evicted {
		s.logger.WithWorker(ev.WorkerID).Warn("worker evicted", "reason", ev.Reason, "requeued_task", ev.TaskID)
	}
	s.dispatch()

	if n := s.tasks.PruneTerminal(now); n > 0 {
		s.logger.Debug("pruned finished tasks", "count", n)
	}
	for _, id := range s.dispatcher.ForgetUnreachable(now, s.sc.forgetAfter) {
		s.logger.WithWorker(id).Info("forgot unreachable worker")
	}
	if n := s.authority.PruneExpired(now); n > 0 {
		s.logger.Debug("pruned expired sessions", "count", n)
	}
}
