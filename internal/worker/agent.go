package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/taskmesh/internal/correlator"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/handlers"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

// Defaults for Config and the reconnect schedule.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMinBackoff        = time.Second
	DefaultMaxBackoff        = 30 * time.Second
)

// Config describes an Agent.
type Config struct {
	// ID identifies the worker across reconnects. Empty uses DefaultID.
	ID string
	// Address of the coordinator.
	Address string
	// Key is the pre-shared channel key.
	Key securechan.Key
	// Capabilities advertised at registration. Empty advertises every type
	// the executor can run.
	Capabilities []string
	// HeartbeatInterval between liveness reports.
	HeartbeatInterval time.Duration
	// RequestTimeout bounds the auth and register exchanges.
	RequestTimeout time.Duration
	// Username and Password are sent when set, for coordinators that require
	// worker authentication.
	Username string
	Password string
	// Hostname and Version are informational.
	Hostname string
	Version  string
}

// DefaultID derives a worker id from the hostname and process id.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("worker-%s-%d", host, os.Getpid())
}

// Dialer opens a secure channel to the coordinator.
type Dialer func(ctx context.Context) (*securechan.Conn, error)

// Agent connects to a coordinator and executes the tasks it assigns.
type Agent struct {
	cfg    Config
	exec   *handlers.Executor
	logger *logging.Logger
	dial   Dialer
	stats  func() *protocol.HostStats

	chanOpts []securechan.Option

	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithDialer replaces the default securechan.Dial to Config.Address.
func WithDialer(d Dialer) Option {
	return func(a *Agent) { a.dial = d }
}

// WithChannelOptions passes options to the default dialer.
func WithChannelOptions(opts ...securechan.Option) Option {
	return func(a *Agent) { a.chanOpts = append(a.chanOpts, opts...) }
}

// WithStats replaces the host stats sampler. A nil sampler omits stats.
func WithStats(fn func() *protocol.HostStats) Option {
	return func(a *Agent) {
		if fn == nil {
			fn = func() *protocol.HostStats { return nil }
		}
		a.stats = fn
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(a *Agent) {
		a.minBackoff = minDelay
		a.maxBackoff = max(minDelay, maxDelay)
	}
}

// New creates an Agent that runs tasks on exec.
func New(cfg Config, exec *handlers.Executor, opts ...Option) (*Agent, error) {
	if exec == nil {
		return nil, errors.NewValidationError("worker needs an executor").WithField("executor")
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = exec.Capabilities()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = correlator.DefaultTimeout
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	a := &Agent{
		cfg:        cfg,
		exec:       exec,
		logger:     logging.NopLogger(),
		stats:      HostStats,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dial == nil {
		if cfg.Address == "" {
			return nil, errors.NewValidationError("coordinator address is required").WithField("address")
		}
		a.dial = func(ctx context.Context) (*securechan.Conn, error) {
			return securechan.Dial(ctx, cfg.Address, cfg.Key, a.chanOpts...)
		}
	}
	a.logger = a.logger.WithWorker(cfg.ID)
	return a, nil
}

// ID returns the worker id.
func (a *Agent) ID() string { return a.cfg.ID }

// Capabilities returns the advertised task types.
func (a *Agent) Capabilities() []string { return a.cfg.Capabilities }

// CurrentTask returns the id of the executing task, or "".
func (a *Agent) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Completed returns how many tasks finished successfully.
func (a *Agent) Completed() int64 { return a.completed.Load() }

// Failed returns how many tasks failed.
func (a *Agent) Failed() int64 { return a.failed.Load() }

// Run serves the coordinator until ctx ends, reconnecting after connection
// loss. Rejected credentials end Run with an error.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.minBackoff
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fatal(err) {
			a.logger.Error("coordinator rejected worker", "error", err)
			return err
		}
		if registered {
			backoff = a.minBackoff
		}
		a.logger.Warn("connection lost, reconnecting", "error", err, "backoff", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, a.maxBackoff)
	}
}

func fatal(err error) bool {
	return errors.Is(err, errors.ErrBadCredentials) ||
		errors.Is(err, errors.ErrUnauthorized) ||
		errors.Is(err, errors.ErrForbidden)
}

// session runs one connection: register, then execute assignments until the
// connection or ctx ends. registered reports whether registration succeeded.
func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithCancel(ctx)

	assignments := make(chan protocol.Assignment, 1)
	var corr *correlator.Correlator
	corr = correlator.New(conn,
		correlator.WithTimeout(a.cfg.RequestTimeout),
		correlator.WithLogger(a.logger),
		correlator.WithUnsolicitedHandler(func(env protocol.Envelope) {
			a.onPush(corr, conn, env, assignments)
		}),
	)

	var wg conc.WaitGroup
	served := make(chan error, 1)
	wg.Go(func() {
		served <- corr.Serve(conn)
		cancel()
	})
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	if err := a.register(ctx, corr); err != nil {
		return false, err
	}
	a.logger.Info("registered with coordinator",
		"remote", conn.RemoteAddr(), "capabilities", a.cfg.Capabilities)

	wg.Go(func() { a.heartbeatLoop(ctx, corr, conn) })

	for {
		if err := corr.Notify(protocol.TypeRequestTask, protocol.RequestTask{WorkerID: a.cfg.ID}); err != nil {
			return true, err
		}
		select {
		case <-ctx.Done():
			select {
			case err := <-served:
				return true, err
			default:
				return true, ctx.Err()
			}
		case asg := <-assignments:
			a.execute(ctx, corr, asg)
		}
	}
}

func (a *Agent) register(ctx context.Context, corr *correlator.Correlator) error {
	var token string
	if a.cfg.Username != "" {
		reply, err := a.call(ctx, corr, protocol.TypeAuth, protocol.AuthRequest{
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		})
		if err != nil {
			return errors.Wrap(err, "authenticate worker")
		}
		token = reply.Token
	}
	_, err := a.call(ctx, corr, protocol.TypeRegisterWorker, protocol.RegisterRequest{
		Token: token,
		WorkerInfo: protocol.WorkerInfo{
			ID:           a.cfg.ID,
			Capabilities: a.cfg.Capabilities,
			Hostname:     a.cfg.Hostname,
			Version:      a.cfg.Version,
		},
	})
	return errors.Wrap(err, "register worker")
}

func (a *Agent) call(ctx context.Context, corr *correlator.Correlator, msgType string, body any) (protocol.Reply, error) {
	f, err := corr.SendRequest(msgType, body)
	if err != nil {
		return protocol.Reply{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	env, err := f.Await(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}
	var reply protocol.Reply
	if err := env.Decode(&reply); err != nil {
		return reply, err
	}
	return reply, reply.Err()
}

// onPush handles messages the coordinator sends without a request. It runs
// on the correlator's read goroutine and must not block.
func (a *Agent) onPush(corr *correlator.Correlator, conn *securechan.Conn, env protocol.Envelope, assignments chan<- protocol.Assignment) {
	switch env.Type {
	case protocol.TypeTaskAssignment:
		var msg protocol.TaskAssignment
		if err := env.Decode(&msg); err != nil || msg.Task.ID == "" {
			a.logger.Warn("dropping malformed assignment", "error", err)
			return
		}
		select {
		case assignments <- msg.Task:
		default:
			a.logger.WithTask(msg.Task.ID).Warn("assignment received while busy")
			a.notify(corr, protocol.TypeTaskFailed, protocol.TaskFailed{
				WorkerID: a.cfg.ID,
				TaskID:   msg.Task.ID,
				Error:    errors.ErrWorkerBusy.Error(),
			})
		}

	case protocol.TypeCancelTask:
		var msg protocol.CancelNotice
		if err := env.Decode(&msg); err != nil {
			a.logger.Warn("dropping malformed cancel notice", "error", err)
			return
		}
		if a.cancelTask(msg.TaskID) {
			a.logger.WithTask(msg.TaskID).Info("cancelling task on coordinator request")
		}

	case protocol.TypeError:
		var reply protocol.Reply
		_ = env.Decode(&reply)
		if reply.Code == protocol.CodeUnknownWorker {
			// Closing the conn ends the session; Run re-registers.
			a.logger.Warn("coordinator no longer knows this worker, re-registering")
			_ = conn.Close()
			return
		}
		a.logger.Warn("coordinator reported an error", "code", reply.Code, "message", reply.Message)

	default:
		a.logger.Debug("ignoring unsolicited message", "type", env.Type)
	}
}

func (a *Agent) cancelTask(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != taskID || a.cancel == nil {
		return false
	}
	a.cancel()
	return true
}

// execute runs one assignment and reports the outcome. The current task is
// cleared only after the outcome is sent, so no heartbeat reports the worker
// idle while its result is still in flight.
func (a *Agent) execute(ctx context.Context, corr *correlator.Correlator, asg protocol.Assignment) {
	log := a.logger.WithTask(asg.ID)
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.current, a.cancel = asg.ID, cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.current, a.cancel = "", nil
		a.mu.Unlock()
	}()

	log.Info("executing task", "task_type", asg.Type, "priority", asg.Priority)
	a.progress(corr, asg.ID, 0)
	out, err := a.exec.Execute(taskCtx, asg.ID, asg.Type, asg.Data, func(pct int) {
		a.progress(corr, asg.ID, pct)
	})

	switch {
	case err == nil:
		a.completed.Add(1)
		log.Info("task completed")
		a.notify(corr, protocol.TypeTaskComplete, protocol.TaskComplete{
			WorkerID: a.cfg.ID,
			TaskID:   asg.ID,
			Result:   out,
		})
	case errors.Is(err, errors.ErrCanceled) && ctx.Err() != nil:
		// Session is gone; the coordinator requeues on disconnect.
		log.Info("task abandoned with the connection")
	case errors.Is(err, errors.ErrCanceled):
		log.Info("task cancelled")
		a.notify(corr, protocol.TypeTaskFailed, protocol.TaskFailed{
			WorkerID: a.cfg.ID,
			TaskID:   asg.ID,
			Error:    "cancelled",
		})
	default:
		a.failed.Add(1)
		log.Warn("task failed", "error", err)
		a.notify(corr, protocol.TypeTaskFailed, protocol.TaskFailed{
			WorkerID: a.cfg.ID,
			TaskID:   asg.ID,
			Error:    failureMessage(err),
		})
	}
}

func failureMessage(err error) string {
	var execErr *errors.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Message()
	}
	return err.Error()
}

func (a *Agent) progress(corr *correlator.Correlator, taskID string, pct int) {
	a.notify(corr, protocol.TypeStatusUpdate, protocol.StatusUpdate{
		WorkerID: a.cfg.ID,
		TaskID:   taskID,
		Status:   "running",
		Progress: &pct,
	})
}

func (a *Agent) notify(corr *correlator.Correlator, msgType string, body any) {
	if err := corr.Notify(msgType, body); err != nil {
		a.logger.Debug("send failed", "type", msgType, "error", err)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, corr *correlator.Correlator, conn io.Closer) {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.sendHeartbeat(corr, conn) {
				return
			}
		}
	}
}

// sendHeartbeat reports liveness. A failure that leaves the channel unusable
// closes conn, which ends the session so Run reconnects; anything else is
// retried on the next tick.
func (a *Agent) sendHeartbeat(corr *correlator.Correlator, conn io.Closer) bool {
	err := corr.Notify(protocol.TypeHeartbeat, a.heartbeat())
	switch {
	case err == nil:
		return true
	case errors.IsFatalToConnection(err):
		a.logger.Warn("heartbeat failed, dropping connection", "error", err)
		_ = conn.Close()
		return false
	default:
		a.logger.Debug("heartbeat not sent", "error", err)
		return true
	}
}

func (a *Agent) heartbeat() protocol.Heartbeat {
	current := json.RawMessage("null")
	if id := a.CurrentTask(); id != "" {
		current, _ = json.Marshal(id)
	}
	return protocol.Heartbeat{
		WorkerID:    a.cfg.ID,
		Status:      "alive",
		CurrentTask: current,
		Stats:       a.stats(),
	}
}
