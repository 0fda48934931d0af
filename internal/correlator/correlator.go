// Package correlator matches responses to requests on one persistent
// connection and routes unsolicited pushes to their consumers.
//
// Every request gets a fresh correlation id and a single-slot pending entry.
// The caller waits on the returned Future without polling; when the wait
// times out the slot is freed and a late response is discarded. task_update
// pushes carry no correlation id and are delivered to per-task
// subscriptions over channels instead.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
)

// DefaultTimeout bounds a request/response round trip.
const DefaultTimeout = 5 * time.Second

// DefaultSubscriptionBuffer is the per-subscription update backlog.
const DefaultSubscriptionBuffer = 64

// Sender transmits one encoded frame. *securechan.Conn satisfies it.
type Sender interface {
	Send([]byte) error
}

// Receiver yields decoded frames. *securechan.Conn satisfies it.
type Receiver interface {
	Receive() ([]byte, error)
}

type pending struct {
	expected string
	slot     chan protocol.Envelope
}

// Correlator is safe for concurrent use.
type Correlator struct {
	sender Sender

	mu      sync.Mutex
	pending map[string]*pending
	subs    map[string]map[*Subscription]struct{}
	closed  bool

	timeout     time.Duration
	subBuffer   int
	newID       func() string
	unsolicited func(protocol.Envelope)
	logger      *logging.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout sets the default wait used by Future.Wait with a zero timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithIDGenerator overrides the correlation id source.
func WithIDGenerator(gen func() string) Option {
	return func(c *Correlator) { c.newID = gen }
}

// WithSubscriptionBuffer sets the update backlog of each subscription.
func WithSubscriptionBuffer(n int) Option {
	return func(c *Correlator) { c.subBuffer = max(n, 1) }
}

// WithUnsolicitedHandler receives uncorrelated messages other than
// task_update, such as task_assignment pushed to a worker. It runs on the
// goroutine calling OnMessage.
func WithUnsolicitedHandler(fn func(protocol.Envelope)) Option {
	return func(c *Correlator) { c.unsolicited = fn }
}

// New creates a Correlator writing requests to sender.
func New(sender Sender, opts ...Option) *Correlator {
	c := &Correlator{
		sender:    sender,
		pending:   make(map[string]*pending),
		subs:      make(map[string]map[*Subscription]struct{}),
		timeout:   DefaultTimeout,
		subBuffer: DefaultSubscriptionBuffer,
		newID:     uuid.NewString,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendRequest encodes body as a msgType message under a fresh correlation id,
// records the pending slot and transmits it.
func (c *Correlator) SendRequest(msgType string, body any) (*Future, error) {
	id := c.newID()
	frame, err := protocol.Encode(msgType, id, body)
	if err != nil {
		return nil, err
	}

	p := &pending{expected: msgType, slot: make(chan protocol.Envelope, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrChannelClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.sender.Send(frame); err != nil {
		c.forget(id)
		return nil, err
	}
	return &Future{ID: id, Type: msgType, slot: p.slot, c: c}, nil
}

// Notify sends a message that expects no reply.
func (c *Correlator) Notify(msgType string, body any) error {
	frame, err := protocol.Encode(msgType, "", body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.ErrChannelClosed
	}
	return c.sender.Send(frame)
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OnMessage routes an incoming envelope. It reports whether the message was
// consumed: by a pending request, a task subscription, or the unsolicited
// handler.
func (c *Correlator) OnMessage(env protocol.Envelope) bool {
	if env.CorrelationID != "" {
		return c.resolve(env)
	}
	if env.Type == protocol.TypeTaskUpdate {
		var u protocol.TaskUpdate
		if err := env.Decode(&u); err != nil || u.TaskID == "" {
			c.logger.Warn("dropping malformed task_update", "error", err)
			return false
		}
		c.deliver(u)
		return true
	}
	if c.unsolicited != nil {
		c.unsolicited(env)
		return true
	}
	c.logger.Debug("unhandled unsolicited message", "type", env.Type)
	return false
}

func (c *Correlator) resolve(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[env.CorrelationID]
	if !ok {
		c.logger.Debug("discarding late or unknown response",
			"type", env.Type, "correlation_id", env.CorrelationID)
		return false
	}
	if env.Type != p.expected && env.Type != protocol.TypeError {
		c.logger.Warn("response type does not match request",
			"expected", p.expected, "got", env.Type, "correlation_id", env.CorrelationID)
		return false
	}
	delete(c.pending, env.CorrelationID)
	p.slot <- env
	return true
}

// Serve reads frames from r and routes them until r fails, then closes the
// correlator. The returned error is the read error.
func (c *Correlator) Serve(r Receiver) error {
	defer c.Close()
	for {
		frame, err := r.Receive()
		if err != nil {
			return err
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.OnMessage(env)
	}
}

// Close fails every pending request with ErrChannelClosed and ends every
// subscription. Further requests fail immediately.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, p := range c.pending {
		close(p.slot)
		delete(c.pending, id)
	}
	for taskID, set := range c.subs {
		for s := range set {
			s.closeLocked()
		}
		delete(c.subs, taskID)
	}
}

// Closed reports whether Close has been called.
func (c *Correlator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// -----------------------------------------------------------------------------
// Futures
// -----------------------------------------------------------------------------

// Future is the handle for one outstanding request.
type Future struct {
	ID   string
	Type string

	slot chan protocol.Envelope
	c    *Correlator
}

// Await blocks until the response arrives, ctx ends, or the correlator
// closes. On ctx expiry the slot is freed and a TimeoutError returned.
func (f *Future) Await(ctx context.Context) (protocol.Envelope, error) {
	var limit time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		limit = time.Until(deadline).Round(time.Millisecond)
	}
	return f.await(ctx, limit)
}

func (f *Future) await(ctx context.Context, limit time.Duration) (protocol.Envelope, error) {
	select {
	case env, ok := <-f.slot:
		if !ok {
			return protocol.Envelope{}, errors.ErrChannelClosed
		}
		return env, nil
	case <-ctx.Done():
		f.c.forget(f.ID)
		// A response may have landed between ctx firing and forget.
		select {
		case env, ok := <-f.slot:
			if ok {
				return env, nil
			}
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Envelope{}, errors.NewTimeoutError("awaiting "+f.Type+" response", limit).WithCause(ctx.Err())
		}
		return protocol.Envelope{}, errors.Join(errors.ErrCanceled, ctx.Err())
	}
}

// Wait is Await with a timeout. Zero uses the correlator's default.
func (f *Future) Wait(timeout time.Duration) (protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = f.c.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.await(ctx, timeout)
}

// Await waits for f with the given timeout.
func Await(f *Future, timeout time.Duration) (protocol.Envelope, error) {
	return f.Wait(timeout)
}
