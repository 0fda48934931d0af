// Package client is the Go SDK for submitting and tracking tasks on a
// coordinator.
//
// A Client owns one secure channel. Requests are correlated with futures so
// that several may be outstanding at once, and task_update pushes are routed
// to per-task subscriptions:
//
//	c, err := client.Dial(ctx, "127.0.0.1:7400", key)
//	if err != nil { ... }
//	defer c.Close()
//	if _, err := c.Login(ctx, "alice", "secret"); err != nil { ... }
//	id, err := c.Submit(ctx, "computation", json.RawMessage(`{"numbers":[1,2,3]}`), 1)
//	info, err := c.Wait(ctx, id)
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/correlator"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

// Client is an authenticated connection to a coordinator.
type Client struct {
	conn      *securechan.Conn
	corr      *correlator.Correlator
	timeout   time.Duration
	keepAlive time.Duration
	logger    *logging.Logger
	chanOpts  []securechan.Option

	mu    sync.RWMutex
	token string
	role  string

	done      chan struct{}
	serveErr  error
	stop      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request/response exchange when the caller's
// context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithToken starts the client with a previously issued session token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithKeepAlive pings the coordinator at the given interval so that an idle
// client is not closed by the server's idle timeout.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.keepAlive = d }
}

// WithChannelOptions passes options to the secure channel when dialing.
func WithChannelOptions(opts ...securechan.Option) Option {
	return func(c *Client) { c.chanOpts = append(c.chanOpts, opts...) }
}

// Dial connects to the coordinator at address.
func Dial(ctx context.Context, address string, key securechan.Key, opts ...Option) (*Client, error) {
	var dialCfg Client
	for _, opt := range opts {
		opt(&dialCfg)
	}
	conn, err := securechan.Dial(ctx, address, key, dialCfg.chanOpts...)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// New wraps an established channel. The client reads from conn until Close.
func New(conn *securechan.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		timeout: correlator.DefaultTimeout,
		logger:  logging.NopLogger(),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("client")
	c.corr = correlator.New(conn,
		correlator.WithTimeout(c.timeout),
		correlator.WithLogger(c.logger),
		correlator.WithUnsolicitedHandler(c.onPush),
	)
	go func() {
		c.serveErr = c.corr.Serve(conn)
		close(c.done)
	}()
	if c.keepAlive > 0 {
		go c.keepAliveLoop()
	}
	return c
}

// Close ends the connection. Outstanding requests fail with ErrChannelClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.conn.Close()
		<-c.done
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.serveErr
	default:
		return nil
	}
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Role returns the role granted at Login.
func (c *Client) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) onPush(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeError:
		var reply protocol.Reply
		_ = env.Decode(&reply)
		c.logger.Warn("coordinator reported an error", "code", reply.Code, "message", reply.Message)
	default:
		c.logger.Debug("ignoring unsolicited message", "type", env.Type)
	}
}

func (c *Client) keepAliveLoop() {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			err := c.Ping(ctx)
			cancel()
			switch {
			case err == nil:
			case errors.IsFatalToConnection(err):
				c.logger.Warn("keepalive failed, closing client", "error", err)
				_ = c.Close()
				return
			case errors.IsRetryable(err):
				c.logger.Debug("keepalive timed out", "error", err)
			default:
				c.logger.Debug("keepalive failed", "error", err)
			}
		}
	}
}

// call sends a request and decodes the reply. Error replies become errors
// wrapping the matching sentinel.
func (c *Client) call(ctx context.Context, msgType string, body any) (protocol.Reply, error) {
	f, err := c.corr.SendRequest(msgType, body)
	if err != nil {
		return protocol.Reply{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
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

func (c *Client) requireToken() (string, error) {
	token := c.Token()
	if token == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "not logged in")
	}
	return token, nil
}

// Ping checks that the coordinator is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.TypePing, nil)
	return err
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// Login exchanges credentials for a session token and returns the granted role.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	reply, err := c.call(ctx, protocol.TypeAuth, protocol.AuthRequest{Username: username, Password: password})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token, c.role = reply.Token, reply.Role
	c.mu.Unlock()
	return reply.Role, nil
}

// Logout revokes the session token.
func (c *Client) Logout(ctx context.Context) error {
	token, err := c.requireToken()
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, protocol.TypeLogout, protocol.TokenRequest{Token: token}); err != nil {
		return err
	}
	c.mu.Lock()
	c.token, c.role = "", ""
	c.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Submit queues a task and returns its id. The connection is subscribed to
// the task's updates by the coordinator.
func (c *Client) Submit(ctx context.Context, taskType string, data json.RawMessage, priority int) (string, error) {
	token, err := c.requireToken()
	if err != nil {
		return "", err
	}
	reply, err := c.call(ctx, protocol.TypeTaskSubmit, protocol.SubmitRequest{
		Token:    token,
		Data:     protocol.TaskSpec{Type: taskType, Data: data},
		Priority: &priority,
	})
	if err != nil {
		return "", err
	}
	return reply.TaskID, nil
}

// Status returns a task snapshot.
func (c *Client) Status(ctx context.Context, taskID string) (*protocol.TaskInfo, error) {
	token, err := c.requireToken()
	if err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, protocol.TypeTaskStatus, protocol.TaskRequest{Token: token, TaskID: taskID})
	if err != nil {
		return nil, err
	}
	if reply.TaskStatus == nil {
		return nil, errors.NewNotFoundError("task", taskID).WithCause(errors.ErrTaskNotFound)
	}
	return reply.TaskStatus, nil
}

// Cancel cancels a task that has not finished.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	token, err := c.requireToken()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.TypeCancelTask, protocol.TaskRequest{Token: token, TaskID: taskID})
	return err
}

// ListFilter narrows List.
type ListFilter struct {
	Status string
	Type   string
	Limit  int
}

// List returns task snapshots, oldest first.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]protocol.TaskInfo, error) {
	token, err := c.requireToken()
	if err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, protocol.TypeListTasks, protocol.ListTasksRequest{
		Token:  token,
		Status: filter.Status,
		Type:   filter.Type,
		Limit:  filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	return reply.Tasks, nil
}

// Workers returns the registered workers.
func (c *Client) Workers(ctx context.Context) ([]protocol.WorkerStatus, error) {
	token, err := c.requireToken()
	if err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, protocol.TypeListWorkers, protocol.TokenRequest{Token: token})
	if err != nil {
		return nil, err
	}
	return reply.Workers, nil
}

// Subscribe starts receiving updates for a task. The local subscription is
// registered before the request is sent, so no update is missed.
func (c *Client) Subscribe(ctx context.Context, taskID string) (*correlator.Subscription, error) {
	token, err := c.requireToken()
	if err != nil {
		return nil, err
	}
	sub := c.corr.Subscribe(taskID)
	if _, err := c.call(ctx, protocol.TypeSubscribe, protocol.TaskRequest{Token: token, TaskID: taskID}); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe stops updates for the subscription's task on both ends.
func (c *Client) Unsubscribe(ctx context.Context, sub *correlator.Subscription) error {
	sub.Close()
	token, err := c.requireToken()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.TypeUnsubscribe, protocol.TaskRequest{Token: token, TaskID: sub.TaskID})
	return err
}

// Wait blocks until the task reaches a terminal state and returns its final
// snapshot. onUpdate, when non-nil, sees every intermediate update.
func (c *Client) Wait(ctx context.Context, taskID string, onUpdate ...func(protocol.TaskUpdate)) (*protocol.TaskInfo, error) {
	sub, err := c.Subscribe(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	// The task may have finished before the subscription was in place.
	info, err := c.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if terminal(info.Status) {
		return info, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Join(errors.ErrCanceled, ctx.Err())
		case u, ok := <-sub.Updates():
			if !ok {
				select {
				case <-c.done:
					return nil, errors.ErrChannelClosed
				default:
				}
				return c.Status(ctx, taskID)
			}
			for _, fn := range onUpdate {
				fn(u)
			}
			if u.Terminal() {
				return c.Status(ctx, taskID)
			}
		}
	}
}

func terminal(status string) bool {
	return protocol.TaskUpdate{Status: status}.Terminal()
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// CreateUser adds an account. Requires an admin session.
func (c *Client) CreateUser(ctx context.Context, username, password, role string) error {
	token, err := c.requireToken()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.TypeCreateUser, protocol.UserRequest{
		Token:    token,
		Username: username,
		Password: password,
		Role:     role,
	})
	return err
}

// DeleteUser removes an account and revokes its sessions. Requires an admin
// session.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	token, err := c.requireToken()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.TypeDeleteUser, protocol.UserRequest{Token: token, Username: username})
	return err
}

// ChangePassword changes the logged-in user's password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	token, err := c.requireToken()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.TypeChangePassword, protocol.ChangePasswordRequest{
		Token:       token,
		OldPassword: oldPassword,
		NewPassword: newPassword,
	})
	return err
}
