// Package natsbridge mirrors coordinator events onto NATS subjects so that
// dashboards and other external consumers can follow task progress without a
// coordinator connection.
//
// Task transitions are published to "<prefix>.task.<status>" and worker
// liveness changes to "<prefix>.worker.<action>", each as a JSON document.
package natsbridge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "taskmesh"

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// TaskMessage is the payload published for a task transition.
type TaskMessage struct {
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Previous  string          `json:"previous,omitempty"`
	Progress  int             `json:"progress"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Priority  int             `json:"priority"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WorkerMessage is the payload published for a worker liveness change.
type WorkerMessage struct {
	WorkerID     string    `json:"worker_id"`
	Event        string    `json:"event"`
	Capabilities []string  `json:"capabilities,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Bridge forwards bus events to a Publisher.
type Bridge struct {
	bus    *event.Bus
	pub    Publisher
	prefix string
	logger *logging.Logger
	subs   []string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(b *Bridge) {
		if p := strings.Trim(prefix, "."); p != "" {
			b.prefix = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// New subscribes a Bridge to bus. Call Close to detach it.
func New(bus *event.Bus, pub Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		bus:    bus,
		pub:    pub,
		prefix: DefaultPrefix,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("natsbridge")
	b.subs = []string{
		bus.Subscribe("task.*", b.onTask),
		bus.Subscribe("worker.*", b.onWorker),
	}
	return b
}

// Close unsubscribes the bridge. The publisher is left open.
func (b *Bridge) Close() {
	for _, id := range b.subs {
		b.bus.Unsubscribe(id)
	}
	b.subs = nil
}

// TaskSubject returns the subject a task in status is published on.
func (b *Bridge) TaskSubject(status string) string {
	return b.prefix + ".task." + status
}

func (b *Bridge) onTask(e event.Event) {
	te, ok := e.(event.TaskEvent)
	if !ok {
		return
	}
	// Progress ticks share the running status; publish them under their own
	// token so consumers can filter them out.
	status := te.Status
	if te.EventType() == event.TaskProgress {
		status = "progress"
	}
	b.publish(b.TaskSubject(status), TaskMessage{
		TaskID:    te.TaskID,
		Type:      te.TaskType,
		Status:    te.Status,
		Previous:  te.Previous,
		Progress:  te.Progress,
		WorkerID:  te.WorkerID,
		Priority:  te.Priority,
		Result:    te.Result,
		Error:     te.Error,
		Reason:    te.Reason,
		Timestamp: te.Timestamp(),
	})
}

func (b *Bridge) onWorker(e event.Event) {
	we, ok := e.(event.WorkerEvent)
	if !ok {
		return
	}
	action := strings.TrimPrefix(we.EventType(), "worker.")
	b.publish(b.prefix+".worker."+action, WorkerMessage{
		WorkerID:     we.WorkerID,
		Event:        action,
		Capabilities: we.Capabilities,
		TaskID:       we.TaskID,
		Reason:       we.Reason,
		Timestamp:    we.Timestamp(),
	})
}

func (b *Bridge) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("encode event", "subject", subject, "error", err)
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

// Connect dials a NATS server with reconnect logging wired to logger.
func Connect(url string, logger *logging.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	log := logger.WithComponent("natsbridge")
	nc, err := nats.Connect(url,
		nats.Name("taskmesh-coordinator"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.NewConnectionError("connect to nats at "+url, err)
	}
	return nc, nil
}
