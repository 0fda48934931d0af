package event

import (
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// Wildcard subscribes to every event type.
const Wildcard = "*"

type subscription struct {
	id      string
	pattern string
	match   glob.Glob // nil for exact-type subscriptions
	handler Handler
}

func (s subscription) matches(eventType string) bool {
	if s.match != nil {
		return s.match.Match(eventType)
	}
	return s.pattern == eventType
}

// Bus is a synchronous pub-sub event bus. Handlers run on the publisher's
// goroutine, so a handler must not block; anything slow belongs behind a
// channel owned by the subscriber.
type Bus struct {
	mu     sync.RWMutex
	exact  map[string][]subscription
	global []subscription // wildcard and glob subscriptions, in registration order
	nextID atomic.Uint64
	logger *logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger reports recovered handler panics to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates a new event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		exact:  make(map[string][]subscription),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events matching pattern. A pattern is either
// an exact event type ("task.completed"), [Wildcard], or a glob whose '*' stays
// within one dot-separated segment ("task.*", "worker.*").
// Returns a subscription ID for Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	sub := subscription{
		id:      "sub-" + strconv.FormatUint(b.nextID.Add(1), 10),
		pattern: pattern,
		handler: handler,
	}

	if pattern != Wildcard && strings.ContainsAny(pattern, "*?[{") {
		if g, err := glob.Compile(pattern, '.'); err == nil {
			sub.match = g
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case pattern == Wildcard:
		sub.match = glob.MustCompile("**")
		b.global = append(b.global, sub)
	case sub.match != nil:
		b.global = append(b.global, sub)
	default:
		b.exact[pattern] = append(b.exact[pattern], sub)
	}
	return sub.id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pattern, subs := range b.exact {
		if i := indexOf(subs, id); i >= 0 {
			b.exact[pattern] = append(subs[:i:i], subs[i+1:]...)
			if len(b.exact[pattern]) == 0 {
				delete(b.exact, pattern)
			}
			return true
		}
	}
	if i := indexOf(b.global, id); i >= 0 {
		b.global = append(b.global[:i:i], b.global[i+1:]...)
		return true
	}
	return false
}

func indexOf(subs []subscription, id string) int {
	for i, s := range subs {
		if s.id == id {
			return i
		}
	}
	return -1
}

// Publish dispatches an event to every matching handler. Exact-type handlers
// run first, then pattern and wildcard handlers, each group in registration
// order. A panicking handler is recovered and logged; delivery continues.
func (b *Bus) Publish(e Event) {
	eventType := e.EventType()

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.exact[eventType])+len(b.global))
	targets = append(targets, b.exact[eventType]...)
	for _, s := range b.global {
		if s.matches(eventType) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.safeCall(s, e)
	}
}

func (b *Bus) safeCall(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"subscription", s.pattern,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	s.handler(e)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exact = make(map[string][]subscription)
	b.global = nil
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.global)
	for _, subs := range b.exact {
		count += len(subs)
	}
	return count
}
