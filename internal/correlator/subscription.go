package correlator

import (
	"sync"

	"github.com/Iron-Ham/taskmesh/internal/protocol"
)

// Subscription receives task_update pushes for one task. The channel is
// closed after a terminal update, on Close, or when the correlator closes.
type Subscription struct {
	TaskID string

	c    *Correlator
	ch   chan protocol.TaskUpdate
	once sync.Once
}

// Subscribe starts delivering updates for taskID. It only affects local
// routing; the server side is subscribed with a subscribe_task request or by
// submitting the task.
func (c *Correlator) Subscribe(taskID string) *Subscription {
	s := &Subscription{TaskID: taskID, c: c, ch: make(chan protocol.TaskUpdate, c.subBuffer)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.closeLocked()
		return s
	}
	set := c.subs[taskID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		c.subs[taskID] = set
	}
	set[s] = struct{}{}
	return s
}

// Updates returns the delivery channel.
func (s *Subscription) Updates() <-chan protocol.TaskUpdate {
	return s.ch
}

// Close stops delivery and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.removeLocked(s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

func (c *Correlator) removeLocked(s *Subscription) {
	set := c.subs[s.TaskID]
	delete(set, s)
	if len(set) == 0 {
		delete(c.subs, s.TaskID)
	}
}

// Subscriptions returns the number of tasks with at least one subscriber.
func (c *Correlator) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// deliver never blocks: when a subscriber falls behind, its oldest queued
// update is discarded to make room. Terminal updates end the subscription.
func (c *Correlator) deliver(u protocol.TaskUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s := range c.subs[u.TaskID] {
		select {
		case s.ch <- u:
		default:
			select {
			case old := <-s.ch:
				c.logger.Debug("subscriber behind, dropped update",
					"task_id", u.TaskID, "dropped_status", old.Status, "dropped_progress", old.Progress)
			default:
			}
			s.ch <- u
		}
		if u.Terminal() {
			c.removeLocked(s)
			s.closeLocked()
		}
	}
	if s := c.subs[u.TaskID]; len(s) == 0 {
		delete(c.subs, u.TaskID)
	}
}
