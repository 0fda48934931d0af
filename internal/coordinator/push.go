package coordinator

import (
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/workers"
)

func (s *Server) subscribe(taskID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subscribers[taskID]
	if set == nil {
		set = make(map[*session]struct{})
		s.subscribers[taskID] = set
	}
	set[sess] = struct{}{}
	sess.subs[taskID] = struct{}{}
}

func (s *Server) unsubscribe(taskID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSubscriberLocked(taskID, sess)
}

func (s *Server) removeSubscriberLocked(taskID string, sess *session) {
	delete(sess.subs, taskID)
	set := s.subscribers[taskID]
	delete(set, sess)
	if len(set) == 0 {
		delete(s.subscribers, taskID)
	}
}

// Subscribers returns how many connections follow taskID.
func (s *Server) Subscribers(taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[taskID])
}

// onTaskEvent turns task transitions into task_update pushes for subscribers
// and cancel_task notices for the worker that lost a cancelled task. It runs
// synchronously on the publishing goroutine, so it only queues frames.
func (s *Server) onTaskEvent(e event.Event) {
	te, ok := e.(event.TaskEvent)
	if !ok {
		return
	}

	if te.EventType() == event.TaskCancelled && te.WorkerID != "" {
		if ws := s.workerSession(te.WorkerID); ws != nil {
			ws.send(protocol.TypeCancelTask, "", protocol.CancelNotice{TaskID: te.TaskID})
		}
	}

	update := protocol.TaskUpdate{
		TaskID:   te.TaskID,
		Status:   te.Status,
		Progress: te.Progress,
		Result:   te.Result,
		Error:    te.Error,
	}

	s.mu.Lock()
	set := s.subscribers[te.TaskID]
	targets := make([]*session, 0, len(set))
	for sess := range set {
		targets = append(targets, sess)
	}
	if te.Terminal() {
		for _, sess := range targets {
			s.removeSubscriberLocked(te.TaskID, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.send(protocol.TypeTaskUpdate, "", update)
	}
}

// pushAssignment sends a dispatched task to its worker. On failure the
// worker is disconnected, which requeues the task.
func (s *Server) pushAssignment(a workers.Assignment) bool {
	log := s.logger.WithWorker(a.WorkerID).WithTask(a.TaskID)
	sess := s.workerSession(a.WorkerID)
	if sess != nil && sess.send(protocol.TypeTaskAssignment, "", protocol.TaskAssignment{Task: protocol.Assignment{
		ID:       a.TaskID,
		Type:     a.Type,
		Data:     a.Payload,
		Priority: a.Priority,
	}}) {
		log.Info("task assigned", "task_type", a.Type, "priority", a.Priority)
		return true
	}
	log.Warn("could not deliver assignment, disconnecting worker")
	s.dispatcher.Disconnect(a.WorkerID)
	return false
}

func taskInfo(t *taskqueue.Task) protocol.TaskInfo {
	return protocol.TaskInfo{
		ID:             t.ID,
		Type:           t.Type,
		Status:         string(t.Status),
		Priority:       t.Priority,
		Progress:       t.Progress,
		AssignedWorker: t.AssignedWorker,
		Result:         t.Result,
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func workerStatus(w *workers.Worker) protocol.WorkerStatus {
	ws := protocol.WorkerStatus{
		ID:            w.ID,
		Capabilities:  w.Capabilities,
		Status:        string(w.Status),
		CurrentTask:   w.CurrentTask,
		LastHeartbeat: w.LastHeartbeat,
	}
	if w.Stats != nil {
		ws.Stats = &protocol.HostStats{CPUPercent: w.Stats.CPUPercent, MemoryPercent: w.Stats.MemoryPercent}
	}
	return ws
}
