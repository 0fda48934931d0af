package coordinator

import (
	"github.com/Iron-Ham/taskmesh/internal/auth"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/workers"
)

func (srv *Server) serveRegister(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.RegisterRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if srv.sc.requireWorkerAuth {
		caller, err := srv.verify(req.Token)
		if err != nil {
			return protocol.Reply{}, err
		}
		if caller.Role != auth.RoleWorker && caller.Role != auth.RoleAdmin {
			return protocol.Reply{}, errors.Wrap(errors.ErrForbidden, "worker role required")
		}
	}

	info := req.WorkerInfo
	if current := s.WorkerID(); current != "" && current != info.ID {
		return protocol.Reply{}, errors.NewValidationError("connection already registered as another worker").
			WithField("worker_info.id").WithValue(info.ID)
	}
	requeued, err := srv.dispatcher.Register(workers.Info{
		ID:           info.ID,
		Capabilities: info.Capabilities,
		Hostname:     info.Hostname,
		Version:      info.Version,
	})
	if err != nil {
		return protocol.Reply{}, err
	}
	s.setWorker(info.ID)
	srv.bindWorker(info.ID, s)
	log := s.logger.WithWorker(info.ID)
	if requeued != "" {
		log.WithTask(requeued).Warn("re-registered worker lost its task; requeued")
	}
	log.Info("worker registered on connection", "capabilities", info.Capabilities)
	return protocol.Success("worker registered"), nil
}

// workerFor returns the worker registered on s. A message naming a different
// worker is rejected. An unregistered connection gets ErrWorkerNotFound so
// the worker knows to register again.
func (srv *Server) workerFor(s *session, claimed string) (string, error) {
	id := s.WorkerID()
	if id == "" {
		return "", errors.NewNotFoundError("worker", claimed).WithCause(errors.ErrWorkerNotFound)
	}
	if claimed != "" && claimed != id {
		return "", errors.NewValidationError("message names a different worker").
			WithField("worker_id").WithValue(claimed)
	}
	if _, ok := srv.dispatcher.Workers().Get(id); !ok {
		return "", errors.NewNotFoundError("worker", id).WithCause(errors.ErrWorkerNotFound)
	}
	return id, nil
}

func (srv *Server) serveRequestTask(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.RequestTask
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if _, err := srv.workerFor(s, req.WorkerID); err != nil {
		return protocol.Reply{}, err
	}
	// The assignment, if any, is pushed by the dispatch loop.
	return protocol.Success("request queued"), nil
}

func (srv *Server) serveHeartbeat(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var hb protocol.Heartbeat
	if err := env.Decode(&hb); err != nil {
		return protocol.Reply{}, err
	}
	id, err := srv.workerFor(s, hb.WorkerID)
	if err != nil {
		return protocol.Reply{}, err
	}
	var stats *workers.Stats
	if hb.Stats != nil {
		stats = &workers.Stats{CPUPercent: hb.Stats.CPUPercent, MemoryPercent: hb.Stats.MemoryPercent}
	}
	res, err := srv.dispatcher.Heartbeat(id, hb.CurrentTaskID(), stats)
	if err != nil {
		return protocol.Reply{}, err
	}
	if res.Revived {
		s.logger.Info("worker revived by heartbeat")
	}
	return protocol.Success(""), nil
}

// reportErr filters errors from stale worker reports. A report for a task
// that was cancelled, requeued or reassigned is expected and ignored.
func (srv *Server) reportErr(s *session, taskID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrAlreadyTerminal) || errors.Is(err, errors.ErrNotAssignee) {
		s.logger.WithTask(taskID).Info("ignoring stale report", "reason", err)
		return nil
	}
	return err
}

// ensureRunning acknowledges an assignment: a task still in the assigned
// state moves to running.
func (srv *Server) ensureRunning(workerID, taskID string) error {
	t, ok := srv.tasks.Status(taskID)
	if !ok {
		return errors.NewNotFoundError("task", taskID).WithCause(errors.ErrTaskNotFound)
	}
	if t.Status != taskqueue.StatusAssigned {
		return nil
	}
	err := srv.tasks.Start(taskID, taskqueue.FromWorker(workerID))
	if errors.Is(err, errors.ErrInvalidTransition) && !errors.Is(err, errors.ErrAlreadyTerminal) {
		// Started concurrently.
		return nil
	}
	return err
}

func (srv *Server) serveStatusUpdate(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var su protocol.StatusUpdate
	if err := env.Decode(&su); err != nil {
		return protocol.Reply{}, err
	}
	id, err := srv.workerFor(s, su.WorkerID)
	if err != nil {
		return protocol.Reply{}, err
	}
	switch su.Status {
	case "", string(taskqueue.StatusRunning):
	default:
		return protocol.Reply{}, errors.NewValidationError("status_update only reports running tasks").
			WithField("status").WithValue(su.Status)
	}

	if err := srv.reportErr(s, su.TaskID, srv.ensureRunning(id, su.TaskID)); err != nil {
		return protocol.Reply{}, err
	}
	if su.Progress != nil {
		err := srv.tasks.ReportProgress(su.TaskID, *su.Progress, taskqueue.FromWorker(id))
		if err := srv.reportErr(s, su.TaskID, err); err != nil {
			return protocol.Reply{}, err
		}
	}
	return protocol.Success(""), nil
}

func (srv *Server) serveTaskComplete(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var msg protocol.TaskComplete
	if err := env.Decode(&msg); err != nil {
		return protocol.Reply{}, err
	}
	id, err := srv.workerFor(s, msg.WorkerID)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer srv.dispatcher.Release(id, msg.TaskID)

	if err := srv.reportErr(s, msg.TaskID, srv.ensureRunning(id, msg.TaskID)); err != nil {
		return protocol.Reply{}, err
	}
	err = srv.tasks.Complete(msg.TaskID, msg.Result, taskqueue.FromWorker(id))
	if err := srv.reportErr(s, msg.TaskID, err); err != nil {
		return protocol.Reply{}, err
	}
	return protocol.Success("result recorded"), nil
}

func (srv *Server) serveTaskFailed(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var msg protocol.TaskFailed
	if err := env.Decode(&msg); err != nil {
		return protocol.Reply{}, err
	}
	id, err := srv.workerFor(s, msg.WorkerID)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer srv.dispatcher.Release(id, msg.TaskID)

	err = srv.tasks.Fail(msg.TaskID, msg.Error, taskqueue.FromWorker(id))
	if err := srv.reportErr(s, msg.TaskID, err); err != nil {
		return protocol.Reply{}, err
	}
	return protocol.Success("failure recorded"), nil
}
