package coordinator

import (
	"fmt"

	"github.com/Iron-Ham/taskmesh/internal/auth"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

// route serves one message type.
type route struct {
	serve func(s *session, env protocol.Envelope) (protocol.Reply, error)
	// notify marks worker notifications: they are answered only when they
	// carry a correlation id or fail.
	notify bool
	// dispatch wakes the dispatch loop after the message is served.
	dispatch bool
}

// errReplied is returned by a route that already answered and closed the
// connection.
var errReplied = errors.New("reply already sent")

func (srv *Server) routeTable() map[string]route {
	return map[string]route{
		protocol.TypePing:           {serve: srv.servePing},
		protocol.TypeAuth:           {serve: srv.serveAuth},
		protocol.TypeLogout:         {serve: srv.serveLogout},
		protocol.TypeTaskSubmit:     {serve: srv.serveSubmit, dispatch: true},
		protocol.TypeTaskStatus:     {serve: srv.serveStatus},
		protocol.TypeCancelTask:     {serve: srv.serveCancel, dispatch: true},
		protocol.TypeListTasks:      {serve: srv.serveListTasks},
		protocol.TypeListWorkers:    {serve: srv.serveListWorkers},
		protocol.TypeSubscribe:      {serve: srv.serveSubscribe},
		protocol.TypeUnsubscribe:    {serve: srv.serveUnsubscribe},
		protocol.TypeCreateUser:     {serve: srv.serveCreateUser},
		protocol.TypeDeleteUser:     {serve: srv.serveDeleteUser},
		protocol.TypeChangePassword: {serve: srv.serveChangePassword},

		protocol.TypeRegisterWorker: {serve: srv.serveRegister, dispatch: true},
		protocol.TypeRequestTask:    {serve: srv.serveRequestTask, notify: true, dispatch: true},
		protocol.TypeHeartbeat:      {serve: srv.serveHeartbeat, notify: true, dispatch: true},
		protocol.TypeStatusUpdate:   {serve: srv.serveStatusUpdate, notify: true},
		protocol.TypeTaskComplete:   {serve: srv.serveTaskComplete, notify: true, dispatch: true},
		protocol.TypeTaskFailed:     {serve: srv.serveTaskFailed, notify: true, dispatch: true},
	}
}

// handle routes one envelope and answers it. Unknown types get an error
// reply; the connection stays open.
func (srv *Server) handle(s *session, env protocol.Envelope) {
	r, ok := srv.routes[env.Type]
	if !ok {
		s.logger.Warn("unknown message type", "type", env.Type)
		s.send(protocol.TypeError, env.CorrelationID,
			protocol.Failure(protocol.CodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type)))
		return
	}

	reply, err := r.serve(s, env)
	switch {
	case errors.Is(err, errReplied):
	case err != nil:
		srv.replyError(s, env, err)
	case !r.notify || env.CorrelationID != "":
		if reply.Status == "" {
			reply.Status = protocol.StatusSuccess
		}
		s.send(env.Type, env.CorrelationID, reply)
	}
	if r.dispatch {
		srv.requestDispatch()
	}
}

func (srv *Server) replyError(s *session, env protocol.Envelope, err error) {
	code, msg := classify(err)
	if code == protocol.CodeInternal {
		s.logger.Error("request failed", "type", env.Type, "error", err)
	} else {
		s.logger.Debug("request rejected", "type", env.Type, "code", code, "error", err)
	}
	s.send(protocol.TypeError, env.CorrelationID, protocol.Failure(code, msg))
}

// classify maps an error to a reply code and a message safe to show the peer.
func classify(err error) (code, message string) {
	switch {
	case errors.Is(err, errors.ErrBadCredentials):
		return protocol.CodeBadCredentials, "invalid credentials"
	case errors.Is(err, errors.ErrUnauthorized):
		return protocol.CodeUnauthorized, err.Error()
	case errors.Is(err, errors.ErrForbidden):
		return protocol.CodeForbidden, err.Error()
	case errors.Is(err, errors.ErrWorkerNotFound):
		return protocol.CodeUnknownWorker, err.Error()
	case errors.Is(err, errors.ErrTaskNotFound):
		return protocol.CodeNotFound, err.Error()
	case errors.Is(err, errors.ErrNotAssignee):
		return protocol.CodeConflict, err.Error()
	case errors.Is(err, errors.ErrInvalidTransition):
		return protocol.CodeInvalidTransition, err.Error()
	case errors.Is(err, &errors.AlreadyExistsError{}):
		return protocol.CodeConflict, err.Error()
	case errors.Is(err, &errors.NotFoundError{}):
		return protocol.CodeNotFound, err.Error()
	case errors.Is(err, errors.ErrInvalidInput):
		return protocol.CodeInvalidRequest, err.Error()
	}
	if errors.IsUserFacing(err) {
		return protocol.CodeInvalidRequest, err.Error()
	}
	return protocol.CodeInternal, "internal error"
}

func (srv *Server) verify(token string) (*auth.Session, error) {
	sess, ok := srv.authority.Verify(token)
	if !ok {
		return nil, errors.Wrap(errors.ErrUnauthorized, "invalid or expired token")
	}
	return sess, nil
}

func (srv *Server) requireAdmin(token string) (*auth.Session, error) {
	sess, err := srv.verify(token)
	if err != nil {
		return nil, err
	}
	if sess.Role != auth.RoleAdmin {
		return nil, errors.Wrap(errors.ErrForbidden, "admin role required")
	}
	return sess, nil
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

func (srv *Server) servePing(*session, protocol.Envelope) (protocol.Reply, error) {
	return protocol.Success("pong"), nil
}

func (srv *Server) serveAuth(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.AuthRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	token, err := srv.authority.Login(req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, errors.ErrBadCredentials) {
			return protocol.Reply{}, err
		}
		if s.authFailed() {
			s.logger.Warn("too many failed logins, closing connection", "username", req.Username)
			s.sendFinal(protocol.TypeError, env.CorrelationID,
				protocol.Failure(protocol.CodeBadCredentials, "invalid credentials"))
			s.close()
			return protocol.Reply{}, errReplied
		}
		return protocol.Reply{}, err
	}
	role, _ := srv.authority.Role(req.Username)
	s.logger.Info("client authenticated", "username", req.Username, "role", role)
	return protocol.Reply{Message: "authenticated", Token: token, Role: role}, nil
}

func (srv *Server) serveLogout(_ *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.TokenRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if _, err := srv.verify(req.Token); err != nil {
		return protocol.Reply{}, err
	}
	srv.authority.Revoke(req.Token)
	return protocol.Success("logged out"), nil
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

func (srv *Server) serveSubmit(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.SubmitRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	caller, err := srv.verify(req.Token)
	if err != nil {
		return protocol.Reply{}, err
	}
	if req.Data.Type == "" {
		return protocol.Reply{}, errors.NewValidationError("task type is required").WithField("data.type")
	}
	if req.Priority == nil {
		return protocol.Reply{}, errors.NewValidationError("priority is required").WithField("priority")
	}

	id := srv.tasks.Submit(req.Data.Type, req.Data.Data, *req.Priority)
	srv.subscribe(id, s)
	s.logger.WithTask(id).Info("task submitted",
		"task_type", req.Data.Type, "priority", *req.Priority, "submitter", caller.Subject)
	return protocol.Reply{Message: "task submitted", TaskID: id}, nil
}

func (srv *Server) serveStatus(_ *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.TaskRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if _, err := srv.verify(req.Token); err != nil {
		return protocol.Reply{}, err
	}
	t, ok := srv.tasks.Status(req.TaskID)
	if !ok {
		return protocol.Reply{}, errors.NewNotFoundError("task", req.TaskID).WithCause(errors.ErrTaskNotFound)
	}
	info := taskInfo(t)
	return protocol.Reply{TaskID: t.ID, TaskStatus: &info}, nil
}

func (srv *Server) serveCancel(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.TaskRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	caller, err := srv.verify(req.Token)
	if err != nil {
		return protocol.Reply{}, err
	}
	prev, err := srv.tasks.Cancel(req.TaskID, taskqueue.WithReason("cancelled by "+caller.Subject))
	if err != nil {
		return protocol.Reply{}, err
	}
	s.logger.WithTask(req.TaskID).Info("task cancelled", "by", caller.Subject, "worker_id", prev)
	return protocol.Reply{Message: "task cancelled", TaskID: req.TaskID}, nil
}

func (srv *Server) serveListTasks(_ *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.ListTasksRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if _, err := srv.verify(req.Token); err != nil {
		return protocol.Reply{}, err
	}
	filter := taskqueue.Filter{Type: req.Type, Limit: req.Limit}
	if req.Status != "" {
		st, ok := taskqueue.ParseStatus(req.Status)
		if !ok {
			return protocol.Reply{}, errors.NewValidationError("unknown task status").
				WithField("status").WithValue(req.Status)
		}
		filter.Status = st
	}
	tasks := srv.tasks.List(filter)
	out := make([]protocol.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskInfo(t))
	}
	return protocol.Reply{Tasks: out}, nil
}

func (srv *Server) serveListWorkers(_ *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.TokenRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if _, err := srv.verify(req.Token); err != nil {
		return protocol.Reply{}, err
	}
	ws := srv.dispatcher.Workers().List()
	out := make([]protocol.WorkerStatus, 0, len(ws))
	for _, w := range ws {
		out = append(out, workerStatus(w))
	}
	return protocol.Reply{Workers: out}, nil
}

func (srv *Server) serveSubscribe(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.TaskRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if _, err := srv.verify(req.Token); err != nil {
		return protocol.Reply{}, err
	}
	t, ok := srv.tasks.Status(req.TaskID)
	if !ok {
		return protocol.Reply{}, errors.NewNotFoundError("task", req.TaskID).WithCause(errors.ErrTaskNotFound)
	}
	// A finished task sends no further updates.
	if !t.Status.IsTerminal() {
		srv.subscribe(t.ID, s)
	}
	return protocol.Reply{Message: "subscribed", TaskID: t.ID}, nil
}

func (srv *Server) serveUnsubscribe(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.TaskRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	if _, err := srv.verify(req.Token); err != nil {
		return protocol.Reply{}, err
	}
	srv.unsubscribe(req.TaskID, s)
	return protocol.Reply{Message: "unsubscribed", TaskID: req.TaskID}, nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

func (srv *Server) serveCreateUser(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.UserRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	admin, err := srv.requireAdmin(req.Token)
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := srv.authority.CreateUser(req.Username, req.Password, req.Role); err != nil {
		return protocol.Reply{}, err
	}
	s.logger.Info("user created", "username", req.Username, "by", admin.Subject)
	return protocol.Success("user created"), nil
}

func (srv *Server) serveDeleteUser(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.UserRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	admin, err := srv.requireAdmin(req.Token)
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := srv.authority.DeleteUser(req.Username); err != nil {
		return protocol.Reply{}, err
	}
	s.logger.Info("user deleted", "username", req.Username, "by", admin.Subject)
	return protocol.Success("user deleted"), nil
}

func (srv *Server) serveChangePassword(s *session, env protocol.Envelope) (protocol.Reply, error) {
	var req protocol.ChangePasswordRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Reply{}, err
	}
	caller, err := srv.verify(req.Token)
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := srv.authority.ChangePassword(caller.Subject, req.OldPassword, req.NewPassword); err != nil {
		return protocol.Reply{}, err
	}
	s.logger.Info("password changed", "username", caller.Subject)
	return protocol.Success("password changed"), nil
}
