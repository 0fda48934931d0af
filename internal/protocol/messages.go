package protocol

import (
	"encoding/json"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// Client requests and their responses.
const (
	TypeAuth           = "auth"
	TypeLogout         = "logout"
	TypeTaskSubmit     = "task_submit"
	TypeTaskStatus     = "task_status"
	TypeCancelTask     = "cancel_task"
	TypeListTasks      = "list_tasks"
	TypeListWorkers    = "list_workers"
	TypeSubscribe      = "subscribe_task"
	TypeUnsubscribe    = "unsubscribe_task"
	TypeCreateUser     = "create_user"
	TypeDeleteUser     = "delete_user"
	TypeChangePassword = "change_password"
	TypePing           = "ping"
)

// Worker messages. cancel_task is also pushed coordinator→worker.
const (
	TypeRegisterWorker = "register_worker"
	TypeRequestTask    = "request_task"
	TypeHeartbeat      = "heartbeat"
	TypeStatusUpdate   = "status_update"
	TypeTaskComplete   = "task_complete"
	TypeTaskFailed     = "task_failed"
)

// Unsolicited pushes from the coordinator.
const (
	TypeTaskAssignment = "task_assignment"
	TypeTaskUpdate     = "task_update"
)

// TypeError answers any request that could not be served.
const TypeError = "error"

// Reply status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes carried in error replies.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnknownType       = "unknown_type"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeBadCredentials    = "bad_credentials"
	CodeNotFound          = "not_found"
	CodeUnknownWorker     = "unknown_worker"
	CodeInvalidTransition = "invalid_transition"
	CodeConflict          = "conflict"
	CodeInternal          = "internal"
)

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// AuthRequest exchanges credentials for a session token.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenRequest is any request that only carries a session token.
type TokenRequest struct {
	Token string `json:"token"`
}

// TaskSpec is the task description inside a submission.
type TaskSpec struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubmitRequest submits a task. Priority is required.
type SubmitRequest struct {
	Token    string   `json:"token"`
	Data     TaskSpec `json:"data"`
	Priority *int     `json:"priority"`
}

// TaskRequest addresses one task: task_status, cancel_task, subscribe_task,
// unsubscribe_task.
type TaskRequest struct {
	Token  string `json:"token"`
	TaskID string `json:"task_id"`
}

// ListTasksRequest lists tasks, optionally filtered.
type ListTasksRequest struct {
	Token  string `json:"token"`
	Status string `json:"status,omitempty"`
	Type   string `json:"task_type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// UserRequest covers create_user and delete_user.
type UserRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role,omitempty"`
}

// ChangePasswordRequest changes the caller's own password.
type ChangePasswordRequest struct {
	Token       string `json:"token"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// -----------------------------------------------------------------------------
// Worker messages
// -----------------------------------------------------------------------------

// WorkerInfo describes a worker at registration.
type WorkerInfo struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Hostname     string   `json:"hostname,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// RegisterRequest registers or re-registers a worker.
type RegisterRequest struct {
	Token      string     `json:"token,omitempty"`
	WorkerInfo WorkerInfo `json:"worker_info"`
}

// RequestTask asks the coordinator for work.
type RequestTask struct {
	WorkerID string `json:"worker_id"`
}

// HostStats are optional resource figures reported with heartbeats.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Heartbeat is sent periodically by each worker. CurrentTask is null when idle.
// Either a task id string or an object with an "id" field is accepted.
type Heartbeat struct {
	WorkerID    string          `json:"worker_id"`
	Status      string          `json:"status"`
	CurrentTask json.RawMessage `json:"current_task"`
	Stats       *HostStats      `json:"stats,omitempty"`
}

// CurrentTaskID extracts the task id from CurrentTask.
func (h Heartbeat) CurrentTaskID() string {
	if len(h.CurrentTask) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(h.CurrentTask, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(h.CurrentTask, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// StatusUpdate reports progress on the worker's current task.
type StatusUpdate struct {
	WorkerID string `json:"worker_id,omitempty"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress *int   `json:"progress"`
}

// TaskComplete reports a successful result.
type TaskComplete struct {
	WorkerID string          `json:"worker_id,omitempty"`
	TaskID   string          `json:"task_id"`
	Result   json.RawMessage `json:"result"`
}

// TaskFailed reports an execution failure.
type TaskFailed struct {
	WorkerID string `json:"worker_id,omitempty"`
	TaskID   string `json:"task_id"`
	Error    string `json:"error"`
}

// Assignment is the task handed to a worker.
type Assignment struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority int             `json:"priority"`
}

// TaskAssignment is pushed to a worker when it is given a task.
type TaskAssignment struct {
	Task Assignment `json:"task"`
}

// CancelNotice is pushed to a worker whose task was cancelled.
type CancelNotice struct {
	TaskID string `json:"task_id"`
}

// -----------------------------------------------------------------------------
// Replies and pushes
// -----------------------------------------------------------------------------

// TaskInfo is the public view of a task.
type TaskInfo struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	Progress       int             `json:"progress"`
	AssignedWorker string          `json:"assigned_worker,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// WorkerStatus is the public view of a worker.
type WorkerStatus struct {
	ID            string     `json:"id"`
	Capabilities  []string   `json:"capabilities"`
	Status        string     `json:"status"`
	CurrentTask   string     `json:"current_task,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Stats         *HostStats `json:"stats,omitempty"`
}

// Reply is the body of every response. Only the fields relevant to the
// request are set.
type Reply struct {
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Code       string         `json:"code,omitempty"`
	Token      string         `json:"token,omitempty"`
	Role       string         `json:"role,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	TaskStatus *TaskInfo      `json:"task_status,omitempty"`
	Tasks      []TaskInfo     `json:"tasks,omitempty"`
	Workers    []WorkerStatus `json:"workers,omitempty"`
}

// OK reports whether the reply is a success.
func (r Reply) OK() bool {
	return r.Status == StatusSuccess
}

// Err converts an error reply into an error wrapping the sentinel for its
// code. It returns nil for a success reply.
func (r Reply) Err() error {
	if r.OK() {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = "request failed"
	}
	if sentinel, ok := codeErrors[r.Code]; ok {
		return errors.Wrap(sentinel, msg)
	}
	return errors.New(msg)
}

var codeErrors = map[string]error{
	CodeInvalidRequest:    errors.ErrInvalidInput,
	CodeUnknownType:       errors.ErrInvalidInput,
	CodeUnauthorized:      errors.ErrUnauthorized,
	CodeForbidden:         errors.ErrForbidden,
	CodeBadCredentials:    errors.ErrBadCredentials,
	CodeNotFound:          errors.ErrTaskNotFound,
	CodeUnknownWorker:     errors.ErrWorkerNotFound,
	CodeInvalidTransition: errors.ErrInvalidTransition,
}

// Success returns a success reply with an optional message.
func Success(message string) Reply {
	return Reply{Status: StatusSuccess, Message: message}
}

// Failure returns an error reply.
func Failure(code, message string) Reply {
	return Reply{Status: StatusError, Code: code, Message: message}
}

// TaskUpdate is pushed to subscribers whenever a task changes.
type TaskUpdate struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the update carries a final state.
func (u TaskUpdate) Terminal() bool {
	switch u.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
