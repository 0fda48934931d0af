package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/correlator"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/handlers"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

// fakeCoordinator accepts agent connections and lets a test script the
// coordinator side of the conversation.
type fakeCoordinator struct {
	t   *testing.T
	ln  *securechan.Listener
	key securechan.Key
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	encoded, err := securechan.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	key, err := securechan.ParseKey(encoded)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := securechan.Listen("127.0.0.1:0", key, securechan.WithIdleTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return &fakeCoordinator{t: t, ln: ln, key: key}
}

func (f *fakeCoordinator) accept() *peer {
	f.t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		f.t.Fatalf("Accept() error = %v", err)
	}
	f.t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: f.t, conn: conn}
}

type peer struct {
	t    *testing.T
	conn *securechan.Conn
}

// expect reads until a message of msgType arrives, skipping heartbeats
// unless they are what is expected.
func (p *peer) expect(msgType string) protocol.Envelope {
	p.t.Helper()
	for {
		frame, err := p.conn.Receive()
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", msgType, err)
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			p.t.Fatal(err)
		}
		if env.Type == msgType {
			return env
		}
		if env.Type != protocol.TypeHeartbeat {
			p.t.Fatalf("got %s, want %s", env.Type, msgType)
		}
	}
}

func (p *peer) reply(req protocol.Envelope, body protocol.Reply) {
	p.t.Helper()
	msgType := req.Type
	if !body.OK() {
		msgType = protocol.TypeError
	}
	p.send(msgType, req.CorrelationID, body)
}

func (p *peer) send(msgType, correlationID string, body any) {
	p.t.Helper()
	frame, err := protocol.Encode(msgType, correlationID, body)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := p.conn.Send(frame); err != nil {
		p.t.Fatal(err)
	}
}

// handshake serves registration and returns the worker info.
func (p *peer) handshake() protocol.WorkerInfo {
	p.t.Helper()
	env := p.expect(protocol.TypeRegisterWorker)
	var req protocol.RegisterRequest
	if err := env.Decode(&req); err != nil {
		p.t.Fatal(err)
	}
	p.reply(env, protocol.Success("registered"))
	p.expect(protocol.TypeRequestTask)
	return req.WorkerInfo
}

func (p *peer) assign(id, taskType, data string) {
	p.send(protocol.TypeTaskAssignment, "", protocol.TaskAssignment{Task: protocol.Assignment{
		ID:   id,
		Type: taskType,
		Data: json.RawMessage(data),
	}})
}

func newTestAgent(t *testing.T, f *fakeCoordinator, cfg Config, stepDelay time.Duration) *Agent {
	t.Helper()
	cfg.Address = f.ln.Addr().String()
	cfg.Key = f.key
	if cfg.ID == "" {
		cfg.ID = "worker-test"
	}
	exec := handlers.NewExecutor(handlers.Default(t.TempDir()), handlers.WithStepDelay(stepDelay))
	a, err := New(cfg, exec, WithStats(nil), WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

type running struct {
	done chan struct{}
	err  error
}

func runAgent(t *testing.T, a *Agent) *running {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	r := &running{done: make(chan struct{})}
	go func() {
		r.err = a.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		stop()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return r
}

func TestNewDefaults(t *testing.T) {
	exec := handlers.NewExecutor(handlers.Default(t.TempDir()))

	t.Run("requires an address", func(t *testing.T) {
		if _, err := New(Config{}, exec); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("New() error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("fills id and capabilities", func(t *testing.T) {
		a, err := New(Config{Address: "127.0.0.1:1"}, exec)
		if err != nil {
			t.Fatal(err)
		}
		if a.ID() == "" {
			t.Error("ID() is empty")
		}
		want := []string{handlers.TypeComputation, handlers.TypeDataProcessing, handlers.TypeIOOperation}
		got := a.Capabilities()
		if len(got) != len(want) {
			t.Fatalf("Capabilities() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Capabilities()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})
}

func TestAgentExecutesAssignment(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{Capabilities: []string{"computation"}, Version: "test"}, 0)
	runAgent(t, a)

	p := f.accept()
	info := p.handshake()
	if info.ID != "worker-test" || info.Version != "test" {
		t.Errorf("registered as %+v", info)
	}
	if len(info.Capabilities) != 1 || info.Capabilities[0] != "computation" {
		t.Errorf("Capabilities = %v", info.Capabilities)
	}

	p.assign("t-1", "computation", `{"operation":"sum","numbers":[1,2,3,4,5]}`)

	var progress []int
	for {
		env := p.expect2(protocol.TypeStatusUpdate, protocol.TypeTaskComplete)
		if env.Type == protocol.TypeTaskComplete {
			var msg protocol.TaskComplete
			if err := env.Decode(&msg); err != nil {
				t.Fatal(err)
			}
			if msg.TaskID != "t-1" || msg.WorkerID != "worker-test" {
				t.Errorf("task_complete = %+v", msg)
			}
			var out struct {
				Result float64 `json:"result"`
			}
			if err := json.Unmarshal(msg.Result, &out); err != nil || out.Result != 15 {
				t.Errorf("result = %s, want {\"result\":15}", msg.Result)
			}
			break
		}
		var su protocol.StatusUpdate
		if err := env.Decode(&su); err != nil {
			t.Fatal(err)
		}
		if su.Status != "running" || su.Progress == nil {
			t.Fatalf("status_update = %+v", su)
		}
		progress = append(progress, *su.Progress)
	}

	want := []int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], want[i])
		}
	}

	// The agent asks for more work once the result is sent.
	p.expect(protocol.TypeRequestTask)
	if a.Completed() != 1 {
		t.Errorf("Completed() = %d, want 1", a.Completed())
	}
}

// expect2 reads until one of two message types arrives, skipping heartbeats.
func (p *peer) expect2(a, b string) protocol.Envelope {
	p.t.Helper()
	for {
		frame, err := p.conn.Receive()
		if err != nil {
			p.t.Fatalf("waiting for %s or %s: %v", a, b, err)
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			p.t.Fatal(err)
		}
		switch env.Type {
		case a, b:
			return env
		case protocol.TypeHeartbeat:
			continue
		}
		p.t.Fatalf("got %s, want %s or %s", env.Type, a, b)
	}
}

// skipProgress reads past status updates and returns the next message.
func (p *peer) skipProgress(msgType string) protocol.Envelope {
	p.t.Helper()
	for {
		env := p.expect2(protocol.TypeStatusUpdate, msgType)
		if env.Type == msgType {
			return env
		}
	}
}

func TestAgentReportsFailure(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{}, 0)
	runAgent(t, a)

	p := f.accept()
	p.handshake()
	p.assign("t-2", "computation", `{"operation":"average","numbers":[]}`)

	env := p.skipProgress(protocol.TypeTaskFailed)
	var msg protocol.TaskFailed
	if err := env.Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.TaskID != "t-2" || msg.Error != "cannot average an empty list" {
		t.Errorf("task_failed = %+v", msg)
	}
	p.expect(protocol.TypeRequestTask)
	if a.Failed() != 1 {
		t.Errorf("Failed() = %d, want 1", a.Failed())
	}
}

func TestAgentUnknownTaskType(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{}, 0)
	runAgent(t, a)

	p := f.accept()
	p.handshake()
	p.assign("t-3", "render", `{}`)

	env := p.skipProgress(protocol.TypeTaskFailed)
	var msg protocol.TaskFailed
	if err := env.Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.TaskID != "t-3" || msg.Error == "" {
		t.Errorf("task_failed = %+v", msg)
	}
}

func TestAgentCancelsOnRequest(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{}, 200*time.Millisecond)
	runAgent(t, a)

	p := f.accept()
	p.handshake()
	p.assign("t-4", "computation", `{"numbers":[1]}`)
	p.expect(protocol.TypeStatusUpdate)

	p.send(protocol.TypeCancelTask, "", protocol.CancelNotice{TaskID: "t-4"})

	env := p.skipProgress(protocol.TypeTaskFailed)
	var msg protocol.TaskFailed
	if err := env.Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.TaskID != "t-4" || msg.Error != "cancelled" {
		t.Errorf("task_failed = %+v", msg)
	}
	if a.Completed() != 0 {
		t.Error("cancelled task must not count as completed")
	}
}

func TestAgentIgnoresCancelForOtherTask(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{}, 20*time.Millisecond)
	runAgent(t, a)

	p := f.accept()
	p.handshake()
	p.assign("t-5", "computation", `{"numbers":[2,2]}`)
	p.expect(protocol.TypeStatusUpdate)
	p.send(protocol.TypeCancelTask, "", protocol.CancelNotice{TaskID: "other"})

	p.skipProgress(protocol.TypeTaskComplete)
}

func TestAgentHeartbeats(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{HeartbeatInterval: 20 * time.Millisecond}, 0)
	runAgent(t, a)

	p := f.accept()
	p.handshake()

	env := p.expect(protocol.TypeHeartbeat)
	var hb protocol.Heartbeat
	if err := env.Decode(&hb); err != nil {
		t.Fatal(err)
	}
	if hb.WorkerID != "worker-test" || hb.Status != "alive" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if hb.CurrentTaskID() != "" {
		t.Errorf("idle heartbeat reports task %q", hb.CurrentTaskID())
	}
	if hb.Stats != nil {
		t.Errorf("Stats = %+v, want nil with a nil sampler", hb.Stats)
	}
}

func TestAgentBadCredentialsStopsRun(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{Username: "w", Password: "wrong"}, 0)
	r := runAgent(t, a)

	p := f.accept()
	env := p.expect(protocol.TypeAuth)
	var req protocol.AuthRequest
	if err := env.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Username != "w" || req.Password != "wrong" {
		t.Errorf("auth request = %+v", req)
	}
	p.reply(env, protocol.Failure(protocol.CodeBadCredentials, "invalid credentials"))

	select {
	case <-r.done:
		if !errors.Is(r.err, errors.ErrBadCredentials) {
			t.Errorf("Run() error = %v, want ErrBadCredentials", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after rejected credentials")
	}
}

func TestAgentSendsTokenWhenAuthenticated(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{Username: "w", Password: "pw"}, 0)
	runAgent(t, a)

	p := f.accept()
	env := p.expect(protocol.TypeAuth)
	p.reply(env, protocol.Reply{Status: protocol.StatusSuccess, Token: "tok-1", Role: "worker"})

	env = p.expect(protocol.TypeRegisterWorker)
	var req protocol.RegisterRequest
	if err := env.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Token != "tok-1" {
		t.Errorf("register token = %q, want tok-1", req.Token)
	}
}

func TestAgentReregistersWhenForgotten(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{}, 0)
	runAgent(t, a)

	first := f.accept()
	first.handshake()
	first.send(protocol.TypeError, "", protocol.Failure(protocol.CodeUnknownWorker, "worker not registered"))

	second := f.accept()
	info := second.handshake()
	if info.ID != a.ID() {
		t.Errorf("re-registered as %q, want %q", info.ID, a.ID())
	}
}

func TestAgentReconnectsAfterDrop(t *testing.T) {
	f := newFakeCoordinator(t)
	a := newTestAgent(t, f, Config{}, 0)
	runAgent(t, a)

	first := f.accept()
	first.handshake()
	_ = first.conn.Close()

	second := f.accept()
	second.handshake()
}

func TestFailureMessage(t *testing.T) {
	execErr := errors.NewExecutionError("division by zero", nil).WithTask("t", "computation")
	if got := failureMessage(execErr); got != "division by zero" {
		t.Errorf("failureMessage(ExecutionError) = %q", got)
	}
	if got := failureMessage(errors.New("boom")); got != "boom" {
		t.Errorf("failureMessage(plain) = %q", got)
	}
}

type failingSender struct{ err error }

func (s failingSender) Send([]byte) error { return s.err }

type closeRecorder struct{ closed int }

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestSendHeartbeatDropsBrokenConnection(t *testing.T) {
	exec := handlers.NewExecutor(handlers.Default(t.TempDir()))
	a, err := New(Config{Address: "127.0.0.1:1"}, exec, WithStats(nil))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		sendErr   error
		wantKeep  bool
		wantClose int
	}{
		{name: "sent", wantKeep: true},
		{name: "channel closed", sendErr: errors.ErrChannelClosed, wantClose: 1},
		{name: "connection error", sendErr: errors.NewConnectionError("write", nil), wantClose: 1},
		{name: "encode failure", sendErr: errors.New("encode heartbeat"), wantKeep: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corr := correlator.New(failingSender{err: tt.sendErr})
			conn := &closeRecorder{}
			if got := a.sendHeartbeat(corr, conn); got != tt.wantKeep {
				t.Errorf("sendHeartbeat() = %v, want %v", got, tt.wantKeep)
			}
			if conn.closed != tt.wantClose {
				t.Errorf("conn closed %d times, want %d", conn.closed, tt.wantClose)
			}
		})
	}
}
