package securechan

import (
	"net"
	"sync"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// Listener accepts connections and hands them out only after a successful
// handshake. Handshakes run concurrently, so a slow or hostile peer cannot
// hold up other connections.
type Listener struct {
	ln   net.Listener
	key  Key
	opts options

	ready chan *Conn
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// Listen starts accepting on address.
func Listen(address string, key Key, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewConnectionError("listen failed", err).WithAddress(address)
	}
	return NewListener(ln, key, opts...), nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener, key Key, opts ...Option) *Listener {
	l := &Listener{
		ln:    ln,
		key:   key,
		opts:  buildOptions(opts),
		ready: make(chan *Conn),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()
			_ = l.Close()
			return
		}
		l.wg.Add(1)
		go l.handshake(raw)
	}
}

func (l *Listener) handshake(raw net.Conn) {
	defer l.wg.Done()

	keys, err := serverHandshake(raw, l.key, l.opts.handshakeTimeout)
	if err != nil {
		_ = raw.Close()
		l.opts.logger.Warn("handshake rejected", "remote", raw.RemoteAddr().String(), "error", err)
		return
	}

	conn := newConn(raw, keys, l.opts)
	select {
	case l.ready <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

// Accept returns the next authenticated connection. After Close it fails
// with ErrChannelClosed.
func (l *Listener) Accept() (*Conn, error) {
	select {
	case c := <-l.ready:
		return c, nil
	case <-l.done:
		l.errMu.Lock()
		err := l.err
		l.errMu.Unlock()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return nil, errors.Join(errors.ErrChannelClosed, err)
		}
		return nil, errors.ErrChannelClosed
	}
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting and drops connections still in handshake.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

// Wait blocks until the accept loop and all in-flight handshakes have exited.
func (l *Listener) Wait() {
	l.wg.Wait()
}
