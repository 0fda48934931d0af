package securechan

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

const headerSize = 4

// DefaultMaxFrameSize bounds a single plaintext message.
const DefaultMaxFrameSize = 16 << 20

// DefaultHandshakeTimeout bounds the key-proof exchange.
const DefaultHandshakeTimeout = 10 * time.Second

type options struct {
	maxFrame         int
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *logging.Logger
}

func defaultOptions() options {
	return options{
		maxFrame:         DefaultMaxFrameSize,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           logging.NopLogger(),
	}
}

// Option configures a connection or listener.
type Option func(*options)

// WithMaxFrameSize rejects incoming messages larger than n bytes. Sending a
// larger message fails with ErrFrameTooLarge.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrame = n
		}
	}
}

// WithIdleTimeout closes the connection when Receive waits longer than d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithHandshakeTimeout bounds the handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithLogger sets the logger used for rejected handshakes and frames.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Conn is an established secure connection. Send and Receive may be called
// concurrently with each other; concurrent Sends are serialized, as are
// concurrent Receives.
type Conn struct {
	raw  net.Conn
	r    *bufio.Reader
	opts options

	sendMu  sync.Mutex
	send    *Cipher
	sendSeq uint64

	recvMu  sync.Mutex
	recv    *Cipher
	recvSeq uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(raw net.Conn, keys sessionKeys, opts options) *Conn {
	return &Conn{
		raw:  raw,
		r:    bufio.NewReader(raw),
		opts: opts,
		send: keys.send,
		recv: keys.recv,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client runs the initiating handshake over an existing connection.
// On failure raw is closed.
func Client(raw net.Conn, key Key, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	keys, err := clientHandshake(raw, key, o.handshakeTimeout)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newConn(raw, keys, o), nil
}

// Server runs the accepting handshake over an existing connection.
// On failure raw is closed.
func Server(raw net.Conn, key Key, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	keys, err := serverHandshake(raw, key, o.handshakeTimeout)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newConn(raw, keys, o), nil
}

// Dial connects to address and completes the handshake. A transport failure
// is a *errors.ConnectionError; a key mismatch is a *errors.AuthenticationError.
func Dial(ctx context.Context, address string, key Key, opts ...Option) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.NewConnectionError("dial failed", err).WithAddress(address)
	}
	return Client(raw, key, opts...)
}

// Send encrypts and writes one message.
func (c *Conn) Send(msg []byte) error {
	if c.closed.Load() {
		return errors.ErrChannelClosed
	}
	if len(msg) > c.opts.maxFrame {
		return errors.Wrapf(errors.ErrFrameTooLarge, "send %d bytes", len(msg))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sealed, err := c.send.Seal(c.sendSeq, msg)
	if err != nil {
		return err
	}
	buf := make([]byte, headerSize+len(sealed))
	binary.BigEndian.PutUint32(buf, uint32(len(sealed)))
	copy(buf[headerSize:], sealed)

	if _, err := c.raw.Write(buf); err != nil {
		_ = c.Close()
		return c.transportErr(err)
	}
	c.sendSeq++
	return nil
}

// Receive blocks for the next message. It fails with ErrChannelClosed once the
// peer hangs up or the connection is closed, with a *errors.DecryptionError if
// a frame does not authenticate, and with a *errors.TimeoutError if the idle
// timeout elapses. Every failure closes the connection.
func (c *Conn) Receive() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.closed.Load() {
		return nil, errors.ErrChannelClosed
	}
	if c.opts.idleTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		_ = c.Close()
		return nil, c.transportErr(err)
	}
	n := int(binary.BigEndian.Uint32(header[:]))
	if n < Overhead || n > c.opts.maxFrame+Overhead {
		_ = c.Close()
		c.opts.logger.Warn("rejected frame", "remote", c.RemoteAddr(), "length", n)
		return nil, errors.Wrapf(errors.ErrFrameTooLarge, "frame of %d bytes", n)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		_ = c.Close()
		return nil, c.transportErr(err)
	}

	msg, err := c.recv.Open(c.recvSeq, frame)
	if err != nil {
		_ = c.Close()
		c.opts.logger.Warn("frame failed authentication, closing connection",
			"remote", c.RemoteAddr(), "seq", c.recvSeq)
		return nil, err
	}
	c.recvSeq++
	return msg, nil
}

func (c *Conn) transportErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.NewTimeoutError("idle read", c.opts.idleTimeout).WithCause(err)
	}
	return errors.Join(errors.ErrChannelClosed, err)
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
