package coordinator

import (
	"time"

	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

// Defaults for the liveness sweep and connection handling.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultMaxAuthFailures   = 3
	DefaultOutboundBuffer    = 256
)

// serverConfig holds optional configuration for a Server.
type serverConfig struct {
	logger            *logging.Logger
	bus               *event.Bus
	clock             func() time.Time
	heartbeatInterval time.Duration
	missedHeartbeats  int
	sweepInterval     time.Duration
	retention         time.Duration
	forgetAfter       time.Duration
	assignGrace       time.Duration
	requireWorkerAuth bool
	maxAuthFailures   int
	outboundBuffer    int
	channelOpts       []securechan.Option
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		logger:            logging.NopLogger(),
		clock:             time.Now,
		heartbeatInterval: DefaultHeartbeatInterval,
		missedHeartbeats:  DefaultMissedHeartbeats,
		maxAuthFailures:   DefaultMaxAuthFailures,
		outboundBuffer:    DefaultOutboundBuffer,
	}
}

// livenessTimeout is the heartbeat silence after which a worker is evicted.
func (c serverConfig) livenessTimeout() time.Duration {
	return c.heartbeatInterval * time.Duration(c.missedHeartbeats)
}

func (c serverConfig) sweep() time.Duration {
	if c.sweepInterval > 0 {
		return c.sweepInterval
	}
	return c.heartbeatInterval
}

// Option configures a Server.
type Option func(*serverConfig)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *serverConfig) { c.logger = logger }
}

// WithBus shares an event bus with other components, such as metrics
// collectors. If unset the server creates its own.
func WithBus(bus *event.Bus) Option {
	return func(c *serverConfig) { c.bus = bus }
}

// WithClock sets the time source used by the registries and the sweep.
func WithClock(now func() time.Time) Option {
	return func(c *serverConfig) { c.clock = now }
}

// WithLiveness sets the expected heartbeat interval and how many may be
// missed before a worker is evicted.
func WithLiveness(interval time.Duration, missed int) Option {
	return func(c *serverConfig) {
		if interval > 0 {
			c.heartbeatInterval = interval
		}
		if missed > 0 {
			c.missedHeartbeats = missed
		}
	}
}

// WithSweepInterval sets how often the liveness sweep runs. Zero uses the
// heartbeat interval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *serverConfig) { c.sweepInterval = d }
}

// WithRetention sets how long finished tasks stay queryable. Zero keeps
// them forever.
func WithRetention(d time.Duration) Option {
	return func(c *serverConfig) { c.retention = d }
}

// WithForgetUnreachable drops unreachable workers from the table once they
// have been silent for d. Zero keeps them forever.
func WithForgetUnreachable(d time.Duration) Option {
	return func(c *serverConfig) { c.forgetAfter = d }
}

// WithAssignGrace sets how long an idle heartbeat is tolerated for a task
// still in the assigned state.
func WithAssignGrace(d time.Duration) Option {
	return func(c *serverConfig) { c.assignGrace = d }
}

// WithWorkerAuth requires register_worker to carry a token with role worker
// or admin.
func WithWorkerAuth(required bool) Option {
	return func(c *serverConfig) { c.requireWorkerAuth = required }
}

// WithMaxAuthFailures closes a connection after n rejected logins.
func WithMaxAuthFailures(n int) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.maxAuthFailures = n
		}
	}
}

// WithOutboundBuffer sets the per-connection outbound queue length.
func WithOutboundBuffer(n int) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.outboundBuffer = n
		}
	}
}

// WithChannelOptions passes options to the secure channel listener.
func WithChannelOptions(opts ...securechan.Option) Option {
	return func(c *serverConfig) { c.channelOpts = append(c.channelOpts, opts...) }
}
