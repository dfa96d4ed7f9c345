package atomix

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// ServerOptions holds the server-side tunables, following
// sumimakito/raft's ServerOption/applyServerOpts functional-options
// pattern. NewApplyEngine and NewCompactor do not read it: NewCompactor
// takes its tick interval as an argument.
type ServerOptions struct {
	CompactInterval time.Duration
	LogLevel        string
}

func defaultServerOptions() *ServerOptions {
	return &ServerOptions{
		CompactInterval: 10 * time.Second,
		LogLevel:        "info",
	}
}

// ServerOption mutates ServerOptions at construction time.
type ServerOption func(*ServerOptions)

// WithCompactInterval sets ServerOptions.CompactInterval (default 10s).
func WithCompactInterval(d time.Duration) ServerOption {
	return func(o *ServerOptions) { o.CompactInterval = d }
}

// WithServerLogLevel selects the zap level name ("debug", "info", "warn").
func WithServerLogLevel(level string) ServerOption {
	return func(o *ServerOptions) { o.LogLevel = level }
}

func applyServerOpts(opts ...ServerOption) *ServerOptions {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClientOptions configures a ClientContext, per spec section 6's
// defaults.
type ClientOptions struct {
	ServiceName     string
	ServiceType     string
	ReadConsistency ReadConsistency
	SessionTimeout  time.Duration

	RequestTimeout          time.Duration
	KeepAliveInterval        time.Duration
	RegisterBackoffInitial   time.Duration
	RegisterBackoffMax       time.Duration

	LogLevel string

	// Clock governs register-backoff waits and the keep-alive ticker, the
	// one place a ClientContext depends on wall-clock time rather than
	// committed-entry timestamps. Tests substitute clockwork.NewFakeClock
	// to drive that timing deterministically.
	Clock clockwork.Clock
}

func defaultClientOptions() *ClientOptions {
	return &ClientOptions{
		ReadConsistency:        Sequential,
		SessionTimeout:         30 * time.Second,
		RequestTimeout:         10 * time.Second,
		KeepAliveInterval:      time.Second,
		RegisterBackoffInitial: 100 * time.Millisecond,
		RegisterBackoffMax:     5 * time.Second,
		LogLevel:               "info",
		Clock:                  clockwork.NewRealClock(),
	}
}

// ClientOption mutates ClientOptions at construction time.
type ClientOption func(*ClientOptions)

func WithService(name, serviceType string) ClientOption {
	return func(o *ClientOptions) { o.ServiceName = name; o.ServiceType = serviceType }
}

func WithReadConsistency(rc ReadConsistency) ClientOption {
	return func(o *ClientOptions) { o.ReadConsistency = rc }
}

func WithSessionTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) { o.SessionTimeout = d }
}

func WithRequestTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) { o.RequestTimeout = d }
}

func WithKeepAliveInterval(d time.Duration) ClientOption {
	return func(o *ClientOptions) { o.KeepAliveInterval = d }
}

func WithRegisterBackoff(initial, max time.Duration) ClientOption {
	return func(o *ClientOptions) { o.RegisterBackoffInitial = initial; o.RegisterBackoffMax = max }
}

func WithClientLogLevel(level string) ClientOption {
	return func(o *ClientOptions) { o.LogLevel = level }
}

// WithClock overrides the clock used for register backoff and keep-alive
// ticking. Intended for tests driving a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) ClientOption {
	return func(o *ClientOptions) { o.Clock = clock }
}

func applyClientOpts(opts ...ClientOption) *ClientOptions {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
