package compliance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Observer receives every message an interceptor decodes off the wire.
//
// HTTP interceptors handle each request in its own goroutine, so implementations must be safe
// for concurrent use. Observe is called before the bytes carrying the message are forwarded.
type Observer interface {
	Observe(msg AnnotatedMessage)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(msg AnnotatedMessage)

// Interceptor transparently relays the traffic between exactly one client and one server while
// observing every message flowing in both directions.
type Interceptor interface {
	// Start begins relaying and returns once the interceptor accepts traffic: the child process
	// is running or the listener is bound. Starting an interceptor twice returns ErrAlreadyStarted.
	Start(ctx context.Context) error

	// Close releases the listener or terminates the child process. Calling Close more than once,
	// or concurrently with in-flight requests, is safe. Requests already in flight may still
	// complete or fail after Close returns.
	Close() error
}

// Config is the transport-agnostic interceptor configuration handed over by the command line.
type Config struct {
	Transport Transport

	// LogPath is where the capture is written; empty disables the capture file.
	LogPath string

	ClientID string
	ServerID string

	// Command, Args and Env describe the server process of the stdio transport.
	Command string
	Args    []string
	Env     []string

	// ListenHost, ListenPort and TargetURL describe the proxy of the HTTP transports.
	ListenHost string
	ListenPort int
	TargetURL  string
}

// StdioConfig configures a StdioInterceptor.
type StdioConfig struct {
	Command string
	Args    []string
	// Env is appended to the environment of the current process.
	Env []string

	ClientID string
	ServerID string
}

// HTTPConfig configures the HTTP interceptors.
type HTTPConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8080". Port 0 picks an ephemeral port.
	Addr      string
	TargetURL string

	ClientID string
	ServerID string
}

// Option customizes an interceptor.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	metrics    *Metrics
	now        func() time.Time

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

const defaultListenHost = "127.0.0.1"

// Observe implements Observer.
func (f ObserverFunc) Observe(msg AnnotatedMessage) {
	f(msg)
}

// WithLogger sets the logger used for operator diagnostics. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient sets the client used to forward requests to the target server.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithMetrics records interceptor activity into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock sets the clock used to timestamp observed messages.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithStdio sets the streams a StdioInterceptor relays from and to, instead of the process's
// own standard streams. errOut receives the child's standard error untouched.
func WithStdio(in io.Reader, out, errOut io.Writer) Option {
	return func(o *options) {
		o.stdin = in
		o.stdout = out
		o.stderr = errOut
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		httpClient: &http.Client{},
		now:        time.Now,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate reports the first problem that prevents cfg from being started, as a *ConfigError.
func (c Config) Validate() error {
	if !c.Transport.Valid() {
		return &ConfigError{Field: "transport", Reason: fmt.Sprintf("unknown transport %q", c.Transport)}
	}
	if c.ClientID == "" {
		return &ConfigError{Field: "client-id", Reason: "must not be empty"}
	}
	if c.ServerID == "" {
		return &ConfigError{Field: "server-id", Reason: "must not be empty"}
	}

	if c.Transport == TransportStdio {
		if c.Command == "" {
			return &ConfigError{Field: "command", Reason: "required for stdio transport"}
		}
		return nil
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("required for %s transport", c.Transport)}
	}
	if c.TargetURL == "" {
		return &ConfigError{Field: "target", Reason: fmt.Sprintf("required for %s transport", c.Transport)}
	}
	u, err := url.Parse(c.TargetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "target", Reason: fmt.Sprintf("invalid URL %q", c.TargetURL)}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP interceptors listen on.
func (c Config) ListenAddr() string {
	host := c.ListenHost
	if host == "" {
		host = defaultListenHost
	}
	return net.JoinHostPort(host, strconv.Itoa(c.ListenPort))
}

// New validates cfg and builds the interceptor for its transport.
func New(cfg Config, observer Observer, opts ...Option) (Interceptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case TransportStdio:
		return NewStdioInterceptor(StdioConfig{
			Command:  cfg.Command,
			Args:     cfg.Args,
			Env:      cfg.Env,
			ClientID: cfg.ClientID,
			ServerID: cfg.ServerID,
		}, observer, opts...), nil
	case TransportSSE:
		return NewSSEInterceptor(HTTPConfig{
			Addr:      cfg.ListenAddr(),
			TargetURL: cfg.TargetURL,
			ClientID:  cfg.ClientID,
			ServerID:  cfg.ServerID,
		}, observer, opts...)
	default:
		return NewStreamableHTTPInterceptor(HTTPConfig{
			Addr:      cfg.ListenAddr(),
			TargetURL: cfg.TargetURL,
			ClientID:  cfg.ClientID,
			ServerID:  cfg.ServerID,
		}, observer, opts...)
	}
}

type nopObserver struct{}

func (nopObserver) Observe(AnnotatedMessage) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
