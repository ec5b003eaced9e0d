package compliance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioInterceptor sits between a client and a server speaking newline-delimited JSON-RPC over
// standard streams. It spawns the server as a child process, relays its own standard input to
// the child (client to server) and the child's standard output back to its own (server to
// client), observing every message on the way. The child's standard error is passed through
// untouched.
//
// Bytes are forwarded exactly as read, so non-protocol output and partial lines reach the peer
// unchanged. Instances should be created using NewStdioInterceptor and released with Close.
type StdioInterceptor struct {
	cfg      StdioConfig
	observer Observer
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	closed  bool

	done    chan struct{}
	waitErr error
}

// NewStdioInterceptor creates an interceptor for the server described by cfg. Messages are
// reported to observer, which may be nil.
func NewStdioInterceptor(cfg StdioConfig, observer Observer, opts ...Option) *StdioInterceptor {
	o := newOptions(opts)
	return &StdioInterceptor{
		cfg:      cfg,
		observer: observerOrNop(observer),
		logger:   o.logger,
		metrics:  o.metrics,
		now:      o.now,
		stdin:    o.stdin,
		stdout:   o.stdout,
		stderr:   o.stderr,
		done:     make(chan struct{}),
	}
}

// Start spawns the server process and begins relaying in both directions.
func (s *StdioInterceptor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.closed {
		return errors.New("interceptor is closed")
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Stderr = s.stderr

	childIn, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	childOut, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.cfg.Command, err)
	}
	s.cmd = cmd
	s.started = true

	s.logger.Debug("server process started", slog.String("command", s.cfg.Command), slog.Int("pid", cmd.Process.Pid))

	go func() {
		s.relay(s.stdin, childIn, s.cfg.ClientID, s.cfg.ServerID, directionClientToServer)
		// The client is done talking: let the server see EOF.
		if err := childIn.Close(); err != nil {
			s.logger.Debug("failed to close server stdin", "err", err)
		}
	}()

	go func() {
		defer close(s.done)

		// StdoutPipe must be drained before Wait is called.
		s.relay(childOut, s.stdout, s.cfg.ServerID, s.cfg.ClientID, directionServerToClient)
		s.waitErr = cmd.Wait()
		s.logger.Debug("server process exited", slog.Int("pid", cmd.Process.Pid), "err", s.waitErr)
	}()

	return nil
}

// Done is closed once the server process has exited and all of its output has been relayed.
func (s *StdioInterceptor) Done() <-chan struct{} {
	return s.done
}

// Err returns the exit error of the server process. It is only meaningful after Done is closed.
func (s *StdioInterceptor) Err() error {
	select {
	case <-s.done:
		return s.waitErr
	default:
		return nil
	}
}

// Close terminates the server process, and any process it spawned, if it is still running.
func (s *StdioInterceptor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cmd == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}

	if err := KillProcessTree(s.cmd.Process.Pid); err != nil {
		s.logger.Warn("failed to terminate server process", slog.Int("pid", s.cmd.Process.Pid), "err", err)
	}
	return nil
}

// relay copies src to dst unmodified, decoding lines on the way. Messages are observed before
// the chunk carrying them is forwarded, so a request is always recorded ahead of its response.
func (s *StdioInterceptor) relay(src io.Reader, dst io.Writer, sender, recipient, direction string) {
	dec := NewLineDecoder()
	buf := make([]byte, 32*1024)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.observe(dec.Decode(buf[:n]), sender, recipient, direction)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.logger.Warn("failed to relay data", slog.String("direction", direction), "err", werr)
				return
			}
		}
		if err != nil {
			s.observe(dec.Flush(), sender, recipient, direction)
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("failed to read data", slog.String("direction", direction), "err", err)
			}
			return
		}
	}
}

func (s *StdioInterceptor) observe(frames []Frame, sender, recipient, direction string) {
	for _, f := range frames {
		if !f.IsMessage {
			continue
		}
		s.metrics.observeMessage(TransportStdio, direction)
		s.observer.Observe(Annotate(f.Message, sender, recipient, TransportStdio, s.now()))
	}
}
