package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// httpProxy is the relay shared by the HTTP interceptors: it owns the listener, forwards
// requests to the target server and decodes the traffic in both directions.
type httpProxy struct {
	transport Transport
	addr      string
	target    *url.URL
	clientID  string
	serverID  string

	observer Observer
	client   *http.Client
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	// metadata builds the per-message HTTP metadata, nil when the transport records none.
	metadata func(shape HTTPShape, h http.Header) *StreamableHTTPMetadata
	// onResponse sees every response received from the target.
	onResponse func(resp *http.Response)
	// errorBody is the JSON body answered to the client when a POST cannot be forwarded.
	errorBody []byte
	// responseHeaders are relayed from the target's response in addition to Content-Type.
	responseHeaders []string

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	started  bool
	closed   bool
}

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
)

// forwardedHeaders are the only request headers relayed to the target.
var forwardedHeaders = []string{headerSessionID, headerProtocolVersion, "Accept", "Authorization"}

// recordedHeaders are the headers captured into streamable HTTP metadata.
var recordedHeaders = []string{headerSessionID, headerProtocolVersion, "Content-Type", "Accept"}

func newHTTPProxy(transport Transport, cfg HTTPConfig, observer Observer, o options) (*httpProxy, error) {
	target, err := url.Parse(cfg.TargetURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, &ConfigError{Field: "target", Reason: fmt.Sprintf("invalid URL %q", cfg.TargetURL)}
	}
	addr := cfg.Addr
	if addr == "" {
		addr = net.JoinHostPort(defaultListenHost, "0")
	}

	return &httpProxy{
		transport: transport,
		addr:      addr,
		target:    target,
		clientID:  cfg.ClientID,
		serverID:  cfg.ServerID,
		observer:  observerOrNop(observer),
		client:    o.httpClient,
		logger:    o.logger,
		metrics:   o.metrics,
		now:       o.now,
	}, nil
}

func (p *httpProxy) start(ctx context.Context, handler http.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.closed {
		return errors.New("interceptor is closed")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}

	// Every request context derives from baseCtx, so Close also abandons requests that
	// are still waiting on an unresponsive target.
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	p.srv = srv
	p.listener = ln
	p.cancel = cancel
	p.started = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy server stopped", "err", err)
		}
	}()

	p.logger.Info("proxy listening",
		slog.String("transport", string(p.transport)),
		slog.String("addr", ln.Addr().String()),
		slog.String("target", p.target.String()))
	return nil
}

func (p *httpProxy) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.srv == nil {
		return nil
	}
	p.cancel()
	if err := p.srv.Close(); err != nil {
		p.logger.Warn("failed to close proxy server", "err", err)
	}
	return nil
}

func (p *httpProxy) listenAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *httpProxy) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { p.metrics.observeRequest(p.transport, r.Method, time.Since(start)) }()
	logger := p.requestLogger(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.fail(w, logger, r.Method, fmt.Errorf("failed to read request body: %w", err))
		return
	}
	if msg, ok := Classify(body); ok {
		p.observe(msg, p.clientID, p.serverID, directionClientToServer, p.meta(ShapePost, r.Header))
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.targetFor(r), bytes.NewReader(body))
	if err != nil {
		p.fail(w, logger, r.Method, fmt.Errorf("failed to create request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	copyHeaders(req.Header, r.Header, forwardedHeaders)

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(w, logger, r.Method, fmt.Errorf("failed to forward request: %w", err))
		return
	}
	defer resp.Body.Close()
	p.seeResponse(resp)

	if isEventStream(resp.Header) {
		p.relayStream(w, resp, logger, ShapePostSSE, resp.Header)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.fail(w, logger, r.Method, fmt.Errorf("failed to read response body: %w", err))
		return
	}
	if isJSON(resp.Header) && len(bytes.TrimSpace(respBody)) > 0 && !json.Valid(respBody) {
		p.fail(w, logger, r.Method, fmt.Errorf("malformed JSON response from target (status %d)", resp.StatusCode))
		return
	}
	if msg, ok := Classify(respBody); ok {
		p.observe(msg, p.serverID, p.clientID, directionServerToClient, p.meta(ShapePost, resp.Header))
	}

	copyHeaders(w.Header(), resp.Header, append([]string{"Content-Type"}, p.responseHeaders...))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		logger.Warn("failed to write response", "err", err)
	}
}

func (p *httpProxy) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { p.metrics.observeRequest(p.transport, r.Method, time.Since(start)) }()
	logger := p.requestLogger(r)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, p.targetFor(r), nil)
	if err != nil {
		p.fail(w, logger, r.Method, fmt.Errorf("failed to create request: %w", err))
		return
	}
	copyHeaders(req.Header, r.Header, forwardedHeaders)

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(w, logger, r.Method, fmt.Errorf("failed to open event stream: %w", err))
		return
	}
	defer resp.Body.Close()
	p.seeResponse(resp)

	p.relayStream(w, resp, logger, ShapeGetSSE, r.Header)
}

// relayStream forwards an event stream line by line as soon as each line is complete,
// observing the messages carried by its data lines.
func (p *httpProxy) relayStream(w http.ResponseWriter, resp *http.Response, logger *slog.Logger, shape HTTPShape, metaHeaders http.Header) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	copyHeaders(h, resp.Header, append([]string{"Content-Type"}, p.responseHeaders...))
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	meta := p.meta(shape, metaHeaders)
	dec := NewEventStreamDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := p.forwardFrames(w, flusher, dec.Decode(buf[:n]), meta); werr != nil {
				logger.Debug("client went away during event stream", "err", werr)
				return
			}
		}
		if err != nil {
			if werr := p.forwardFrames(w, flusher, dec.Flush(), meta); werr != nil {
				logger.Debug("client went away during event stream", "err", werr)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logger.Warn("event stream interrupted", "err", err)
			}
			return
		}
	}
}

func (p *httpProxy) forwardFrames(w io.Writer, flusher http.Flusher, frames []Frame, meta *StreamableHTTPMetadata) error {
	if len(frames) == 0 {
		return nil
	}
	for _, f := range frames {
		if f.IsMessage {
			p.observe(f.Message, p.serverID, p.clientID, directionServerToClient, meta)
		}
		if _, err := w.Write(f.Raw); err != nil {
			return err
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// fail answers a request that could not be forwarded. It must only be called before any
// part of the response has been written.
func (p *httpProxy) fail(w http.ResponseWriter, logger *slog.Logger, method string, err error) {
	logger.Error("failed to proxy request", "err", err)
	p.metrics.forwardError(p.transport, method)

	if method != http.MethodPost || p.errorBody == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(p.errorBody)
}

func (p *httpProxy) observe(msg JSONRPCMessage, sender, recipient, direction string, meta *StreamableHTTPMetadata) {
	m := Annotate(msg, sender, recipient, p.transport, p.now())
	m.Metadata.StreamableHTTP = meta
	p.metrics.observeMessage(p.transport, direction)
	p.observer.Observe(m)
}

func (p *httpProxy) meta(shape HTTPShape, h http.Header) *StreamableHTTPMetadata {
	if p.metadata == nil {
		return nil
	}
	return p.metadata(shape, h)
}

func (p *httpProxy) seeResponse(resp *http.Response) {
	if p.onResponse != nil {
		p.onResponse(resp)
	}
}

func (p *httpProxy) requestLogger(r *http.Request) *slog.Logger {
	return p.logger.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
}

// targetFor maps the path and query of an incoming request onto the target server.
func (p *httpProxy) targetFor(r *http.Request) string {
	ref := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	return p.target.ResolveReference(ref).String()
}

func copyHeaders(dst, src http.Header, names []string) {
	for _, name := range names {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

// recordHeaders returns the protocol-relevant headers of h keyed by their lowercase names.
func recordHeaders(h http.Header) map[string]string {
	headers := make(map[string]string)
	for _, name := range recordedHeaders {
		if v := h.Get(name); v != "" {
			headers[strings.ToLower(name)] = v
		}
	}
	return headers
}

func isEventStream(h http.Header) bool {
	return hasMediaType(h, "text/event-stream")
}

func isJSON(h http.Header) bool {
	return hasMediaType(h, "application/json")
}

func hasMediaType(h http.Header, want string) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == want
}
