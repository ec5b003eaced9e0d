package compliance

import (
	"context"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// StreamableHTTPInterceptor is a reverse proxy for the session-oriented streamable HTTP
// transport. On top of what SSEInterceptor does, it relays DELETE requests that terminate a
// session, records for every message which HTTP interaction carried it (POST, POST-SSE or
// GET-SSE) together with its protocol-relevant headers, and keeps track of the sessions it has
// seen.
//
// Session tracking is purely observational: it never changes how a request is forwarded.
type StreamableHTTPInterceptor struct {
	proxy    *httpProxy
	handler  http.Handler
	sessions *sessionTracker
}

type sessionKind string

type sessionTracker struct {
	mu       sync.Mutex
	sessions map[string]sessionKind
	metrics  *Metrics
}

const (
	sessionPOST sessionKind = "POST"
	sessionSSE  sessionKind = "SSE"
)

var streamableErrorBody = []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal proxy error"},"id":null}`)

// NewStreamableHTTPInterceptor creates an interceptor listening on cfg.Addr and forwarding to
// cfg.TargetURL. Messages are reported to observer, which may be nil.
func NewStreamableHTTPInterceptor(cfg HTTPConfig, observer Observer, opts ...Option) (*StreamableHTTPInterceptor, error) {
	o := newOptions(opts)
	proxy, err := newHTTPProxy(TransportStreamableHTTP, cfg, observer, o)
	if err != nil {
		return nil, err
	}

	s := &StreamableHTTPInterceptor{
		proxy: proxy,
		sessions: &sessionTracker{
			sessions: make(map[string]sessionKind),
			metrics:  o.metrics,
		},
	}
	proxy.errorBody = streamableErrorBody
	proxy.responseHeaders = []string{headerSessionID, headerProtocolVersion}
	proxy.metadata = func(shape HTTPShape, h http.Header) *StreamableHTTPMetadata {
		return &StreamableHTTPMetadata{Method: shape, Headers: recordHeaders(h)}
	}
	proxy.onResponse = func(resp *http.Response) {
		// Servers assign the session id in the response to initialize.
		if resp.Request.Method == http.MethodPost {
			s.sessions.learn(resp.Header.Get(headerSessionID))
		}
	}

	r := chi.NewRouter()
	r.Post("/*", s.handlePost)
	r.Get("/*", s.handleGet)
	r.Delete("/*", s.handleDelete)
	s.handler = r

	return s, nil
}

// Start binds the listener and begins serving.
func (s *StreamableHTTPInterceptor) Start(ctx context.Context) error {
	return s.proxy.start(ctx, s.handler)
}

// Close releases the listener and forgets every tracked session.
func (s *StreamableHTTPInterceptor) Close() error {
	s.sessions.clear()
	return s.proxy.close()
}

// Addr returns the bound listen address, or nil before Start.
func (s *StreamableHTTPInterceptor) Addr() net.Addr {
	return s.proxy.listenAddr()
}

// ServeHTTP lets the interceptor be mounted on an existing server instead of its own listener.
func (s *StreamableHTTPInterceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ActiveSessions returns the ids of the sessions currently tracked, sorted.
func (s *StreamableHTTPInterceptor) ActiveSessions() []string {
	return s.sessions.ids()
}

func (s *StreamableHTTPInterceptor) handlePost(w http.ResponseWriter, r *http.Request) {
	s.sessions.set(r.Header.Get(headerSessionID), sessionPOST)
	s.proxy.handlePost(w, r)
}

func (s *StreamableHTTPInterceptor) handleGet(w http.ResponseWriter, r *http.Request) {
	s.sessions.set(r.Header.Get(headerSessionID), sessionSSE)
	s.proxy.handleGet(w, r)
}

func (s *StreamableHTTPInterceptor) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.proxy.metrics.observeRequest(TransportStreamableHTTP, r.Method, time.Since(start)) }()
	logger := s.proxy.requestLogger(r)

	s.sessions.remove(r.Header.Get(headerSessionID))

	req, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, s.proxy.targetFor(r), nil)
	if err != nil {
		s.proxy.fail(w, logger, r.Method, err)
		return
	}
	copyHeaders(req.Header, r.Header, forwardedHeaders)

	resp, err := s.proxy.client.Do(req)
	if err != nil {
		s.proxy.fail(w, logger, r.Method, err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	w.WriteHeader(resp.StatusCode)
}

func (t *sessionTracker) set(id string, kind sessionKind) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[id] = kind
	t.metrics.setSessions(len(t.sessions))
}

// learn tracks id as a POST session unless it is already known.
func (t *sessionTracker) learn(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[id]; ok {
		return
	}
	t.sessions[id] = sessionPOST
	t.metrics.setSessions(len(t.sessions))
}

func (t *sessionTracker) remove(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sessions, id)
	t.metrics.setSessions(len(t.sessions))
}

func (t *sessionTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.sessions)
	t.metrics.setSessions(0)
}

func (t *sessionTracker) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
