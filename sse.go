package compliance

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SSEInterceptor is a reverse proxy for the HTTP+SSE transport. Client messages arrive as POST
// requests and are forwarded to the target server; server messages flow back through the GET
// event stream, which is relayed line by line so that events reach the client as soon as the
// server emits them.
//
// Only the session, protocol version, accept and authorization headers are forwarded. A request
// that cannot be forwarded is answered with a 500 without affecting other requests.
type SSEInterceptor struct {
	proxy   *httpProxy
	handler http.Handler
}

var sseErrorBody = []byte(`{"error":"Proxy error"}`)

// NewSSEInterceptor creates an interceptor listening on cfg.Addr and forwarding to cfg.TargetURL.
// Messages are reported to observer, which may be nil.
func NewSSEInterceptor(cfg HTTPConfig, observer Observer, opts ...Option) (*SSEInterceptor, error) {
	proxy, err := newHTTPProxy(TransportSSE, cfg, observer, newOptions(opts))
	if err != nil {
		return nil, err
	}
	proxy.errorBody = sseErrorBody

	r := chi.NewRouter()
	r.Post("/*", proxy.handlePost)
	r.Get("/*", proxy.handleGet)

	return &SSEInterceptor{proxy: proxy, handler: r}, nil
}

// Start binds the listener and begins serving.
func (s *SSEInterceptor) Start(ctx context.Context) error {
	return s.proxy.start(ctx, s.handler)
}

// Close releases the listener.
func (s *SSEInterceptor) Close() error {
	return s.proxy.close()
}

// Addr returns the bound listen address, or nil before Start.
func (s *SSEInterceptor) Addr() net.Addr {
	return s.proxy.listenAddr()
}

// ServeHTTP lets the interceptor be mounted on an existing server instead of its own listener.
func (s *SSEInterceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
