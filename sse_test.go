package compliance_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"github.com/tmaxmax/go-sse"
)

const (
	initializeRequest = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`
	progressEvent     = `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hello"}}`
)

// legacySSEServer is a minimal HTTP+SSE server: the GET stream announces the message endpoint
// and carries the responses to the requests POSTed there.
type legacySSEServer struct {
	responses chan string
}

func newLegacySSEServer(t *testing.T) *httptest.Server {
	t.Helper()

	s := &legacySSEServer{responses: make(chan string, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /message", s.handleMessage)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (s *legacySSEServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	send := func(typ, data string) error {
		msg := sse.Message{Type: sse.Type(typ)}
		msg.AppendData(data)
		if err := sess.Send(&msg); err != nil {
			return err
		}
		return sess.Flush()
	}

	if err := send("endpoint", "/message?sessionId=abc"); err != nil {
		return
	}
	if err := send("message", progressEvent); err != nil {
		return
	}

	for {
		select {
		case resp := <-s.responses:
			if err := send("message", resp); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *legacySSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("sessionId") != "abc" {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}

	var req struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.responses <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2025-03-26"}}`, req.ID)

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}

func startSSEInterceptor(t *testing.T, targetURL string, observer compliance.Observer, opts ...compliance.Option) *compliance.SSEInterceptor {
	t.Helper()

	opts = append([]compliance.Option{compliance.WithLogger(discardLogger())}, opts...)
	interceptor, err := compliance.NewSSEInterceptor(compliance.HTTPConfig{
		Addr:      "127.0.0.1:0",
		TargetURL: targetURL,
		ClientID:  "client1",
		ServerID:  "CalcServer",
	}, observer, opts...)
	if err != nil {
		t.Fatalf("failed to create interceptor: %v", err)
	}
	if err := interceptor.Start(context.Background()); err != nil {
		t.Fatalf("failed to start interceptor: %v", err)
	}
	t.Cleanup(func() { interceptor.Close() })
	return interceptor
}

func proxyURL(addr fmt.Stringer) string {
	return "http://" + addr.String()
}

// readDataLine reads the stream until the next data line and returns its payload.
func readDataLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read event stream: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
}

func TestSSEInterceptorRelaysStreamAndPosts(t *testing.T) {
	target := newLegacySSEServer(t)
	rec := &recorder{}
	interceptor := startSSEInterceptor(t, target.URL, rec)
	base := proxyURL(interceptor.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/sse", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer stream.Body.Close()

	if stream.StatusCode != http.StatusOK {
		t.Fatalf("got stream status %d, want 200", stream.StatusCode)
	}
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("got stream content type %q", ct)
	}

	events := bufio.NewReader(stream.Body)
	endpoint := readDataLine(t, events)
	if endpoint != "/message?sessionId=abc" {
		t.Fatalf("got endpoint %q", endpoint)
	}
	if got := readDataLine(t, events); got != progressEvent {
		t.Errorf("got event %q, want %q", got, progressEvent)
	}

	resp, err := http.Post(base+endpoint, "application/json", strings.NewReader(initializeRequest))
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || string(body) != "Accepted" {
		t.Errorf("got %d %q, want 202 Accepted", resp.StatusCode, body)
	}

	result := readDataLine(t, events)
	if !strings.Contains(result, `"id":1`) {
		t.Errorf("got result event %q", result)
	}

	msgs := rec.waitFor(t, 3)
	want := []struct {
		sender  string
		summary string
	}{
		{"CalcServer", "notifications/message"},
		{"client1", "initialize"},
		{"CalcServer", "response"},
	}
	for i, w := range want {
		m := msgs[i]
		if m.Metadata.Sender != w.sender || m.Message.Summary() != w.summary {
			t.Errorf("message %d: got %s %s, want %s %s", i, m.Metadata.Sender, m.Message.Summary(), w.sender, w.summary)
		}
		if m.Metadata.Transport != compliance.TransportSSE {
			t.Errorf("message %d: got transport %q, want sse", i, m.Metadata.Transport)
		}
		if m.Metadata.StreamableHTTP != nil {
			t.Errorf("message %d: sse message carries streamable metadata", i)
		}
	}
}

func TestSSEInterceptorForwardsSelectedHeaders(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"auth":%q,"custom":%q,"session":%q}}`,
			r.Header.Get("Authorization"), r.Header.Get("X-Custom"), r.Header.Get("Mcp-Session-Id"))
	}))
	defer target.Close()

	rec := &recorder{}
	interceptor := startSSEInterceptor(t, target.URL, rec)

	req, _ := http.NewRequest(http.MethodPost, proxyURL(interceptor.Addr())+"/message", strings.NewReader(initializeRequest))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("X-Custom", "dropped")
	req.Header.Set("Mcp-Session-Id", "s-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		Result struct {
			Auth    string `json:"auth"`
			Custom  string `json:"custom"`
			Session string `json:"session"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Result.Auth != "Bearer token" || got.Result.Session != "s-1" {
		t.Errorf("protocol headers were not forwarded: %+v", got.Result)
	}
	if got.Result.Custom != "" {
		t.Errorf("unrelated header was forwarded: %q", got.Result.Custom)
	}

	msgs := rec.waitFor(t, 2)
	if !msgs[0].Message.IsRequest() || !msgs[1].Message.IsResponse() {
		t.Errorf("got %+v, want request then response", msgs)
	}
}

func TestSSEInterceptorTargetUnreachable(t *testing.T) {
	target := httptest.NewServer(http.NotFoundHandler())
	targetURL := target.URL
	target.Close()

	rec := &recorder{}
	interceptor := startSSEInterceptor(t, targetURL, rec)
	base := proxyURL(interceptor.Addr())

	for i := range 2 {
		resp, err := http.Post(base+"/message", "application/json", strings.NewReader(initializeRequest))
		if err != nil {
			t.Fatalf("request %d: interceptor did not answer: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("request %d: got status %d, want 500", i, resp.StatusCode)
		}
		if string(body) != `{"error":"Proxy error"}` {
			t.Errorf("request %d: got body %q", i, body)
		}
	}

	resp, err := http.Get(base + "/sse")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("got stream status %d, want 500", resp.StatusCode)
	}

	// Requests are observed before they are forwarded.
	if msgs := rec.messages(); len(msgs) != 2 {
		t.Errorf("got %d observed messages, want 2", len(msgs))
	}
}

func TestSSEInterceptorMalformedJSONResponse(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jsonrpc":"2.0","id":1,"resu`)
	}))
	defer target.Close()

	fixed := time.Date(2025, 1, 2, 3, 4, 5, 6000000, time.UTC)
	rec := &recorder{}
	interceptor, err := compliance.NewSSEInterceptor(compliance.HTTPConfig{
		Addr:      "127.0.0.1:0",
		TargetURL: target.URL,
		ClientID:  "client1",
		ServerID:  "CalcServer",
	}, rec, compliance.WithLogger(discardLogger()), compliance.WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("failed to create interceptor: %v", err)
	}

	// Mounted on a test server instead of its own listener.
	srv := httptest.NewServer(interceptor)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/message", "application/json", strings.NewReader(initializeRequest))
	if err != nil {
		t.Fatalf("interceptor did not answer: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", resp.StatusCode)
	}
	if string(body) != `{"error":"Proxy error"}` {
		t.Errorf("got body %q", body)
	}

	msgs := rec.messages()
	if len(msgs) != 1 || !msgs[0].Message.IsRequest() {
		t.Fatalf("got %+v, want only the request", msgs)
	}
	if got := msgs[0].Metadata.Timestamp; got != "2025-01-02T03:04:05.006Z" {
		t.Errorf("got timestamp %s, want the injected clock", got)
	}
}

func TestSSEInterceptorSurvivesHangingTarget(t *testing.T) {
	release := make(chan struct{})
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hang" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer target.Close()
	defer close(release)

	interceptor := startSSEInterceptor(t, target.URL, nil)
	base := proxyURL(interceptor.Addr())

	client := &http.Client{Timeout: 200 * time.Millisecond}
	if resp, err := client.Post(base+"/hang", "application/json", strings.NewReader(initializeRequest)); err == nil {
		resp.Body.Close()
		t.Fatal("expected the hanging request to time out")
	}
	if resp, err := client.Get(base + "/hang"); err == nil {
		resp.Body.Close()
		t.Fatal("expected the hanging stream to time out")
	}

	resp, err := http.Post(base+"/message", "application/json", strings.NewReader(initializeRequest))
	if err != nil {
		t.Fatalf("interceptor stopped serving: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
}

func TestSSEInterceptorsRunIndependently(t *testing.T) {
	newTarget := func(name string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"server":%q}}`, name)
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	recA, recB := &recorder{}, &recorder{}
	a := startSSEInterceptor(t, newTarget("a").URL, recA)
	b := startSSEInterceptor(t, newTarget("b").URL, recB)

	if a.Addr().String() == b.Addr().String() {
		t.Fatalf("interceptors share address %s", a.Addr())
	}

	for _, tc := range []struct {
		interceptor *compliance.SSEInterceptor
		want        string
	}{{a, "a"}, {b, "b"}} {
		resp, err := http.Post(proxyURL(tc.interceptor.Addr())+"/message", "application/json", strings.NewReader(initializeRequest))
		if err != nil {
			t.Fatalf("post failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(body), fmt.Sprintf(`"server":%q`, tc.want)) {
			t.Errorf("got body %s from interceptor %s", body, tc.want)
		}
	}

	// Closing one interceptor leaves the other serving.
	if err := a.Close(); err != nil {
		t.Fatalf("failed to close interceptor: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	resp, err := http.Post(proxyURL(b.Addr())+"/message", "application/json", strings.NewReader(initializeRequest))
	if err != nil {
		t.Fatalf("remaining interceptor stopped serving: %v", err)
	}
	resp.Body.Close()

	if got := len(recA.messages()); got != 2 {
		t.Errorf("interceptor a observed %d messages, want 2", got)
	}
	if got := len(recB.waitFor(t, 4)); got != 4 {
		t.Errorf("interceptor b observed %d messages, want 4", got)
	}
}
