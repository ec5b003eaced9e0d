package compliance_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
)

func TestConfigValidate(t *testing.T) {
	stdio := compliance.Config{
		Transport: compliance.TransportStdio,
		ClientID:  "client",
		ServerID:  "server",
		Command:   "server-binary",
	}
	httpCfg := compliance.Config{
		Transport:  compliance.TransportSSE,
		ClientID:   "client",
		ServerID:   "server",
		ListenPort: 8080,
		TargetURL:  "http://127.0.0.1:9090",
	}

	tests := []struct {
		name   string
		modify func(c *compliance.Config)
		base   compliance.Config
		field  string
	}{
		{name: "valid stdio", base: stdio},
		{name: "valid sse", base: httpCfg},
		{name: "unknown transport", base: stdio, modify: func(c *compliance.Config) { c.Transport = "websocket" }, field: "transport"},
		{name: "empty client", base: stdio, modify: func(c *compliance.Config) { c.ClientID = "" }, field: "client-id"},
		{name: "empty server", base: httpCfg, modify: func(c *compliance.Config) { c.ServerID = "" }, field: "server-id"},
		{name: "missing command", base: stdio, modify: func(c *compliance.Config) { c.Command = "" }, field: "command"},
		{name: "missing port", base: httpCfg, modify: func(c *compliance.Config) { c.ListenPort = 0 }, field: "port"},
		{name: "port out of range", base: httpCfg, modify: func(c *compliance.Config) { c.ListenPort = 70000 }, field: "port"},
		{name: "missing target", base: httpCfg, modify: func(c *compliance.Config) { c.TargetURL = "" }, field: "target"},
		{name: "relative target", base: httpCfg, modify: func(c *compliance.Config) { c.TargetURL = "/mcp" }, field: "target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.base
			if tt.modify != nil {
				tt.modify(&cfg)
			}

			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var cerr *compliance.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("got error %v, want a *ConfigError", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("got field %q, want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestConfigListenAddr(t *testing.T) {
	if got := (compliance.Config{ListenPort: 8080}).ListenAddr(); got != "127.0.0.1:8080" {
		t.Errorf("got %q, want default host", got)
	}
	if got := (compliance.Config{ListenHost: "::1", ListenPort: 80}).ListenAddr(); got != "[::1]:80" {
		t.Errorf("got %q", got)
	}
}

func TestNewBuildsTransportInterceptor(t *testing.T) {
	tests := []struct {
		cfg  compliance.Config
		want string
	}{
		{
			cfg:  compliance.Config{Transport: compliance.TransportStdio, ClientID: "c", ServerID: "s", Command: "srv"},
			want: "*compliance.StdioInterceptor",
		},
		{
			cfg:  compliance.Config{Transport: compliance.TransportSSE, ClientID: "c", ServerID: "s", ListenPort: 18080, TargetURL: "http://127.0.0.1:1"},
			want: "*compliance.SSEInterceptor",
		},
		{
			cfg:  compliance.Config{Transport: compliance.TransportStreamableHTTP, ClientID: "c", ServerID: "s", ListenPort: 18081, TargetURL: "http://127.0.0.1:1/mcp"},
			want: "*compliance.StreamableHTTPInterceptor",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.cfg.Transport), func(t *testing.T) {
			i, err := compliance.New(tt.cfg, nil)
			if err != nil {
				t.Fatalf("failed to build interceptor: %v", err)
			}
			if got := fmt.Sprintf("%T", i); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := compliance.New(compliance.Config{Transport: compliance.TransportSSE}, nil); err == nil {
		t.Error("expected an error for an invalid configuration")
	}
}

func TestObservers(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var calls []string
	fn := compliance.ObserverFunc(func(m compliance.AnnotatedMessage) {
		calls = append(calls, m.Message.Method)
	})

	obs := compliance.Observers(a, nil, b, fn)
	obs.Observe(request(1, "initialize"))
	obs.Observe(request(2, "ping"))

	if len(a.messages()) != 2 || len(b.messages()) != 2 {
		t.Errorf("got %d and %d messages, want 2 each", len(a.messages()), len(b.messages()))
	}
	if strings.Join(calls, ",") != "initialize,ping" {
		t.Errorf("got calls %v", calls)
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	compliance.LogObserver(logger).Observe(request(1, "tools/list"))

	out := buf.String()
	if !strings.Contains(out, `msg="client1 -> CalcServer: tools/list"`) || !strings.Contains(out, "transport=stdio") {
		t.Errorf("got log %q", out)
	}
	if strings.Contains(out, "err=") {
		t.Errorf("request logged with an error: %q", out)
	}

	buf.Reset()
	compliance.LogObserver(logger).Observe(annotated("CalcServer", "client1", compliance.JSONRPCMessage{
		JSONRPC: compliance.JSONRPCVersion,
		ID:      json.RawMessage(`1`),
		Error:   &compliance.JSONRPCError{Code: -32601, Message: "method not found"},
	}))

	out = buf.String()
	if !strings.Contains(out, `msg="CalcServer -> client1: error"`) || !strings.Contains(out, "code: -32601, message: method not found") {
		t.Errorf("got log %q", out)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := compliance.NewMetrics(reg)

	m.Messages.WithLabelValues("sse", "client_to_server").Add(3)
	m.ForwardErrors.WithLabelValues("sse", "POST").Inc()
	m.ActiveSessions.Set(2)

	if got := testutil.ToFloat64(m.Messages.WithLabelValues("sse", "client_to_server")); got != 3 {
		t.Errorf("got %v messages, want 3", got)
	}
	if got := testutil.ToFloat64(m.ForwardErrors); got != 1 {
		t.Errorf("got %v forward errors, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 2 {
		t.Errorf("got %v sessions, want 2", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 3 {
		t.Errorf("got %d series (err %v), want 3", n, err)
	}
}
