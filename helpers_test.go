package compliance_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
)

type recorder struct {
	mu   sync.Mutex
	msgs []compliance.AnnotatedMessage
}

func (r *recorder) Observe(msg compliance.AnnotatedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages() []compliance.AnnotatedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]compliance.AnnotatedMessage(nil), r.msgs...)
}

// waitFor waits until at least n messages have been observed and returns them.
func (r *recorder) waitFor(t *testing.T, n int) []compliance.AnnotatedMessage {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := r.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages, got %d", n, len(r.messages()))
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func annotated(sender, recipient string, msg compliance.JSONRPCMessage) compliance.AnnotatedMessage {
	return compliance.Annotate(msg, sender, recipient, compliance.TransportStdio,
		time.Date(2025, 1, 2, 3, 4, 5, 6000000, time.UTC))
}
