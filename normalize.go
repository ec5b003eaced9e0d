package compliance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// NormalizedMessage is an AnnotatedMessage stripped of everything that varies between two
// equivalent runs. Its JSON encoding is canonical: object keys are sorted at every level, so two
// normalized messages are equal exactly when their encodings are.
type NormalizedMessage struct {
	Message  json.RawMessage    `json:"message"`
	Metadata NormalizedMetadata `json:"metadata"`
}

// NormalizedMetadata is Metadata without its timestamp.
type NormalizedMetadata struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Transport Transport `json:"transport"`

	StreamableHTTP *StreamableHTTPMetadata `json:"streamable_http_metadata,omitempty"`
}

// Normalizer removes non-deterministic fields from captured messages.
type Normalizer struct {
	ignored []glob.Glob
}

// VolatileHeaders are the headers dropped from streamable HTTP metadata by every Normalizer.
var VolatileHeaders = []string{"date", "x-request-id", "x-trace-id", "user-agent"}

var defaultNormalizer = mustNormalizer()

// NewNormalizer returns a Normalizer dropping VolatileHeaders and every header matching one of
// the extra glob patterns, e.g. "x-amzn-*". Matching is case-insensitive.
func NewNormalizer(extra ...string) (*Normalizer, error) {
	n := &Normalizer{}
	for _, pattern := range slices.Concat(VolatileHeaders, extra) {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid header pattern %q: %w", pattern, err)
		}
		n.ignored = append(n.ignored, g)
	}
	return n, nil
}

func mustNormalizer() *Normalizer {
	n, err := NewNormalizer()
	if err != nil {
		panic(err)
	}
	return n
}

// Normalize normalizes messages with the default Normalizer.
func Normalize(messages []AnnotatedMessage) []NormalizedMessage {
	return defaultNormalizer.Normalize(messages)
}

// Normalize returns the normalized projection of messages, in the same order. It never
// modifies its input.
func (n *Normalizer) Normalize(messages []AnnotatedMessage) []NormalizedMessage {
	normalized := make([]NormalizedMessage, 0, len(messages))
	for _, m := range messages {
		normalized = append(normalized, n.normalize(m))
	}
	return normalized
}

func (n *Normalizer) normalize(m AnnotatedMessage) NormalizedMessage {
	nm := NormalizedMessage{
		Message: canonicalMessage(m.Message),
		Metadata: NormalizedMetadata{
			Sender:    m.Metadata.Sender,
			Recipient: m.Metadata.Recipient,
			Transport: m.Metadata.Transport,
		},
	}

	if meta := m.Metadata.StreamableHTTP; meta != nil {
		headers := make(map[string]string, len(meta.Headers))
		for k, v := range meta.Headers {
			if !n.ignoredHeader(k) {
				headers[k] = v
			}
		}
		nm.Metadata.StreamableHTTP = &StreamableHTTPMetadata{Method: meta.Method, Headers: headers}
	}
	return nm
}

func (n *Normalizer) ignoredHeader(name string) bool {
	name = strings.ToLower(name)
	for _, g := range n.ignored {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Equal reports whether a and b are structurally identical.
func (a NormalizedMessage) Equal(b NormalizedMessage) bool {
	return bytes.Equal(a.canonical(), b.canonical())
}

func (a NormalizedMessage) canonical() []byte {
	data, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	return canonicalJSON(data)
}

// canonicalMessage encodes msg with the keys of every nested object sorted and numbers kept
// exactly as they were written.
func canonicalMessage(msg JSONRPCMessage) json.RawMessage {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return canonicalJSON(data)
}

func canonicalJSON(data []byte) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return json.RawMessage(data)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return json.RawMessage(data)
	}
	return json.RawMessage(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}
