package compliance

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// CaptureWriter persists observed messages as a JSON Lines capture file. The optional
// description is written first as comment lines. CaptureWriter implements Observer and is safe
// for concurrent use; lines are written in the order Observe is called.
type CaptureWriter struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *json.Encoder
	err    error
	closed bool
}

const commentPrefix = "//"

// ParseCapture reads the capture file at path. See ReadCapture.
func ParseCapture(path string) (Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return Capture{}, fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	return ReadCapture(f)
}

// ReadCapture parses a JSON Lines capture. Blank lines are skipped, lines starting with "//" are
// comments whose trimmed text, newline-joined, becomes the description, and every other line
// must be one annotated message. The first offending line aborts parsing with a *ParseError.
func ReadCapture(r io.Reader) (Capture, error) {
	var (
		comments []string
		messages []AnnotatedMessage
	)

	// Use bufio.Reader instead of bufio.Scanner: a single result can exceed any token limit.
	reader := bufio.NewReader(r)
	for index := 0; ; index++ {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Capture{}, fmt.Errorf("failed to read capture: %w", err)
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, commentPrefix):
			comments = append(comments, strings.TrimSpace(strings.TrimPrefix(trimmed, commentPrefix)))
		default:
			msg, perr := decodeAnnotated([]byte(trimmed))
			if perr != nil {
				return Capture{}, &ParseError{Line: index, Content: strings.TrimRight(line, "\r\n"), Err: perr}
			}
			messages = append(messages, msg)
		}

		if err != nil {
			break
		}
	}

	return Capture{
		Description: strings.Join(comments, "\n"),
		Messages:    messages,
	}, nil
}

// Validate checks every raw value against the annotated message schema and decodes it. The
// first invalid value aborts validation with a *ValidationError carrying its index.
func Validate(raw []json.RawMessage) ([]AnnotatedMessage, error) {
	messages := make([]AnnotatedMessage, 0, len(raw))
	for i, data := range raw {
		msg, err := decodeAnnotated(data)
		if err != nil {
			return nil, &ValidationError{Index: i, Reason: err.Error()}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func decodeAnnotated(data []byte) (AnnotatedMessage, error) {
	var msg AnnotatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return AnnotatedMessage{}, err
	}
	if err := msg.Message.validate(); err != nil {
		return AnnotatedMessage{}, fmt.Errorf("message: %w", err)
	}
	if msg.Message.Error != nil {
		if err := validateErrorFields(data); err != nil {
			return AnnotatedMessage{}, fmt.Errorf("message: %w", err)
		}
	}
	if err := msg.Metadata.validate(); err != nil {
		return AnnotatedMessage{}, fmt.Errorf("metadata: %w", err)
	}
	return msg, nil
}

// validateErrorFields reports an error object that omits its code or message, which decoding
// into JSONRPCError would silently zero.
func validateErrorFields(data []byte) error {
	var raw struct {
		Message struct {
			Error map[string]json.RawMessage `json:"error"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, field := range []string{"code", "message"} {
		if v, ok := raw.Message.Error[field]; !ok || string(v) == "null" {
			return fmt.Errorf("error.%s is required", field)
		}
	}
	return nil
}

func (m JSONRPCMessage) validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("jsonrpc must be %q, got %q", JSONRPCVersion, m.JSONRPC)
	}

	set := 0
	for _, present := range []bool{m.Method != "", len(m.Result) > 0, m.Error != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of method, result or error must be set")
	}

	switch {
	case m.Method != "":
		if len(m.ID) > 0 && !isStringOrNumber(m.ID) {
			return errors.New("id must be a string or a number")
		}
	default:
		if len(m.ID) == 0 {
			return errors.New("responses must carry an id")
		}
		if !isStringOrNumber(m.ID) {
			return errors.New("id must be a string or a number")
		}
	}
	return nil
}

func (m Metadata) validate() error {
	if m.Sender == "" {
		return errors.New("sender must not be empty")
	}
	if m.Recipient == "" {
		return errors.New("recipient must not be empty")
	}
	if _, err := time.Parse(time.RFC3339Nano, m.Timestamp); err != nil {
		return fmt.Errorf("timestamp must be ISO-8601: %w", err)
	}
	if !m.Transport.Valid() {
		return fmt.Errorf("unknown transport %q", m.Transport)
	}

	if m.StreamableHTTP == nil {
		return nil
	}
	if !m.StreamableHTTP.Method.Valid() {
		return fmt.Errorf("unknown streamable HTTP method %q", m.StreamableHTTP.Method)
	}
	if m.StreamableHTTP.Headers == nil {
		return errors.New("streamable HTTP headers are required")
	}
	return nil
}

// CreateCapture creates, or truncates, the capture file at path and writes description to it.
// The caller must Close the returned writer.
func CreateCapture(path, description string) (*CaptureWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture: %w", err)
	}
	c, err := NewCaptureWriter(f, description)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// NewCaptureWriter writes description, one comment line per line, to w and returns a writer
// appending annotated messages to it.
func NewCaptureWriter(w io.Writer, description string) (*CaptureWriter, error) {
	if description != "" {
		for _, line := range strings.Split(description, "\n") {
			if _, err := fmt.Fprintf(w, "%s %s\n", commentPrefix, line); err != nil {
				return nil, fmt.Errorf("failed to write description: %w", err)
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &CaptureWriter{w: w, enc: enc}, nil
}

// Observe appends msg to the capture. Write failures are retained and reported by Err and Close.
func (c *CaptureWriter) Observe(msg AnnotatedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil || c.closed {
		return
	}
	if err := c.enc.Encode(msg); err != nil {
		c.err = fmt.Errorf("failed to write message: %w", err)
	}
}

// Err returns the first write failure, if any.
func (c *CaptureWriter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Close closes the underlying writer when it is an io.Closer and returns the first failure
// seen by the writer. Messages observed after Close are dropped; later calls return the same
// result.
func (c *CaptureWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.err
	}
	c.closed = true
	if closer, ok := c.w.(io.Closer); ok {
		if err := closer.Close(); err != nil && c.err == nil {
			c.err = fmt.Errorf("failed to close capture: %w", err)
		}
	}
	return c.err
}

// WriteCapture serializes c to w in the capture file format.
func WriteCapture(w io.Writer, c Capture) error {
	cw, err := NewCaptureWriter(w, c.Description)
	if err != nil {
		return err
	}
	for _, msg := range c.Messages {
		cw.Observe(msg)
	}
	return cw.Err()
}
