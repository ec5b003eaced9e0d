package compliance

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport identifies the wire transport a message was captured on.
type Transport string

// HTTPShape identifies which HTTP interaction of the streamable HTTP transport carried a message.
type HTTPShape string

// JSONRPCMessage represents a JSON-RPC 2.0 message as it was observed on the wire.
// It can represent a request, a notification or a response depending on which fields are populated:
//   - Request: JSONRPC, ID and Method are set, Params is optional
//   - Notification: JSONRPC and Method are set (no ID)
//   - Response: JSONRPC, ID and either Result or Error are set
//
// ID, Params and Result are kept as raw JSON so that a captured message serializes back to the
// same values regardless of the implementation that produced it.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID identifies request-response pairs and must be a string or number
	ID json.RawMessage `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AnnotatedMessage wraps a JSONRPCMessage with the delivery metadata recorded by an interceptor.
// It is created once per observed message and never mutated afterwards.
type AnnotatedMessage struct {
	Message  JSONRPCMessage `json:"message"`
	Metadata Metadata       `json:"metadata"`
}

// Metadata describes who sent a message to whom, when, and over which transport.
type Metadata struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Timestamp string    `json:"timestamp"`
	Transport Transport `json:"transport"`

	// StreamableHTTP is only set for messages captured on the streamable HTTP transport.
	StreamableHTTP *StreamableHTTPMetadata `json:"streamable_http_metadata,omitempty"`
}

// StreamableHTTPMetadata records the HTTP interaction shape that carried a message and the
// protocol-relevant headers of that interaction.
type StreamableHTTPMetadata struct {
	Method  HTTPShape         `json:"method"`
	Headers map[string]string `json:"headers"`
}

// Capture is an ordered sequence of annotated messages, optionally described by the comment
// lines leading the capture file.
type Capture struct {
	Description string
	Messages    []AnnotatedMessage
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// TransportStdio is the newline-delimited pipe transport.
	TransportStdio Transport = "stdio"
	// TransportSSE is the HTTP+SSE transport: POST for client messages, a GET event stream for server messages.
	TransportSSE Transport = "sse"
	// TransportStreamableHTTP is the session-oriented streamable HTTP transport.
	TransportStreamableHTTP Transport = "streamable-http"

	// ShapePost is a POST whose response carried a single JSON body.
	ShapePost HTTPShape = "POST"
	// ShapePostSSE is a POST whose response was an event stream.
	ShapePostSSE HTTPShape = "POST-SSE"
	// ShapeGetSSE is a standalone GET event stream.
	ShapeGetSSE HTTPShape = "GET-SSE"

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Valid reports whether t is one of the known transports.
func (t Transport) Valid() bool {
	switch t {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known HTTP interaction shapes.
func (s HTTPShape) Valid() bool {
	switch s {
	case ShapePost, ShapePostSSE, ShapeGetSSE:
		return true
	default:
		return false
	}
}

// IsRequest reports whether the message is a request, a method call expecting a response.
func (m JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsNotification reports whether the message is a method call without an ID.
func (m JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether the message carries a result or an error.
func (m JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// Summary returns a short label for the message: its method, "response" or "error".
func (m JSONRPCMessage) Summary() string {
	switch {
	case m.Method != "":
		return m.Method
	case m.Error != nil:
		return "error"
	default:
		return "response"
	}
}

func (e JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %s", e.Code, e.Message, string(e.Data))
}

// Annotate builds the AnnotatedMessage for msg as observed at now.
func Annotate(msg JSONRPCMessage, sender, recipient string, transport Transport, now time.Time) AnnotatedMessage {
	return AnnotatedMessage{
		Message: msg,
		Metadata: Metadata{
			Sender:    sender,
			Recipient: recipient,
			Timestamp: now.UTC().Format(timestampLayout),
			Transport: transport,
		},
	}
}
