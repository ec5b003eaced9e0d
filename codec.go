package compliance

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"github.com/tmaxmax/go-sse"
)

// Frame is one line of a decoded stream: the bytes exactly as they appeared on the wire and,
// when those bytes carried one, the JSON-RPC message they encode.
type Frame struct {
	// Raw holds the line including its terminating newline, if it had one.
	Raw []byte

	Message   JSONRPCMessage
	IsMessage bool
}

// Decoder splits a byte stream into lines and classifies each line as a JSON-RPC message or
// as opaque transport data. Lines that fail to parse are never reported as errors: pipes and
// event streams routinely interleave protocol traffic with banners, comments and event fields.
//
// A Decoder buffers an unterminated trailing line across calls to Decode, and hands it out
// only when Flush is called at the end of the stream. A Decoder is not safe for concurrent use;
// each direction of each connection owns its own.
type Decoder struct {
	buf     []byte
	payload func(line []byte) ([]byte, bool)
}

var dataPrefix = []byte("data: ")

// NewLineDecoder returns a Decoder for newline-delimited pipes, where every non-blank line is a
// candidate message.
func NewLineDecoder() *Decoder {
	return &Decoder{payload: linePayload}
}

// NewEventStreamDecoder returns a Decoder for text/event-stream bodies, where only lines
// starting with "data: " are candidate messages.
func NewEventStreamDecoder() *Decoder {
	return &Decoder{payload: eventStreamPayload}
}

// Decode consumes chunk and returns the frames it completes, in stream order.
func (d *Decoder) Decode(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		raw := bytes.Clone(d.buf[:i+1])
		d.buf = d.buf[i+1:]
		frames = append(frames, d.frame(raw, raw[:i]))
	}

	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = bytes.Clone(d.buf)
	}
	return frames
}

// Flush returns the buffered unterminated line, if any, as a final frame.
func (d *Decoder) Flush() []Frame {
	if len(d.buf) == 0 {
		return nil
	}
	raw := d.buf
	d.buf = nil
	return []Frame{d.frame(raw, raw)}
}

func (d *Decoder) frame(raw, line []byte) Frame {
	f := Frame{Raw: raw}
	if payload, ok := d.payload(line); ok {
		f.Message, f.IsMessage = Classify(payload)
	}
	return f
}

func linePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	return line, len(line) > 0
}

func eventStreamPayload(line []byte) ([]byte, bool) {
	return bytes.CutPrefix(line, dataPrefix)
}

// Classify reports whether data is a JSON-RPC 2.0 message and decodes it if so. A value
// qualifies when jsonrpc is "2.0" and it either has a method with an absent, string or number
// id, or has a result or an error together with an id. Anything else is not a message.
func Classify(data []byte) (JSONRPCMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return JSONRPCMessage{}, false
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != JSONRPCVersion {
		return JSONRPCMessage{}, false
	}

	id, hasID := fields["id"]
	_, hasMethod := fields["method"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]

	switch {
	case hasMethod:
		if hasID && !isStringOrNumber(id) {
			return JSONRPCMessage{}, false
		}
	case hasResult || hasError:
		if !hasID {
			return JSONRPCMessage{}, false
		}
	default:
		return JSONRPCMessage{}, false
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, false
	}
	return msg, true
}

func isStringOrNumber(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64:
		return true
	default:
		return false
	}
}

// ReadLines returns an iterator over the JSON-RPC messages of a newline-delimited dump.
func ReadLines(r io.Reader) iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		dec := NewLineDecoder()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			for _, f := range dec.Decode(buf[:n]) {
				if f.IsMessage && !yield(f.Message, nil) {
					return
				}
			}
			if err != nil {
				for _, f := range dec.Flush() {
					if f.IsMessage && !yield(f.Message, nil) {
						return
					}
				}
				if !errors.Is(err, io.EOF) {
					yield(JSONRPCMessage{}, err)
				}
				return
			}
		}
	}
}

// ReadEventStream returns an iterator over the JSON-RPC messages of a recorded event stream.
// Unlike the relay Decoder it applies full event semantics: multi-line data fields are joined
// and an event is dispatched on each blank line.
func ReadEventStream(r io.Reader) iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		for ev, err := range sse.Read(r, nil) {
			if err != nil {
				yield(JSONRPCMessage{}, err)
				return
			}
			msg, ok := Classify([]byte(ev.Data))
			if !ok {
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}
