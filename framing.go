package stormlsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// FramingError reports a malformed header block or a stream that ended in
// the middle of a message. It terminates only the single message being
// read; the caller decides whether the connection survives.
type FramingError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *FramingError) Unwrap() error { return e.Err }

// IsFramingError reports whether err is a FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// maxMessageSize bounds a single framed payload. Servers that claim more
// than this are sending garbage, not a message.
const maxMessageSize = 128 << 20

// Framer reads and writes Content-Length framed JSON payloads over a
// subprocess's standard streams. It carries no protocol semantics: the
// payload is opaque JSON to it.
//
// ReadMessage must only be called from one goroutine; WriteMessage is
// internally serialized and safe for concurrent use.
type Framer struct {
	reader *bufio.Reader

	writeMu sync.Mutex
	writer  io.Writer
}

// NewFramer creates a framer over the given streams.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
	}
}

// ReadMessage reads one complete framed message and returns its payload.
// io.EOF is returned untouched when the stream ends cleanly between
// messages; every other failure is a *FramingError.
func (f *Framer) ReadMessage() (json.RawMessage, error) {
	contentLength := -1

	for {
		line, err := f.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && contentLength < 0 {
				return nil, io.EOF
			}
			return nil, &FramingError{Reason: "stream ended mid-header", Err: err}
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of header block
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, &FramingError{Reason: fmt.Sprintf("bad Content-Length %q", strings.TrimSpace(value)), Err: err}
			}
			contentLength = n
		}
		// Content-Type and unknown headers are ignored.
	}

	if contentLength < 0 {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}
	if contentLength > maxMessageSize {
		return nil, &FramingError{Reason: fmt.Sprintf("Content-Length %d exceeds limit", contentLength)}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, &FramingError{Reason: "stream ended mid-payload", Err: err}
	}
	return body, nil
}

// WriteMessage writes one payload with its Content-Length header.
func (f *Framer) WriteMessage(payload json.RawMessage) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := io.WriteString(f.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := f.writer.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// --- JSON-RPC envelopes ---

// rpcRequest is an outgoing JSON-RPC request or notification. Notifications
// carry no id.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is an outgoing reply to a server-initiated request.
type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result"`
	Error   *RPCError `json:"error,omitempty"`
}

// rpcInbound is the decode shape for classifying inbound messages: a
// response carries an id plus result or error, a notification carries only
// a method, a server-initiated request carries both id and method.
type rpcInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (m *rpcInbound) isResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

func (m *rpcInbound) isServerRequest() bool {
	return m.ID != nil && m.Method != ""
}

func marshalRequest(id *int64, method string, params any) (json.RawMessage, error) {
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	return data, nil
}
