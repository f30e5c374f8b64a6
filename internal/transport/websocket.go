// Package transport provides the reference MEW wire transport: one framed
// text message per envelope (§6.1) over a websocket connection, plus raw
// binary/text stream frames of the form "#<stream_id>#<data>".
//
// Generalizes the teacher's bare net.Conn + encoding/json codec
// (cellorg/internal/broker/service.go's Connection, cellorg/internal/
// client/broker.go's BrokerClient) into a gorilla/websocket-backed
// connection, keeping the same "one goroutine reads, callers write through
// a queue" shape.
package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew-proto/mew/internal/envelope"
)

// StreamDelim is the framing byte separating a stream ID from its payload
// in a stream frame, per §6.1: "^#[A-Za-z0-9._-]+#" followed by the bytes.
const StreamDelim = '#'

// ParseError marks a malformed inbound frame (bad JSON, truncated stream
// framing) as distinct from a transport-level failure. §4.1 step 1 and §7
// tier-1 require the gateway to answer these with a sender-visible,
// non-fatal system/error{error: parse_error} instead of tearing down the
// connection, so callers of ReadFrame must be able to tell the two apart.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse_error: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps a websocket connection with a single-writer outbound queue so
// concurrent senders (the gateway's fan-out, a participant's background
// request() calls) never interleave partial frames on the wire (§5:
// "each connection's outbound queue is FIFO").
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	outbox  chan outboundFrame
	done    chan struct{}
	closeOnce sync.Once
}

type outboundFrame struct {
	envelope *envelope.Envelope
	raw      []byte
	isRaw    bool
	errCh    chan error
}

// Upgrade promotes an HTTP request to a websocket connection and starts its
// outbound writer pump. Callers read inbound traffic with ReadFrame from
// their own goroutine.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newConn(ws), nil
}

// Dial connects to a MEW gateway's websocket endpoint, presenting token as
// a bearer Authorization header (§6.1.1).
func Dial(url, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newConn(ws), nil
}

// Wrap adapts an already-established gorilla/websocket connection (e.g. one
// dialed with custom headers or hijacked from a non-standard handshake) into
// a Conn, starting its outbound writer pump the same way Upgrade/Dial do.
func Wrap(ws *websocket.Conn) *Conn {
	return newConn(ws)
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:     ws,
		outbox: make(chan outboundFrame, 256),
		done:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	for {
		select {
		case frame := <-c.outbox:
			var err error
			if frame.isRaw {
				err = c.ws.WriteMessage(websocket.BinaryMessage, frame.raw)
			} else {
				err = c.ws.WriteJSON(frame.envelope)
			}
			if frame.errCh != nil {
				frame.errCh <- err
			}
		case <-c.done:
			return
		}
	}
}

// WriteEnvelope enqueues an envelope for delivery, returning once it has
// been handed to the wire (or the write failed).
func (c *Conn) WriteEnvelope(env *envelope.Envelope) error {
	errCh := make(chan error, 1)
	select {
	case c.outbox <- outboundFrame{envelope: env, errCh: errCh}:
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
	return <-errCh
}

// WriteStreamFrame enqueues a raw "#<stream_id>#<data>" frame. data is sent
// verbatim as binary — it is never interpreted as UTF-8 (spec.md §9).
func (c *Conn) WriteStreamFrame(streamID string, data []byte) error {
	buf := make([]byte, 0, len(streamID)+len(data)+2)
	buf = append(buf, StreamDelim)
	buf = append(buf, streamID...)
	buf = append(buf, StreamDelim)
	buf = append(buf, data...)

	errCh := make(chan error, 1)
	select {
	case c.outbox <- outboundFrame{raw: buf, isRaw: true, errCh: errCh}:
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
	return <-errCh
}

// Frame is one inbound unit: either an Envelope, or a raw stream frame
// (StreamID/Data set, Envelope nil).
type Frame struct {
	Envelope *envelope.Envelope
	StreamID string
	Data     []byte
}

// IsStream reports whether this inbound frame is a binary stream frame
// rather than a JSON envelope.
func (f *Frame) IsStream() bool {
	return f.Envelope == nil
}

// ReadFrame blocks for the next inbound frame, demultiplexing JSON
// envelope messages from "#id#data" binary stream frames on the same
// connection (§2: "multiplexes binary streams over the same transport").
func (c *Conn) ReadFrame() (*Frame, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	if msgType == websocket.TextMessage {
		env, err := envelope.FromJSON(data)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		return &Frame{Envelope: env}, nil
	}

	// Binary message: either a stream frame or a JSON envelope sent as
	// binary — probe for the stream-frame delimiter first.
	if len(data) > 0 && data[0] == StreamDelim {
		rest := data[1:]
		idx := bytes.IndexByte(rest, StreamDelim)
		if idx < 0 {
			return nil, &ParseError{Err: fmt.Errorf("malformed stream frame: missing closing delimiter")}
		}
		return &Frame{StreamID: string(rest[:idx]), Data: rest[idx+1:]}, nil
	}

	env, err := envelope.FromJSON(data)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return &Frame{Envelope: env}, nil
}

// Close shuts down the connection and its writer pump. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

// SetReadDeadline forwards to the underlying websocket connection, used by
// callers implementing idle-connection or rate-limit timeouts.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
