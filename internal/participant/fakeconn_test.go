package participant

import (
	"fmt"
	"sync"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/transport"
)

// fakeConn is an in-memory Conn double standing in for a real websocket, so
// Runtime's correlation tables and event dispatch can be exercised without
// a gateway (mirrors internal/gateway's fakeConn on the other end of the
// wire).
type fakeConn struct {
	inbox chan *transport.Frame

	mu     sync.Mutex
	sent   []*envelope.Envelope
	frames []streamFrame
	closed bool
}

type streamFrame struct {
	streamID string
	data     []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan *transport.Frame, 64)}
}

func (f *fakeConn) ReadFrame() (*transport.Frame, error) {
	frame, ok := <-f.inbox
	if !ok {
		return nil, fmt.Errorf("connection closed")
	}
	return frame, nil
}

func (f *fakeConn) WriteEnvelope(env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) WriteStreamFrame(streamID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, streamFrame{streamID: streamID, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

// deliver pushes env into the read loop as if it had arrived from the peer.
func (f *fakeConn) deliver(env *envelope.Envelope) {
	f.inbox <- &transport.Frame{Envelope: env}
}

func (f *fakeConn) deliverStream(streamID string, data []byte) {
	f.inbox <- &transport.Frame{StreamID: streamID, Data: data}
}

func (f *fakeConn) lastSent() *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
