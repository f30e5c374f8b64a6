package gateway

import (
	"sync"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/transport"
)

// fakeConn is an in-memory FrameConn double that records sent envelopes
// and stream frames in slices, avoiding the real websocket dial/upgrade
// handshake in gateway-level tests.
type fakeConn struct {
	mu      sync.Mutex
	sent    []*envelope.Envelope
	frames  []streamFrame
	closed  bool
}

type streamFrame struct {
	streamID string
	data     []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{}
}

func (f *fakeConn) ReadFrame() (*transport.Frame, error) {
	return nil, nil
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
	f.closed = true
	return nil
}

func (f *fakeConn) sentKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.sent))
	for i, e := range f.sent {
		kinds[i] = e.Kind
	}
	return kinds
}

func (f *fakeConn) last() *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}
