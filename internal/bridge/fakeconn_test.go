package bridge

import (
	"fmt"
	"sync"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/transport"
)

// fakeConn is an in-memory participant.Conn double, mirroring the fakes
// used by internal/gateway and internal/participant's own test suites so
// the bridge can be exercised without a real websocket.
type fakeConn struct {
	mu     sync.Mutex
	inbox  chan *transport.Frame
	sent   []*envelope.Envelope
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan *transport.Frame, 16)}
}

func (c *fakeConn) ReadFrame() (*transport.Frame, error) {
	frame, ok := <-c.inbox
	if !ok {
		return nil, fmt.Errorf("connection closed")
	}
	return frame, nil
}

func (c *fakeConn) WriteEnvelope(env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) WriteStreamFrame(streamID string, data []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

func (c *fakeConn) deliver(env *envelope.Envelope) {
	c.inbox <- &transport.Frame{Envelope: env}
}

func (c *fakeConn) lastSent() *envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
