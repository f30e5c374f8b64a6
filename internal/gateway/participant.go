package gateway

import (
	"sync"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/transport"
)

// FrameConn is the minimal connection surface the gateway needs from a
// transport. transport.Conn satisfies it; tests substitute an in-memory
// fake so router/stream/grant logic can be exercised without a real
// websocket (spec.md calls for tests with "the tools the teacher tests
// with" — direct struct-level tests over network harnesses where
// avoidable).
type FrameConn interface {
	ReadFrame() (*transport.Frame, error)
	WriteEnvelope(env *envelope.Envelope) error
	WriteStreamFrame(streamID string, data []byte) error
	Close() error
}

// Participant is a connected (or just-disconnected) identity within a
// space. Its effective capability set is the union of its configured base
// rules and any currently active grants (§3.2), generalizing the teacher's
// per-connection Connection struct (cellorg/internal/broker/service.go)
// which had no notion of capabilities at all.
type Participant struct {
	ID string

	mu           sync.RWMutex
	baseRules    envelope.RuleSet
	grantedRules envelope.RuleSet
	conn         FrameConn
	connected    bool

	// ownedStreams and grantedByMe let Disconnect (§4.1 "Disconnect")
	// clean up without scanning every stream/grant in the space.
	ownedStreams map[string]bool
	grantedByMe  map[string][]grantRecord // recipient id -> rules this participant granted
}

type grantRecord struct {
	recipient string
	rule      envelope.Rule
}

func newParticipant(id string, base envelope.RuleSet) *Participant {
	return &Participant{
		ID:           id,
		baseRules:    base,
		ownedStreams: make(map[string]bool),
		grantedByMe:  make(map[string][]grantRecord),
	}
}

// EffectiveRules returns the union of configured and granted rules
// (§3.2). The returned slice is a fresh copy-on-write snapshot, safe to
// retain.
func (p *Participant) EffectiveRules() envelope.RuleSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseRules.WithGrant(p.grantedRules...)
}

func (p *Participant) addGrant(rules ...envelope.Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grantedRules = p.grantedRules.WithGrant(rules...)
}

// removeGrant revokes rule only if it was granted at runtime — base rules
// are untouched regardless of what rule matches, per §4.3 "A participant's
// base (configured) rules cannot be revoked via this mechanism".
func (p *Participant) removeGrant(rule envelope.Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grantedRules = p.grantedRules.WithoutRule(rule)
}

func (p *Participant) setConn(conn FrameConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
	p.connected = conn != nil
}

// replaceConn installs conn as the participant's active connection,
// closing and discarding any connection it displaces (the reconnect policy
// decided for spec.md §4.1: a second connection for the same id replaces
// the first).
func (p *Participant) replaceConn(conn FrameConn) {
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.connected = true
	p.mu.Unlock()
	if old != nil {
		if notice, err := envelope.New("system:gateway", "system/error", map[string]interface{}{
			"error": "conflict",
		}, p.ID); err == nil {
			old.WriteEnvelope(notice)
		}
		old.Close()
	}
}

func (p *Participant) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Participant) send(env *envelope.Envelope) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.WriteEnvelope(env)
}
