// Package gateway implements the MEW gateway router: the authoritative
// per-space identity, ordering, and capability authority. It authenticates
// connections, evaluates capability rules on every envelope, maintains the
// stream-ownership state machine, and persists the audit trail.
//
// Grounded on cellorg/internal/broker/service.go's Service (topics/pipes/
// connections maps, one handler per message kind) generalized from a
// pub-sub message bus with no authorization model into a capability-gated
// envelope router.
package gateway

import (
	"fmt"
	"sync"

	"github.com/mew-proto/mew/internal/config"
	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/logging"
)

// Space is one running instance of a MEW space: its connected participants,
// active streams, and the configuration that seeded both. It directly
// generalizes broker.Service's topics/pipes/connections maps into
// participants/streams maps, each still guarded by its own RWMutex per the
// teacher's per-concern locking style.
type Space struct {
	Name string

	cfg    *config.Space
	logger *logging.SessionLogger
	audit  *AuditLog
	ids    *IDIndex

	participantsMu sync.RWMutex
	participants   map[string]*Participant

	streamsMu sync.RWMutex
	streams   map[string]*Stream

	// tokenIndex maps bearer token -> participant id, built once from cfg
	// at NewSpace time; tokens are immutable for the life of the process.
	tokenIndex map[string]string
}

// NewSpace builds a Space from a loaded configuration document, wiring the
// participant table's base capability rules from cfg and opening the
// audit/index sinks described in SPEC_FULL.md §4.1.4.
func NewSpace(cfg *config.Space, logger *logging.SessionLogger, audit *AuditLog, ids *IDIndex) (*Space, error) {
	if cfg == nil {
		return nil, fmt.Errorf("space config cannot be nil")
	}
	s := &Space{
		Name:         cfg.Name,
		cfg:          cfg,
		logger:       logger,
		audit:        audit,
		ids:          ids,
		participants: make(map[string]*Participant),
		streams:      make(map[string]*Stream),
		tokenIndex:   make(map[string]string),
	}
	for id, spec := range cfg.Participants {
		s.participants[id] = newParticipant(id, envelope.RuleSet(spec.Capabilities))
	}
	for token, t := range cfg.Tokens {
		s.tokenIndex[token] = t.ParticipantID
		if p, ok := s.participants[t.ParticipantID]; ok {
			p.baseRules = p.baseRules.WithGrant(t.Capabilities...)
		}
	}
	return s, nil
}

// ErrUnauthorized is returned by Authenticate when token is not recognized.
var ErrUnauthorized = fmt.Errorf("unauthorized")

// ErrConflict is returned by Connect when a participant id is already
// connected and the space's replace policy forbids displacing it.
var ErrConflict = fmt.Errorf("conflict")

// Authenticate resolves a bearer token to a configured participant id
// (§4.1 "Connect").
func (s *Space) Authenticate(token string) (string, error) {
	id, ok := s.tokenIndex[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return id, nil
}

// Connect attaches conn to the participant identified by id. A second
// connection for an already-connected id is rejected with ErrConflict
// unless gateway.allow_replace_connection is set, in which case it replaces
// the first (policy recorded in DESIGN.md).
func (s *Space) Connect(id string, conn FrameConn) (*Participant, error) {
	s.participantsMu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.participantsMu.Unlock()
		return nil, fmt.Errorf("unknown participant %q", id)
	}
	s.participantsMu.Unlock()

	if p.isConnected() && !s.cfg.Gateway.AllowReplace {
		return nil, ErrConflict
	}
	p.replaceConn(conn)
	return p, nil
}

// Disconnect marks id disconnected, closes streams it owns, revokes grants
// it issued, and returns the presence-leave envelope the caller should
// broadcast (§4.1 "Disconnect").
func (s *Space) Disconnect(id string) *envelope.Envelope {
	s.participantsMu.RLock()
	p, ok := s.participants[id]
	s.participantsMu.RUnlock()
	if !ok {
		return nil
	}
	p.setConn(nil)

	for _, notice := range s.closeOwnedStreams(p) {
		s.Broadcast(notice, id)
		s.audit.RecordEnvelope(notice)
	}
	s.revokeGrantsIssuedBy(p)

	env, err := envelope.New("system:gateway", "system/presence", map[string]interface{}{
		"event": "leave",
		"id":    id,
	})
	if err != nil {
		return nil
	}
	return env
}

// Participant looks up a connected or known participant by id.
func (s *Space) Participant(id string) (*Participant, bool) {
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()
	p, ok := s.participants[id]
	return p, ok
}

// ConnectedParticipants returns a snapshot of currently connected ids.
func (s *Space) ConnectedParticipants() []string {
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()
	var ids []string
	for id, p := range s.participants {
		if p.isConnected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Broadcast delivers env to every currently connected participant per the
// routing algorithm in §4.1.1, honoring env.To when present and the
// echo-always set otherwise.
func (s *Space) Broadcast(env *envelope.Envelope, sender string) {
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()

	targets := env.To
	for id, p := range s.participants {
		if !p.isConnected() {
			continue
		}
		if len(targets) == 0 {
			p.send(env)
			continue
		}
		wanted := containsString(targets, id)
		if wanted {
			p.send(env)
			continue
		}
		if id == sender && envelope.EchoesToSender(env.Kind) {
			p.send(env)
		}
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
