package gateway

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mew-proto/mew/internal/envelope"
)

// StreamState is a position in the stream lifecycle of §4.1.2:
//
//	requested --stream/open--> open --stream/close--> closed
type StreamState string

const (
	StreamRequested StreamState = "requested"
	StreamOpen      StreamState = "open"
	StreamClosed    StreamState = "closed"
)

// Stream is one binary side-channel multiplexed over the same transport as
// envelopes, identified by a `#<stream_id>#` frame prefix (internal/transport).
type Stream struct {
	ID        string
	Owner     string
	Requester string
	State     StreamState

	mu      sync.RWMutex
	writers map[string]bool
}

func newStream(id, requester string) *Stream {
	return &Stream{
		ID:        id,
		Owner:     requester,
		Requester: requester,
		State:     StreamRequested,
		writers:   map[string]bool{requester: true},
	}
}

func (st *Stream) canWrite(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.State == StreamOpen && st.writers[id]
}

func (st *Stream) authorizedWriters() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.writers))
	for id := range st.writers {
		out = append(out, id)
	}
	return out
}

// ErrNotStreamOwner is returned by the owner-only stream operations when
// the calling participant does not currently own the stream (§4.3).
var ErrNotStreamOwner = fmt.Errorf("not_stream_owner")

// ErrStreamNotFound is returned when a stream_id is not registered.
var ErrStreamNotFound = fmt.Errorf("stream_not_found")

// RequestStream registers a new stream in the requested state and returns
// it, implementing the `stream/request` pre-routing step of §4.1 step 5.
func (s *Space) RequestStream(requester string) *Stream {
	id := "stream-" + uuid.New().String()
	st := newStream(id, requester)

	s.streamsMu.Lock()
	s.streams[id] = st
	s.streamsMu.Unlock()

	if p, ok := s.Participant(requester); ok {
		p.mu.Lock()
		p.ownedStreams[id] = true
		p.mu.Unlock()
	}
	return st
}

// OpenStream transitions a requested stream to open. The gateway calls it
// just before it sends stream/open to the requester and declared peers.
func (s *Space) OpenStream(id string) error {
	st, ok := s.getStream(id)
	if !ok {
		return ErrStreamNotFound
	}
	st.mu.Lock()
	st.State = StreamOpen
	st.mu.Unlock()
	return nil
}

func (s *Space) getStream(id string) (*Stream, bool) {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

// GrantStreamWrite implements the `stream/grant-write` owner-only op of
// the table in §4.3: add participant to authorized_writers.
func (s *Space) GrantStreamWrite(streamID, owner, participantID string) ([]string, error) {
	st, ok := s.getStream(streamID)
	if !ok {
		return nil, ErrStreamNotFound
	}
	if st.Owner != owner {
		return nil, ErrNotStreamOwner
	}
	st.mu.Lock()
	st.writers[participantID] = true
	st.mu.Unlock()
	return st.authorizedWriters(), nil
}

// RevokeStreamWrite implements `stream/revoke-write`: remove participantID
// from authorized_writers. The owner itself is never removed by this path.
func (s *Space) RevokeStreamWrite(streamID, owner, participantID string) ([]string, error) {
	st, ok := s.getStream(streamID)
	if !ok {
		return nil, ErrStreamNotFound
	}
	if st.Owner != owner {
		return nil, ErrNotStreamOwner
	}
	st.mu.Lock()
	if participantID != st.Owner {
		delete(st.writers, participantID)
	}
	st.mu.Unlock()
	return st.authorizedWriters(), nil
}

// TransferStreamOwnership implements `stream/transfer-ownership`: owner :=
// new_owner, authorized_writers := {new_owner} unless preserve is set, in
// which case the previous writer set is kept with new_owner added.
func (s *Space) TransferStreamOwnership(streamID, owner, newOwner string, preserve bool) ([]string, error) {
	st, ok := s.getStream(streamID)
	if !ok {
		return nil, ErrStreamNotFound
	}
	if st.Owner != owner {
		return nil, ErrNotStreamOwner
	}
	st.mu.Lock()
	if !preserve {
		st.writers = map[string]bool{newOwner: true}
	} else {
		st.writers[newOwner] = true
	}
	st.Owner = newOwner
	st.mu.Unlock()

	if prev, ok := s.Participant(owner); ok {
		prev.mu.Lock()
		delete(prev.ownedStreams, streamID)
		prev.mu.Unlock()
	}
	if next, ok := s.Participant(newOwner); ok {
		next.mu.Lock()
		next.ownedStreams[streamID] = true
		next.mu.Unlock()
	}
	return st.authorizedWriters(), nil
}

// CloseStream marks a stream irreversibly closed (§4.1.2: "Transitions
// into closed are irreversible").
func (s *Space) CloseStream(id string) error {
	st, ok := s.getStream(id)
	if !ok {
		return ErrStreamNotFound
	}
	st.mu.Lock()
	st.State = StreamClosed
	st.mu.Unlock()
	return nil
}

// AuthorizeStreamFrame checks whether sender may write to stream id per
// §4.1 "Send stream frame": sender must be in authorized_writers and the
// stream must be open.
func (s *Space) AuthorizeStreamFrame(id, sender string) error {
	st, ok := s.getStream(id)
	if !ok {
		return ErrStreamNotFound
	}
	if !st.canWrite(sender) {
		return fmt.Errorf("unauthorized_stream_write")
	}
	return nil
}

// closeOwnedStreams closes every stream p currently owns, used by
// Disconnect (§4.1 "Disconnect": "close all streams owned by it").
func (s *Space) closeOwnedStreams(p *Participant) []*envelope.Envelope {
	p.mu.Lock()
	owned := make([]string, 0, len(p.ownedStreams))
	for id := range p.ownedStreams {
		owned = append(owned, id)
	}
	p.ownedStreams = make(map[string]bool)
	p.mu.Unlock()

	var notices []*envelope.Envelope
	for _, id := range owned {
		s.CloseStream(id)
		env, err := envelope.New("system:gateway", "stream/close", map[string]interface{}{
			"stream_id": id,
			"reason":    "owner_disconnected",
		})
		if err == nil {
			notices = append(notices, env)
		}
	}
	return notices
}
