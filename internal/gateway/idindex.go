package gateway

import (
	"fmt"

	"github.com/mew-proto/mew/internal/storage"
)

// IDIndex wraps a storage.Store to give the gateway two durable, restart-
// surviving facts: which envelope ids have already been accepted (§3.1
// uniqueness) and which participant a welcome has already been issued to
// (§8.2 welcome idempotence). Payloads themselves are never stored here
// (§1 Non-goals: no long-term message archive).
type IDIndex struct {
	store *storage.Store
}

// NewIDIndex wraps an already-open store.
func NewIDIndex(store *storage.Store) *IDIndex {
	return &IDIndex{store: store}
}

const envelopeIDPrefix = "env:"

// ClaimEnvelopeID records id as seen, reporting false if it was already
// present — the gateway error case of §3.1 ("reuse is a gateway error").
func (idx *IDIndex) ClaimEnvelopeID(id string) (bool, error) {
	if idx == nil || idx.store == nil {
		return true, nil
	}
	claimed, err := idx.store.SetIfAbsent([]byte(envelopeIDPrefix+id), []byte{1})
	if err != nil {
		return false, fmt.Errorf("failed to claim envelope id: %w", err)
	}
	return claimed, nil
}

const welcomedPrefix = "welcomed:"

// HasBeenWelcomed reports whether participantID has already received a
// system/welcome in a prior connection, surviving a gateway restart.
func (idx *IDIndex) HasBeenWelcomed(participantID string) (bool, error) {
	if idx == nil || idx.store == nil {
		return false, nil
	}
	return idx.store.Exists([]byte(welcomedPrefix + participantID))
}

// MarkWelcomed records that participantID has received its first welcome.
func (idx *IDIndex) MarkWelcomed(participantID string) error {
	if idx == nil || idx.store == nil {
		return nil
	}
	return idx.store.Set([]byte(welcomedPrefix+participantID), []byte{1})
}
