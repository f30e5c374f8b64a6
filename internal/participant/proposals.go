package participant

import (
	"context"
	"sync"

	"github.com/mew-proto/mew/internal/envelope"
)

// proposalTable tracks outstanding mcp/proposal envelope ids and delivers
// the fulfilling mcp/request to whichever caller is awaiting it (§4.2
// "Proposal fulfillment"). Grounded on the same pending-table idiom as
// Runtime's request correlation in runtime.go, keyed by proposal id
// instead of request id.
type proposalTable struct {
	mu      sync.Mutex
	waiting map[string]chan *envelope.Envelope
}

func newProposalTable() *proposalTable {
	return &proposalTable{waiting: make(map[string]chan *envelope.Envelope)}
}

func (t *proposalTable) track(proposalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiting[proposalID] = make(chan *envelope.Envelope, 1)
}

func (t *proposalTable) await(ctx context.Context, proposalID string) (*envelope.Envelope, error) {
	t.mu.Lock()
	ch, ok := t.waiting[proposalID]
	t.mu.Unlock()
	if !ok {
		return nil, errUnknownProposal(proposalID)
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fulfill is called by the reader loop when an incoming mcp/request's
// correlation_id names a tracked proposal (a "fulfillment" per §4.2).
func (t *proposalTable) fulfill(env *envelope.Envelope) bool {
	for _, proposalID := range env.CorrelationID {
		t.mu.Lock()
		ch, ok := t.waiting[proposalID]
		if ok {
			delete(t.waiting, proposalID)
		}
		t.mu.Unlock()
		if ok {
			ch <- env
			return true
		}
	}
	return false
}

type errUnknownProposal string

func (e errUnknownProposal) Error() string {
	return "unknown proposal id: " + string(e)
}
