package gateway

import (
	"fmt"

	"github.com/mew-proto/mew/internal/envelope"
)

// GrantCapability extends recipient's effective rule set with rules on
// behalf of granter, implementing §4.3 "Grants": "extends recipient's
// effective rule set. The gateway records the grant ... starts honoring
// the new rules on the next envelope."
func (s *Space) GrantCapability(granter, recipient string, rules []envelope.Rule) error {
	p, ok := s.Participant(recipient)
	if !ok {
		return fmt.Errorf("unknown participant %q", recipient)
	}
	p.addGrant(rules...)

	if g, ok := s.Participant(granter); ok {
		g.mu.Lock()
		for _, r := range rules {
			g.grantedByMe[recipient] = append(g.grantedByMe[recipient], grantRecord{recipient: recipient, rule: r})
		}
		g.mu.Unlock()
	}
	return nil
}

// RevokeCapability removes previously-granted rules from recipient,
// matched by structural equality (§4.3). Base rules are untouched
// regardless of which granter calls this, since Participant.removeGrant
// only ever mutates the granted set.
func (s *Space) RevokeCapability(recipient string, rules []envelope.Rule) error {
	p, ok := s.Participant(recipient)
	if !ok {
		return fmt.Errorf("unknown participant %q", recipient)
	}
	for _, r := range rules {
		p.removeGrant(r)
	}
	return nil
}

// revokeGrantsIssuedBy undoes every grant p itself issued to others, used
// by Disconnect (§4.1 "Disconnect": "revoke all grants it issued").
func (s *Space) revokeGrantsIssuedBy(p *Participant) {
	p.mu.Lock()
	issued := p.grantedByMe
	p.grantedByMe = make(map[string][]grantRecord)
	p.mu.Unlock()

	for recipientID, records := range issued {
		recipient, ok := s.Participant(recipientID)
		if !ok {
			continue
		}
		for _, rec := range records {
			recipient.removeGrant(rec.rule)
		}
	}
}
