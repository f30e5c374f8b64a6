// Package envelope defines the canonical MEW wire message and the
// capability rule matcher that gates which envelopes a participant may
// send.
//
// Called by: gateway, participant runtime, bridge.
// Calls: encoding/json, github.com/google/uuid.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Protocol is the only envelope protocol version this implementation speaks.
const Protocol = "mew/v0.4"

// Envelope is the single unit of protocol traffic exchanged inside a space.
// Field names and semantics follow the wire schema exactly: protocol, id,
// ts, from, to, kind, correlation_id, payload, context.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	Ts            time.Time       `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Context       string          `json:"context,omitempty"`
}

// New builds an envelope with a fresh ID and the current wall clock. The
// gateway overwrites From and Ts on ingress regardless of what the caller
// supplies here (§3.1); constructing them correctly up front keeps
// in-process tests and the loopback/echo path honest without a gateway.
func New(from, kind string, payload interface{}, to ...string) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Protocol: Protocol,
		ID:       uuid.New().String(),
		Ts:       time.Now(),
		From:     from,
		To:       to,
		Kind:     kind,
		Payload:  body,
	}, nil
}

// NewReply builds a response envelope correlated to orig, sent by from.
func NewReply(orig *Envelope, from, kind string, payload interface{}) (*Envelope, error) {
	env, err := New(from, kind, payload, orig.From)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = []string{orig.ID}
	return env, nil
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a deep copy so mutation (e.g. gateway stamping From/Ts)
// never aliases a caller's envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.To != nil {
		clone.To = append([]string(nil), e.To...)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = append([]string(nil), e.CorrelationID...)
	}
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &clone
}

// ToJSON serializes the envelope to its wire form.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses a wire-form envelope. A malformed envelope is the
// sender-visible parse_error case in §4.1 step 1.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate reports the minimal shape required before a gateway will even
// attempt capability evaluation: kind and payload must be present. From/ID/
// Ts/Protocol are filled in or checked by the gateway itself (§4.1).
func (e *Envelope) Validate() error {
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "kind is required"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	return nil
}

// ValidationError reports a malformed envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// IsBroadcast reports whether the envelope routes to every connected
// participant (§4.1.1: To absent or empty).
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// alwaysEchoPrefixes are the kinds that always echo back to the sender when
// targeted, even if the sender did not name itself in To (§4.1.1).
var alwaysEchoPrefixes = []string{"stream/open", "system/"}

// EchoesToSender reports whether kind is in the echo-always set.
func EchoesToSender(kind string) bool {
	for _, p := range alwaysEchoPrefixes {
		if p == kind {
			return true
		}
		if len(p) > 0 && p[len(p)-1] == '/' && len(kind) >= len(p) && kind[:len(p)] == p {
			return true
		}
	}
	return false
}
