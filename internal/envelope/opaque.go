package envelope

import "encoding/json"

// Opaque preserves an envelope whose kind the receiver does not recognize,
// so forward-compatible clients can still route, audit, and re-serialize
// it without dropping fields (spec.md §9: "unknown kinds are kept as an
// opaque(raw_json) variant").
type Opaque struct {
	Envelope *Envelope
	Raw      json.RawMessage
}

// DecodeOpaque round-trips raw through Envelope so unknown-kind traffic
// keeps the fields the gateway and audit log depend on (id, from, kind...)
// while leaving payload interpretation to whoever eventually understands it.
func DecodeOpaque(raw json.RawMessage) (*Opaque, error) {
	env, err := FromJSON(raw)
	if err != nil {
		return nil, err
	}
	return &Opaque{Envelope: env, Raw: raw}, nil
}
