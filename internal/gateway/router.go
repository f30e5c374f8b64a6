package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/mew-proto/mew/internal/envelope"
)

// systemSender is the identity the gateway uses for envelopes it
// synthesizes itself (§4.1.1: "system/* envelopes the gateway synthesizes
// itself ... follow the same routing rules, with from = system:gateway").
const systemSender = "system:gateway"

// HandleConnect authenticates token, attaches conn to the resolved
// participant, and returns the system/welcome envelope to send back,
// implementing §4.1 "Connect".
func (s *Space) HandleConnect(token string, conn FrameConn) (*Participant, *envelope.Envelope, error) {
	id, err := s.Authenticate(token)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.Connect(id, conn)
	if err != nil {
		return nil, nil, err
	}

	welcome, err := s.buildWelcome(p)
	if err != nil {
		return p, nil, err
	}
	if s.ids != nil {
		s.ids.MarkWelcomed(id)
	}
	return p, welcome, nil
}

func (s *Space) buildWelcome(self *Participant) (*envelope.Envelope, error) {
	type youInfo struct {
		ID           string             `json:"id"`
		Capabilities envelope.RuleSet   `json:"capabilities"`
	}
	type activeStream struct {
		ID    string   `json:"id"`
		Owner string   `json:"owner"`
		State string   `json:"state"`
	}

	payload := struct {
		You          youInfo        `json:"you"`
		Participants []string       `json:"participants"`
		ActiveStreams []activeStream `json:"active_streams"`
	}{
		You: youInfo{ID: self.ID, Capabilities: self.EffectiveRules()},
		Participants: s.ConnectedParticipants(),
	}

	s.streamsMu.RLock()
	for _, st := range s.streams {
		if st.State == StreamClosed {
			continue
		}
		payload.ActiveStreams = append(payload.ActiveStreams, activeStream{
			ID: st.ID, Owner: st.Owner, State: string(st.State),
		})
	}
	s.streamsMu.RUnlock()

	return envelope.New(systemSender, "system/welcome", payload, self.ID)
}

// IngestEnvelope runs the full gateway ingress pipeline of §4.1 "Send
// envelope" steps 2-6 on a partial envelope already parsed from the wire
// by the caller (step 1, parse JSON, happens at the transport boundary).
func (s *Space) IngestEnvelope(sender *Participant, partial *envelope.Envelope) {
	if partial.Protocol != envelope.Protocol {
		s.sendError(sender, "protocol_error", partial.Kind, partial.ID)
		s.audit.RecordRejectedEnvelope(partial, "protocol_error")
		return
	}

	env := partial.Clone()
	env.From = sender.ID
	env.Ts = nowFunc()
	if env.ID == "" {
		env.ID = newEnvelopeID()
	}

	if claimed, err := s.claimID(env.ID); err != nil || !claimed {
		s.sendError(sender, "parse_error", env.Kind, env.ID)
		s.audit.RecordRejectedEnvelope(env, "duplicate_envelope_id")
		return
	}

	if err := env.Validate(); err != nil {
		s.sendError(sender, "parse_error", env.Kind, env.ID)
		s.audit.RecordRejectedEnvelope(env, "parse_error")
		return
	}

	if !sender.EffectiveRules().Allows(env) {
		s.audit.RecordCapabilityDecision(sender.ID, env.ID, env.Kind, false)
		s.sendError(sender, "capability_violation", env.Kind, env.ID)
		s.audit.RecordRejectedEnvelope(env, "capability_violation")
		return
	}
	s.audit.RecordCapabilityDecision(sender.ID, env.ID, env.Kind, true)

	s.preRoute(sender, env)

	s.Broadcast(env, sender.ID)
	s.audit.RecordEnvelope(env)
}

// preRoute implements §4.1 step 5's kind-specific handling, which may
// rewrite env in place (e.g. stamping a stream_id) or emit side-effect
// envelopes of its own before the main broadcast happens.
func (s *Space) preRoute(sender *Participant, env *envelope.Envelope) {
	switch {
	case env.Kind == "stream/request":
		s.handleStreamRequest(sender, env)
	case env.Kind == "stream/grant-write":
		s.handleStreamControl(sender, env, "grant-write")
	case env.Kind == "stream/revoke-write":
		s.handleStreamControl(sender, env, "revoke-write")
	case env.Kind == "stream/transfer-ownership":
		s.handleStreamControl(sender, env, "transfer-ownership")
	case env.Kind == "stream/close":
		s.handleStreamClose(sender, env)
	case env.Kind == "capability/grant":
		s.handleCapabilityGrant(sender, env)
	case env.Kind == "capability/revoke":
		s.handleCapabilityRevoke(sender, env)
	}
}

func (s *Space) handleStreamRequest(sender *Participant, env *envelope.Envelope) {
	st := s.RequestStream(sender.ID)
	s.OpenStream(st.ID)

	var body struct {
		Direction string `json:"direction"`
		Description string `json:"description"`
		Encoding  string `json:"encoding"`
	}
	_ = env.UnmarshalPayload(&body)

	opened, err := envelope.NewReply(env, systemSender, "stream/open", map[string]interface{}{
		"stream_id": st.ID,
		"direction": body.Direction,
		"description": body.Description,
		"encoding": body.Encoding,
	})
	if err != nil {
		return
	}
	opened.To = env.To
	s.Broadcast(opened, sender.ID)
	s.audit.RecordEnvelope(opened)
}

func (s *Space) handleStreamControl(sender *Participant, env *envelope.Envelope, op string) {
	var body struct {
		StreamID      string `json:"stream_id"`
		ParticipantID string `json:"participant_id"`
		NewOwner      string `json:"new_owner"`
		Reason        string `json:"reason"`
		Preserve      bool   `json:"preserve_writers"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		s.sendError(sender, "parse_error", env.Kind, env.ID)
		return
	}

	var (
		writers []string
		err     error
		ackKind string
		payload map[string]interface{}
	)
	switch op {
	case "grant-write":
		writers, err = s.GrantStreamWrite(body.StreamID, sender.ID, body.ParticipantID)
		ackKind = "stream/write-granted"
		payload = map[string]interface{}{"stream_id": body.StreamID, "owner": sender.ID, "authorized_writers": writers}
	case "revoke-write":
		writers, err = s.RevokeStreamWrite(body.StreamID, sender.ID, body.ParticipantID)
		ackKind = "stream/write-revoked"
		payload = map[string]interface{}{"stream_id": body.StreamID, "owner": sender.ID, "authorized_writers": writers}
	case "transfer-ownership":
		writers, err = s.TransferStreamOwnership(body.StreamID, sender.ID, body.NewOwner, body.Preserve)
		ackKind = "stream/ownership-transferred"
		payload = map[string]interface{}{
			"stream_id": body.StreamID, "previous_owner": sender.ID,
			"new_owner": body.NewOwner, "authorized_writers": writers,
		}
	}
	if err == ErrNotStreamOwner {
		s.sendError(sender, "not_stream_owner", env.Kind, env.ID)
		return
	}
	if err != nil {
		s.sendError(sender, "stream_not_found", env.Kind, env.ID)
		return
	}

	ack, err := envelope.NewReply(env, systemSender, ackKind, payload)
	if err != nil {
		return
	}
	s.Broadcast(ack, sender.ID)
	s.audit.RecordEnvelope(ack)
}

func (s *Space) handleStreamClose(sender *Participant, env *envelope.Envelope) {
	var body struct {
		StreamID string `json:"stream_id"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		return
	}
	s.CloseStream(body.StreamID)
}

func (s *Space) handleCapabilityGrant(sender *Participant, env *envelope.Envelope) {
	var body struct {
		Recipient    string           `json:"recipient"`
		Capabilities envelope.RuleSet `json:"capabilities"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		s.sendError(sender, "parse_error", env.Kind, env.ID)
		return
	}
	if err := s.GrantCapability(sender.ID, body.Recipient, body.Capabilities); err != nil {
		s.sendError(sender, "unknown_participant", env.Kind, env.ID)
		return
	}

	ack, err := envelope.New(systemSender, "capability/grant-ack", map[string]interface{}{
		"recipient":    body.Recipient,
		"capabilities": body.Capabilities,
	}, body.Recipient)
	if err != nil {
		return
	}
	ack.CorrelationID = []string{env.ID}
	s.Broadcast(ack, sender.ID)
	s.audit.RecordEnvelope(ack)
}

func (s *Space) handleCapabilityRevoke(sender *Participant, env *envelope.Envelope) {
	var body struct {
		Recipient    string           `json:"recipient"`
		Capabilities envelope.RuleSet `json:"capabilities"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		s.sendError(sender, "parse_error", env.Kind, env.ID)
		return
	}
	if err := s.RevokeCapability(body.Recipient, body.Capabilities); err != nil {
		s.sendError(sender, "unknown_participant", env.Kind, env.ID)
		return
	}

	ack, err := envelope.New(systemSender, "capability/grant-ack", map[string]interface{}{
		"recipient":    body.Recipient,
		"capabilities": body.Capabilities,
		"revoked":      true,
	}, body.Recipient)
	if err != nil {
		return
	}
	ack.CorrelationID = []string{env.ID}
	s.Broadcast(ack, sender.ID)
	s.audit.RecordEnvelope(ack)
}

// HandleStreamFrame implements §4.1 "Send stream frame": verify sender is
// an authorized writer, then forward the frame verbatim to every other
// connected participant.
func (s *Space) HandleStreamFrame(sender *Participant, streamID string, data []byte) {
	if err := s.AuthorizeStreamFrame(streamID, sender.ID); err != nil {
		s.sendStreamError(sender, streamID)
		return
	}
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()
	for id, p := range s.participants {
		if id == sender.ID || !p.isConnected() {
			continue
		}
		p.conn.WriteStreamFrame(streamID, data)
	}
}

func (s *Space) sendError(sender *Participant, errKind, attemptedKind, envelopeID string) {
	env, err := envelope.New(systemSender, "system/error", map[string]interface{}{
		"error":          errKind,
		"attempted_kind": attemptedKind,
		"envelope_id":    envelopeID,
	}, sender.ID)
	if err != nil {
		return
	}
	sender.send(env)
}

func (s *Space) sendStreamError(sender *Participant, streamID string) {
	env, err := envelope.New(systemSender, "system/error", map[string]interface{}{
		"error":     "unauthorized_stream_write",
		"stream_id": streamID,
	}, sender.ID)
	if err != nil {
		return
	}
	sender.send(env)
}

func (s *Space) claimID(id string) (bool, error) {
	if s.ids == nil {
		return true, nil
	}
	return s.ids.ClaimEnvelopeID(id)
}

func newEnvelopeID() string {
	return uuid.New().String()
}

func nowFunc() time.Time {
	return time.Now()
}
