package participant

import (
	"context"
	"fmt"

	"github.com/mew-proto/mew/internal/envelope"
)

// RequestStream sends stream/request to peer and blocks for the matching
// stream/open, returning the gateway-assigned stream id (§4.2
// "request_stream").
func (r *Runtime) RequestStream(ctx context.Context, peer, direction, description, encoding string) (string, error) {
	env, err := envelope.New(r.id, "stream/request", map[string]interface{}{
		"direction":   direction,
		"description": description,
		"encoding":    encoding,
	}, peer)
	if err != nil {
		return "", err
	}

	openCh := make(chan *envelope.Envelope, 1)
	r.streamsMu.Lock()
	r.streamOpens[env.ID] = openCh
	r.streamsMu.Unlock()
	defer func() {
		r.streamsMu.Lock()
		delete(r.streamOpens, env.ID)
		r.streamsMu.Unlock()
	}()

	if err := r.conn.WriteEnvelope(env); err != nil {
		return "", err
	}

	select {
	case opened := <-openCh:
		var body struct {
			StreamID string `json:"stream_id"`
		}
		if err := opened.UnmarshalPayload(&body); err != nil {
			return "", err
		}
		return body.StreamID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", fmt.Errorf("disconnected")
	}
}

// SendStreamFrame writes a raw frame to an already-open stream without
// waiting for delivery confirmation (§4.2 "send_stream_frame").
func (r *Runtime) SendStreamFrame(streamID string, data []byte) error {
	return r.conn.WriteStreamFrame(streamID, data)
}

// StreamData returns (lazily creating) the channel that receives every raw
// frame arriving for streamID, the channel-per-stream half of the
// stream/data/<id> event named in §4.2 "Event surface".
func (r *Runtime) StreamData(streamID string) <-chan []byte {
	r.streamsMu.Lock()
	defer r.streamsMu.Unlock()
	ch, ok := r.streamHandlers[streamID]
	if !ok {
		ch = make(chan []byte, 64)
		r.streamHandlers[streamID] = ch
	}
	return ch
}

// GrantStreamWrite sends stream/grant-write, an owner-only helper that
// produces the gateway's stream/write-granted acknowledgement (§4.2).
func (r *Runtime) GrantStreamWrite(streamID, participantID, reason string) (string, error) {
	return r.Send("stream/grant-write", map[string]interface{}{
		"stream_id":      streamID,
		"participant_id": participantID,
		"reason":         reason,
	}, SendOptions{})
}

// RevokeStreamWrite sends stream/revoke-write, an owner-only helper that
// produces the gateway's stream/write-revoked acknowledgement (§4.2).
func (r *Runtime) RevokeStreamWrite(streamID, participantID, reason string) (string, error) {
	return r.Send("stream/revoke-write", map[string]interface{}{
		"stream_id":      streamID,
		"participant_id": participantID,
		"reason":         reason,
	}, SendOptions{})
}

// TransferStreamOwnership sends stream/transfer-ownership, an owner-only
// helper that produces the gateway's stream/ownership-transferred
// acknowledgement (§4.2, §4.3).
func (r *Runtime) TransferStreamOwnership(streamID, newOwner, reason string) (string, error) {
	return r.Send("stream/transfer-ownership", map[string]interface{}{
		"stream_id": streamID,
		"new_owner": newOwner,
		"reason":    reason,
	}, SendOptions{})
}

// CloseStream sends stream/close for a stream this participant owns.
func (r *Runtime) CloseStream(streamID string) (string, error) {
	return r.Send("stream/close", map[string]interface{}{
		"stream_id": streamID,
	}, SendOptions{})
}
