package gateway

import (
	"errors"
	"net/http"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/transport"
)

// handleConnectWS upgrades an HTTP request to the reference websocket
// transport and runs the full connection lifecycle of §4.1: authenticate,
// welcome, read loop, disconnect cleanup. Registered alongside the HTTP
// control-plane endpoints so one process/port serves both (SPEC_FULL.md
// §4.1.3).
func (srv *Server) handleConnectWS(w http.ResponseWriter, r *http.Request) {
	space, ok := srv.lookup(r.URL.Query().Get("space"))
	if !ok {
		http.Error(w, "space_not_found", http.StatusNotFound)
		return
	}

	conn, err := transport.Upgrade(w, r)
	if err != nil {
		if srv.logger != nil {
			srv.logger.Error("websocket upgrade failed: %v", err)
		}
		return
	}

	token := bearerToken(r)
	if token == "" {
		// §6.1: "a token field in the first message" is the fallback when
		// the upgrade request carried no Authorization header.
		frame, err := conn.ReadFrame()
		if err != nil || frame.Envelope == nil {
			conn.Close()
			return
		}
		var body struct {
			Token string `json:"token"`
		}
		frame.Envelope.UnmarshalPayload(&body)
		token = body.Token
	}

	participant, welcome, err := space.HandleConnect(token, conn)
	if err != nil {
		srv.rejectConnect(conn, err)
		return
	}

	if err := conn.WriteEnvelope(welcome); err != nil {
		conn.Close()
		return
	}

	if joinEnv, err := envelope.New(systemSender, "system/presence", map[string]interface{}{
		"event": "join",
		"id":    participant.ID,
	}); err == nil {
		space.Broadcast(joinEnv, participant.ID)
	}

	if srv.logger != nil {
		srv.logger.Info("participant %s connected to space %s", participant.ID, space.Name)
	}

	srv.runReadLoop(space, participant, conn)
}

// rejectConnect reports a connect-time failure with the wire error kind
// named in §4.1 "Connect" before closing without ever routing anything
// into the space.
func (srv *Server) rejectConnect(conn *transport.Conn, cause error) {
	kind := "internal_error"
	switch cause {
	case ErrUnauthorized:
		kind = "unauthorized"
	case ErrConflict:
		kind = "conflict"
	}
	env, err := envelope.New(systemSender, "system/error", map[string]interface{}{"error": kind})
	if err == nil {
		conn.WriteEnvelope(env)
	}
	conn.Close()
}

// runReadLoop pumps frames off conn until it errors or closes, dispatching
// envelopes through the ingress pipeline and stream frames through the
// stream-write authorization check, then performs the full disconnect
// cleanup of §4.1 "Disconnect" exactly once.
func (srv *Server) runReadLoop(space *Space, p *Participant, conn *transport.Conn) {
	defer func() {
		leave := space.Disconnect(p.ID)
		if leave != nil {
			space.Broadcast(leave, p.ID)
		}
		conn.Close()
		if srv.logger != nil {
			srv.logger.Info("participant %s disconnected from space %s", p.ID, space.Name)
		}
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			var parseErr *transport.ParseError
			if errors.As(err, &parseErr) {
				space.sendError(p, "parse_error", "", "")
				continue
			}
			return
		}
		if frame.IsStream() {
			space.HandleStreamFrame(p, frame.StreamID, frame.Data)
			continue
		}
		space.IngestEnvelope(p, frame.Envelope)
	}
}
