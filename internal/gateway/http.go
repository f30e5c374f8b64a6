package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/logging"
)

// Server is the HTTP control plane sibling described in SPEC_FULL.md
// §4.1.3, serving the optional endpoints of spec.md §6.2 across however
// many spaces this gateway process hosts. Grounded on the teacher's habit
// of running a Support HTTP service next to the Broker
// (cellorg/internal/config.SupportConfig), repurposed from health/metrics
// only into the full control-plane surface spec.md asks for.
type Server struct {
	logger *logging.SessionLogger

	mu     sync.RWMutex
	spaces map[string]*Space

	startedAt time.Time
}

// NewServer builds an HTTP control plane with no spaces registered; call
// Register for each space the gateway process hosts.
func NewServer(logger *logging.SessionLogger) *Server {
	return &Server{
		logger:    logger,
		spaces:    make(map[string]*Space),
		startedAt: time.Now(),
	}
}

// Register makes space reachable under its own Name for the ?space=
// query parameter.
func (srv *Server) Register(space *Space) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.spaces[space.Name] = space
}

func (srv *Server) lookup(name string) (*Space, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	s, ok := srv.spaces[name]
	return s, ok
}

// Handler returns the control plane's http.Handler.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /participants", srv.handleListParticipants)
	mux.HandleFunc("POST /participants/{id}/messages", srv.handleInjectMessage)
	mux.HandleFunc("GET /connect", srv.handleConnectWS)
	return mux
}

type healthResponse struct {
	Status         string `json:"status"`
	Participants   int    `json:"participants"`
	Streams        int    `json:"streams"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	var participants, streams int
	for _, s := range srv.spaces {
		participants += len(s.ConnectedParticipants())
		s.streamsMu.RLock()
		streams += len(s.streams)
		s.streamsMu.RUnlock()
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Participants:  participants,
		Streams:       streams,
		UptimeSeconds: int64(time.Since(srv.startedAt).Seconds()),
	})
}

type participantInfo struct {
	ID           string           `json:"id"`
	Capabilities envelope.RuleSet `json:"capabilities"`
	Connected    bool             `json:"connected"`
}

func (srv *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	space, ok := srv.lookup(r.URL.Query().Get("space"))
	if !ok {
		http.Error(w, "space_not_found", http.StatusNotFound)
		return
	}

	space.participantsMu.RLock()
	infos := make([]participantInfo, 0, len(space.participants))
	for id, p := range space.participants {
		infos = append(infos, participantInfo{
			ID:           id,
			Capabilities: p.EffectiveRules(),
			Connected:    p.isConnected(),
		})
	}
	space.participantsMu.RUnlock()

	writeJSON(w, http.StatusOK, infos)
}

type injectResponse struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Ts     time.Time `json:"ts"`
}

// handleInjectMessage implements §6.2's "inject an envelope as if the
// named participant had sent it", subject to the same capability checks
// as a normal send (IngestEnvelope runs the identical pipeline).
func (srv *Server) handleInjectMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	space, ok := srv.lookup(r.URL.Query().Get("space"))
	if !ok {
		http.Error(w, "space_not_found", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	authedID, err := space.Authenticate(token)
	if err != nil || authedID != id {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	participant, ok := space.Participant(id)
	if !ok {
		http.Error(w, "unknown participant", http.StatusNotFound)
		return
	}

	var partial envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, "parse_error", http.StatusBadRequest)
		return
	}

	space.IngestEnvelope(participant, &partial)

	writeJSON(w, http.StatusAccepted, injectResponse{
		ID:     partial.ID,
		Status: "accepted",
		Ts:     time.Now(),
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
