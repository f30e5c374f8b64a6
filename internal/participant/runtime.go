// Package participant is the library every MEW agent, CLI client, and
// bridge is built on (§4.2): envelope construction, MCP request/response
// correlation, tool registry, proposal/fulfillment, and stream helpers.
//
// Grounded on cellorg/internal/client/broker.go's BrokerClient: kept the
// single-reader-goroutine plus channel-keyed pending-table correlation
// idiom, replaced GOX's topic/pipe pub-sub calls with MEW's envelope
// send/request and mcp/request-response correlation.
package participant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/logging"
	"github.com/mew-proto/mew/internal/transport"
)

// Conn is the minimal connection surface Runtime needs. transport.Conn
// satisfies it; tests substitute an in-memory fake, mirroring
// internal/gateway.FrameConn's purpose on the other end of the wire.
type Conn interface {
	ReadFrame() (*transport.Frame, error)
	WriteEnvelope(env *envelope.Envelope) error
	WriteStreamFrame(streamID string, data []byte) error
	Close() error
}

// SendOptions carries the optional fields of a send (§4.2 "send").
type SendOptions struct {
	To            []string
	CorrelationID []string
	Context       string
}

// Runtime is a connected participant's envelope-level API.
type Runtime struct {
	id           string
	capabilities envelope.RuleSet
	conn         Conn
	logger       *logging.SessionLogger

	welcomeCh chan *envelope.Envelope

	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Envelope // keyed by the request envelope's own id

	proposals *proposalTable
	events    *eventBus
	registry  *Registry
	discovery *discoveryCache

	streamsMu      sync.Mutex
	streamHandlers map[string]chan []byte
	streamOpens    map[string]chan *envelope.Envelope // keyed by stream/request envelope id

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials conn, waits for system/welcome (or ctx's deadline), and
// returns an established Runtime (§4.2 "connect").
func Connect(ctx context.Context, conn Conn, logger *logging.SessionLogger) (*Runtime, error) {
	r := &Runtime{
		conn:           conn,
		logger:         logger,
		welcomeCh:      make(chan *envelope.Envelope, 1),
		pending:        make(map[string]chan *envelope.Envelope),
		proposals:      newProposalTable(),
		events:         newEventBus(),
		registry:       NewRegistry(),
		discovery:      newDiscoveryCache(),
		streamHandlers: make(map[string]chan []byte),
		streamOpens:    make(map[string]chan *envelope.Envelope),
		done:           make(chan struct{}),
	}
	go r.readLoop()

	select {
	case welcome := <-r.welcomeCh:
		var body struct {
			You struct {
				ID           string           `json:"id"`
				Capabilities envelope.RuleSet `json:"capabilities"`
			} `json:"you"`
		}
		if err := welcome.UnmarshalPayload(&body); err != nil {
			return nil, fmt.Errorf("failed to parse welcome payload: %w", err)
		}
		r.id = body.You.ID
		r.capabilities = body.You.Capabilities
		return r, nil
	case <-ctx.Done():
		r.Close()
		return nil, ctx.Err()
	}
}

// ID returns the participant id assigned by the gateway's welcome.
func (r *Runtime) ID() string { return r.id }

// Capabilities returns the effective rule set reported in welcome.
func (r *Runtime) Capabilities() envelope.RuleSet { return r.capabilities }

// Registry exposes the local MCP tool registry for RegisterTool callers.
func (r *Runtime) Registry() *Registry { return r.registry }

// RegisterTool adds t to the local tool registry (§4.2 "register_tool").
// The runtime automatically answers tools/list and tools/call requests
// targeted at this participant out of the readLoop's dispatch.
func (r *Runtime) RegisterTool(t Tool) {
	r.registry.Register(t)
}

// On registers handler for a named event (§4.2 "Event surface").
func (r *Runtime) On(event string, handler func(*envelope.Envelope)) {
	r.events.on(event, handler)
}

// Close stops the reader loop and releases the connection.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
		r.rejectAllPending()
		r.events.emit("disconnected", nil)
	})
	return err
}

// Send emits an envelope and returns its assigned id (§4.2 "send"). The
// gateway overwrites from/ts/id on ingress; id is filled in locally too so
// callers can correlate before the round trip completes.
func (r *Runtime) Send(kind string, payload interface{}, opts SendOptions) (string, error) {
	env, err := envelope.New(r.id, kind, payload, opts.To...)
	if err != nil {
		return "", err
	}
	env.CorrelationID = opts.CorrelationID
	env.Context = opts.Context
	if err := r.conn.WriteEnvelope(env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Request sends an mcp/request and blocks for the matching mcp/response,
// implementing §4.2 "request". Rejects on timeout, disconnect, context
// cancellation, or a correlated system/error; an mcp/reject envelope does
// not resolve the pending request, which then waits out its timeout.
func (r *Runtime) Request(ctx context.Context, target, method string, params interface{}, timeout time.Duration) (interface{}, error) {
	env, err := envelope.New(r.id, "mcp/request", map[string]interface{}{
		"method": method,
		"params": params,
	}, target)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *envelope.Envelope, 1)
	r.pendingMu.Lock()
	r.pending[env.ID] = respCh
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, env.ID)
		r.pendingMu.Unlock()
	}()

	if err := r.conn.WriteEnvelope(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, fmt.Errorf("disconnected")
		}
		var body struct {
			Result interface{}            `json:"result"`
			Error  map[string]interface{} `json:"error"`
		}
		if err := resp.UnmarshalPayload(&body); err != nil {
			return nil, err
		}
		if body.Error != nil {
			return nil, fmt.Errorf("mcp error: %v", body.Error)
		}
		return body.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, fmt.Errorf("disconnected")
	}
}

// Propose sends an mcp/proposal without executing it, returning the
// proposal envelope id a fulfiller's mcp/request would correlate against
// (§4.2 "propose").
func (r *Runtime) Propose(target, method string, params interface{}) (string, error) {
	env, err := envelope.New(r.id, "mcp/proposal", map[string]interface{}{
		"method": method,
		"params": params,
	}, target)
	if err != nil {
		return "", err
	}
	if err := r.conn.WriteEnvelope(env); err != nil {
		return "", err
	}
	r.proposals.track(env.ID)
	return env.ID, nil
}

// AwaitFulfillment blocks until some participant emits an mcp/request
// correlated to proposalID, returning that request envelope (§4.2
// "Proposal fulfillment").
func (r *Runtime) AwaitFulfillment(ctx context.Context, proposalID string) (*envelope.Envelope, error) {
	return r.proposals.await(ctx, proposalID)
}

func (r *Runtime) rejectAllPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// readLoop is the single reader goroutine per §5 ("Participant runtime is
// single-logical-thread per participant instance: all inbound envelopes are
// processed sequentially"). It demultiplexes envelopes from raw stream
// frames and feeds both into the runtime's dispatch tables and event bus.
func (r *Runtime) readLoop() {
	for {
		frame, err := r.conn.ReadFrame()
		if err != nil {
			r.events.emit("error", nil)
			r.Close()
			return
		}
		if frame.IsStream() {
			r.deliverStreamFrame(frame.StreamID, frame.Data)
			continue
		}
		r.handleEnvelope(frame.Envelope)
	}
}

// handleEnvelope runs one inbound envelope through every table that might
// be waiting on it (welcome, pending requests, pending stream opens,
// tracked proposals, the local tool registry) before firing the generic
// event bus, per §4.2's "Event surface" and "MCP tool registry algorithm".
func (r *Runtime) handleEnvelope(env *envelope.Envelope) {
	if r.logger != nil {
		r.logger.LogEnvelope("recv", env)
	}

	switch env.Kind {
	case "system/welcome":
		select {
		case r.welcomeCh <- env:
		default:
		}
	case "system/presence":
		r.handlePresence(env)
	case "mcp/request":
		r.handleIncomingMCPRequest(env)
		r.proposals.fulfill(env)
	case "mcp/response", "system/error":
		r.resolvePending(env)
	case "stream/open":
		r.resolveStreamOpen(env)
	}

	r.events.dispatchEnvelope(env)
}

// resolvePending delivers env to whichever outstanding mcp/request it
// correlates to (§3.5 "Outstanding requests"). A response or system/error
// with no matching entry is silently dropped and duplicate responses are
// idempotent, because the entry is removed the first time it resolves
// (§4.2 "Failure semantics").
func (r *Runtime) resolvePending(env *envelope.Envelope) {
	for _, cid := range env.CorrelationID {
		r.pendingMu.Lock()
		ch, ok := r.pending[cid]
		if ok {
			delete(r.pending, cid)
		}
		r.pendingMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}
}

// resolveStreamOpen delivers a stream/open envelope to whichever
// request_stream call is awaiting it, keyed by the original stream/request
// envelope id (§3.5 "Outstanding stream requests").
func (r *Runtime) resolveStreamOpen(env *envelope.Envelope) {
	for _, cid := range env.CorrelationID {
		r.streamsMu.Lock()
		ch, ok := r.streamOpens[cid]
		if ok {
			delete(r.streamOpens, cid)
		}
		r.streamsMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}
}

// handlePresence invalidates the discovery cache and fires peer/joined or
// peer/left (§4.2 "Discovery cache: ... MUST be invalidated when that peer
// emits peer/left or re-emits peer/joined").
func (r *Runtime) handlePresence(env *envelope.Envelope) {
	var body struct {
		Event string `json:"event"`
		ID    string `json:"id"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		return
	}
	r.discovery.invalidate(body.ID)
	switch body.Event {
	case "join":
		r.events.emit("peer/joined", env)
	case "leave":
		r.events.emit("peer/left", env)
	}
}

// handleIncomingMCPRequest answers tools/list and tools/call for requests
// targeted at this participant, implementing §4.2's "MCP tool registry
// algorithm". Requests not addressed to this participant (broadcast chat
// about MCP, or requests meant for a peer) are left untouched here.
func (r *Runtime) handleIncomingMCPRequest(env *envelope.Envelope) {
	if !containsString(env.To, r.id) {
		return
	}
	body := r.registry.handleIncomingRequest(env)
	reply, err := envelope.NewReply(env, r.id, "mcp/response", body)
	if err != nil {
		return
	}
	r.conn.WriteEnvelope(reply)
}

// deliverStreamFrame routes a raw stream frame to StreamData subscribers
// and fires the stream/data/<id> event with the frame wrapped in a
// synthetic envelope, so callers using the event bus see the same
// named-event surface as the rest of §4.2.
func (r *Runtime) deliverStreamFrame(streamID string, data []byte) {
	r.streamsMu.Lock()
	ch, ok := r.streamHandlers[streamID]
	r.streamsMu.Unlock()
	if ok {
		select {
		case ch <- data:
		default:
		}
	}

	env, err := envelope.New("", "stream/data/"+streamID, map[string]interface{}{
		"stream_id": streamID,
		"data":      data,
	})
	if err == nil {
		r.events.dispatchEnvelope(env)
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
