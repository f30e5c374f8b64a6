// Package bridge implements the MCP Bridge core of spec.md §4.4: it makes
// an external stdio MCP tool server look like a first-class MEW
// participant, translating mcp/request envelopes into the server's
// line-delimited JSON-RPC and its responses back into mcp/response
// envelopes.
//
// Grounded on cellorg/public/agent/framework.go's AgentFramework.Run
// lifecycle (initialize -> setup connections -> message loop -> shutdown),
// reshaped from a broker-connected data-processing agent into a
// stdio-subprocess-fronting participant.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/logging"
	"github.com/mew-proto/mew/internal/participant"
	"github.com/mew-proto/mew/internal/transport"
)

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Config carries the command-line inputs of spec.md §4.4 "Public contract".
type Config struct {
	Gateway       string
	Space         string
	ParticipantID string
	Token         string
	MCPCommand    string
	MCPArgs       []string

	// RequestTimeout bounds how long an inbound tools/call waits on the
	// subprocess before failing with {error:{code:timeout}} (§4.4 "Failure
	// semantics"). Zero means the 30s default.
	RequestTimeout time.Duration

	// MaxRestarts caps the exponential-backoff restart attempts after the
	// subprocess exits unexpectedly (§4.4 "attempts one restart with
	// exponential backoff up to a cap"). Zero means the default of 1.
	MaxRestarts int
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return 30 * time.Second
}

func (c Config) maxRestarts() int {
	if c.MaxRestarts > 0 {
		return c.MaxRestarts
	}
	return 1
}

// Bridge owns one participant connection and the MCP subprocess behind it.
type Bridge struct {
	cfg    Config
	logger *logging.SessionLogger

	runtime *participant.Runtime
	sp      *subprocess

	restarts int
}

// Connect dials gateway/space as a normal participant and returns a Bridge
// ready to Run. The MCP subprocess is not spawned until Run observes
// system/welcome (§4.4 "On system/welcome, spawns the MCP subprocess").
func Connect(ctx context.Context, cfg Config, logger *logging.SessionLogger) (*Bridge, error) {
	url := fmt.Sprintf("%s?space=%s", cfg.Gateway, cfg.Space)
	conn, err := transport.Dial(url, cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to dial gateway: %w", err)
	}

	rt, err := participant.Connect(ctx, conn, logger)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to complete handshake: %w", err)
	}

	return &Bridge{cfg: cfg, logger: logger, runtime: rt}, nil
}

// Runtime exposes the underlying participant connection, mostly for tests.
func (b *Bridge) Runtime() *participant.Runtime { return b.runtime }

// Run spawns the MCP subprocess, performs the initialize/tools-list
// handshake, registers every discovered tool with the participant runtime,
// and then blocks pumping subprocess notifications until the runtime
// disconnects or the subprocess dies past its restart budget (§4.4
// "Algorithm" steps 1 and 4).
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.startAndHandshake(); err != nil {
		return err
	}

	disconnected := b.done()

	for {
		select {
		case <-ctx.Done():
			return b.Close()
		case <-disconnected:
			return nil
		case msg, ok := <-b.sp.notifications:
			if !ok {
				if err := b.handleSubprocessExit(); err != nil {
					return err
				}
				continue
			}
			b.handleNotification(msg)
		}
	}
}

func (b *Bridge) done() <-chan struct{} {
	// Runtime exposes no public "done" channel; Close() on disconnect is
	// surfaced via the disconnected event instead.
	ch := make(chan struct{})
	b.runtime.On("disconnected", func(*envelope.Envelope) {
		select {
		case <-ch:
		default:
			close(ch)
		}
	})
	return ch
}

// startAndHandshake implements §4.4 step 1: send initialize, then
// tools/list, then register every descriptor with the participant runtime
// so the runtime's registry automatically answers peer tools/call requests
// (§4.2's "MCP tool registry algorithm").
func (b *Bridge) startAndHandshake() error {
	sp, err := startSubprocess(b.cfg.MCPCommand, b.cfg.MCPArgs)
	if err != nil {
		return fmt.Errorf("bridge: failed to start mcp subprocess: %w", err)
	}
	b.sp = sp

	if _, err := sp.call("initialize", map[string]interface{}{}); err != nil {
		return fmt.Errorf("bridge: mcp initialize failed: %w", err)
	}

	listResp, err := sp.call("tools/list", map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("bridge: mcp tools/list failed: %w", err)
	}

	var body struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if len(listResp.Result) > 0 {
		if err := jsonUnmarshal(listResp.Result, &body); err != nil {
			return fmt.Errorf("bridge: failed to parse tools/list result: %w", err)
		}
	}

	for _, t := range body.Tools {
		name := t.Name
		b.runtime.RegisterTool(participant.Tool{
			Name:        name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Execute:     b.makeExecute(name),
		})
	}

	if b.logger != nil {
		b.logger.Info("bridge: registered %d tool(s) from %s", len(body.Tools), b.cfg.MCPCommand)
	}
	return nil
}

// makeExecute builds the Tool.Execute closure for one discovered tool:
// forward the call over stdio as tools/call with a bridge-local id, wait
// for the correlated response (or the configured timeout), and translate
// the result into the shape registry.go wraps into mcp/response (§4.4
// steps 2-3).
func (b *Bridge) makeExecute(name string) func(map[string]interface{}) (interface{}, error) {
	return func(args map[string]interface{}) (interface{}, error) {
		type result struct {
			msg jsonRPCMessage
			err error
		}
		resultCh := make(chan result, 1)
		go func() {
			msg, err := b.sp.call("tools/call", map[string]interface{}{
				"name":      name,
				"arguments": args,
			})
			resultCh <- result{msg, err}
		}()

		timer := time.NewTimer(b.cfg.requestTimeout())
		defer timer.Stop()

		select {
		case r := <-resultCh:
			if r.err != nil {
				return nil, &participant.ToolError{Code: "tool_error", Message: r.err.Error()}
			}
			if len(r.msg.Error) > 0 {
				return nil, &participant.ToolError{Code: "tool_error", Message: string(r.msg.Error)}
			}
			var out interface{}
			if len(r.msg.Result) > 0 {
				if err := jsonUnmarshal(r.msg.Result, &out); err != nil {
					return nil, &participant.ToolError{Code: "tool_error", Message: err.Error()}
				}
			}
			return out, nil
		case <-timer.C:
			return nil, &participant.ToolError{Code: "timeout", Message: fmt.Sprintf("mcp tool %q timed out after %s", name, b.cfg.requestTimeout())}
		}
	}
}

// handleNotification surfaces an MCP stdio notification as a system/log
// envelope (§4.4 step 4: "may optionally be surfaced as system/log
// envelopes with the bridge as the sender").
func (b *Bridge) handleNotification(msg jsonRPCMessage) {
	if msg.Method == "mew/decode_error" {
		b.runtime.Send("system/error", map[string]interface{}{
			"error":   "mcp_stdio_decode_error",
			"context": string(msg.Params),
		}, participant.SendOptions{})
		return
	}
	b.runtime.Send("system/log", map[string]interface{}{
		"method": msg.Method,
		"params": msg.Params,
	}, participant.SendOptions{})
}

// handleSubprocessExit implements §4.4 "Failure semantics": report the
// crash, then retry the handshake with exponential backoff up to
// cfg.maxRestarts before giving up and leaving the MEW connection live but
// the bridge permanently disconnected from tools.
func (b *Bridge) handleSubprocessExit() error {
	b.runtime.Send("system/error", map[string]interface{}{
		"error": "mcp_subprocess_exited",
	}, participant.SendOptions{})

	if b.restarts >= b.cfg.maxRestarts() {
		return fmt.Errorf("bridge: mcp subprocess exited and restart budget (%d) is exhausted", b.cfg.maxRestarts())
	}

	backoff := time.Duration(math.Pow(2, float64(b.restarts))) * time.Second
	b.restarts++
	time.Sleep(backoff)

	return b.startAndHandshake()
}

// Close releases the subprocess and the participant connection.
func (b *Bridge) Close() error {
	if b.sp != nil {
		b.sp.close()
	}
	return b.runtime.Close()
}
