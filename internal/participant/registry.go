package participant

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mew-proto/mew/internal/envelope"
)

// Tool is a locally registered MCP tool (§4.2 "register_tool"). Descriptor
// fields mirror mark3labs/mcp-go's mcp.Tool shape so tools/list responses
// are compatible with the broader MCP ecosystem rather than an ad hoc
// shape (SPEC_FULL.md §4.2.3).
type Tool struct {
	Name        string
	Description string
	InputSchema mcp.ToolInputSchema
	Execute     func(arguments map[string]interface{}) (interface{}, error)
}

// Registry is the participant-local MCP tool table. Grounded on
// atomic/tools/dispatcher.go's Dispatcher.Execute switch dispatch,
// generalized from a fixed action switch to a registered-name lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

func (r *Registry) descriptors() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func (r *Registry) get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// jsonRPCRequest is the §4.2 "MCP tool registry algorithm" step-1 shape:
// { method, params, id }.
type jsonRPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     interface{}     `json:"id,omitempty"`
}

// handleIncomingRequest implements the dispatch table of §4.2: initialize,
// tools/list, tools/call. Returns the mcp/response payload to send back,
// correlated to env by the caller.
func (r *Registry) handleIncomingRequest(env *envelope.Envelope) map[string]interface{} {
	var req jsonRPCRequest
	if err := env.UnmarshalPayload(&req); err != nil {
		return map[string]interface{}{"error": map[string]interface{}{"code": "parse_error", "message": err.Error()}}
	}

	switch req.Method {
	case "initialize":
		return map[string]interface{}{"result": map[string]interface{}{
			"serverInfo": map[string]interface{}{"name": "mew-participant", "version": envelope.Protocol},
		}}
	case "tools/list":
		return map[string]interface{}{"result": map[string]interface{}{"tools": r.descriptors()}}
	case "tools/call":
		return r.handleToolCall(req.Params)
	default:
		return map[string]interface{}{"error": map[string]interface{}{"code": "method_not_found", "message": fmt.Sprintf("unknown method %q", req.Method)}}
	}
}

func (r *Registry) handleToolCall(params json.RawMessage) map[string]interface{} {
	var call struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return map[string]interface{}{"error": map[string]interface{}{"code": "parse_error", "message": err.Error()}}
	}

	tool, ok := r.get(call.Name)
	if !ok {
		return map[string]interface{}{"error": map[string]interface{}{"code": "method_not_found", "message": fmt.Sprintf("unknown tool %q", call.Name)}}
	}

	result, err := tool.Execute(call.Arguments)
	if err != nil {
		code := "tool_error"
		if te, ok := err.(*ToolError); ok {
			code = te.Code
		}
		return map[string]interface{}{"error": map[string]interface{}{"code": code, "message": err.Error()}}
	}
	return map[string]interface{}{"result": result}
}

// ToolError lets a registered Tool's Execute report a specific wire error
// code (e.g. "timeout") instead of the generic "tool_error" §4.2/§4.4
// responses otherwise fall back to.
type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string { return e.Message }
