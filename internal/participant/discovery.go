package participant

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// discoveryCache caches a peer's tools/list result keyed by (peer_id,
// session), invalidated whenever that peer emits peer/left or re-emits
// peer/joined (§4.2 "MCP tool registry algorithm" step 3).
type discoveryCache struct {
	mu      sync.Mutex
	entries map[string]discoveryEntry
	session map[string]int // peer id -> current session counter
}

type discoveryEntry struct {
	session int
	tools   []mcp.Tool
}

func newDiscoveryCache() *discoveryCache {
	return &discoveryCache{
		entries: make(map[string]discoveryEntry),
		session: make(map[string]int),
	}
}

func (d *discoveryCache) invalidate(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session[peerID]++
	delete(d.entries, peerID)
}

func (d *discoveryCache) get(peerID string) ([]mcp.Tool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[peerID]
	if !ok || e.session != d.session[peerID] {
		return nil, false
	}
	return e.tools, true
}

func (d *discoveryCache) put(peerID string, tools []mcp.Tool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[peerID] = discoveryEntry{session: d.session[peerID], tools: tools}
}

// DiscoverTools returns peerID's registered tools, using the cache when
// the peer's session hasn't been invalidated since the last fetch.
func (r *Runtime) DiscoverTools(ctx context.Context, peerID string, timeout time.Duration) ([]mcp.Tool, error) {
	if tools, ok := r.discovery.get(peerID); ok {
		return tools, nil
	}

	result, err := r.Request(ctx, peerID, "tools/list", nil, timeout)
	if err != nil {
		return nil, err
	}

	body, ok := result.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	raw, ok := body["tools"]
	if !ok {
		return nil, nil
	}

	tools := decodeTools(raw)
	r.discovery.put(peerID, tools)
	return tools, nil
}

func decodeTools(raw interface{}) []mcp.Tool {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	tools := make([]mcp.Tool, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		t := mcp.Tool{}
		if name, ok := m["name"].(string); ok {
			t.Name = name
		}
		if desc, ok := m["description"].(string); ok {
			t.Description = desc
		}
		tools = append(tools, t)
	}
	return tools
}
