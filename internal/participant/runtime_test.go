package participant

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/mew-proto/mew/internal/envelope"
)

func connectTestRuntime(t *testing.T, id string) (*Runtime, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	welcome, err := envelope.New("system:gateway", "system/welcome", map[string]interface{}{
		"you": map[string]interface{}{
			"id":           id,
			"capabilities": []envelope.Rule{{Kind: "chat"}, {Kind: "mcp/*"}},
		},
	}, id)
	require.NoError(t, err)
	conn.deliver(welcome)

	rt, err := Connect(context.Background(), conn, nil)
	require.NoError(t, err)
	require.Equal(t, id, rt.ID())
	return rt, conn
}

func TestConnectParsesWelcome(t *testing.T) {
	rt, _ := connectTestRuntime(t, "alice")
	require.Len(t, rt.Capabilities(), 2)
}

func TestConnectContextDeadline(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, conn, nil)
	require.Error(t, err)
}

func TestSendWritesEnvelope(t *testing.T) {
	rt, conn := connectTestRuntime(t, "alice")
	id, err := rt.Send("chat", map[string]string{"text": "hi"}, SendOptions{To: []string{"bob"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := conn.lastSent()
	require.Equal(t, "chat", sent.Kind)
	require.Equal(t, []string{"bob"}, sent.To)
}

func TestRequestResolvesOnMatchingResponse(t *testing.T) {
	rt, conn := connectTestRuntime(t, "alice")

	type result struct {
		val interface{}
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		val, err := rt.Request(context.Background(), "fs", "tools/list", nil, time.Second)
		resultCh <- result{val, err}
	}()

	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, time.Millisecond)
	reqEnv := conn.lastSent()
	require.Equal(t, "mcp/request", reqEnv.Kind)

	resp, err := envelope.NewReply(reqEnv, "fs", "mcp/response", map[string]interface{}{
		"result": map[string]interface{}{"tools": []interface{}{}},
	})
	require.NoError(t, err)
	conn.deliver(resp)

	r := <-resultCh
	require.NoError(t, r.err)
	require.NotNil(t, r.val)
}

func TestRequestRejectsOnMCPError(t *testing.T) {
	rt, conn := connectTestRuntime(t, "alice")

	type result struct {
		val interface{}
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		val, err := rt.Request(context.Background(), "fs", "tools/call", nil, time.Second)
		resultCh <- result{val, err}
	}()

	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, time.Millisecond)
	reqEnv := conn.lastSent()

	resp, err := envelope.NewReply(reqEnv, "fs", "mcp/response", map[string]interface{}{
		"error": map[string]interface{}{"code": "method_not_found", "message": "no such tool"},
	})
	require.NoError(t, err)
	conn.deliver(resp)

	r := <-resultCh
	require.Error(t, r.err)
}

func TestRequestTimesOut(t *testing.T) {
	rt, _ := connectTestRuntime(t, "alice")
	_, err := rt.Request(context.Background(), "fs", "tools/list", nil, time.Millisecond)
	require.Error(t, err)
}

func TestDisconnectRejectsPendingRequests(t *testing.T) {
	rt, conn := connectTestRuntime(t, "alice")

	type result struct {
		val interface{}
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		val, err := rt.Request(context.Background(), "fs", "tools/list", nil, time.Second)
		resultCh <- result{val, err}
	}()

	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, rt.Close())

	r := <-resultCh
	require.Error(t, r.err)
}

func TestRegisterToolAnswersToolsCallFromPeer(t *testing.T) {
	rt, conn := connectTestRuntime(t, "fs")
	rt.RegisterTool(Tool{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
		Execute: func(args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"contents": "hello"}, nil
		},
	})

	callerReq, err := envelope.New("yara", "mcp/request", map[string]interface{}{
		"method": "tools/call",
		"params": map[string]interface{}{"name": "read_file", "arguments": map[string]interface{}{"path": "/a"}},
		"id":     1,
	}, "fs")
	require.NoError(t, err)
	conn.deliver(callerReq)

	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, time.Millisecond)
	reply := conn.lastSent()
	require.Equal(t, "mcp/response", reply.Kind)
	require.Equal(t, []string{callerReq.ID}, reply.CorrelationID)
}

func TestProposeAndFulfillment(t *testing.T) {
	rt, conn := connectTestRuntime(t, "untrusted")

	proposalID, err := rt.Propose("trusted", "tools/call", map[string]interface{}{"name": "read_file"})
	require.NoError(t, err)
	require.NotEmpty(t, proposalID)
	require.Equal(t, "mcp/proposal", conn.lastSent().Kind)

	fulfillCh := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := rt.AwaitFulfillment(context.Background(), proposalID)
		require.NoError(t, err)
		fulfillCh <- env
	}()

	fulfilling, err := envelope.New("trusted", "mcp/request", map[string]interface{}{
		"method": "tools/call",
	}, "fs")
	require.NoError(t, err)
	fulfilling.CorrelationID = []string{proposalID}
	conn.deliver(fulfilling)

	got := <-fulfillCh
	require.Equal(t, fulfilling.ID, got.ID)
}

func TestRequestStreamResolvesOnOpen(t *testing.T) {
	rt, conn := connectTestRuntime(t, "alice")

	type result struct {
		id  string
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		id, err := rt.RequestStream(context.Background(), "bob", "upload", "logs", "utf-8")
		resultCh <- result{id, err}
	}()

	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, time.Millisecond)
	reqEnv := conn.lastSent()
	require.Equal(t, "stream/request", reqEnv.Kind)

	opened, err := envelope.NewReply(reqEnv, "system:gateway", "stream/open", map[string]interface{}{
		"stream_id": "stream-1",
	})
	require.NoError(t, err)
	conn.deliver(opened)

	r := <-resultCh
	require.NoError(t, r.err)
	require.Equal(t, "stream-1", r.id)
}

func TestStreamDataDeliversRawFrames(t *testing.T) {
	rt, conn := connectTestRuntime(t, "alice")

	ch := rt.StreamData("stream-1")
	conn.deliverStream("stream-1", []byte("hello"))

	select {
	case data := <-ch:
		require.Equal(t, []byte("hello"), data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream frame")
	}
}

func TestGrantStreamWriteSendsControlEnvelope(t *testing.T) {
	rt, conn := connectTestRuntime(t, "owner")
	_, err := rt.GrantStreamWrite("stream-1", "bob", "collaborate")
	require.NoError(t, err)
	require.Equal(t, "stream/grant-write", conn.lastSent().Kind)
}

func TestDiscoverToolsUsesCache(t *testing.T) {
	rt, conn := connectTestRuntime(t, "alice")

	type result struct {
		tools []mcp.Tool
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		tools, err := rt.DiscoverTools(context.Background(), "fs", time.Second)
		resultCh <- result{tools, err}
	}()

	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, time.Millisecond)
	reqEnv := conn.lastSent()
	resp, err := envelope.NewReply(reqEnv, "fs", "mcp/response", map[string]interface{}{
		"result": map[string]interface{}{"tools": []interface{}{
			map[string]interface{}{"name": "read_file", "description": "reads"},
		}},
	})
	require.NoError(t, err)
	conn.deliver(resp)

	r := <-resultCh
	require.NoError(t, r.err)
	require.Len(t, r.tools, 1)

	// Second call is served from cache: no additional request is sent.
	tools, err := rt.DiscoverTools(context.Background(), "fs", time.Second)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, 1, conn.sentCount())
}
