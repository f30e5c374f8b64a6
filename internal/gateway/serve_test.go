package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/transport"
)

func dialTestSpace(t *testing.T, ts *httptest.Server, space, token string) *transport.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/connect?space=" + space
	conn, err := transport.Dial(url, token)
	require.NoError(t, err)
	return conn
}

func readEnvelopeWithin(t *testing.T, conn *transport.Conn, d time.Duration) *envelope.Envelope {
	t.Helper()
	type result struct {
		frame *transport.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.NotNil(t, r.frame.Envelope)
		return r.frame.Envelope
	case <-time.After(d):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

// TestBasicChatEcho implements spec.md §8.4 scenario 1: two participants
// with {chat} capability exchange a chat message and both observe the
// gateway-stamped canonical copy, including the sender.
func TestBasicChatEcho(t *testing.T) {
	s := testSpace(t)
	srv := NewServer(nil)
	srv.Register(s)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	alice := dialTestSpace(t, ts, "test-space", "alice-token")
	defer alice.Close()
	aliceWelcome := readEnvelopeWithin(t, alice, time.Second)
	require.Equal(t, "system/welcome", aliceWelcome.Kind)
	_ = readEnvelopeWithin(t, alice, time.Second) // own join presence

	bob := dialTestSpace(t, ts, "test-space", "bob-token")
	defer bob.Close()
	bobWelcome := readEnvelopeWithin(t, bob, time.Second)
	require.Equal(t, "system/welcome", bobWelcome.Kind)

	// The join presence notice is a broadcast, so bob sees his own and
	// alice sees bob's.
	_ = readEnvelopeWithin(t, bob, time.Second)
	_ = readEnvelopeWithin(t, alice, time.Second)

	chat, err := envelope.New("alice", "chat", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteEnvelope(chat))

	aliceEcho := readEnvelopeWithin(t, alice, time.Second)
	require.Equal(t, "chat", aliceEcho.Kind)
	require.Equal(t, "alice", aliceEcho.From)

	bobCopy := readEnvelopeWithin(t, bob, time.Second)
	require.Equal(t, "chat", bobCopy.Kind)
	require.Equal(t, "alice", bobCopy.From)
}

// TestCapabilityViolationOverWire implements spec.md §8.4 scenario 2: a
// participant without mcp/request capability is rejected with a
// sender-only system/error and nothing else observes the attempt.
func TestCapabilityViolationOverWire(t *testing.T) {
	s := testSpace(t)
	srv := NewServer(nil)
	srv.Register(s)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	bob := dialTestSpace(t, ts, "test-space", "bob-token")
	defer bob.Close()
	_ = readEnvelopeWithin(t, bob, time.Second) // welcome
	_ = readEnvelopeWithin(t, bob, time.Second) // own join presence

	violating, err := envelope.New("bob", "mcp/request", map[string]interface{}{
		"method": "tools/list",
	}, "fs")
	require.NoError(t, err)
	require.NoError(t, bob.WriteEnvelope(violating))

	errEnv := readEnvelopeWithin(t, bob, time.Second)
	require.Equal(t, "system/error", errEnv.Kind)
	var body map[string]interface{}
	require.NoError(t, errEnv.UnmarshalPayload(&body))
	require.Equal(t, "capability_violation", body["error"])
}

// TestMalformedEnvelopeIsNonFatal implements §4.1 step 1 / §7 tier-1: a
// malformed frame earns the sender a parse_error, not a disconnect — the
// connection stays usable for the next, well-formed envelope.
func TestMalformedEnvelopeIsNonFatal(t *testing.T) {
	s := testSpace(t)
	srv := NewServer(nil)
	srv.Register(s)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/connect?space=test-space"
	header := map[string][]string{"Authorization": {"Bearer alice-token"}}
	raw, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer raw.Close()

	alice := transport.Wrap(raw)
	_ = readEnvelopeWithin(t, alice, time.Second) // welcome
	_ = readEnvelopeWithin(t, alice, time.Second) // own join presence

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not json")))

	errEnv := readEnvelopeWithin(t, alice, time.Second)
	require.Equal(t, "system/error", errEnv.Kind)
	var body map[string]interface{}
	require.NoError(t, errEnv.UnmarshalPayload(&body))
	require.Equal(t, "parse_error", body["error"])

	// The connection is still alive: a well-formed envelope after the
	// malformed one is routed normally.
	chat, err := envelope.New("alice", "chat", map[string]string{"text": "still here"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteEnvelope(chat))

	echo := readEnvelopeWithin(t, alice, time.Second)
	require.Equal(t, "chat", echo.Kind)
}

func TestDisconnectBroadcastsPresenceLeaveOverWire(t *testing.T) {
	s := testSpace(t)
	srv := NewServer(nil)
	srv.Register(s)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	alice := dialTestSpace(t, ts, "test-space", "alice-token")
	_ = readEnvelopeWithin(t, alice, time.Second) // welcome
	_ = readEnvelopeWithin(t, alice, time.Second) // own join presence

	bob := dialTestSpace(t, ts, "test-space", "bob-token")
	defer bob.Close()
	_ = readEnvelopeWithin(t, bob, time.Second) // welcome
	_ = readEnvelopeWithin(t, bob, time.Second) // bob's own join presence

	require.NoError(t, alice.Close())

	leave := readEnvelopeWithin(t, bob, time.Second)
	require.Equal(t, "system/presence", leave.Kind)
	var body map[string]interface{}
	require.NoError(t, leave.UnmarshalPayload(&body))
	require.Equal(t, "leave", body["event"])
	require.Equal(t, "alice", body["id"])
}
