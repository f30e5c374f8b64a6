// Command participant is a generic CLI MEW client (SPEC_FULL.md §6.6): an
// interactive line-mode chat client that also exposes manual protocol
// exercises via `/tool`, `/propose`, and `/stream` sub-commands, usable as
// a human operator's console or driven by a script.
//
// Grounded on cellorg/public/agent/framework.go's flag-based bootstrapping,
// generalized from a single -gox-host/-agent-id pair to full
// gateway/space/token/id parameters.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mew-proto/mew/internal/envelope"
	"github.com/mew-proto/mew/internal/participant"
	"github.com/mew-proto/mew/internal/transport"
)

func main() {
	var (
		gateway = flag.String("gateway", "ws://localhost:9001/connect", "gateway websocket URL")
		space   = flag.String("space", "", "space name (required)")
		token   = flag.String("token", "", "bearer token (required)")
		id      = flag.String("id", "", "expected participant id (informational, for display only)")
	)
	flag.Parse()

	if *space == "" || *token == "" {
		log.Fatal("participant: -space and -token are required")
	}

	url := fmt.Sprintf("%s?space=%s", *gateway, *space)
	conn, err := transport.Dial(url, *token)
	if err != nil {
		log.Fatalf("participant: failed to dial gateway: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rt, err := participant.Connect(ctx, conn, nil)
	cancel()
	if err != nil {
		log.Fatalf("participant: handshake failed: %v", err)
	}
	defer rt.Close()

	if *id != "" && rt.ID() != *id {
		fmt.Printf("note: gateway assigned id %q (requested %q)\n", rt.ID(), *id)
	}
	fmt.Printf("connected as %q to space %q\n", rt.ID(), *space)

	rt.On("message", func(env *envelope.Envelope) {
		printEnvelope(env)
	})
	rt.On("disconnected", func(*envelope.Envelope) {
		fmt.Println("disconnected from gateway")
		os.Exit(0)
	})

	repl(rt)
}

func printEnvelope(env *envelope.Envelope) {
	var pretty interface{}
	if err := env.UnmarshalPayload(&pretty); err != nil {
		pretty = string(env.Payload)
	}
	body, _ := json.Marshal(pretty)
	fmt.Printf("[%s] %s -> %v %s %s\n", env.Ts.Format("15:04:05"), env.From, env.To, env.Kind, body)
}

// repl implements the line-mode console of SPEC_FULL.md §6.6: bare text
// sends a chat envelope; lines starting with "/" dispatch a sub-command.
func repl(rt *participant.Runtime) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			runCommand(rt, line)
			continue
		}
		if _, err := rt.Send("chat", map[string]string{"text": line}, participant.SendOptions{}); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
}

// runCommand dispatches /tool, /propose, and /stream, the manual protocol
// exercises named in SPEC_FULL.md §6.6.
func runCommand(rt *participant.Runtime, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "/tool":
		runToolCommand(rt, fields[1:])
	case "/propose":
		runProposeCommand(rt, fields[1:])
	case "/stream":
		runStreamCommand(rt, fields[1:])
	default:
		fmt.Printf("unknown command %q (expected /tool, /propose, /stream)\n", fields[0])
	}
}

// /tool <target> <method> [json-params]
func runToolCommand(rt *participant.Runtime, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: /tool <target> <method> [json-params]")
		return
	}
	target, method := args[0], args[1]
	params := parseOptionalJSON(strings.Join(args[2:], " "))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := rt.Request(ctx, target, method, params, 30*time.Second)
	if err != nil {
		fmt.Printf("tool call failed: %v\n", err)
		return
	}
	body, _ := json.Marshal(result)
	fmt.Printf("result: %s\n", body)
}

// /propose <target> <method> [json-params]
func runProposeCommand(rt *participant.Runtime, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: /propose <target> <method> [json-params]")
		return
	}
	target, method := args[0], args[1]
	params := parseOptionalJSON(strings.Join(args[2:], " "))

	proposalID, err := rt.Propose(target, method, params)
	if err != nil {
		fmt.Printf("propose failed: %v\n", err)
		return
	}
	fmt.Printf("proposal sent: %s\n", proposalID)
}

// /stream <peer> <direction> <description>
func runStreamCommand(rt *participant.Runtime, args []string) {
	if len(args) < 3 {
		fmt.Println("usage: /stream <peer> <direction> <description>")
		return
	}
	peer, direction, description := args[0], args[1], strings.Join(args[2:], " ")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	streamID, err := rt.RequestStream(ctx, peer, direction, description, "utf-8")
	if err != nil {
		fmt.Printf("stream request failed: %v\n", err)
		return
	}
	fmt.Printf("stream opened: %s\n", streamID)
}

func parseOptionalJSON(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
