// Command bridge runs the MCP Bridge core of spec.md §4.4: it connects to
// a gateway as a normal participant, spawns an external MCP-over-stdio tool
// server, and forwards mcp/request traffic between the two.
//
// Called by: operators wanting to expose an MCP tool server inside a MEW
// space.
// Calls: internal/bridge, internal/logging.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mew-proto/mew/internal/bridge"
	"github.com/mew-proto/mew/internal/logging"
)

func main() {
	var (
		gatewayURL  = flag.String("gateway", "ws://localhost:9001/connect", "gateway websocket URL")
		space       = flag.String("space", "", "space name (required)")
		participant = flag.String("participant_id", "", "participant id (informational; the gateway assigns the authoritative id)")
		token       = flag.String("token", "", "bearer token (required)")
		mcpCommand  = flag.String("mcp_command", "", "MCP server command to spawn (required)")
		mcpArgsRaw  = flag.String("mcp_args", "", "space-separated MCP server arguments")
		timeout     = flag.Duration("request_timeout", 30*time.Second, "per-tool-call timeout before {error:{code:timeout}}")
		maxRestarts = flag.Int("max_restarts", 1, "max subprocess restarts on unexpected exit")
		logDir      = flag.String("log_dir", "./logs", "session log directory")
		quiet       = flag.Bool("quiet", false, "suppress info-level console output")
	)
	flag.Parse()

	if *space == "" || *token == "" || *mcpCommand == "" {
		log.Fatal("bridge: -space, -token, and -mcp_command are required")
	}

	var mcpArgs []string
	if strings.TrimSpace(*mcpArgsRaw) != "" {
		mcpArgs = strings.Fields(*mcpArgsRaw)
	}

	logger, err := logging.New(*logDir, *quiet)
	if err != nil {
		log.Fatalf("bridge: failed to open session logger: %v", err)
	}
	defer logger.Close()
	logging.SetGlobal(logger)

	cfg := bridge.Config{
		Gateway:        *gatewayURL,
		Space:          *space,
		ParticipantID:  *participant,
		Token:          *token,
		MCPCommand:     *mcpCommand,
		MCPArgs:        mcpArgs,
		RequestTimeout: *timeout,
		MaxRestarts:    *maxRestarts,
	}

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	b, err := bridge.Connect(connectCtx, cfg, logger)
	cancelConnect()
	if err != nil {
		log.Fatalf("bridge: %v", err)
	}
	defer b.Close()

	logger.UserMessage("bridge connected as %q, fronting %q", b.Runtime().ID(), *mcpCommand)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.UserMessage("received signal %s, shutting down...", sig)
		cancel()
	}()

	if err := b.Run(ctx); err != nil {
		logger.Error("bridge: %v", err)
		os.Exit(1)
	}
	logger.UserMessage("bridge stopped")
}
