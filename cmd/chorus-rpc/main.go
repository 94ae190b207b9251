// Binary chorus-rpc bridges a stdio JSON-RPC client (an editor or
// agent harness speaking MCP) to a running chorusd. Tool calls are
// forwarded to the daemon's HTTP surface with the entity token
// injected server-side, so the secret never appears in a tool schema.
//
// Usage in .mcp.json:
//
//	{
//	  "mcpServers": {
//	    "chorus": {
//	      "type": "stdio",
//	      "command": "chorus-rpc"
//	    }
//	  }
//	}
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/halcyonlabs/chorus"
	"github.com/halcyonlabs/chorus/internal/config"
	"github.com/halcyonlabs/chorus/rpc"
)

func main() {
	// stdout carries the protocol; everything else goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(os.Getenv("CHORUS_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := chorus.LoadOrCreateToken(cfg.Auth.EntityPath)
	if err != nil {
		logger.Error("entity token", "error", err)
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)))
	srv := rpc.New("chorus", "1.0.0", baseURL, token, rpc.WithRPCLogger(logger))

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("chorus-rpc failed", "error", err)
		os.Exit(1)
	}
	if ctx.Err() != nil {
		os.Exit(130)
	}
}
