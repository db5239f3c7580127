// chainbox-node runs one mesh node: it wires a Fabric from the environment
// and serves signed capability execution requests to its peers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sddion/chainbox/pkg/adapter"
	"github.com/sddion/chainbox/pkg/config"
	"github.com/sddion/chainbox/pkg/fabric"
	"github.com/sddion/chainbox/pkg/meshserver"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "server":
		return runServer(stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: chainbox-node <command>")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  server   Run the mesh node (default)")
	fmt.Fprintln(w, "  health   Check health of a running node")
}

func runServer(stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		return 1
	}

	ctx := context.Background()
	opts := []fabric.Option{fabric.WithNodeMode(), fabric.WithLogger(logger)}
	if dsn := os.Getenv("CHAINBOX_DATABASE_URL"); dsn != "" {
		db, err := adapter.NewPostgres(dsn)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			return 1
		}
		defer db.Close()
		opts = append(opts, fabric.WithDatabase(db))
	}

	f, err := fabric.New(ctx, cfg, opts...)
	if err != nil {
		logger.Error("fabric construction failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Close(shutdownCtx)
	}()

	srv := meshserver.New(f.Executor, f.Signer, meshserver.Options{
		Addr:          ":" + cfg.Port,
		NodeID:        cfg.NodeID,
		MaxBodySize:   cfg.MaxBodySize,
		ShutdownGrace: cfg.ShutdownGrace,
		Development:   !cfg.Production(),
	}, logger)

	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	url := "http://localhost:4000/health"
	if len(args) > 0 {
		url = args[0]
	}
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "health response undecodable: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "status=%v uptimeMs=%v requests=%v\n", body["status"], body["uptimeMs"], body["requests"])
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
