package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ent0n29/memoryagent/internal/app"
	"github.com/ent0n29/memoryagent/internal/config"
	"github.com/ent0n29/memoryagent/internal/mcpserver"
)

type rootFlags struct {
	sessionID  string
	newSession bool
	input      string
	dryRun     bool
	trace      bool
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:           "memoryagent",
		Short:         "Conversational agent with gated long-term memory",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd.ErrOrStderr(), f.debug)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup(res)

			c := newCLI(res.Engine, cmd.OutOrStdout())
			c.sessionID = f.sessionID
			c.newSession = f.newSession
			c.dryRun = f.dryRun
			c.trace = f.trace
			if f.input != "" {
				return c.turn(cmd.Context(), f.input)
			}
			return c.repl(cmd.Context(), cmd.InOrStdin())
		},
	}
	root.PersistentFlags().BoolVar(&f.debug, "debug", false, "log at debug level")
	root.Flags().StringVar(&f.sessionID, "session", "", "session id to continue (default: most recent)")
	root.Flags().BoolVar(&f.newSession, "new-session", false, "start a fresh session")
	root.Flags().StringVarP(&f.input, "input", "i", "", "process a single input and exit")
	root.Flags().BoolVar(&f.dryRun, "dry-run", false, "show memory decisions without writing long-term memory")
	root.Flags().BoolVar(&f.trace, "trace", false, "print retrieval and gate decisions after each reply")

	root.AddCommand(newServeCmd(), newMCPCmd(), newMemoriesCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup(res)

			httpServer := &http.Server{
				Addr:    res.Config.BindAddr,
				Handler: res.API.Router(),
			}

			runCtx, runCancel := context.WithCancel(context.Background())
			defer runCancel()
			res.StartJanitor(runCtx)

			go func() {
				log.Printf("server listening on %s", res.Config.BindAddr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatalf("listen error: %v", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.Printf("shutdown signal received")

			runCancel()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), res.Config.ShutdownTimeout.Std())
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("graceful shutdown failed: %v", err)
				_ = httpServer.Close()
			}

			log.Printf("shutdown complete")
			return nil
		},
	}
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup(res)
			// stdout belongs to the MCP transport.
			return server.ServeStdio(mcpserver.New(res.Engine))
		},
	}
}

func newMemoriesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "List long-term memories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup(res)

			entries, err := res.Engine.Memories(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			newCLI(res.Engine, cmd.OutOrStdout()).printMemories(entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func build(ctx context.Context) (*app.BuildResult, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	res, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func cleanup(res *app.BuildResult) {
	if err := res.Cleanup(); err != nil {
		slog.Warn("cleanup failed", "error", err)
	}
}

func setupLogging(w io.Writer, debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
