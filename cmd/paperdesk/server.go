package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/paperdesk/internal/api"
	"github.com/kalambet/paperdesk/internal/config"
)

var (
	serveMCP     bool
	serveChannel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant client with the local view API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(serveChannel, serveMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show paperdesk status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "also serve MCP over stdio")
	serveCmd.Flags().StringVar(&serveChannel, "channel", "", "channel to open on start")
	rootCmd.AddCommand(statusCmd)
}

func runServer(channelID string, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "paperdesk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if channelID != "" {
		if err := a.conv.SwitchChannel(ctx, channelID); err != nil {
			// History can still arrive through polling.
			printWarning("opening channel %s: %v", channelID, err)
		}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.ListenPort)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Conversation: a.conv,
			Token:        cfg.Auth.Token,
			Logger:       a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.conv.Poll(gctx, cfg.Assistant.PollInterval)
		return nil
	})
	g.Go(func() error {
		return a.events.Run(gctx, a.conv.HandlePush)
	})
	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Conversation: a.conv,
			Version:      version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("MCP stdio server error", zap.Error(err))
			}
			return nil
		})
		a.logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "paperdesk listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func showStatus() error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	c := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.ListenPort),
		token:      cfg.Auth.Token,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	ctx := context.Background()

	resp, err := c.get(ctx, "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.ListenPort)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Assistant", "%s (project %s)", cfg.Server.BaseURL, cfg.Server.ProjectID)
	if cfg.Auth.Token == "" {
		printStatus("Token", "not set")
	} else {
		printStatus("Token", "set")
	}

	if running && cfg.Auth.Token != "" {
		if resp, err := c.get(ctx, "/v1/channel"); err == nil {
			var out struct {
				ChannelID string `json:"channel_id"`
			}
			if decodeJSON(resp, &out) == nil {
				printStatus("Channel", "%s", valueOr(out.ChannelID, "none"))
			}
		}
		if resp, err := c.get(ctx, "/v1/actions"); err == nil {
			var actions []map[string]any
			if decodeJSON(resp, &actions) == nil {
				printStatus("Pending actions", "%d", len(actions))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
