package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/integraled/threadrelay/internal/api"
	"github.com/integraled/threadrelay/internal/config"
	"github.com/integraled/threadrelay/internal/credentials"
	"github.com/integraled/threadrelay/internal/relay"
	"github.com/integraled/threadrelay/internal/resilient"
	"github.com/integraled/threadrelay/internal/sink"
	"github.com/integraled/threadrelay/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the relay tools over MCP on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		models, _ := cmd.Flags().GetBool("models")
		return showStatus(cmd.Context(), models)
	},
}

func init() {
	statusCmd.Flags().Bool("models", false, "also list the models visible to the configured credentials")
}

// app is the wired relay plus everything that must be released with it.
type app struct {
	relay *relay.Service
	store *storage.Store
	sink  *sink.Async
}

func (a *app) Close(ctx context.Context) {
	if err := a.sink.Close(ctx); err != nil {
		slog.Warn("draining transcript sink", "error", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}
}

func newProvider(ctx context.Context, c config.CredentialsConfig) (credentials.Provider, error) {
	var p credentials.Provider
	switch c.Source {
	case config.SourceSSM:
		tr := resilient.NewTransport(resilient.DefaultPolicy())
		s, err := credentials.NewSSM(ctx, c.Region, tr.Client())
		if err != nil {
			return nil, err
		}
		p = s
	default:
		p = credentials.Env{}
	}
	if c.CacheTTL > 0 {
		p = credentials.NewCached(p, c.CacheTTL)
	}
	return p, nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	provider, err := newProvider(ctx, cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("building credential provider: %w", err)
	}

	upstream := resilient.NewTransport(resilient.DefaultPolicy().With(cfg.Upstream.MaxRetries, cfg.Upstream.Timeout))
	upstream.Logger = logger

	a := &app{}
	var sinks []sink.Sink
	if cfg.Sink.Persist {
		a.store, err = storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		sinks = append(sinks, sink.NewStore(a.store))
	}
	if cfg.Sink.WebhookURL != "" {
		hook := resilient.NewTransport(resilient.DefaultPolicy().With(2, cfg.Sink.Timeout))
		hook.Logger = logger
		sinks = append(sinks, sink.NewWebhook(cfg.Sink.WebhookURL, hook))
	}
	a.sink = sink.NewAsync(sink.NewFanout(sinks...), cfg.Sink.Timeout, logger)

	a.relay = relay.New(relay.Deps{
		Credentials: provider,
		Names: credentials.Names{
			APIKey:    cfg.Credentials.APIKeyName,
			OrgID:     cfg.Credentials.OrgIDName,
			ProjectID: cfg.Credentials.ProjectIDName,
		},
		BaseURL:             cfg.Upstream.BaseURL,
		AssistantsVersion:   cfg.Upstream.AssistantsVersion,
		Transport:           upstream,
		Budget:              cfg.Relay.ExecutionBudget,
		Reserve:             cfg.Relay.Reserve,
		PollInterval:        cfg.Relay.PollInterval,
		DefaultOrganization: cfg.Relay.DefaultOrganization,
		DeepLinkBase:        cfg.Relay.DeepLinkBase,
		DeepLinkOrg:         cfg.Relay.DeepLinkOrganization,
		Sink:                a.sink,
		Logger:              logger,
	})
	return a, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Sink.Timeout+time.Second)
		defer cancel()
		a.Close(drainCtx)
	}()

	handler := api.NewRouter(api.Options{
		Relay:          a.relay,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Token:          cfg.Server.Token,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Store:          a.store,
		Logger:         logger,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Responses are written after at most one execution budget.
		WriteTimeout: cfg.Relay.ExecutionBudget + 5*time.Second,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("threadrelay listening", "addr", ln.Addr().String(), "max_conns", cfg.Server.MaxConns)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ExecutionBudget)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Sink.Timeout+time.Second)
		defer cancel()
		a.Close(drainCtx)
	}()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Relay: a.relay, Store: a.store})
	logger.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func showStatus(ctx context.Context, listModels bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var hs struct {
		Version  string `json:"version"`
		Protocol struct {
			Capabilities []string `json:"capabilities"`
		} `json:"protocol"`
	}
	resp, err := client.get(ctx, "/handshake")
	if err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &hs); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		printStatus("Server", "running at %s (v%s)", client.baseURL, hs.Version)
		printStatus("Capabilities", "%v", hs.Protocol.Capabilities)
	}

	printStatus("Upstream", "%s (assistants %s)", cfg.Upstream.BaseURL, cfg.Upstream.AssistantsVersion)
	printStatus("Credentials", "%s", cfg.Credentials.Source)
	printStatus("Budget", "%s (reserve %s)", cfg.Relay.ExecutionBudget, cfg.Relay.Reserve)
	if cfg.Sink.Persist {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}

	if !listModels {
		return nil
	}
	a, err := buildApp(ctx, cfg, setupLogging(config.LogConfig{Level: "error"}))
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	models, err := a.relay.Models(ctx)
	if err != nil {
		printStatus("Models", "unavailable (%v)", err)
		return nil
	}
	printStatus("Models", "%d visible", len(models))
	for _, m := range models {
		fmt.Printf("  %s\n", m)
	}
	return nil
}
