package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/btouchard/nethopper/internal/api"
	"github.com/btouchard/nethopper/internal/auth"
	"github.com/btouchard/nethopper/internal/config"
	"github.com/btouchard/nethopper/internal/event"
	"github.com/btouchard/nethopper/internal/executor"
	nhmcp "github.com/btouchard/nethopper/internal/mcp"
	authmw "github.com/btouchard/nethopper/internal/mcp/middleware"
	"github.com/btouchard/nethopper/internal/notify"
	"github.com/btouchard/nethopper/internal/store"
	"github.com/btouchard/nethopper/internal/task"
	"github.com/btouchard/nethopper/internal/tunnel"
)

const (
	shutdownTimeout   = 10 * time.Second
	retentionInterval = time.Hour
)

func newExecutor(cfg *config.Config, pub executor.Publisher, hosts executor.HostResolver) (*executor.Executor, error) {
	sshRunner, err := executor.NewSSHRunner(cfg.Execution.ConnectTimeout, cfg.Execution.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("ssh runner: %w", err)
	}

	var local executor.Runner
	if cfg.Execution.AllowLocal {
		local = &executor.LocalRunner{
			Shell:   cfg.Execution.Shell,
			WorkDir: cfg.Execution.WorkDir,
			Env:     cfg.Execution.Env,
		}
	}

	return executor.New(pub, hosts, sshRunner, local, executor.Options{
		ChunkSize:     cfg.Execution.ChunkSize,
		MaxOutputSize: cfg.Execution.MaxOutputSize,
		AllowLocal:    cfg.Execution.AllowLocal,
	}), nil
}

func newNotifyHub(cfg *config.Config, mcpServer *server.MCPServer) *notify.Hub {
	var notifiers []notify.Notifier
	if cfg.Notifications.MCP.Enabled {
		notifiers = append(notifiers, notify.NewMCPNotifier(mcpServer, cfg.Notifications.MCP.Debounce))
	}
	if cfg.Notifications.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(slog.Default()))
	}
	return notify.NewHub(notifiers...)
}

// newRouter mounts the API and MCP endpoints behind the bearer token.
// /health stays public.
func newRouter(token string, apiHandler, mcpHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(authmw.SecurityHeaders)

	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerAuth(token))
		r.Mount("/api", apiHandler)
		r.Handle("/mcp", mcpHandler)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	token, err := auth.ResolveToken(cfg.Auth.APIToken, cfg.Auth.TokenFile)
	if err != nil {
		return fmt.Errorf("api token: %w", err)
	}
	if cfg.Auth.APIToken == "" {
		slog.Info("api token loaded", "path", cfg.Auth.TokenFile)
	}

	// --- Event bus + execution backend ---
	bus := event.NewBus()
	defer bus.Close()

	exec, err := newExecutor(cfg, bus, db)
	if err != nil {
		return err
	}

	// --- Task core ---
	ctrl := task.NewController(bus, exec, task.NewIDGenerator(nil))
	tm := task.NewManager(ctrl, bus, cfg.Execution.MaxConcurrent, cfg.Execution.MaxTimeout)
	tm.SetDefaultTimeout(cfg.Execution.DefaultTimeout)
	tm.SetMaxOutputSize(cfg.Execution.MaxOutputSize)
	tm.SetRecorder(db)

	// --- MCP Server ---
	mcpServer := nhmcp.NewServer(&nhmcp.Deps{
		Tasks:     tm,
		Hosts:     db,
		Execution: cfg.Execution,
		Version:   version,
	})
	mcpHTTP := server.NewStreamableHTTPServer(mcpServer)

	hub := newNotifyHub(cfg, mcpServer)
	tm.SetNotifyFunc(func(e task.TaskEvent) {
		hub.Notify(notify.Event{
			Type:         e.Type,
			TaskID:       e.TaskID,
			Target:       e.Target,
			Message:      e.Message,
			MCPSessionID: e.MCPSessionID,
		})
	})

	// --- HTTP ---
	apiHandler := api.New(tm, db, exec, api.Options{
		ExecTimeout: cfg.Execution.DefaultTimeout,
		MaxTimeout:  cfg.Execution.MaxTimeout,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     newRouter(token, apiHandler.Routes(), mcpHTTP),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /api/exec and task streams stay open as long as
		// the command runs.
		IdleTimeout: 2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Tunnel.Enabled {
		tun := tunnel.NewNgrok(cfg.Tunnel.AuthToken, cfg.Tunnel.Domain)
		l, err := tun.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer func() { _ = tun.Close() }()

		g.Go(func() error {
			slog.Info("serving through tunnel", "public_url", tun.PublicURL())
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("tunnel server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("nethopper is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		return retentionLoop(gctx, db, retention, retentionInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := exec.Shutdown(shutdownCtx); err != nil {
			slog.Warn("running commands did not stop in time", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
