package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/daybook/internal/api"
	"github.com/kalambet/daybook/internal/config"
	"github.com/kalambet/daybook/internal/gateway"
	"github.com/kalambet/daybook/internal/history"
	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/oracle"
	"github.com/kalambet/daybook/internal/pipeline"
	"github.com/kalambet/daybook/internal/resources"
	"github.com/kalambet/daybook/internal/session"
	"github.com/kalambet/daybook/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daybook server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daybook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daybook status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "daybook.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Log.JSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

// app is the assembled client core shared by the HTTP and MCP surfaces.
type app struct {
	store        *storage.Store
	session      *session.Session
	history      *history.Store
	gateway      *gateway.Client
	collections  *resources.Collections
	orchestrator *pipeline.Orchestrator
	watcher      *resources.Watcher
}

func buildApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	sess := session.New(model.NewPrincipal(cfg.Auth.PrincipalID), cfg.Auth.Token)

	hist := history.NewStore(store, cfg.History.Capacity)
	hist.Switch(model.Guest, sess.Principal())

	gw := gateway.NewClient(cfg.Gateway.BaseURL, sess, config.Duration("gateway.timeout", cfg.Gateway.Timeout, 15*time.Second))
	oracleTimeout := config.Duration("oracle.timeout", cfg.Oracle.Timeout, 30*time.Second)
	oc := oracle.NewClient(oracle.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		Model:        cfg.Oracle.Model,
		SystemPrompt: cfg.Oracle.SystemPrompt,
		Timeout:      oracleTimeout,
	}, sess)

	coll := resources.New(gw, resources.Config{
		ListTTL:         config.Duration("cache.list_ttl", cfg.Cache.ListTTL, 0),
		AnalysisTTL:     config.Duration("cache.analysis_ttl", cfg.Cache.AnalysisTTL, 0),
		ListRetries:     cfg.Cache.ListRetries,
		AnalysisRetries: cfg.Cache.AnalysisRetries,
	})

	sess.OnChange(func(old, next model.Principal) {
		hist.Switch(old, next)
		coll.Forget(old.ID)
	})

	orch := pipeline.New(pipeline.Deps{
		Oracle:        oc,
		Diaries:       gw,
		History:       hist,
		Cache:         coll.Diaries,
		Session:       sess,
		OracleTimeout: oracleTimeout,
		OnTransition: func(from, to pipeline.State) {
			slog.Debug("orchestrator transition", "from", from.String(), "to", to.String())
		},
	})

	return &app{
		store:        store,
		session:      sess,
		history:      hist,
		gateway:      gw,
		collections:  coll,
		orchestrator: orch,
		watcher:      resources.NewWatcher(gw, coll, 0),
	}, nil
}

func (a *app) mcpServer() *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Orchestrator: a.orchestrator,
		History:      a.history,
		Collections:  a.collections,
		Session:      a.session,
	})
}

func (a *app) Close() {
	a.collections.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "daybook version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	apiToken, err := config.APIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("daybook is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("daybook is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.gateway.Ping(ctx); err != nil {
		slog.Warn("gateway not reachable, serving cached data until it returns", "url", cfg.Gateway.BaseURL, "error", err)
	}
	go a.watcher.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Token:        apiToken,
		Orchestrator: a.orchestrator,
		History:      a.history,
		Collections:  a.collections,
		Records:      a.gateway,
		Session:      a.session,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "daybook listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves the MCP tools on stdin/stdout. Logs go to stderr so they
// never corrupt the protocol stream.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	go a.watcher.Run(ctx)

	stdioSrv := server.NewStdioServer(a.mcpServer())
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("daybook is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop daybook (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to daybook (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	gw := gateway.NewClient(cfg.Gateway.BaseURL, nil, 2*time.Second)
	if err := gw.Ping(context.Background()); err != nil {
		printStatus("Gateway", "unreachable at %s", cfg.Gateway.BaseURL)
	} else {
		printStatus("Gateway", "reachable at %s", cfg.Gateway.BaseURL)
	}
	printStatus("Oracle model", "%s", cfg.Oracle.Model)

	if running {
		if apiToken, err := config.APIToken(); err == nil {
			c := &apiClient{baseURL: serverURL, token: apiToken, httpClient: client}
			if sessResp, err := c.get(context.Background(), "/session"); err == nil {
				var s struct {
					Principal string `json:"principal"`
				}
				if decodeJSON(sessResp, &s) == nil {
					printStatus("Principal", "%s", s.Principal)
				}
			}
			if histResp, err := c.get(context.Background(), fmt.Sprintf("/history?limit=%d", history.DefaultCapacity)); err == nil {
				var h struct {
					Interactions []json.RawMessage `json:"interactions"`
				}
				if decodeJSON(histResp, &h) == nil {
					printStatus("Interactions", "%s", countLabel(len(h.Interactions), history.DefaultCapacity))
				}
			}
			if pResp, err := c.get(context.Background(), "/history/principals"); err == nil {
				var p struct {
					Principals []string `json:"principals"`
				}
				if decodeJSON(pResp, &p) == nil {
					printStatus("Stored histories", "%s", strings.Join(p.Principals, ", "))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
