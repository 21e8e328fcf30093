package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btouchard/nethopper/internal/auth"
	"github.com/btouchard/nethopper/internal/config"
	"github.com/btouchard/nethopper/internal/executor"
	"github.com/btouchard/nethopper/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "exec":
		os.Exit(cmdExec(os.Args[2:]))
	case "token":
		cmdToken(os.Args[2:])
	case "version":
		fmt.Printf("nethopper %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: nethopper <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the nethopper server\n")
	fmt.Fprintf(os.Stderr, "  exec      Run one command on a host and wait for it\n")
	fmt.Fprintf(os.Stderr, "  token     Print or rotate the API token\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting nethopper",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// cmdExec runs a command synchronously and returns the process exit code:
// the remote exit status, or 255 when the command could not be run.
func cmdExec(args []string) int {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	timeout := fs.Duration("timeout", 0, "maximum execution time (default: execution.default_timeout)")
	_ = fs.Parse(args) // ExitOnError handles errors

	if fs.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "Usage: nethopper exec [-config path] [-timeout 30s] <host> <command...>\n")
		return 2
	}
	target := fs.Arg(0)
	command := strings.Join(fs.Args()[1:], " ")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 255
	}
	// Keep stdout for the command's own output.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening database: %v\n", err)
		return 255
	}
	defer func() { _ = db.Close() }()

	exec, err := newExecutor(cfg, nil, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 255
	}

	d := *timeout
	if d <= 0 {
		d = cfg.Execution.DefaultTimeout
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, min(d, cfg.Execution.MaxTimeout))
	defer cancel()

	res, err := exec.Exec(ctx, target, command)
	if err != nil {
		if xerr, ok := errors.AsType[*executor.ExecError](err); ok {
			fmt.Fprintf(os.Stderr, "nethopper: %s error: %v\n", xerr.Kind, xerr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "nethopper: %v\n", err)
		}
		return 255
	}

	_, _ = os.Stdout.WriteString(res.Stdout)
	_, _ = os.Stderr.WriteString(res.Stderr)
	if res.ExitCode < 0 {
		return 255
	}
	return res.ExitCode
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	rotate := fs.Bool("rotate", false, "generate a new token, invalidating the current one")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.APIToken != "" {
		fmt.Fprintf(os.Stderr, "the API token is set in configuration; change auth.api_token instead\n")
		os.Exit(1)
	}

	var token string
	if *rotate {
		token, err = auth.RotateToken(cfg.Auth.TokenFile)
	} else {
		token, err = auth.LoadOrCreateToken(cfg.Auth.TokenFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "token error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Execution.KnownHosts != "" {
		if _, err := executor.NewSSHRunner(cfg.Execution.ConnectTimeout, cfg.Execution.KnownHosts); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("configuration is valid")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	level := config.ParseLogLevel(cfg.Server.LogLevel)

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(config.ExpandHome(cfg.Server.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

// retentionLoop prunes finished tasks older than the retention period once
// at startup and then every interval.
func retentionLoop(ctx context.Context, db store.Store, retention, interval time.Duration) error {
	if retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := db.Cleanup(retention)
		if err != nil {
			slog.Warn("task retention cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned old tasks", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
