// ABOUTME: Entry point for the self-hosted profilesync backend daemon
// ABOUTME: Serves identity and profile documents over gRPC from a SQLite database

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/profilesync/internal/backend/local"
	"github.com/2389/profilesync/internal/backend/remote"
	"github.com/2389/profilesync/internal/config"
	"github.com/2389/profilesync/internal/logging"
	"github.com/2389/profilesync/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
             __ _ _                                   _
 _ __  _ __ / _(_) | ___  ___ _   _ _ __   ___     __| |
| '_ \| '__| |_| | |/ _ \/ __| | | | '_ \ / __|   / _' |
| |_) | |  |  _| | |  __/\__ \ |_| | | | | (__   | (_| |
| .__/|_|  |_| |_|_|\___||___/\__, |_| |_|\___|   \__,_|
|_|                           |___/
`

// getDataPath returns the directory holding the backend database.
// Priority: XDG_DATA_HOME/profilesync > ~/.local/share/profilesync
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "profilesync")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: profilesync-backend <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the gRPC backend")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Backend.TokenSecret == "" {
		return fmt.Errorf("token_secret not configured in %s (run profilesync init)", configPath)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	dbPath := cfg.Backend.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(getDataPath(), "backend.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", dbPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	fmt.Println()

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	engine, err := local.NewEngine(s, local.Options{
		TokenSecret: []byte(cfg.Backend.TokenSecret),
		TokenTTL:    cfg.Backend.TokenTTL,
		Logger:      logger,
	})
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("closing engine", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.GRPCAddr, err)
	}

	logger.Info("starting profilesync-backend",
		"config", configPath,
		"grpc_addr", lis.Addr().String(),
		"database", dbPath,
	)

	return serve(ctx, engine, lis, logger)
}

// serve runs the gRPC service until ctx is cancelled.
func serve(ctx context.Context, engine *local.Engine, lis net.Listener, logger *slog.Logger) error {
	server := remote.NewGRPCServer(engine, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return remote.Serve(gctx, server, lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
