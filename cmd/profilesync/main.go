// ABOUTME: Entry point for the profilesync client CLI
// ABOUTME: Interactive profile shell plus status, token minting and config bootstrap

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/profilesync/internal/auth"
	"github.com/2389/profilesync/internal/backend/firebase"
	"github.com/2389/profilesync/internal/config"
	"github.com/2389/profilesync/internal/logging"
	"github.com/2389/profilesync/internal/service"
)

// Version is set at build time.
var version = "dev"

const banner = `
             __ _ _
 _ __  _ __ / _(_) | ___  ___ _   _ _ __   ___
| '_ \| '__| |_| | |/ _ \/ __| | | | '_ \ / __|
| |_) | |  |  _| | |  __/\__ \ |_| | | | | (__
| .__/|_|  |_| |_|_|\___||___/\__, |_| |_|\___|
|_|                           |___/
`

const envInitialToken = "PROFILESYNC_INITIAL_TOKEN"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "shell":
		err = runShell(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: profilesync <command> [flags]")
	fmt.Println()
	cyan.Println("Commands:")
	fmt.Println("  shell      Sign in and edit your profile interactively")
	fmt.Println("  status     Show which backend the client resolves to")
	fmt.Println("  token      Mint a custom sign-in token")
	fmt.Println("  init       Write a config file")
	fmt.Println("  version    Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PROFILESYNC_CONFIG           Config file path")
	fmt.Println("  PROFILESYNC_FIREBASE_API_KEY Backend API key (also FIREBASE_API_KEY)")
	fmt.Println("  PROFILESYNC_CUSTOM_APP_ID    Profile namespace (also CUSTOM_APP_ID)")
	fmt.Println("  " + envInitialToken + "    Token to sign in with at startup")
}

// clientFlags are shared by the commands that resolve a backend.
type clientFlags struct {
	injectedConfig string
	namespace      string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.injectedConfig, "injected-config", "", "JSON credentials used when the environment has no API key")
	fs.StringVar(&c.namespace, "app-id", "", "namespace used when the environment has none")
}

// resolve returns the resolution for the flags that were actually set.
func (c *clientFlags) resolve(fs *flag.FlagSet, logger *slog.Logger) config.Resolution {
	var injected, ns *string
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "injected-config":
			injected = &c.injectedConfig
		case "app-id":
			ns = &c.namespace
		}
	})

	res := config.Resolve(config.OSEnv(), injected, ns)
	if res.Problem != nil {
		logger.Warn("ignoring injected configuration", "error", res.Problem)
	}
	return res
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	timeout := fs.Duration("timeout", 10*time.Second, "connection timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	res := cf.resolve(fs, logger)

	svc := service.New(res, cfg.Backend, service.WithLogger(logger))
	defer func() { _ = svc.Close() }()

	connectCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	handle := svc.Handle(connectCtx)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Config:    %s\n", configPath)
	fmt.Printf("Driver:    %s\n", handle.Driver)
	fmt.Printf("Namespace: %s\n", handle.Namespace)
	fmt.Print("Backend:   ")
	if handle.Available {
		green.Println("available")
	} else {
		yellow.Println("unavailable (demo mode)")
	}
	return nil
}

func runToken(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	uid := fs.String("uid", "", "user id the token signs in as (required)")
	email := fs.String("email", "", "email claim (local and grpc drivers)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime (local and grpc drivers)")
	credentials := fs.String("credentials", "", "service account file (firebase driver)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *uid == "" {
		return errors.New("--uid flag is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	res := cf.resolve(fs, logger)

	var token string
	switch cfg.Backend.Driver {
	case config.DriverFirebase:
		projectID := ""
		if res.Credentials != nil {
			projectID = res.Credentials.ProjectID
		}
		token, err = firebase.MintCustomToken(ctx, projectID, *credentials, *uid)
	default:
		secret := cfg.Backend.TokenSecret
		if secret == "" && res.Credentials != nil {
			secret = res.Credentials.APIKey
		}
		var verifier *auth.JWTVerifier
		verifier, err = auth.NewJWTVerifier([]byte(secret))
		if err != nil {
			return fmt.Errorf("creating token signer: %w", err)
		}
		token, err = verifier.Generate(auth.KindCustom, *uid, *email, *ttl)
	}
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	driver := fs.String("driver", config.DriverLocal, "backend driver: firebase, local or grpc")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch *driver {
	case config.DriverFirebase, config.DriverLocal, config.DriverGRPC:
	default:
		return fmt.Errorf("unknown driver %q", *driver)
	}

	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := fmt.Sprintf(`# profilesync configuration
# Generated by profilesync init

backend:
  driver: %q
  database_path: ""
  token_secret: %q
  insecure: true
  token_ttl: "1h"

session:
  auth_fallback_timeout: "1500ms"
  message_ttl: "3s"

server:
  grpc_addr: %q

logging:
  level: "info"
  format: "text"
`, *driver, secret, config.DefaultGRPCAddr)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// The written file must load cleanly.
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("validating written config: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	yellow.Println("  Next:")
	if *driver == config.DriverGRPC {
		fmt.Println("    profilesync-backend serve                 # start the backend")
	}
	fmt.Println("    export PROFILESYNC_FIREBASE_API_KEY=...   # enable the backend")
	fmt.Println("    profilesync shell")
	fmt.Println()
	return nil
}
