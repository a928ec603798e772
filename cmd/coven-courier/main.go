// ABOUTME: Entry point for the coven-courier coordination server
// ABOUTME: Serves the task queue and offers setup, agent and token subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/gateway"
	"github.com/2389/coven-courier/internal/logging"
	"github.com/2389/coven-courier/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                          _
  ___ _____   _____ _ __         ___ ___  _   _ _ __ _ ___ ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| | | | '__| |/ _ \ '__|
| (_| (_) \ V /  __/ | | |_____| (_| (_) | |_| | |  | |  __/ |
 \___\___/ \_/ \___|_| |_|      \___\___/ \__,_|_|  |_|\___|_|
`

// getConfigPath returns the path to the courier config file.
// Priority: COURIER_CONFIG env var > XDG_CONFIG_HOME/coven/courier.yaml > ~/.config/coven/courier.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "courier.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "courier.yaml")
}

// getDataPath returns the path to the courier data directory.
// Priority: XDG_DATA_HOME/coven-courier > ~/.local/share/coven-courier
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-courier")
}

func usage() {
	fmt.Println("Usage: coven-courier <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                Start the courier server")
	fmt.Println("  init                                 Create a new config file interactively")
	fmt.Println("  agent add --name NAME [--address A]  Register an agent in the directory")
	fmt.Println("  token --agent ID [--ttl 720h]        Issue a bearer token for an agent")
	fmt.Println("  health                               Check server health")
	fmt.Println("  agents                               List connected agents")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "agent":
		err = runAgent(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "-h", "--help", "help":
		usage()
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closer.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("bearer tokens")
	} else {
		yellow.Println("X-Agent-ID header (unauthenticated)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-courier",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// parseFlags reads "--name value" or "--name=value" style flags into a map.
// Only names listed in allowed are accepted.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	values := make(map[string]string)
	isAllowed := func(name string) bool {
		for _, a := range allowed {
			if a == name {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !isAllowed(name) {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = strings.TrimSpace(value)
	}
	return values, nil
}

// runAgent handles "agent add". It opens the store directly so agents can
// be registered before the server first runs.
func runAgent(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return fmt.Errorf("usage: coven-courier agent add --name NAME [--address ADDR] [--id ID]")
	}
	flags, err := parseFlags(args[1:], "name", "address", "id")
	if err != nil {
		return err
	}
	name := flags["name"]
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("agent name exceeds maximum length of 100 characters")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	agent := &store.Agent{ID: flags["id"], Name: name, Address: flags["address"]}
	if err := s.CreateAgent(ctx, agent); err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Registered agent %s\n", agent.Name)
	fmt.Printf("  ID:      %s\n", agent.ID)
	if agent.Address != "" {
		fmt.Printf("  Address: %s\n", agent.Address)
	}
	return nil
}

// runToken issues a bearer token for an agent using the configured secret.
func runToken(args []string) error {
	flags, err := parseFlags(args, "agent", "ttl")
	if err != nil {
		return err
	}
	agentID := flags["agent"]
	if agentID == "" {
		return fmt.Errorf("--agent flag is required")
	}

	ttl := 30 * 24 * time.Hour
	if raw := flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", raw)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(agentID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "token for %s expires %s\n", agentID, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-courier configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "courier.db")

	outputFile := prompt(reader, "Config file path (.yaml or .toml)", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.GRPCAddr = prompt(reader, "gRPC address", cfg.Server.GRPCAddr)
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", cfg.Server.HTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	cfg.Database.Driver = prompt(reader, "Driver (sqlite/postgres)", cfg.Database.Driver)
	if cfg.Database.Driver == "postgres" {
		cfg.Database.DSN = prompt(reader, "Postgres DSN", "postgres://localhost/courier")
		cfg.Database.Path = ""
	} else {
		cfg.Database.Path = prompt(reader, "SQLite database path", defaultDbPath)
	}

	fmt.Println("\n--- Authentication ---")
	if yes(prompt(reader, "Require bearer tokens?", "yes")) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString(secret)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	cfg.Tailscale.Enabled = yes(prompt(reader, "Enable Tailscale?", "no"))
	if cfg.Tailscale.Enabled {
		cfg.Tailscale.Hostname = prompt(reader, "Tailscale hostname", cfg.Tailscale.Hostname)
		cfg.Tailscale.AuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.Ephemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		cfg.Tailscale.HTTPS = yes(prompt(reader, "Serve HTTPS with tailnet certificates?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)
	cfg.Logging.File.Path = prompt(reader, "Log file (leave empty for console only)", "")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Write(outputFile); err != nil {
		return err
	}

	if cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  coven-courier agent add --name my-agent")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("  coven-courier token --agent <agent-id>")
	}
	fmt.Println("  coven-courier serve")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
