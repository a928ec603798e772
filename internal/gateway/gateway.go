// ABOUTME: Gateway orchestrator that wires the coordinator to its gRPC and HTTP servers
// ABOUTME: Manages store, listeners (TCP or tailscale), health and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/coordinator"
	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/events"
	"github.com/2389/coven-courier/internal/mailwatch"
	"github.com/2389/coven-courier/internal/mcp"
	"github.com/2389/coven-courier/internal/notify"
	"github.com/2389/coven-courier/internal/scoring"
	"github.com/2389/coven-courier/internal/store"
)

// Gateway owns every long-lived component of a coven-courier process.
type Gateway struct {
	config      *config.Config
	store       store.Store
	seen        *dedupe.Cache
	coordinator *coordinator.Coordinator
	identifier  *auth.Identifier
	mcpServer   *mcp.Server
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the configured database. COURIER_DB_PATH overrides the
// sqlite path.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	path := cfg.Database.Path
	if envPath := os.Getenv("COURIER_DB_PATH"); envPath != "" {
		path = envPath
	}
	s, err := store.Open(ctx, cfg.Database.Driver, path, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildNotifier assembles the fallback channels enabled in config. It
// returns nil when none are.
func buildNotifier(cfg config.NotifyConfig, mail store.MailStore, logger *slog.Logger) (notify.Notifier, error) {
	var channels notify.Multi
	if cfg.Mail.Enabled {
		channels = append(channels, notify.NewMailNotifier(mail, cfg.Mail.From))
	}
	if cfg.Matrix.Enabled {
		mx, err := notify.NewMatrixNotifier(notify.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			DefaultRoom: cfg.Matrix.DefaultRoom,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating matrix notifier: %w", err)
		}
		channels = append(channels, mx)
	}
	switch len(channels) {
	case 0:
		return nil, nil
	case 1:
		return channels[0], nil
	default:
		return channels, nil
	}
}

// createGRPCServer creates a gRPC server with keepalive and identity interceptors.
func createGRPCServer(ident *auth.Identifier, logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(ident, logger)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(ident, logger)),
	)
}

// New creates a Gateway from configuration, opening the store.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway around an already opened store. The
// gateway takes ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var tokens auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("bearer token identity enabled")
	} else {
		logger.Warn("no jwt_secret configured - trusting X-Agent-ID header")
	}
	ident := auth.NewIdentifier(tokens)

	seen := dedupe.New(dedupe.Options{TTL: cfg.Mailwatch.DedupeTTL})

	var rules scoring.RuleEvaluator
	if len(cfg.Scoring.Rules) > 0 {
		rules = scoring.NewStaticRules(cfg.Scoring.Rules)
	}
	multiplexer := events.NewMultiplexer(events.MultiplexerConfig{
		Registry: events.NewRegistry(
			cfg.Events.MaxConnectionsPerAgent,
			cfg.Events.BufferSize,
			logger,
		),
		Watchers: mailwatch.NewStoreFactory(s, seen, mailwatch.Options{
			PollInterval:         cfg.Mailwatch.PollInterval,
			MaxReconnectAttempts: cfg.Mailwatch.MaxReconnectAttempts,
			ReconnectBackoff:     cfg.Mailwatch.ReconnectBackoff,
			BufferSize:           cfg.Events.BufferSize,
		}, logger),
		Scorer:            scoring.NewKeywordScorer(cfg.Scoring.Keywords, cfg.Scoring.SpamThreshold, cfg.Scoring.WarningThreshold),
		Rules:             rules,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		Logger:            logger,
	})

	notifier, err := buildNotifier(cfg.Notify, s, logger)
	if err != nil {
		seen.Close()
		return nil, err
	}

	coord := coordinator.New(coordinator.Options{
		Store:       s,
		Multiplexer: multiplexer,
		Notifier:    notifier,
		Config: coordinator.Config{
			PollInterval:   cfg.Tasks.RPCPollInterval,
			MinTimeout:     cfg.Tasks.RPCMinTimeout,
			MaxTimeout:     cfg.Tasks.RPCMaxTimeout,
			DefaultTimeout: cfg.Tasks.RPCDefaultTimeout,
			NotifyTimeout:  cfg.Tasks.NotifyTimeout,
		},
		Logger: logger,
	})

	gw := &Gateway{
		config:      cfg,
		store:       s,
		seen:        seen,
		coordinator: coord,
		identifier:  ident,
		health:      health.NewServer(),
		logger:      logger.With("component", "gateway"),
	}

	gw.grpcServer = createGRPCServer(ident, logger)
	RegisterCoordinatorServer(gw.grpcServer, newCoordinatorServer(gw))
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	gw.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	gw.mcpServer, err = mcp.NewServer(mcp.Config{
		Tools:  mcp.NewToolset(coord, s),
		Logger: logger,
	})
	if err != nil {
		seen.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	withIdentity := auth.Middleware(ident, logger)
	httpMux := http.NewServeMux()
	// Health endpoints - no identity required
	httpMux.HandleFunc("GET /health", gw.handleHealth)
	httpMux.HandleFunc("GET /health/ready", gw.handleReady)
	httpMux.Handle("/api/", withIdentity(gw.apiRoutes()))
	httpMux.Handle("/mcp", withIdentity(gw.mcpServer))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Coordinator returns the coordinator behind both transports.
func (g *Gateway) Coordinator() *coordinator.Coordinator {
	return g.coordinator
}

// Handler returns the HTTP handler, for mounting in tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The run context is already done; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-courier", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :50051 for gRPC
// and :80 (or :443 with tailnet certs) for HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, releases blocked RPC callers and open event
// streams, then closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	// Blocked RPCs and open streams would otherwise hold the servers open.
	g.coordinator.Close()
	g.coordinator.Registry().CloseAll()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.seen.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
