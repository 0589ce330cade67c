package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/clawee-dev/clawee/internal/adapter/inbound/control"
	"github.com/clawee-dev/clawee/internal/adapter/inbound/gateway"
	"github.com/clawee-dev/clawee/internal/adapter/outbound/notify"
	"github.com/clawee-dev/clawee/internal/adapter/outbound/replaycache"
	"github.com/clawee-dev/clawee/internal/adapter/outbound/replaysql"
	"github.com/clawee-dev/clawee/internal/adapter/outbound/snapshot"
	"github.com/clawee-dev/clawee/internal/adapter/outbound/sqlite"
	"github.com/clawee-dev/clawee/internal/config"
	"github.com/clawee-dev/clawee/internal/domain/budget"
	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/gate"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/domain/replay"
	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway and control listeners",
	Long: `Start the clawee sidecar.

Two listeners come up together:

1. Gateway (server.gateway_addr): the agent-facing ingress. Every request
   runs the gate pipeline; allowed requests forward to the configured
   upstream or connector endpoint.

2. Control (server.control_addr): the operator surface under
   /_clawee/control/, authenticated by the control-token catalog.

Boot is fatal on a missing or unverifiable catalog: the sidecar never
serves with a partial rule set.

Examples:
  # Start with config file settings
  clawee serve

  # Start with a specific config file
  clawee --config /etc/clawee/clawee.yaml serve

  # Development mode (unsigned catalogs, text logs, in-memory state)
  clawee serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (unsigned catalogs, relaxed defaults)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration without validation so the CLI flag can override
	// dev mode first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Signal context for graceful shutdown. stop() restores default signal
	// handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := buildLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := serve(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("clawee stopped")
	return nil
}

// serve wires all components together and runs both listeners until the
// context is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now().UTC()

	if cfg.DevMode {
		logger.Warn("development mode enabled: unsigned catalogs accepted, do not use in production")
	}

	// Signing trust. A nil keyring with AllowUnsigned set is the dev path.
	keyring, err := loadKeyring(cfg)
	if err != nil {
		return err
	}
	trust := catalog.Trust{
		Keyring:       keyring,
		StaticKey:     cfg.Keyring.StaticKey,
		AllowUnsigned: cfg.Keyring.AllowUnsigned,
	}

	notifier := notify.NewLogNotifier(logger)

	// SQLite backs approvals, budget ledger, audit, and (by default) replay.
	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", cfg.Storage.SQLitePath, err)
	}
	defer func() { _ = db.Close() }()

	auditStore := sqlite.NewAuditStore(db)
	recorder := service.NewAuditRecorder(auditStore, notifier, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Audit.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.Audit.SendTimeout, 100*time.Millisecond)),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	recorder.Start(ctx)
	defer recorder.Stop()

	// Catalog boot load is fatal on any error.
	manager, err := service.NewCatalogManager(catalogPaths(cfg), keyring, trust, recorder, notifier, logger)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}

	invariants := invariant.NewRegistry()

	approvalStore := sqlite.NewApprovalStore(db)
	approvals := service.NewApprovalService(approvalStore, manager.Store(), invariants, recorder, logger)

	budgetStore, err := sqlite.NewBudgetStore(db)
	if err != nil {
		return fmt.Errorf("open budget store: %w", err)
	}
	caps := budget.Caps{HourlyUSD: cfg.Budget.HourlyUSD, DailyUSD: cfg.Budget.DailyUSD}
	budgets := service.NewBudgetService(budgetStore, manager.Store(), invariants, recorder, caps, logger)

	replayStore, err := buildReplayStore(cfg, db, logger)
	if err != nil {
		return err
	}
	defer func() { _ = replayStore.Close() }()
	replays := service.NewReplayService(replayStore, invariants, recorder,
		config.Duration(cfg.Replay.NonceTTL, 10*time.Minute),
		config.Duration(cfg.Replay.EventTTL, 24*time.Hour),
		logger,
	)

	snapshots, err := snapshot.NewWriter(cfg.Snapshots.Dir)
	if err != nil {
		return fmt.Errorf("open snapshot dir %s: %w", cfg.Snapshots.Dir, err)
	}
	attests := service.NewAttestService(approvals, auditStore, invariants, snapshots, keyring, recorder, logger,
		service.WithStaticKey(cfg.Keyring.StaticKey))

	egress := gate.NewEgressGate(cfg.Egress.Policy, cfg.Egress.AllowedHosts, logger,
		gate.WithCacheTTL(config.Duration(cfg.Egress.CacheTTL, 5*time.Minute)))

	// Tracing is opt-in; without it the pipeline keeps its noop tracer.
	var pipelineOpts []service.PipelineOption
	if cfg.Telemetry.TracingEnabled {
		exporter, expErr := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if expErr != nil {
			return fmt.Errorf("create trace exporter: %w", expErr)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		pipelineOpts = append(pipelineOpts, service.WithTracer(tp.Tracer("clawee/pipeline")))
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	pipeline := service.NewPipeline(egress, manager.Store(), approvals, budgets, invariants, recorder, logger, pipelineOpts...)

	// Control surface: Prometheus registry, per-token rate limiter, handler.
	promReg := prometheus.NewRegistry()
	metrics := control.NewMetrics(promReg)

	limiter := control.NewTokenLimiter(cfg.Control.RatePerMinute, time.Minute, logger)
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	controlHandler := control.NewHandler(
		control.WithCatalogManager(manager),
		control.WithApprovalService(approvals),
		control.WithBudgetService(budgets),
		control.WithAttestService(attests),
		control.WithInvariants(invariants),
		control.WithAuditRecorder(recorder),
		control.WithLimiter(limiter),
		control.WithMetrics(metrics),
		control.WithGatherer(promReg),
		control.WithLogger(logger),
		control.WithVersion(Version),
	)

	// Gateway surface. The forwarder resolves connector endpoints from the
	// catalog and falls back to the upstream base URL.
	client := &http.Client{Timeout: config.Duration(cfg.Upstream.Timeout, 30*time.Second)}
	forwarder := gateway.NewForwarder(cfg.Upstream.URL, manager.Store(), client, logger)

	gatewayHandler := gateway.NewHandler(pipeline,
		gateway.WithReplayService(replays),
		gateway.WithForwarder(forwarder),
		gateway.WithMetrics(metrics),
		gateway.WithLogger(logger),
	)

	logger.Info("clawee starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"gateway_addr", cfg.Server.GatewayAddr,
		"control_addr", cfg.Server.ControlAddr,
		"replay_backend", cfg.Replay.Backend,
		"egress_policy", cfg.Egress.Policy,
		"hourly_cap_usd", cfg.Budget.HourlyUSD,
		"daily_cap_usd", cfg.Budget.DailyUSD,
		"uptime_since", startTime.Format(time.RFC3339),
	)

	gatewaySrv := &http.Server{Addr: cfg.Server.GatewayAddr, Handler: gatewayHandler.Routes()}
	controlSrv := &http.Server{Addr: cfg.Server.ControlAddr, Handler: controlHandler.Routes()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.GatewayAddr)
		if err := gatewaySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway listener: %w", err)
		}
	}()
	go func() {
		logger.Info("control listening", "addr", cfg.Server.ControlAddr)
		if err := controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control listener: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	if err := controlSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control shutdown", "error", err)
	}
	return serveErr
}

// loadKeyring builds the signing keyring from config: a keyring file, a
// legacy static key, or nil when running unsigned.
func loadKeyring(cfg *config.Config) (*signing.Keyring, error) {
	switch {
	case cfg.Keyring.Path != "":
		kr, err := signing.LoadFile(cfg.Keyring.Path)
		if err != nil {
			return nil, fmt.Errorf("load keyring %s: %w", cfg.Keyring.Path, err)
		}
		return kr, nil
	case cfg.Keyring.StaticKey != "":
		return signing.FromStaticKey(cfg.Keyring.StaticKey)
	default:
		return nil, nil
	}
}

// catalogPaths maps the config section onto the manager's path set.
func catalogPaths(cfg *config.Config) service.CatalogPaths {
	return service.CatalogPaths{
		Policy:         cfg.Catalogs.Policy,
		Capability:     cfg.Catalogs.Capability,
		ModelRegistry:  cfg.Catalogs.ModelRegistry,
		ApprovalPolicy: cfg.Catalogs.ApprovalPolicy,
		Destination:    cfg.Catalogs.Destination,
		Connector:      cfg.Catalogs.Connector,
		Pricing:        cfg.Catalogs.Pricing,
		ControlTokens:  cfg.Catalogs.ControlTokens,
	}
}

// buildReplayStore selects the replay backend from config.
func buildReplayStore(cfg *config.Config, db *sql.DB, logger *slog.Logger) (replay.Store, error) {
	switch cfg.Replay.Backend {
	case "redis":
		return replaycache.New(cfg.Replay.RedisAddr, "", 0, logger), nil
	case "postgres":
		return replaysql.Open(cfg.Replay.PostgresDSN, logger)
	default:
		return sqlite.NewReplayStore(db, logger), nil
	}
}

// buildLogger constructs the process logger from the log config. Output
// goes to stderr.
func buildLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
