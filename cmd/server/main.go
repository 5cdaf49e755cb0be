// Package main implements the winfleet server binary. It wires the store,
// the connection registry, the command correlator and dispatcher, the
// terminal session manager, the mock subsystem, and the HTTP/WebSocket API
// into one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/winfleet-io/winfleet/internal/api"
	"github.com/winfleet-io/winfleet/internal/auth"
	"github.com/winfleet-io/winfleet/internal/bulk"
	"github.com/winfleet-io/winfleet/internal/correlator"
	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/dispatch"
	"github.com/winfleet-io/winfleet/internal/events"
	"github.com/winfleet-io/winfleet/internal/gateway"
	"github.com/winfleet-io/winfleet/internal/janitor"
	"github.com/winfleet-io/winfleet/internal/liveness"
	"github.com/winfleet-io/winfleet/internal/mock"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
	"github.com/winfleet-io/winfleet/internal/terminal"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr         string
	dbDriver         string
	dbDSN            string
	jwtSecret        string
	logLevel         string
	defaultTimeout   time.Duration
	terminalTimeout  time.Duration
	offlineThreshold time.Duration
	testMode         bool
}

func main() {
	// A missing .env file is not an error — env vars may come from anywhere.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "winfleet-server",
		Short: "Winfleet server — control plane for Windows endpoint fleets",
		Long: `Winfleet server manages a fleet of Windows agents over persistent
WebSocket connections. It exposes a REST API for operators: dispatching
PowerShell commands, streaming interactive terminal sessions, and
tracking agent liveness.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("WINFLEET_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("WINFLEET_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("WINFLEET_DB_DSN", "./winfleet.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.jwtSecret, "jwt-secret", envOrDefault("WINFLEET_JWT_SECRET", ""), "HMAC secret for API access tokens (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("WINFLEET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.defaultTimeout, "default-timeout", envDurationOrDefault("WINFLEET_DEFAULT_TIMEOUT", 30*time.Second), "Default command timeout, clamped into [1s, 300s]")
	root.PersistentFlags().DurationVar(&cfg.terminalTimeout, "terminal-timeout", envDurationOrDefault("WINFLEET_TERMINAL_TIMEOUT", terminal.DefaultIdleTimeout), "Idle timeout for terminal sessions")
	root.PersistentFlags().DurationVar(&cfg.offlineThreshold, "offline-threshold", envDurationOrDefault("WINFLEET_OFFLINE_THRESHOLD", 60*time.Second), "Heartbeat age after which an unattached agent is offline")
	root.PersistentFlags().BoolVar(&cfg.testMode, "enable-test-mode", envBool("WINFLEET_ENABLE_TEST_MODE") || envBool("WINFLEET_MOCK_AGENTS"), "Seed mock agents for CI and demos")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("winfleet-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.jwtSecret == "" {
		return fmt.Errorf("JWT secret is required — set --jwt-secret or WINFLEET_JWT_SECRET")
	}

	logger.Info("starting winfleet server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Bool("test_mode", cfg.testMode),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Store.
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("getting sql.DB: %w", err)
	}
	defer sqlDB.Close()

	agentRepo := repository.NewAgentRepository(database)
	historyRepo := repository.NewHistoryRepository(database)
	savedRepo := repository.NewSavedCommandRepository(database)
	userRepo := repository.NewUserRepository(database)
	settingRepo := repository.NewSettingRepository(database)

	// Database-stored settings override environment defaults so operators can
	// tune the dispatcher without a restart losing the value.
	if v, err := settingRepo.Get(ctx, "dispatch.default_timeout"); err == nil {
		if d, perr := time.ParseDuration(v); perr == nil {
			cfg.defaultTimeout = d
		}
	}

	// Core.
	reg := registry.New(logger)
	corr := correlator.New(logger)
	lv := liveness.New(reg, liveness.Config{
		WarningAfter: cfg.offlineThreshold / 2,
		OfflineAfter: cfg.offlineThreshold,
	})
	disp := dispatch.New(reg, corr, cfg.defaultTimeout, logger)
	terms := terminal.NewManager(reg, historyRepo, cfg.terminalTimeout, logger)

	hub := events.NewHub()
	go hub.Run(ctx)

	gw := gateway.New(reg, corr, agentRepo, historyRepo, terms, hub, logger)
	bulkOp := bulk.New(reg, disp, lv, agentRepo, logger)

	if cfg.testMode {
		mocks := mock.New(reg, agentRepo, gw, logger)
		if err := mocks.Seed(ctx); err != nil {
			return fmt.Errorf("seeding mock agents: %w", err)
		}
	}

	// Auth.
	jwtMgr, err := auth.NewJWTManager(cfg.jwtSecret, "winfleet")
	if err != nil {
		return err
	}
	authSvc := auth.NewService(userRepo, jwtMgr)

	// Maintenance.
	jan, err := janitor.New(corr, terms, lv, agentRepo, logger)
	if err != nil {
		return err
	}
	if err := jan.Start(); err != nil {
		return err
	}
	defer jan.Stop() //nolint:errcheck

	// HTTP.
	router := api.NewRouter(api.RouterConfig{
		AuthService:   authSvc,
		JWTManager:    jwtMgr,
		Registry:      reg,
		Dispatcher:    disp,
		Liveness:      lv,
		Bulk:          bulkOp,
		Gateway:       gw,
		Terminals:     terms,
		Hub:           hub,
		Logger:        logger,
		Agents:        agentRepo,
		History:       historyRepo,
		SavedCommands: savedRepo,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down winfleet server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are treated as seconds for compatibility with older
		// deployments.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultVal
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
