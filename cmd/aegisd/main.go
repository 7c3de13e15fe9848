// Command aegisd runs the aegis policy engine as an HTTP service: it wires
// the policy registry, durable storage and mirrors, admin notifications,
// the audit trail, and telemetry, then serves the policy API until
// terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mantle-labs/aegis/pkg/api"
	"github.com/mantle-labs/aegis/pkg/audit"
	"github.com/mantle-labs/aegis/pkg/config"
	"github.com/mantle-labs/aegis/pkg/directory"
	"github.com/mantle-labs/aegis/pkg/engine"
	"github.com/mantle-labs/aegis/pkg/notify"
	"github.com/mantle-labs/aegis/pkg/observability"
	"github.com/mantle-labs/aegis/pkg/policy"
	"github.com/mantle-labs/aegis/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("aegisd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Load()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry.
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "aegis",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLP.Endpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLP.Enabled,
		Insecure:       cfg.OTLP.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()
	metrics, err := observability.NewEngineMetrics(obs.Meter())
	if err != nil {
		return fmt.Errorf("create engine metrics: %w", err)
	}

	// Durable storage and mirrors.
	store := storage.NewFileStore(cfg.StoragePath)
	var mirrors []storage.Mirror
	if cfg.S3.Bucket != "" {
		s3m, err := storage.NewS3Mirror(ctx, storage.S3MirrorConfig{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init s3 mirror: %w", err)
		}
		mirrors = append(mirrors, s3m)
		logger.Info("s3 mirror enabled", "bucket", cfg.S3.Bucket)
	}
	if cfg.GCS.Bucket != "" {
		gcsm, err := storage.OpenGCSMirror(ctx, cfg.GCS.Bucket, cfg.GCS.Prefix)
		if err != nil {
			return fmt.Errorf("init gcs mirror: %w", err)
		}
		mirrors = append(mirrors, gcsm)
		logger.Info("gcs mirror enabled", "bucket", cfg.GCS.Bucket)
	}

	// Admin notifications.
	notifier := notify.NewDispatcher(logger)
	if cfg.Redis.Addr != "" {
		rt := notify.NewRedisTransport(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		defer func() { _ = rt.Close() }()
		notifier.AddTransport(rt)
		logger.Info("redis notification transport enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	// Profile topology.
	users := directory.NewStatic()
	for child, parent := range cfg.Profiles {
		users.AddProfile(child, parent)
	}

	// Audit trail.
	auditLog, closeAudit, err := openAuditLog(cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer closeAudit()

	// Policy kinds.
	registry := policy.NewRegistry()
	if err := registerStockPolicies(registry, logger); err != nil {
		return fmt.Errorf("register policy kinds: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Registry:  registry,
		Store:     store,
		Mirrors:   mirrors,
		Notifier:  notifier,
		Directory: users,
		Audit:     auditLog,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Load(); err != nil {
		// Durable state was unreadable; the engine starts empty rather than
		// refusing to serve.
		logger.Warn("starting with empty policy state", "error", err)
	}

	apiServer := api.NewServer(api.Config{
		Engine:     eng,
		Registry:   registry,
		Logger:     logger,
		AuthSecret: cfg.AuthSecret,
		RateRPS:    cfg.RateRPS,
		RateBurst:  cfg.RateBurst,
	})
	defer apiServer.Close()
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("aegisd listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openAuditLog(cfg config.AuditConfig) (*audit.Log, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		backend, err := audit.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return audit.NewLog(backend), func() { _ = backend.Close() }, nil
	case "postgres":
		backend, err := audit.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return audit.NewLog(backend), func() { _ = backend.Close() }, nil
	case "":
		return audit.NewLog(nil), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
	}
}

// registerStockPolicies installs the built-in policy kinds. Enforcement
// here logs the transition; deployments embed the engine and supply real
// callbacks.
func registerStockPolicies(registry *policy.Registry, logger *slog.Logger) error {
	logEnforce := func(key string) policy.EnforceFunc {
		return func(value policy.Value, userID int) error {
			logger.Info("enforcing policy", "policy_key", key, "user_id", userID, "cleared", value == nil)
			return nil
		}
	}

	defs := []policy.DefinitionConfig{
		{
			Key:      "camera_disabled",
			Scope:    policy.ScopeLocal | policy.ScopeGlobal,
			Resolver: policy.MostRestrictiveBool(true),
			Codec:    policy.DecodeBool,
			Enforce:  logEnforce("camera_disabled"),
		},
		{
			Key:      "screen_capture_disabled",
			Scope:    policy.ScopeLocal | policy.ScopeGlobal,
			Resolver: policy.MostRestrictiveBool(true),
			Codec:    policy.DecodeBool,
			Enforce:  logEnforce("screen_capture_disabled"),
		},
		{
			Key:      "password_min_length",
			Scope:    policy.ScopeLocal,
			Resolver: policy.LargestInt(),
			Codec:    policy.DecodeInt,
			Enforce:  logEnforce("password_min_length"),
		},
		{
			Key:      "wifi_disabled",
			Scope:    policy.ScopeGlobal,
			Resolver: policy.MostRestrictiveBool(true),
			Codec:    policy.DecodeBool,
			Enforce:  logEnforce("wifi_disabled"),
		},
		{
			Key:      "blocked_packages",
			Scope:    policy.ScopeLocal | policy.ScopeGlobal,
			Resolver: policy.UnionStringSet(),
			Codec:    policy.DecodeStringSet,
			Enforce:  logEnforce("blocked_packages"),
		},
	}
	for _, cfg := range defs {
		def, err := policy.NewDefinition(cfg)
		if err != nil {
			return err
		}
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
