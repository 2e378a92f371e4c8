package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/internal/httpapi"
	"github.com/MarkoPoloResearchLab/transfers/internal/notify"
	"github.com/MarkoPoloResearchLab/transfers/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/transfers/internal/telemetry"
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagEnvFile           = "env-file"
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie-name"
	flagRequestTimeout    = "request-timeout"
	flagRedisURL          = "redis-url"
	flagIdempotencyTTL    = "idempotency-ttl"
	flagStrictIdempotency = "strict-idempotency"
	envPrefix             = "TRANSFERD"
	defaultEnvFile        = ".env"
	defaultDatabaseURL    = "sqlite:///tmp/transfers.db"
	defaultListenAddr     = ":8080"
	defaultAllowedOrigins = "http://localhost:3000"
	storeDriverGorm       = "gorm"
	storeDriverPGX        = "pgx"
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreDriver       string
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration
	RedisURL          string
	IdempotencyTTL    time.Duration
	StrictIdempotency bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "transferd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "transferd",
		Short:         "Peer-to-peer transfer service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagEnvFile, defaultEnvFile, "Optional dotenv file with TRANSFERD_* settings")
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "postgres:// URL, sqlite path, or memory://")
	cmd.PersistentFlags().String(flagStoreDriver, storeDriverGorm, "Store implementation for postgres: gorm or pgx")

	cmd.AddCommand(newServeCommand(cfg))
	cmd.AddCommand(newAccountCommand(cfg))
	cmd.AddCommand(newVerifyCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, defaultAllowedOrigins, "Comma-separated CORS and websocket origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key that signs session cookies")
	cmd.Flags().String(flagSessionIssuer, "tauth", "Expected session issuer")
	cmd.Flags().String(flagSessionCookie, "app_session", "Session cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 15*time.Second, "Per-request deadline")
	cmd.Flags().String(flagRedisURL, "", "redis:// URL for the shared idempotency cache")
	cmd.Flags().Duration(flagIdempotencyTTL, transfer.DefaultIdempotencyTTL, "How long idempotent responses are replayed")
	cmd.Flags().Bool(flagStrictIdempotency, false, "Reject replayed keys whose request body differs")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(settings.GetString(flagStoreDriver)))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverGorm
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPGX {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == storeDriverPGX && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store driver %q requires a postgres database url", storeDriverPGX)
	}
	cfg.ListenAddr = settings.GetString(flagListenAddr)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = settings.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = settings.GetString(flagSessionIssuer)
	cfg.SessionCookieName = settings.GetString(flagSessionCookie)
	cfg.RequestTimeout = settings.GetDuration(flagRequestTimeout)
	cfg.RedisURL = strings.TrimSpace(settings.GetString(flagRedisURL))
	cfg.IdempotencyTTL = settings.GetDuration(flagIdempotencyTTL)
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = transfer.DefaultIdempotencyTTL
	}
	cfg.StrictIdempotency = settings.GetBool(flagStrictIdempotency)
	return nil
}

func (cfg *runtimeConfig) httpConfig() httpapi.Config {
	return httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		RequestTimeout:    cfg.RequestTimeout,
	}
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	httpConfig := cfg.httpConfig()
	if err := httpConfig.Validate(); err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	stores, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() {
		if closeErr := stores.close(); closeErr != nil {
			logger.Warn("database close error", zap.Error(closeErr))
		}
	}()

	idempotency := stores.idempotency
	if cfg.RedisURL != "" {
		client, err := redisstore.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		redisStore, err := redisstore.New(client)
		if err != nil {
			return err
		}
		idempotency = redisStore
		logger.Info("idempotency cache on redis", zap.String("addr", client.Options().Addr))
	}

	metrics := telemetry.NewMetrics("")
	operationLogger := telemetry.NewOperationLogger(logger, metrics)
	clock := func() time.Time { return time.Now().UTC() }

	hub := notify.NewHub(logger, metrics, httpConfig.AllowedOrigins)
	defer hub.Close()
	dispatcher, err := notify.NewDispatcher(hub,
		notify.WithDispatcherLogger(logger),
		notify.WithDispatcherMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("dispatcher init: %w", err)
	}

	auditChain, err := transfer.NewAuditChain(stores.audit, clock, transfer.WithAuditLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("audit chain init: %w", err)
	}
	options := []transfer.EngineOption{
		transfer.WithOperationLogger(operationLogger),
		transfer.WithNotificationSink(dispatcher),
		transfer.WithAuditRecorder(auditChain),
		transfer.WithIdempotencyTTL(cfg.IdempotencyTTL),
	}
	if cfg.StrictIdempotency {
		options = append(options, transfer.WithStrictIdempotency())
	}
	engine, err := transfer.NewEngine(stores.store, idempotency, clock, options...)
	if err != nil {
		return fmt.Errorf("transfer engine init: %w", err)
	}
	defer engine.Flush()
	queries, err := transfer.NewQueries(stores.store)
	if err != nil {
		return fmt.Errorf("queries init: %w", err)
	}

	logger.Info("transferd starting",
		zap.String("driver", stores.driver),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("strict_idempotency", cfg.StrictIdempotency),
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		return httpapi.Run(groupCtx, httpConfig, httpapi.Dependencies{
			Transfers: engine,
			Queries:   queries,
			Audit:     auditChain,
			Realtime:  hub,
			Metrics:   metrics,
			Logger:    logger,
		})
	})
	err = group.Wait()
	logger.Info("shutdown complete")
	return err
}
