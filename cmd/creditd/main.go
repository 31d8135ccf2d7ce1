package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/RoboFinSystems/robosystems-sub003/internal/httpapi"
	"github.com/RoboFinSystems/robosystems-sub003/internal/store/gormstore"
	"github.com/RoboFinSystems/robosystems-sub003/internal/store/pgstore"
	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

const (
	flagDatabaseURL  = "database-url"
	flagListenAddr   = "listen-addr"
	flagOrigins      = "allowed-origins"
	flagSigningKey   = "auth-signing-key"
	flagAuthIssuer   = "auth-issuer"
	flagAuthDisabled = "auth-disabled"
	flagBatchLimit   = "batch-limit"

	configKeyDatabaseURL  = "database_url"
	configKeyListenAddr   = "listen_addr"
	configKeyOrigins      = "allowed_origins"
	configKeySigningKey   = "auth_signing_key"
	configKeyAuthIssuer   = "auth_issuer"
	configKeyAuthDisabled = "auth_disabled"

	defaultDatabaseURL = "sqlite:///tmp/credits.db"
	defaultBatchLimit  = 500
)

type runtimeConfig struct {
	DatabaseURL  string
	ListenAddr   string
	Origins      string
	SigningKey   string
	AuthIssuer   string
	AuthDisabled bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit pool and consumption service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	serveCmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	serveCmd.Flags().String(flagOrigins, "", "comma-delimited CORS origins")
	serveCmd.Flags().String(flagSigningKey, "", "HMAC key for bearer tokens")
	serveCmd.Flags().String(flagAuthIssuer, "", "expected JWT issuer")
	serveCmd.Flags().Bool(flagAuthDisabled, false, "disable bearer-token checks (local runs only)")

	allocateCmd := &cobra.Command{
		Use:   "allocate",
		Short: "Grant monthly allocations to every due pool and exit",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			batchLimit, err := cmd.Flags().GetInt(flagBatchLimit)
			if err != nil {
				return err
			}
			return runAllocation(ctx, cfg, batchLimit)
		},
	}
	allocateCmd.Flags().Int(flagBatchLimit, defaultBatchLimit, "maximum pools per sweep")

	cmd.AddCommand(serveCmd, allocateCmd)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:  "DATABASE_URL",
		configKeyListenAddr:   "LISTEN_ADDR",
		configKeyOrigins:      "ALLOWED_ORIGINS",
		configKeySigningKey:   "AUTH_SIGNING_KEY",
		configKeyAuthIssuer:   "AUTH_ISSUER",
		configKeyAuthDisabled: "AUTH_DISABLED",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:  flagDatabaseURL,
		configKeyListenAddr:   flagListenAddr,
		configKeyOrigins:      flagOrigins,
		configKeySigningKey:   flagSigningKey,
		configKeyAuthIssuer:   flagAuthIssuer,
		configKeyAuthDisabled: flagAuthDisabled,
	}
	for key, name := range flagsByKey {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.Root().PersistentFlags().Lookup(name)
		}
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.Origins = viper.GetString(configKeyOrigins)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.AuthIssuer = viper.GetString(configKeyAuthIssuer)
	cfg.AuthDisabled = viper.GetBool(configKeyAuthDisabled)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.Origins),
		AuthSigningKey: cfg.SigningKey,
		AuthIssuer:     cfg.AuthIssuer,
		AuthDisabled:   cfg.AuthDisabled,
	}
	if err := apiConfig.Validate(); err != nil {
		return err
	}

	server := httpapi.NewServer(apiConfig, service, logger)
	return server.Run(ctx)
}

func runAllocation(ctx context.Context, cfg *runtimeConfig, batchLimit int) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	granted, err := service.AllocateAllDue(ctx, batchLimit)
	logger.Info("allocation sweep finished", zap.Int("pools_granted", granted))
	return err
}

func buildService(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (*credits.Service, func(), error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == "postgres" {
		return buildPostgresService(ctx, cfg.DatabaseURL, logger)
	}
	return buildSQLiteService(ctx, sqlitePath, logger)
}

// buildPostgresService migrates the schema through gorm, then serves traffic
// through the native pgx store.
func buildPostgresService(ctx context.Context, dsn string, logger *zap.Logger) (*credits.Service, func(), error) {
	if err := migratePostgresSchema(ctx, dsn); err != nil {
		return nil, nil, fmt.Errorf("database migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	cleanup := func() { pool.Close() }

	service, err := newCreditService(pgstore.New(pool), pgstore.NewDirectory(pool), logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return service, cleanup, nil
}

func buildSQLiteService(ctx context.Context, sqlitePath string, logger *zap.Logger) (*credits.Service, func(), error) {
	gormDB, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	// One connection: concurrent transactions queue on the pool instead of
	// tripping SQLITE_BUSY against each other.
	sqlDB.SetMaxOpenConns(1)
	cleanup := func() { _ = sqlDB.Close() }

	gormDB = gormDB.WithContext(ctx)
	store := gormstore.New(gormDB)
	if err := prepareSQLiteSchema(gormDB, store); err != nil {
		cleanup()
		return nil, nil, err
	}

	service, err := newCreditService(store, gormstore.NewDirectory(gormDB), logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return service, cleanup, nil
}

func newCreditService(store credits.Store, directory credits.ResourceDirectory, logger *zap.Logger) (*credits.Service, error) {
	service, err := credits.NewService(
		store,
		directory,
		func() time.Time { return time.Now().UTC() },
		credits.WithOperationLogger(newZapOperationLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	return service, nil
}

func migratePostgresSchema(ctx context.Context, dsn string) error {
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	return gormstore.New(gormDB.WithContext(ctx)).Migrate()
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSQLiteSchema migrates the ledger tables and creates minimal
// registries for graphs and user repositories. Production deployments run
// against the platform database, which already owns those tables.
func prepareSQLiteSchema(db *gorm.DB, store *gormstore.Store) error {
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	statements := []string{
		"CREATE TABLE IF NOT EXISTS graphs (id TEXT PRIMARY KEY)",
		"CREATE TABLE IF NOT EXISTS user_repositories (id TEXT PRIMARY KEY)",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return fmt.Errorf("prepare registry tables: %w", err)
		}
	}
	return nil
}
