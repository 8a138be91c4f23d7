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
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/studiokit/booking/internal/httpserver"
	"github.com/studiokit/booking/internal/notify"
	"github.com/studiokit/booking/internal/store/gormstore"
	"github.com/studiokit/booking/pkg/booking"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagStaffEmails       = "staff-emails"
	flagUnitPrice         = "unit-price"
	flagCancelCutoff      = "cancel-cutoff"
	flagAllowUnpaid       = "allow-unpaid"

	defaultDatabaseURL = "sqlite:///tmp/studio.db"
	defaultUnitPrice   = "20.00"
	envPrefix          = "STUDIOD"
)

type runtimeConfig struct {
	DatabaseURL  string
	UnitPrice    decimal.Decimal
	CancelCutoff time.Duration
	AllowUnpaid  bool
	HTTP         httpserver.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "studiod: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "studiod",
		Short:         "Class occurrence booking and capacity server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "TAuth session signing key (required)")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagStaffEmails, "", "comma-separated staff emails allowed to schedule and grant passes")
	cmd.Flags().String(flagUnitPrice, defaultUnitPrice, "price per credit for unpaid-balance charges")
	cmd.Flags().Duration(flagCancelCutoff, booking.DefaultCancellationCutoff, "free cancellation window before class start")
	cmd.Flags().Bool(flagAllowUnpaid, true, "allow bookings without credits by charging the unpaid balance")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flagNames := []string{
		flagDatabaseURL, flagListenAddr, flagAllowedOrigins,
		flagSessionSigningKey, flagSessionIssuer, flagSessionCookieName,
		flagStaffEmails, flagUnitPrice, flagCancelCutoff, flagAllowUnpaid,
	}
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}

	unitPrice, err := decimal.NewFromString(strings.TrimSpace(v.GetString(flagUnitPrice)))
	if err != nil {
		return fmt.Errorf("parse %s: %w", flagUnitPrice, err)
	}
	cfg.UnitPrice = unitPrice

	cfg.CancelCutoff = v.GetDuration(flagCancelCutoff)
	if cfg.CancelCutoff <= 0 {
		return fmt.Errorf("%s must be positive", flagCancelCutoff)
	}
	cfg.AllowUnpaid = v.GetBool(flagAllowUnpaid)

	cfg.HTTP = httpserver.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    httpserver.ParseList(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagSessionSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagSessionIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagSessionCookieName)),
		StaffEmails:       httpserver.ParseList(v.GetString(flagStaffEmails)),
	}
	return cfg.HTTP.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	prices, err := booking.NewFixedPrice(cfg.UnitPrice)
	if err != nil {
		return fmt.Errorf("unit price: %w", err)
	}

	notifier := notify.New(logger)
	defer notifier.Close()

	options := []booking.ServiceOption{
		booking.WithOperationLogger(&zapOperationLogger{logger: logger}),
		booking.WithNotifier(notifier),
		booking.WithCancellationCutoff(cfg.CancelCutoff),
	}
	if !cfg.AllowUnpaid {
		options = append(options, booking.WithUnpaidFallbackDisabled())
	}
	service, err := booking.NewService(store, clock, prices, options...)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	return httpserver.Run(ctx, cfg.HTTP, service, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
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
			path = "studio.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	err := db.AutoMigrate(
		&gormstore.Occurrence{},
		&gormstore.Registration{},
		&gormstore.CreditBatch{},
		&gormstore.ClientAccount{},
		&gormstore.CreditEntry{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.OccurrenceID.String() != "" {
		fields = append(fields, zap.String("occurrence_id", entry.OccurrenceID.String()))
	}
	if entry.ClientID.String() != "" {
		fields = append(fields, zap.String("client_id", entry.ClientID.String()))
	}
	if entry.RegistrationID.String() != "" {
		fields = append(fields, zap.String("registration_id", entry.RegistrationID.String()))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int64("credits", entry.Credits))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("booking operation failed", fields...)
		return
	}
	adapter.logger.Info("booking operation", fields...)
}
