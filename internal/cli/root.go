package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/internal/config"
	"github.com/zimads/adsentinel/internal/pipeline"
	"github.com/zimads/adsentinel/pkg/dispatch"
	"github.com/zimads/adsentinel/pkg/health"
	"github.com/zimads/adsentinel/pkg/messaging"
	"github.com/zimads/adsentinel/pkg/operator"
	"github.com/zimads/adsentinel/pkg/report"
	"github.com/zimads/adsentinel/pkg/session"
	"github.com/zimads/adsentinel/pkg/storage"
	"github.com/zimads/adsentinel/pkg/thresholds"
	"github.com/zimads/adsentinel/pkg/tracing"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "adsentinel",
	Short: "adsentinel - Campaign alerts and notifications over WhatsApp",
	Long: `adsentinel watches advertising accounts and campaigns. It retires ad accounts
whose credentials keep failing, raises deduplicated alerts when campaign metrics
cross thresholds, delivers them over WhatsApp within the messaging session rules,
and sends scheduled performance reports.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.adsentinel/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *storage.Store
	pipeline *pipeline.Pipeline
	closers  []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// initStorage opens the configured database.
func initStorage(cfg *config.Config) (*storage.Store, error) {
	dsn := cfg.Storage.DSN
	if cfg.Storage.Driver == storage.DriverSQLite {
		dsn = cfg.Storage.Path
	}
	store, err := storage.Open(cfg.Storage.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	store.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
	return store, nil
}

// initChannels registers every configured messaging channel and returns the
// selected one.
func initChannels(cfg *config.Config) (messaging.Channel, error) {
	registry := messaging.NewRegistry()

	wa := cfg.Messaging.WhatsApp
	if wa.PhoneNumberID != "" && wa.AccessToken != "" {
		if err := registry.Register(messaging.NewWhatsApp(messaging.WhatsAppConfig{
			BaseURL:       wa.BaseURL,
			APIVersion:    wa.APIVersion,
			PhoneNumberID: wa.PhoneNumberID,
			AccessToken:   wa.AccessToken,
		})); err != nil {
			return nil, err
		}
	}

	tw := cfg.Messaging.Twilio
	if tw.AccountSID != "" && tw.AuthToken != "" {
		if err := registry.Register(messaging.NewTwilio(tw.AccountSID, tw.AuthToken, tw.From)); err != nil {
			return nil, err
		}
	}

	channel, err := registry.Get(cfg.Messaging.Provider)
	if err != nil {
		return nil, fmt.Errorf("messaging provider %q is not configured (available: %v)", cfg.Messaging.Provider, registry.List())
	}
	return channel, nil
}

// initOperator creates operator notifiers from config. It returns nil when
// none is enabled.
func initOperator(cfg *config.Config, a *app) operator.Notifier {
	var notifiers []operator.Notifier

	if cfg.Operator.Slack.Enabled && cfg.Operator.Slack.WebhookURL != "" {
		notifiers = append(notifiers, operator.NewSlackNotifier(
			cfg.Operator.Slack.WebhookURL,
			cfg.Operator.Slack.Channel,
		))
	}

	if cfg.Operator.Webhook.Enabled && cfg.Operator.Webhook.URL != "" {
		notifiers = append(notifiers, operator.NewWebhookNotifier(
			cfg.Operator.Webhook.URL,
			cfg.Operator.Webhook.Secret,
		))
	}

	if cfg.Operator.Kafka.Enabled && len(cfg.Operator.Kafka.Brokers) > 0 {
		k := operator.NewKafkaNotifier(cfg.Operator.Kafka.Brokers, cfg.Operator.Kafka.Topic)
		a.onClose(func(context.Context) error { return k.Close() })
		notifiers = append(notifiers, k)
	}

	if len(notifiers) == 0 {
		return nil
	}
	return operator.NewFanout(a.logger, notifiers...)
}

// initSessions returns the session store for the configured backend.
func initSessions(ctx context.Context, cfg *config.Config, a *app) (session.Store, error) {
	if cfg.Session.Backend != "redis" {
		return a.store, nil
	}
	client, err := session.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return client.Close() })
	return session.NewRedisStore(client), nil
}

// initGenerator returns the report generator, or nil when reports are off or
// no API key is set.
func initGenerator(cfg *config.Config, logger *slog.Logger) (report.Generator, error) {
	if !cfg.Reports.Enabled {
		return nil, nil
	}
	gc := cfg.Reports.Generator
	if gc.APIKey == "" {
		logger.Warn("reports disabled: no generator api key configured")
		return nil, nil
	}
	return report.NewChatGenerator(report.ChatConfig{
		Endpoint:        gc.Endpoint,
		Model:           gc.Model,
		APIKey:          gc.APIKey,
		MaxPromptTokens: gc.MaxPromptTokens,
	})
}

// initBase loads config and opens tracing and storage. Commands that only
// read or write records stop here.
func initBase(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg)}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(shutdownTracing)

	a.store, err = initStorage(cfg)
	if err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.store.Close() })
	return a, nil
}

// initApp wires storage, collaborators and the pipeline from config.
func initApp(ctx context.Context) (*app, error) {
	a, err := initBase(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) healthConfig() health.Config {
	hc := health.DefaultConfig()
	hc.Concurrency = a.cfg.Health.Concurrency
	hc.RevokeAfter = a.cfg.Health.RevokeAfter
	hc.UnknownWeight = a.cfg.Health.UnknownWeight
	hc.RunTimeout = a.cfg.Health.RunTimeout
	return hc
}

func (a *app) prober() health.Prober {
	return health.NewGraphProber(a.cfg.Health.GraphBaseURL, a.cfg.Health.GraphVersion)
}

func (a *app) sessionOptions() session.Options {
	return session.Options{
		Window:        a.cfg.Session.Window,
		DefaultRegion: a.cfg.Session.DefaultRegion,
	}
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	sessions, err := initSessions(ctx, cfg, a)
	if err != nil {
		return err
	}
	channel, err := initChannels(cfg)
	if err != nil {
		return err
	}
	generator, err := initGenerator(cfg, a.logger)
	if err != nil {
		return err
	}
	defaults, err := thresholds.LoadDefaults(cfg.Evaluator.ThresholdsFile)
	if err != nil {
		return err
	}

	dc := dispatch.DefaultConfig()
	dc.PerMinute = cfg.Dispatch.PerMinute
	dc.PerHour = cfg.Dispatch.PerHour
	dc.MaxAttempts = cfg.Dispatch.MaxAttempts
	dc.BackoffBase = cfg.Dispatch.BackoffBase
	dc.BackoffMax = cfg.Dispatch.BackoffMax
	dc.RateLimitDelay = cfg.Dispatch.RateLimitDelay
	dc.Concurrency = cfg.Dispatch.Concurrency

	// The dispatcher outlives a cancelled command context; close drains it.
	a.pipeline, err = pipeline.New(context.WithoutCancel(ctx), pipeline.Deps{
		Store:      a.store,
		Sessions:   sessions,
		Channel:    channel,
		Prober:     a.prober(),
		Operator:   initOperator(cfg, a),
		Generator:  generator,
		Thresholds: defaults,
	}, pipeline.Options{
		Health:         a.healthConfig(),
		HealthInterval: cfg.Health.Interval,
		Dispatch:       dc,
		Session:        a.sessionOptions(),
		Reports: report.Config{
			Location:    cfg.Location(),
			Concurrency: cfg.Reports.Concurrency,
			RunTimeout:  cfg.Reports.RunTimeout,
		},
		EvalInterval: cfg.Evaluator.Interval,
		Staleness:    cfg.Evaluator.Staleness,
	}, a.logger)
	if err != nil {
		return err
	}
	// Registered last so it runs first on close: drain messages before the
	// store and notifiers go away.
	a.onClose(a.pipeline.Shutdown)
	return nil
}

// closeApp releases a within a bounded time.
func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.close(ctx); err != nil {
		a.logger.Error("shutdown", "error", err)
	}
}
