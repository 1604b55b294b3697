package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"calsync/provider"
	"calsync/security"
	"calsync/store"
	"calsync/streams"
	"calsync/syncengine"
	"calsync/synclog"
	"calsync/taskqueue"
)

const VERSION = "0.1.0"

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
	Redis   string `json:"redis"`
	Vault   string `json:"vault"`
}

func main() {
	cfg, envErr := loadConfig()
	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()
	if envErr != nil {
		logger.Warn(".env file not found, using environment variables")
	}

	app := &cli.App{
		Name:    "calsync",
		Usage:   "Keep external Google and Microsoft calendars in sync.",
		Version: VERSION,
		Action: func(c *cli.Context) error {
			return serve(c.Context, cfg, logger)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP server, background loops and the optional queue worker.",
				Action: func(c *cli.Context) error {
					return serve(c.Context, cfg, logger)
				},
			},
			{
				Name:  "genkey",
				Usage: "Print a fresh CREDENTIAL_VAULT_KEY.",
				Action: func(c *cli.Context) error {
					key, err := security.GenerateKey()
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, key)
					return nil
				},
			},
			{
				Name:  "selftest",
				Usage: "Round-trip a value through the configured credential vault.",
				Action: func(c *cli.Context) error {
					vault, err := security.NewVault(cfg.VaultKey, logger)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					if err := vault.SelfTest(); err != nil {
						return cli.Exit(err.Error(), 1)
					}
					if vault.Insecure() {
						fmt.Fprintln(c.App.Writer, "vault ok (insecure fallback key)")
						return nil
					}
					fmt.Fprintln(c.App.Writer, "vault ok")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("calsync failed", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(level); perr == nil {
			zc.Level = lvl
		}
		logger, err = zc.Build()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func serve(parent context.Context, cfg *Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting calsync", zap.String("version", VERSION))

	redisClient, err := streams.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("connected to redis")

	vault, err := security.NewVault(cfg.VaultKey, logger)
	if err != nil {
		return err
	}
	if err := vault.SelfTest(); err != nil {
		return err
	}

	conns := store.NewConnectionStore(redisClient)
	events := store.NewSyncEventStore(redisClient)
	locker := store.NewLocker(redisClient)
	syncLog := synclog.New(redisClient)

	tokens := security.NewTokenManager(redisClient, vault, conns, locker, logger)
	if cfg.Google.configured() {
		tokens.ConfigureProvider(provider.Google,
			security.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL))
		logger.Info("google calendar OAuth configured")
	} else {
		logger.Info("google calendar OAuth credentials not provided; google connections disabled")
	}
	if cfg.Microsoft.configured() {
		tokens.ConfigureProvider(provider.Microsoft,
			security.MicrosoftConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.RedirectURL, cfg.MicrosoftTenant))
		logger.Info("microsoft calendar OAuth configured")
	} else {
		logger.Info("microsoft calendar OAuth credentials not provided; microsoft connections disabled")
	}

	registry := provider.NewRegistry(
		provider.NewGoogleAdapter(cfg.webhookURL(string(provider.Google)), cfg.WebhookSecret, logger),
		provider.NewMicrosoftAdapter(cfg.webhookURL(string(provider.Microsoft)), cfg.WebhookSecret, logger),
	)

	var appointments syncengine.Appointments
	if cfg.AppointmentsURL != "" {
		appointments = syncengine.NewCallbackAppointments(cfg.AppointmentsURL, &http.Client{Timeout: cfg.CallTimeout})
	}

	engine := syncengine.New(syncengine.Deps{
		Connections:  conns,
		Events:       events,
		Locker:       locker,
		Log:          syncLog,
		Tokens:       tokens,
		Registry:     registry,
		Appointments: appointments,
	}, syncengine.Options{
		CallTimeout:         cfg.CallTimeout,
		PassTimeout:         cfg.PassTimeout,
		RateLimitAttempts:   cfg.RateLimitAttempts,
		MaterializeExternal: cfg.MaterializeExternal,
	}, logger)

	trigger, shutdownQueue, err := buildTrigger(ctx, cfg, engine, logger)
	if err != nil {
		return err
	}
	defer shutdownQueue()

	NewSyncSweeper(conns, engine, cfg.SweepInterval, cfg.SweepConcurrency, cfg.SweepEnabled, logger).Start(ctx)
	NewWebhookRenewer(engine, cfg.RenewInterval, cfg.RenewThreshold, cfg.RenewEnabled, logger).Start(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler(redisClient, vault)).Methods("GET")
	NewCalendarWebhookHandler(conns, trigger, cfg.WebhookSecret, logger).RegisterRoutes(r)
	NewCalendarAuthHandler(tokens, engine, trigger, cfg.SettingsRedirect, logger).RegisterRoutes(r)
	registerConnectionRoutes(r, conns, engine, logger)
	registerSyncLogRoutes(r, syncLog, logger)

	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0:" + cfg.Port,
		WriteTimeout: 180 * time.Second,
		ReadTimeout:  180 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	if inline, ok := trigger.(*taskqueue.Inline); ok {
		inline.Wait()
	}
	logger.Info("server exited")
	return nil
}

// buildTrigger picks the in-process trigger or the asynq queue plus its worker.
func buildTrigger(ctx context.Context, cfg *Config, engine *syncengine.Engine, logger *zap.Logger) (taskqueue.Trigger, func(), error) {
	if cfg.Queue != "asynq" {
		return taskqueue.NewInline(ctx, engine, logger), func() {}, nil
	}

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL for queue: %w", err)
	}
	client := asynq.NewClient(opt)
	worker := taskqueue.NewServer(opt, cfg.QueueConcurrency, logger)
	if err := worker.Start(taskqueue.NewHandler(engine, logger).Mux()); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to start queue worker: %w", err)
	}
	logger.Info("sync queue worker started", zap.Int("concurrency", cfg.QueueConcurrency))
	return taskqueue.NewAsynqTrigger(client, "", logger), func() {
		worker.Shutdown()
		client.Close()
	}, nil
}

func healthHandler(client *redis.Client, vault *security.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{OK: true, Version: VERSION, Service: "calsync", Redis: "ok", Vault: "ok"}
		if err := client.Ping(r.Context()).Err(); err != nil {
			resp.OK = false
			resp.Redis = "unreachable"
		}
		if err := vault.SelfTest(); err != nil {
			resp.OK = false
			resp.Vault = "failed"
		} else if vault.Insecure() {
			resp.Vault = "insecure"
		}
		status := http.StatusOK
		if !resp.OK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
