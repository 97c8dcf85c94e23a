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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ledgerchat/internal/api"
	"ledgerchat/internal/artifact"
	"ledgerchat/internal/auth"
	"ledgerchat/internal/config"
	"ledgerchat/internal/digitize"
	"ledgerchat/internal/events"
	"ledgerchat/internal/logging"
	"ledgerchat/internal/pending"
	"ledgerchat/internal/query"
	"ledgerchat/internal/redis"
	"ledgerchat/internal/service/ai"
	"ledgerchat/internal/service/conversation"
	"ledgerchat/internal/service/ledger"
	"ledgerchat/internal/storage"
	"ledgerchat/internal/transport"
	"ledgerchat/internal/worker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ledgerchat",
	Short:         "Digitize photographed ledger pages over WhatsApp and answer questions about them",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and dashboard API server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := storage.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := storage.Migrate(cmd.Context(), db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		log.Info().Str("dialect", string(db.Dialect)).Msg("schema up to date")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale pending pages and purge expired dashboard tokens once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := storage.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		expired, err := pending.NewStore(db, cfg.Conversation.PendingTTL()).ExpireStale(ctx)
		if err != nil {
			return fmt.Errorf("expire pending pages: %w", err)
		}
		purged, err := auth.NewService(db, nil, dashboardTTL(cfg)).PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("purge dashboard tokens: %w", err)
		}
		log.Info().Int64("expired_pages", expired).Int64("purged_tokens", purged).Msg("sweep finished")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LEDGERCHAT_CONFIG"), "path to config.json")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("ledgerchat failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init("ledgerchat", cfg.BasicConfig.Environment)
	return cfg, nil
}

func dashboardTTL(cfg *config.Config) time.Duration {
	return time.Duration(cfg.BasicConfig.DashboardTokenTTL) * time.Hour
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.BasicConfig.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.RedisEnabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, running without dedupe, cache or pub/sub")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	vision, err := ai.NewVisionClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init vision model: %w", err)
	}
	text, err := ai.NewTextClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init text model: %w", err)
	}

	artifacts, err := artifact.New(ctx, cfg.Artifacts, cfg.BasicConfig.PublicURL)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}
	var mediaDir string
	if artifacts != nil {
		defer artifacts.Close()
		if local, ok := artifacts.(*artifact.LocalStore); ok {
			mediaDir = local.Dir()
		}
	}

	ledgerService := ledger.NewService(db)
	pendingStore := pending.NewStore(db, cfg.Conversation.PendingTTL())
	authService := auth.NewService(db, rdb, dashboardTTL(cfg))
	bus := events.NewBus(rdb)
	if err := bus.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("ledger events limited to this instance")
	}

	gateway := query.NewGateway(ledgerService,
		query.NewGenerator(text, db.Dialect),
		query.NewExecutor(db, cfg.Conversation.MaxRows),
		query.NewFormatter(text, cfg.Conversation.ReplyCharLimit),
		cfg.Conversation.HistoryWindow)

	sender := transport.NewSender(cfg.Twilio)
	orchestrator := conversation.NewOrchestrator(conversation.Deps{
		Ledger:      ledgerService,
		Pending:     pendingStore,
		Media:       transport.NewTwilioMedia(cfg.Twilio),
		Digitizer:   digitize.NewDigitizer(vision),
		Assessor:    digitize.NewAssessor(text),
		Categorizer: digitize.NewCategorizer(text),
		Queries:     gateway,
		Artifacts:   artifacts,
		Tokens:      authService,
		Events:      bus,
		Notifier:    sender,
	}, cfg.BasicConfig.PublicURL)

	var dispatcher *worker.Dispatcher
	var jobs api.JobSubmitter
	if cfg.BasicConfig.AsyncTurns {
		dispatcher = worker.NewDispatcher(worker.Options{
			MinWorkers:  cfg.BasicConfig.MinWorkers,
			MaxWorkers:  cfg.BasicConfig.MaxWorkers,
			QueueSize:   cfg.BasicConfig.QueueSize,
			IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		})
		jobs = dispatcher
	}

	if interval := time.Duration(cfg.BasicConfig.SweepInterval) * time.Minute; interval > 0 {
		pendingStore.StartSweeper(ctx, interval)
	}

	handler := api.NewHandler(api.Deps{
		Turns:   orchestrator,
		Ledger:  ledgerService,
		Queries: gateway,
		Auth:    authService,
		Events:  bus,
		Cache:   rdb,
		Jobs:    jobs,
	}, api.Options{
		PublicURL:         cfg.BasicConfig.PublicURL,
		TwilioAuthToken:   cfg.Twilio.AuthToken,
		ValidateSignature: cfg.Twilio.ValidateSignature,
		DedupeTTL:         cfg.Conversation.DedupeTTL(),
		MediaDir:          mediaDir,
	})
	go handler.WatchEvents(ctx)

	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware())
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("async_turns", jobs != nil).Msg("ledgerchat listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Info().Msg("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if dispatcher != nil {
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("dispatcher did not drain in time")
		}
	}
	return nil
}
