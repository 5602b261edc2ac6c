// Command server runs the Message Orchestrator, Event Processor, and
// Task Processor as one process, wired together the way the teacher's
// control_plane/main.go constructs its scheduler/reconciler/API stack
// (itskum47-FluxForge), adapted from a single flat main() to a cobra
// root command so configuration and future subcommands (e.g. a
// one-shot migration runner) have a natural home.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sms-agents/orchestrator/config"
	"github.com/sms-agents/orchestrator/coordination"
	"github.com/sms-agents/orchestrator/eventproc"
	"github.com/sms-agents/orchestrator/httpapi"
	"github.com/sms-agents/orchestrator/idempotency"
	"github.com/sms-agents/orchestrator/orchestrator"
	"github.com/sms-agents/orchestrator/ratelimit"
	"github.com/sms-agents/orchestrator/renderer"
	"github.com/sms-agents/orchestrator/sms"
	"github.com/sms-agents/orchestrator/store"
	"github.com/sms-agents/orchestrator/taskproc"
)

var rootCmd = &cobra.Command{
	Use:   "sms-agents-server",
	Short: "Runs the SMS agent platform's Message Orchestrator, Event Processor, and Task Processor",
	RunE:  runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	var coord coordination.Coordinator = pg
	if cfg.Store.RedisAddr != "" {
		redisOverlay, err := store.NewRedisOverlay(cfg.Store.RedisAddr, "", cfg.Store.RedisDB)
		if err != nil {
			return err
		}
		defer redisOverlay.Close()
		coord = redisOverlay
		logger.Info().Str("addr", cfg.Store.RedisAddr).Msg("using Redis for coordination and idempotency")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, falling back to Postgres advisory locks (unsafe for multi-node HA)")
	}

	idemStore := idempotency.NewStore(redisBackendOrNil(coord), logger)

	var provider sms.Provider
	if cfg.Provider.APIKey != "" {
		provider = sms.NewTwilioProvider(cfg.Provider.AccountSID, cfg.Provider.APIKey)
	} else {
		provider = sms.NewLoggingProvider(logger)
		logger.Warn().Msg("SMS_API_KEY not set, using logging SMS provider (messages are not actually sent)")
	}
	dispatcher := sms.NewDispatcher(provider, pg, cfg.Provider.FromE164, logger)

	limiter := ratelimit.NewTokenBucketLimiter(5, 10)
	defaultRenderer := &renderer.DefaultRenderer{}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.PollInterval = cfg.Orchestrator.PollInterval
	orchCfg.BatchSize = cfg.Orchestrator.BatchSize
	orchCfg.DefaultDailyLimit = cfg.Orchestrator.DefaultDailyLimit
	orchCfg.DefaultHourlyLimit = cfg.Orchestrator.DefaultHourlyLimit
	orchCfg.QuietHoursStart = cfg.Orchestrator.QuietHoursStart
	orchCfg.QuietHoursEnd = cfg.Orchestrator.QuietHoursEnd
	orchCfg.ActiveWindowMinutes = cfg.Orchestrator.ActiveWindowMinutes

	orch := orchestrator.New(pg, coord, limiter, defaultRenderer, nil, nil, dispatcher, idemStore, orchCfg, logger)

	eventCfg := eventproc.Config{
		PollInterval: cfg.EventProc.PollInterval,
		BatchSize:    cfg.EventProc.BatchSize,
		MaxRetries:   cfg.EventProc.MaxRetries,
	}
	events := eventproc.New(pg, eventCfg, logger)
	registerEventHandlers(events, orch)

	taskCfg := taskproc.Config{
		PollInterval: cfg.TaskProc.PollInterval,
		BatchSize:    cfg.TaskProc.BatchSize,
		MaxRetries:   cfg.TaskProc.MaxRetries,
	}
	tasks := taskproc.New(pg, taskCfg, logger)
	registerTaskHandlers(tasks, orch)

	api := httpapi.New(events, tasks, orch, logger)
	orch.OnDecision(func(gate, outcome, queuedMessageID, userID string) {
		api.Hub().Broadcast(httpapi.Decision{
			Timestamp:       time.Now().UTC(),
			QueuedMessageID: queuedMessageID,
			UserID:          userID,
			Gate:            gate,
			Outcome:         outcome,
		})
	})

	if err := orch.Start(ctx); err != nil {
		return err
	}

	nodeID := coordination.NewNodeID("event-processor")
	elector := coordination.NewLeaderElector(coord, nodeID, "event_processor", 30*time.Second, logger)
	elector.SetCallbacks(
		func(ctx context.Context) {
			logger.Info().Msg("acquired event processor leadership, starting poll loop")
			if err := events.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to start event processor")
			}
		},
		func() {
			logger.Warn().Msg("lost event processor leadership, stopping poll loop")
			events.Stop()
		},
	)
	elector.Start(ctx)

	if err := tasks.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Mux()}
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	orch.Stop()
	events.Stop()
	tasks.Stop()
	elector.Stop()
	return nil
}

func redisBackendOrNil(coord coordination.Coordinator) idempotency.Backend {
	if backend, ok := coord.(idempotency.Backend); ok {
		return backend
	}
	return nil
}

