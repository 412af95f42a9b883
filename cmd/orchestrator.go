package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/concierge/internal/config"
	"github.com/zjrosen/concierge/internal/credentials"
	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/messaging"
	"github.com/zjrosen/concierge/internal/orchestrator/lifecycle"
	"github.com/zjrosen/concierge/internal/orchestrator/server"
	"github.com/zjrosen/concierge/internal/orchestrator/session"
	"github.com/zjrosen/concierge/internal/orchestrator/timerqueue"
	"github.com/zjrosen/concierge/internal/orchestrator/workerclient"
	"github.com/zjrosen/concierge/internal/signing"
	"github.com/zjrosen/concierge/internal/tracing"
	"github.com/zjrosen/concierge/internal/upstream"
	"github.com/zjrosen/concierge/internal/watcher"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator: polls the coordinator for jobs, drives outreach
and consent over the messaging transport, dispatches automations to the
worker, and settles billing on completion.`,
	RunE: runOrchestrator,
}

func init() {
	rootCmd.AddCommand(orchestratorCmd)
}

func runOrchestrator(_ *cobra.Command, _ []string) error {
	cfg, componentPath, err := loadConfig("orchestrator")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := initLogging(cfg, "orchestrator")
	if err != nil {
		return err
	}
	defer cleanup()

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := sqlite.NewDB(cfg.Orchestrator.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	catalog, err := messaging.LoadCatalog()
	if err != nil {
		return fmt.Errorf("loading message catalog: %w", err)
	}

	unsealer, err := credentials.NewUnsealer(cfg.Orchestrator.CredentialKey)
	if err != nil {
		return fmt.Errorf("loading credential key: %w", err)
	}

	transport := messaging.NewRelayTransport(cfg.Messaging.Relays, cfg.Messaging.IdentityKey)
	sender := messaging.NewDMSender(transport, db.Messages(), cfg.Orchestrator.OperatorNpub)

	coordinator := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.HMACSecret, cfg.Upstream.RequestTimeout)
	workerGateway := workerclient.New(cfg.Orchestrator.WorkerURL, cfg.Upstream.HMACSecret, cfg.Upstream.RequestTimeout)

	gate := lifecycle.NewGate(workerGateway, db.Jobs(), cfg.Orchestrator.MaxConcurrentJobs)

	sessions := session.NewManager(db, coordinator, workerGateway, gate, unsealer, sender, catalog, nil,
		session.Config{
			OTPTimeout:       cfg.Orchestrator.OTPTimeout,
			PaymentTimeout:   cfg.Orchestrator.PaymentTimeout,
			OutreachInterval: cfg.Orchestrator.OutreachInterval,
			PriceSats:        cfg.Orchestrator.PriceSats,
		})
	transport.OnInbound(sessions.HandleInbound)

	jobs := lifecycle.NewManager(db, coordinator, sessions, gate, sender, catalog, nil,
		lifecycle.Config{
			PollInterval:      cfg.Orchestrator.PollInterval,
			ReconcileInterval: cfg.Orchestrator.ReconcileInterval,
			OutreachInterval:  cfg.Orchestrator.OutreachInterval,
			RetentionWindow:   cfg.Orchestrator.RetentionWindow,
		})

	timers := timerqueue.NewRunner(db.Timers(), nil, 0)
	timers.Register(domain.TimerOutreach, jobs.HandleOutreachTimer)
	timers.Register(domain.TimerLastChance, jobs.HandleLastChanceTimer)
	timers.Register(domain.TimerImpliedSkip, jobs.HandleImpliedSkipTimer)
	timers.Register(domain.TimerOTPTimeout, func(ctx context.Context, t *domain.Timer) {
		sessions.HandleOTPTimeout(ctx, t.TargetID)
	})
	timers.Register(domain.TimerPaymentExpiry, func(ctx context.Context, t *domain.Timer) {
		sessions.HandlePaymentExpired(ctx, t.TargetID)
	})

	srv, err := server.NewServer(cfg.Orchestrator.ListenAddr,
		server.NewHandler(sessions, gate, signing.NewVerifier(cfg.Upstream.HMACSecret)))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Run(ctx) })
	g.Go(func() error { return timers.Run(ctx) })
	g.Go(func() error { return transport.Run(ctx) })
	if cfg.Upstream.PushURL != "" {
		push := upstream.NewPushListener(cfg.Upstream.PushURL, func(ctx context.Context, event upstream.PushEvent) {
			switch event.Type {
			case upstream.PushJobPaymentReceived:
				sessions.HandlePaymentReceived(ctx, event.Data.JobID)
			case upstream.PushJobPaymentExpired:
				sessions.HandlePaymentExpired(ctx, event.Data.JobID)
			default:
				log.Debug(log.CatUpstream, "Ignoring push event", "type", event.Type)
			}
		})
		g.Go(func() error { return push.Run(ctx) })
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	// Config hot-reload: re-read on change and apply the log level. Address
	// and topology changes still need a restart.
	g.Go(func() error { return watchConfig(ctx, componentPath) })

	fmt.Printf("Orchestrator started on port %d\n", srv.Port())

	err = g.Wait()
	_ = tracer.Shutdown(context.Background())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// watchConfig re-applies the log level when a config file changes.
func watchConfig(ctx context.Context, componentPath string) error {
	w, err := watcher.New(watcher.DefaultConfig(cfgShared, componentPath))
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	changes, err := w.Start()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			cfg, _, err := config.Load(cfgShared, componentPath)
			if err != nil {
				log.ErrorErr(log.CatConfig, "Config reload failed", err)
				continue
			}
			log.SetMinLevel(log.ParseLevel(cfg.LogLevel))
			log.Info(log.CatConfig, "Config reloaded", "logLevel", cfg.LogLevel)
		}
	}
}
