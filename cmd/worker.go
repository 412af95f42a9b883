package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/concierge/internal/signing"
	"github.com/zjrosen/concierge/internal/tracing"
	"github.com/zjrosen/concierge/internal/worker"
	"github.com/zjrosen/concierge/internal/worker/driver"
	"github.com/zjrosen/concierge/internal/worker/gui"
	"github.com/zjrosen/concierge/internal/worker/vision"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the automation worker",
	Long: `Run the automation worker: accepts dispatched jobs from the
orchestrator and drives browser automations through the vision model,
relaying interactive challenges back as callbacks.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig("worker")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Worker.OrchestratorURL == "" {
		return fmt.Errorf("worker.orchestrator_url is required")
	}
	if cfg.Worker.VisionURL == "" {
		return fmt.Errorf("worker.vision_url is required")
	}

	cleanup, err := initLogging(cfg, "worker")
	if err != nil {
		return err
	}
	defer cleanup()

	serviceName := cfg.Tracing.ServiceName
	if serviceName == "" || serviceName == "concierge" {
		serviceName = "concierge-worker"
	}
	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  serviceName,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	controller := gui.NewController(&gui.XDoDevice{})
	screen := &gui.X11Screen{TmpDir: cfg.Worker.ProfileDir}
	visionClient := vision.NewHTTPClient(cfg.Worker.VisionURL, cfg.Upstream.RequestTimeout)

	runner := worker.NewDriverRunner(controller, screen, visionClient, driver.Config{
		MaxIterations:    cfg.Worker.MaxIterations,
		SettleDelay:      cfg.Worker.SettleDelay,
		ChallengeTimeout: cfg.Worker.ChallengeTimeout,
	})
	notifier := worker.NewCallbackClient(cfg.Worker.OrchestratorURL, cfg.Upstream.HMACSecret, cfg.Upstream.RequestTimeout)

	handler := worker.NewHandler(runner, notifier, signing.NewVerifier(cfg.Upstream.HMACSecret), worker.Config{
		MaxSlots:         cfg.Worker.MaxSlots,
		ChallengeTimeout: cfg.Worker.ChallengeTimeout,
		DrainTimeout:     cfg.Worker.DrainTimeout,
		Version:          version,
	})

	srv, err := worker.NewServer(cfg.Worker.ListenAddr, handler)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("Worker started on port %d\n", srv.Port())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Stop refuses new work and drains running jobs up to the configured
	// timeout before aborting stragglers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	_ = tracer.Shutdown(context.Background())
	return nil
}
