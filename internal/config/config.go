// Package config provides configuration types and defaults for concierge.
//
// Both processes read a shared env file overlaid by a component-specific env
// file (orchestrator.env / worker.env), with CONCIERGE_* environment
// variables taking precedence over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration options for concierge.
type Config struct {
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Messaging    MessagingConfig    `mapstructure:"messaging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	LogLevel     string             `mapstructure:"log_level"`
}

// UpstreamConfig holds coordinator RPC and push channel settings.
type UpstreamConfig struct {
	// BaseURL is the coordinator API root, e.g. https://coordinator.example.
	BaseURL string `mapstructure:"base_url"`
	// HMACSecret is the shared symmetric secret for request signing.
	HMACSecret string `mapstructure:"hmac_secret"`
	// PushURL is the websocket endpoint for the one-way push channel.
	PushURL string `mapstructure:"push_url"`
	// RequestTimeout bounds each RPC call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OrchestratorConfig holds settings for the orchestrator process.
type OrchestratorConfig struct {
	// ListenAddr is the callback/admin HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`
	// WorkerURL is the base URL of the automation worker server.
	WorkerURL string `mapstructure:"worker_url"`
	// DBPath is the local sqlite store.
	DBPath string `mapstructure:"db_path"`
	// MaxConcurrentJobs caps in-flight worker dispatches (N_worker).
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	// PriceSats is the invoice amount on success.
	PriceSats int64 `mapstructure:"price_sats"`
	// OTPTimeout bounds AWAITING_OTP / AWAITING_CREDENTIAL waits.
	OTPTimeout time.Duration `mapstructure:"otp_timeout"`
	// PaymentTimeout bounds INVOICE_SENT waits.
	PaymentTimeout time.Duration `mapstructure:"payment_timeout"`
	// OutreachInterval spaces follow-up outreach DMs.
	OutreachInterval time.Duration `mapstructure:"outreach_interval"`
	// PollInterval drives the pending-jobs poll and claim tick.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ReconcileInterval drives terminal-status reconciliation.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// RetentionWindow bounds how long terminal jobs stay in local storage.
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	// OperatorNpub identifies the operator for failure notifications.
	OperatorNpub string `mapstructure:"operator_npub"`
	// CredentialKey is the hex-encoded 32-byte key unsealing credential
	// bundles fetched from the coordinator.
	CredentialKey string `mapstructure:"credential_key"`
}

// WorkerConfig holds settings for the automation worker process.
type WorkerConfig struct {
	// ListenAddr is the worker control-plane HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`
	// OrchestratorURL is the base URL for result/challenge callbacks.
	OrchestratorURL string `mapstructure:"orchestrator_url"`
	// MaxSlots caps concurrent browser sessions.
	MaxSlots int `mapstructure:"max_slots"`
	// VisionURL is the vision-language model endpoint.
	VisionURL string `mapstructure:"vision_url"`
	// ProfileDir is the parent directory for disposable browser profiles.
	ProfileDir string `mapstructure:"profile_dir"`
	// ChallengeTimeout bounds blocking OTP/credential callback waits.
	ChallengeTimeout time.Duration `mapstructure:"challenge_timeout"`
	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// MaxIterations is the hard upper bound on driver loop iterations.
	MaxIterations int `mapstructure:"max_iterations"`
	// SettleDelay is the per-iteration pause before the next screenshot.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// MessagingConfig holds encrypted messaging transport settings.
type MessagingConfig struct {
	// Relays are the transport relay URLs.
	Relays []string `mapstructure:"relays"`
	// IdentityKey is the orchestrator's transport identity key material.
	IdentityKey string `mapstructure:"identity_key"`
}

// TracingConfig mirrors internal/tracing.Config for viper binding.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		LogLevel: "debug",
		Upstream: UpstreamConfig{
			RequestTimeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			ListenAddr:        "127.0.0.1:8710",
			DBPath:            "concierge.db",
			MaxConcurrentJobs: 2,
			PriceSats:         3000,
			OTPTimeout:        15 * time.Minute,
			PaymentTimeout:    24 * time.Hour,
			OutreachInterval:  24 * time.Hour,
			PollInterval:      15 * time.Second,
			ReconcileInterval: 60 * time.Second,
			RetentionWindow:   30 * 24 * time.Hour,
		},
		Worker: WorkerConfig{
			ListenAddr:       "127.0.0.1:8720",
			MaxSlots:         2,
			ChallengeTimeout: 15 * time.Minute,
			DrainTimeout:     30 * time.Second,
			MaxIterations:    60,
			SettleDelay:      2 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    "file",
			SampleRate:  1.0,
			ServiceName: "concierge",
		},
	}
}

// SetViperDefaults registers defaults on the given viper instance so that
// partial env files still produce a complete Config.
func SetViperDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("upstream.request_timeout", d.Upstream.RequestTimeout)
	v.SetDefault("orchestrator.listen_addr", d.Orchestrator.ListenAddr)
	v.SetDefault("orchestrator.db_path", d.Orchestrator.DBPath)
	v.SetDefault("orchestrator.max_concurrent_jobs", d.Orchestrator.MaxConcurrentJobs)
	v.SetDefault("orchestrator.price_sats", d.Orchestrator.PriceSats)
	v.SetDefault("orchestrator.otp_timeout", d.Orchestrator.OTPTimeout)
	v.SetDefault("orchestrator.payment_timeout", d.Orchestrator.PaymentTimeout)
	v.SetDefault("orchestrator.outreach_interval", d.Orchestrator.OutreachInterval)
	v.SetDefault("orchestrator.poll_interval", d.Orchestrator.PollInterval)
	v.SetDefault("orchestrator.reconcile_interval", d.Orchestrator.ReconcileInterval)
	v.SetDefault("orchestrator.retention_window", d.Orchestrator.RetentionWindow)
	v.SetDefault("worker.listen_addr", d.Worker.ListenAddr)
	v.SetDefault("worker.max_slots", d.Worker.MaxSlots)
	v.SetDefault("worker.challenge_timeout", d.Worker.ChallengeTimeout)
	v.SetDefault("worker.drain_timeout", d.Worker.DrainTimeout)
	v.SetDefault("worker.max_iterations", d.Worker.MaxIterations)
	v.SetDefault("worker.settle_delay", d.Worker.SettleDelay)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Load reads the shared env file, overlays the component env file when
// present, applies CONCIERGE_* environment variables, and unmarshals into a
// Config. Missing files are not errors; defaults fill the gaps.
func Load(sharedPath, componentPath string) (Config, *viper.Viper, error) {
	v := viper.New()
	SetViperDefaults(v)

	v.SetEnvPrefix("CONCIERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if sharedPath != "" {
		v.SetConfigFile(sharedPath)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !ignorableConfigErr(err) {
			return Config{}, nil, fmt.Errorf("reading shared config %s: %w", sharedPath, err)
		}
	}

	if componentPath != "" {
		v.SetConfigFile(componentPath)
		v.SetConfigType("env")
		if err := v.MergeInConfig(); err != nil && !ignorableConfigErr(err) {
			return Config{}, nil, fmt.Errorf("reading component config %s: %w", componentPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, v, nil
}

// Validate checks the invariants a running process depends on.
func (c Config) Validate() error {
	if c.Orchestrator.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be >= 1, got %d", c.Orchestrator.MaxConcurrentJobs)
	}
	if c.Worker.MaxSlots < 1 {
		return fmt.Errorf("worker max_slots must be >= 1, got %d", c.Worker.MaxSlots)
	}
	if c.Orchestrator.OTPTimeout <= 0 {
		return fmt.Errorf("otp_timeout must be positive")
	}
	if c.Orchestrator.PaymentTimeout <= 0 {
		return fmt.Errorf("payment_timeout must be positive")
	}
	return nil
}

// ignorableConfigErr reports whether a config read failure means the file is
// simply absent, which is fine: defaults and env vars still apply.
func ignorableConfigErr(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return os.IsNotExist(err) || errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)
}
