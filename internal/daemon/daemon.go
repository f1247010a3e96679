// Package daemon wires the Pivot runtime together: conversation state,
// transcripts, the turn queue, the agent runner with its reconciler,
// and the gateway control channel.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dimas/pivot/internal/config"
	"github.com/dimas/pivot/internal/logger"
	"github.com/dimas/pivot/internal/observability"
	"github.com/dimas/pivot/internal/tracing"
	"github.com/dimas/pivot/pkg/agent"
	"github.com/dimas/pivot/pkg/conftools"
	"github.com/dimas/pivot/pkg/convstate"
	"github.com/dimas/pivot/pkg/gateway"
	"github.com/dimas/pivot/pkg/transcript"
	"github.com/dimas/pivot/pkg/turnqueue"
)

// Daemon is the Pivot daemon service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	states      *convstate.Store
	transcripts *transcript.Store
	queue       *turnqueue.Queue
	reconciler  *agent.Reconciler
	tools       *conftools.Registry
	runner      *agent.Runner
	sweeper     *convstate.Sweeper

	// Services
	gatewayServer *gateway.Server

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon's runtime state.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a daemon instance.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("pivot-daemon"); err != nil {
		zlog := log.GetZerolog()
		zlog.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the runtime in dependency order.
func (d *Daemon) initializeCoreModules() error {
	zlog := d.logger.GetZerolog()

	states, err := convstate.NewStore(convstate.Defaults{
		Model:    d.config.Defaults.Model,
		Provider: d.config.Defaults.Provider,
	}, zlog)
	if err != nil {
		return fmt.Errorf("failed to create conversation state store: %w", err)
	}
	d.states = states
	zlog.Info().Str("model", d.config.Defaults.Model).Msg("Conversation state store initialized")

	transcripts, err := transcript.New(filepath.Join(d.config.DataDir, "transcripts"))
	if err != nil {
		return fmt.Errorf("failed to create transcript store: %w", err)
	}
	d.transcripts = transcripts
	zlog.Info().Msg("Transcript store initialized")

	d.queue = turnqueue.New(zlog)
	zlog.Info().Msg("Turn queue initialized")

	tools, err := conftools.NewRegistry(states, zlog)
	if err != nil {
		return fmt.Errorf("failed to create configuration tool registry: %w", err)
	}
	d.tools = tools
	zlog.Info().Msg("Configuration tools registered")

	reconciler, err := agent.NewReconciler(
		states,
		&agent.ProviderFactory{},
		d.credentialResolver(),
		d.config.Defaults.BasePrompt,
		zlog,
	)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	d.reconciler = reconciler
	zlog.Info().Msg("Reconciler initialized")

	runner, err := agent.NewRunner(agent.RunnerConfig{
		States:      states,
		Transcripts: transcripts,
		Queue:       d.queue,
		Reconciler:  reconciler,
		Tools:       tools,
		Logger:      zlog,
		MaxTokens:   d.config.Defaults.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner
	zlog.Info().Msg("Agent runner initialized")

	d.sweeper = convstate.NewSweeper(states, d.config.Conversations.IdleTTL, d.conversationBusy, zlog)
	// Evicted state must take its live provider binding with it, or the
	// reconciler leaks one constructed client per swept conversation.
	d.sweeper.OnEvict(reconciler.Remove)

	return nil
}

// initializeServices initializes the gateway.
func (d *Daemon) initializeServices() error {
	zlog := d.logger.GetZerolog()

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		TickInterval: d.config.Gateway.TickInterval,
		Runner:       d.runner,
		States:       d.states,
		Transcripts:  d.transcripts,
		Logger:       zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer
	zlog.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")

	return nil
}

// conversationBusy guards the sweeper. Queue.Active covers turns that
// are enqueued but not yet running, which IsRunning alone would miss.
func (d *Daemon) conversationBusy(conversationID string) bool {
	return d.queue.Active(conversationID) || d.runner.IsRunning(conversationID)
}

// credentialResolver resolves provider API keys from configuration,
// falling back to the configured environment variable.
func (d *Daemon) credentialResolver() agent.CredentialResolver {
	return func(provider string) (agent.Credential, error) {
		providerCfg, exists := d.config.Providers[provider]
		if !exists {
			return agent.Credential{}, fmt.Errorf("no credentials configured for provider %q", provider)
		}

		if providerCfg.APIKey != "" {
			return agent.Credential{APIKey: providerCfg.APIKey}, nil
		}
		if providerCfg.APIKeyEnv != "" {
			if key := os.Getenv(providerCfg.APIKeyEnv); key != "" {
				return agent.Credential{APIKey: key}, nil
			}
			return agent.Credential{}, fmt.Errorf("environment variable %s is not set for provider %q", providerCfg.APIKeyEnv, provider)
		}

		return agent.Credential{}, fmt.Errorf("provider %q has neither api_key nor api_key_env configured", provider)
	}
}

// Start starts the daemon service.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	zlog := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	zlog.Info().Msg("Starting Pivot daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	zlog.Info().Msg("Gateway server started")

	if err := d.sweeper.Start(d.config.Conversations.SweepSchedule); err != nil {
		return fmt.Errorf("failed to start conversation sweeper: %w", err)
	}

	zlog.Info().Msg("Daemon started successfully")

	return nil
}

// Stop stops the daemon service gracefully.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	zlog := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	zlog.Info().Msg("Stopping Pivot daemon")

	d.sweeper.Stop()

	if err := d.gatewayServer.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Failed to stop gateway server")
	}

	// Drain in-flight turns before tearing down stores.
	d.queue.Close()
	zlog.Info().Msg("Turn queue drained")

	d.cancel()

	if err := d.transcripts.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close transcript store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	zlog.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until an interrupt or termination signal, then stops the
// daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog := d.logger.GetZerolog()
	zlog.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRunner returns the agent runner.
func (d *Daemon) GetRunner() *agent.Runner {
	return d.runner
}

// GetStateStore returns the conversation state store.
func (d *Daemon) GetStateStore() *convstate.Store {
	return d.states
}

// GetGatewayServer returns the gateway server.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
