package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quillworks/quill-jobs/config"
	"github.com/quillworks/quill-jobs/internal/core"
	"github.com/quillworks/quill-jobs/internal/data"
	"github.com/quillworks/quill-jobs/internal/domain/model"
	"github.com/quillworks/quill-jobs/internal/observability/notify/pagerduty"
	"github.com/quillworks/quill-jobs/internal/observability/notify/slack"
	"github.com/quillworks/quill-jobs/internal/observability/statsd"
	"github.com/quillworks/quill-jobs/internal/pool"
	"github.com/quillworks/quill-jobs/internal/provider"
	"github.com/quillworks/quill-jobs/internal/queue"
	"github.com/quillworks/quill-jobs/internal/service"
	"github.com/quillworks/quill-jobs/internal/service/failurenotifier"
)

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Store         core.JobStore
	Queue         *queue.PriorityQueue
	Pool          *pool.RequestPool
	Lifecycle     *service.LifecycleService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// NewServices builds the service container from its infrastructure dependencies.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observability := buildObservability(logger, deps.Config.Observability)

	store := buildStore(deps, logger)

	var index queue.Index
	if deps.Config.Queue.MirrorEnabled && deps.RedisClient != nil {
		index = queue.NewRedisIndex(deps.RedisClient)
	}
	q := queue.New(queue.Options{
		Logger: logger,
		Index:  index,
	})

	p := pool.New(pool.Options{Logger: logger})

	lifecycle, err := service.NewLifecycleService(service.LifecycleServiceOptions{
		Store:           store,
		Queue:           q,
		Pool:            p,
		Logger:          logger,
		Metrics:         metricsSink(observability.MetricsSink),
		FailureNotifier: observability.FailureNotifier,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create lifecycle service: %w", err)
	}

	return ServiceContainer{
		Store:         store,
		Queue:         q,
		Pool:          p,
		Lifecycle:     lifecycle,
		Observability: observability,
	}, nil
}

// metricsSink converts a possibly-nil concrete client into a nil interface,
// so downstream nil checks behave.
//
//nolint:ireturn // statsd.Sink is the boundary type services accept.
func metricsSink(client *statsd.Client) statsd.Sink {
	if client == nil {
		return nil
	}
	return client
}

// buildStore picks the persistence backend. Development mode without a
// database runs on the in-memory store.
//
//nolint:ireturn // core.JobStore is the boundary type services accept.
func buildStore(deps *ServiceDeps, logger *slog.Logger) core.JobStore {
	if deps.DB != nil {
		return data.NewJobStore(deps.DB, data.StoreConfig{Logger: logger})
	}
	logger.Warn("no database configured, using in-memory job store")
	return data.NewMemoryStore(nil)
}

func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var sink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "quilljobs",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			sink = client
		}
	}

	failureNotifier := buildFailureNotifier(obsLogger, cfg.Notifications)

	return ObservabilityContainer{
		MetricsSink:     sink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: failureNotifier,
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

// BuildProviderClients constructs one provider client per configured API key.
func BuildProviderClients(cfg config.ProviderConfig) (map[model.APIType]provider.Client, error) {
	clients := make(map[model.APIType]provider.Client)

	if cfg.AnthropicAPIKey != "" {
		client, err := provider.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("create anthropic client: %w", err)
		}
		clients[model.APITypeAnthropic] = client
	}

	if cfg.OpenAIAPIKey != "" {
		client, err := provider.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		clients[model.APITypeOpenAI] = client
	}

	if len(clients) == 0 {
		return nil, errors.New("no provider API keys configured")
	}
	return clients, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started",
		"service", descriptor.name,
		"mode", descriptor.mode,
	)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
				return nil
			}
			cfg := deps.cfg.Config

			clients, err := BuildProviderClients(cfg.Providers)
			if err != nil {
				return fmt.Errorf("build provider clients: %w", err)
			}

			if cfg.Queue.RestoreOnStart {
				if restored, restoreErr := deps.cfg.Services.Queue.Restore(ctx); restoreErr != nil {
					deps.logger.WarnContext(ctx, "queue restore failed", "error", restoreErr)
				} else if restored > 0 {
					deps.logger.InfoContext(ctx, "restored queue entries", "count", restored)
				}
			}

			worker, err := service.NewWorker(service.WorkerOptions{
				Lifecycle:      deps.cfg.Services.Lifecycle,
				Queue:          deps.cfg.Services.Queue,
				Pool:           deps.cfg.Services.Pool,
				Clients:        clients,
				Logger:         deps.logger,
				Concurrency:    cfg.Worker.Concurrency,
				RequestTimeout: cfg.Worker.RequestTimeout,
				MaxTokens:      cfg.Providers.DefaultMaxTokens,
			})
			if err != nil {
				return fmt.Errorf("create worker: %w", err)
			}
			return worker.Run(ctx)
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
				return nil
			}
			reaper, err := service.NewReaperService(service.ReaperServiceOptions{
				Store:   deps.cfg.Services.Store,
				Config:  deps.cfg.Config.Reaper,
				Pool:    deps.cfg.Services.Pool,
				Logger:  deps.logger,
				Metrics: metricsSink(deps.cfg.Services.Observability.MetricsSink),
			})
			if err != nil {
				return fmt.Errorf("create reaper: %w", err)
			}
			return reaper.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(enabledServices)+1)

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: handles,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
