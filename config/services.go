package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the job execution worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains job worker service configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs executed in parallel.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// RequestTimeout bounds a single provider call.
	RequestTimeout time.Duration `env:"WORKER_REQUEST_TIMEOUT" envDefault:"5m"`

	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	DrainTimeout time.Duration `env:"WORKER_DRAIN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.RequestTimeout <= 0 {
		w.RequestTimeout = 5 * time.Minute
	}
	if w.DrainTimeout <= 0 {
		w.DrainTimeout = 30 * time.Second
	}
}

// QueueConfig contains priority queue configuration.
type QueueConfig struct {
	// RestoreOnStart controls whether queued entries are restored from the
	// Redis index when the process starts.
	RestoreOnStart bool `env:"QUEUE_RESTORE_ON_START" envDefault:"true"`

	// MirrorEnabled controls whether queue mutations are mirrored to Redis.
	MirrorEnabled bool `env:"QUEUE_MIRROR_ENABLED" envDefault:"true"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {}

// ReaperConfig contains reaper service configuration.
type ReaperConfig struct {
	// Interval is how often cleanup runs.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// RunningMaxAge is how long a job may sit in running before it is
	// considered abandoned and canceled.
	RunningMaxAge time.Duration `env:"REAPER_RUNNING_MAX_AGE" envDefault:"1h"`

	// TerminalMaxAge is how long terminal jobs are retained before deletion.
	TerminalMaxAge time.Duration `env:"REAPER_TERMINAL_MAX_AGE" envDefault:"168h"`

	// BatchSize limits rows touched per cleanup statement.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.RunningMaxAge <= 0 {
		r.RunningMaxAge = time.Hour
	}
	if r.TerminalMaxAge <= 0 {
		r.TerminalMaxAge = 168 * time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
}
