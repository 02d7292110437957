// Package config loads Controller and Worker configuration from
// environment variables, with an optional YAML file providing defaults
// for the non-secret tuning knobs (timeouts, intervals, thresholds) that
// operators may want to check into a repo instead of exporting by hand.
// Required identity fields (worker id, model id, backend URL) only ever
// come from the environment - they are never defaulted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bytefuck/model-hub/internal/agent"
	"github.com/bytefuck/model-hub/internal/breaker"
	"github.com/bytefuck/model-hub/internal/health"
)

// ControllerConfig configures the Controller process.
type ControllerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AuthToken   string `yaml:"-"` // secret: env only, never written to file

	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `yaml:"breaker_recovery_timeout"`

	HealthScanInterval    time.Duration `yaml:"health_scan_interval"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout"`
	ProbeFailureThreshold int           `yaml:"probe_failure_threshold"`
}

// BreakerDefaults returns the breaker thresholds this config implies,
// falling back to the package defaults for zero values.
func (c ControllerConfig) BreakerDefaults() (int, time.Duration) {
	threshold := c.BreakerFailureThreshold
	if threshold <= 0 {
		threshold = breaker.DefaultFailureThreshold
	}
	recovery := c.BreakerRecoveryTimeout
	if recovery <= 0 {
		recovery = breaker.DefaultRecoveryTimeout
	}
	return threshold, recovery
}

// HealthConfig adapts this config into the health monitor's Config.
func (c ControllerConfig) HealthConfig() health.Config {
	return health.Config{
		ScanInterval:          c.HealthScanInterval,
		HeartbeatTimeout:      c.HeartbeatTimeout,
		ProbeTimeout:          c.ProbeTimeout,
		ProbeFailureThreshold: c.ProbeFailureThreshold,
	}
}

// LoadControllerConfig reads the YAML file at path (if non-empty and
// present) as defaults, then overlays environment variables on top.
func LoadControllerConfig(path string) (ControllerConfig, error) {
	var cfg ControllerConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return ControllerConfig{}, err
		}
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	cfg.AuthToken = os.Getenv("INTERNAL_API_KEY")

	if v, err := envInt("BREAKER_FAILURE_THRESHOLD"); err != nil {
		return ControllerConfig{}, err
	} else if v != 0 {
		cfg.BreakerFailureThreshold = v
	}
	if v, err := envDuration("BREAKER_RECOVERY_TIMEOUT"); err != nil {
		return ControllerConfig{}, err
	} else if v != 0 {
		cfg.BreakerRecoveryTimeout = v
	}
	if v, err := envDuration("HEARTBEAT_CHECK_INTERVAL"); err != nil {
		return ControllerConfig{}, err
	} else if v != 0 {
		cfg.HealthScanInterval = v
	}
	if v, err := envDuration("HEARTBEAT_TIMEOUT"); err != nil {
		return ControllerConfig{}, err
	} else if v != 0 {
		cfg.HeartbeatTimeout = v
	}
	if v, err := envDuration("PROBE_TIMEOUT"); err != nil {
		return ControllerConfig{}, err
	} else if v != 0 {
		cfg.ProbeTimeout = v
	}
	if v, err := envInt("PROBE_FAILURE_THRESHOLD"); err != nil {
		return ControllerConfig{}, err
	} else if v != 0 {
		cfg.ProbeFailureThreshold = v
	}

	return cfg, nil
}

// WorkerConfig configures the Worker process. WorkerID, ModelID,
// BackendURL, and ControllerURL are required; LoadWorkerConfig returns an
// error naming whichever is missing.
type WorkerConfig struct {
	WorkerID      string `yaml:"-"` // env only
	ModelID       string `yaml:"-"` // env only
	BackendURL    string `yaml:"-"` // env only
	ControllerURL string `yaml:"-"` // env only
	// Endpoint is the address the Controller should use to reach this
	// worker - not necessarily the same as ListenAddr, which is only the
	// local bind address. Defaults to "http://localhost" + ListenAddr
	// for single-host setups.
	Endpoint    string
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Capacity    int    `yaml:"capacity"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxRegisterAttempts  int           `yaml:"max_register_attempts"`
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	BackendProbeTimeout  time.Duration `yaml:"backend_probe_timeout"`
}

// AgentConfig adapts this config into the registration agent's Config.
func (c WorkerConfig) AgentConfig() agent.Config {
	return agent.Config{
		WorkerID:            c.WorkerID,
		ModelID:             c.ModelID,
		Endpoint:            c.Endpoint,
		Capacity:            c.Capacity,
		ControllerURL:       c.ControllerURL,
		HeartbeatInterval:   c.HeartbeatInterval,
		MaxRegisterAttempts: c.MaxRegisterAttempts,
		InitialBackoff:      c.InitialBackoff,
	}
}

// LoadWorkerConfig reads the YAML file at path (if non-empty and
// present) as defaults, then overlays environment variables, validating
// that every required field ends up set.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	var cfg WorkerConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return WorkerConfig{}, err
		}
	}

	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.WorkerID = v
	}
	if v := os.Getenv("MODEL_ID"); v != "" {
		cfg.ModelID = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("CONTROLLER_URL"); v != "" {
		cfg.ControllerURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8081"
	}
	if v := os.Getenv("WORKER_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost" + cfg.ListenAddr
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9091"
	}
	if v, err := envInt("CAPACITY"); err != nil {
		return WorkerConfig{}, err
	} else if v != 0 {
		cfg.Capacity = v
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4
	}
	if v, err := envDuration("HEARTBEAT_INTERVAL"); err != nil {
		return WorkerConfig{}, err
	} else if v != 0 {
		cfg.HeartbeatInterval = v
	}
	if v, err := envDuration("BACKEND_PROBE_TIMEOUT"); err != nil {
		return WorkerConfig{}, err
	} else if v != 0 {
		cfg.BackendProbeTimeout = v
	}
	if v, err := envInt("REGISTRY_RETRY_COUNT"); err != nil {
		return WorkerConfig{}, err
	} else if v != 0 {
		cfg.MaxRegisterAttempts = v
	}
	if v, err := envDuration("REGISTRY_RETRY_DELAY"); err != nil {
		return WorkerConfig{}, err
	} else if v != 0 {
		cfg.InitialBackoff = v
	}

	var missing []string
	if cfg.WorkerID == "" {
		missing = append(missing, "WORKER_ID")
	}
	if cfg.ModelID == "" {
		missing = append(missing, "MODEL_ID")
	}
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}
	if cfg.ControllerURL == "" {
		missing = append(missing, "CONTROLLER_URL")
	}
	if len(missing) > 0 {
		return WorkerConfig{}, fmt.Errorf("config: missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return n, nil
}

func envDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration (e.g. \"30s\"): %w", name, err)
	}
	return d, nil
}
