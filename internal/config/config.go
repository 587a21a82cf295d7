package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"sendqueue/internal/connectivity"
	"sendqueue/internal/constants"
	"sendqueue/internal/models"
	"sendqueue/internal/security"
	"sendqueue/internal/tracing"
	"sendqueue/internal/validation"
)

var (
	ErrMissingBackendURL = models.ConfigError{Message: "missing backend API URL"}
	ErrMissingStorePath  = models.ConfigError{Message: "missing storage path"}
)

// LoadConfig reads a JSON config file, applies environment overrides and
// defaults, and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = constants.DefaultBackendTimeoutSec
	}
	if c.Queue.DrainDelayMs < 0 {
		c.Queue.DrainDelayMs = 0
	} else if c.Queue.DrainDelayMs == 0 {
		c.Queue.DrainDelayMs = constants.DefaultDrainDelayMs
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = constants.DefaultStorageDriver
	}
	if c.Storage.Path == "" && c.Storage.Driver != constants.StorageDriverMemory {
		c.Storage.Path = constants.DefaultStoragePath
	}
	if c.Storage.Key == "" {
		c.Storage.Key = constants.DefaultQueueKey
	}

	if c.Connectivity.CheckIntervalSec <= 0 {
		c.Connectivity.CheckIntervalSec = constants.DefaultConnectivityCheckSec
	}
	if c.Connectivity.DialTimeoutMs <= 0 {
		c.Connectivity.DialTimeoutMs = constants.DefaultDialTimeoutMs
	}
	if c.Connectivity.ProbeAddress == "" && c.Backend.APIBaseURL != "" {
		if addr, err := connectivity.ProbeAddress(c.Backend.APIBaseURL); err == nil {
			c.Connectivity.ProbeAddress = addr
		}
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	tracingDefaults := tracing.DefaultTracingConfig()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = tracingDefaults.ServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = tracingDefaults.ServiceVersion
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = tracingDefaults.Environment
	}
	if c.Tracing.Enabled && c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = tracingDefaults.SampleRate
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.Backend.APIBaseURL == "" {
		return ErrMissingBackendURL
	}
	u, err := url.Parse(c.Backend.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid backend API URL: %s", c.Backend.APIBaseURL)}
	}

	switch c.Storage.Driver {
	case constants.StorageDriverSQLite, constants.StorageDriverBolt:
		if c.Storage.Path == "" {
			return ErrMissingStorePath
		}
		if err := security.ValidateFilePath(c.Storage.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid storage path: %v", err)}
		}
	case constants.StorageDriverMemory:
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown storage driver %q", c.Storage.Driver)}
	}

	if c.Connectivity.MonitorEnabled && c.Connectivity.ProbeAddress == "" {
		return models.ConfigError{Message: "connectivity monitor needs a probe address"}
	}

	if err := validation.ValidateTimeout(c.Backend.TimeoutSec, "backend.timeout_sec"); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if err := validation.ValidateNumericRange(c.Queue.DrainDelayMs, "queue.drain_delay_ms", 0, constants.MaxDrainDelayMs); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if err := validation.ValidateNumericRange(c.Server.Port, "server.port", 1, 65535); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return models.ConfigError{Message: "retry maxBackoffMs must not be smaller than initialBackoffMs"}
	}

	if err := tracing.Validate(c.Tracing); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return models.ConfigError{Message: fmt.Sprintf("invalid log_level %q", c.LogLevel)}
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	if baseURL := os.Getenv("SENDQUEUE_BACKEND_URL"); baseURL != "" {
		c.Backend.APIBaseURL = baseURL
	}

	// Session tokens belong in the environment, not in the config file.
	if token := os.Getenv("SENDQUEUE_API_TOKEN"); token != "" {
		c.Backend.Token = token
	}

	if path := os.Getenv("SENDQUEUE_DB_PATH"); path != "" {
		c.Storage.Path = path
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 {
			return models.ConfigError{Message: fmt.Sprintf("invalid PORT %q", port)}
		}
		c.Server.Port = p
	}
	return nil
}
