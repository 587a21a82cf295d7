package models

// Config holds the application configuration
type Config struct {
	Backend      BackendConfig      `json:"backend"`
	Queue        QueueConfig        `json:"queue"`
	Storage      StorageConfig      `json:"storage"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Server       ServerConfig       `json:"server"`
	Retry        RetryConfig        `json:"retry"`
	Tracing      TracingConfig      `json:"tracing"`
	LogLevel     string             `json:"log_level"`
}

// BackendConfig describes the chat backend the queue delivers to
type BackendConfig struct {
	APIBaseURL string `json:"api_base_url"`
	// Token is the session token sent with every backend request.
	// Prefer the SENDQUEUE_API_TOKEN environment variable.
	Token      string `json:"token"`
	TimeoutSec int    `json:"timeout_sec"`
}

// QueueConfig holds offline queue settings
type QueueConfig struct {
	DrainDelayMs int `json:"drain_delay_ms"`
}

// StorageConfig selects where the queue snapshot is persisted.
// Driver is one of "sqlite", "bolt" or "memory".
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	Key    string `json:"key"`
}

// ConnectivityConfig controls the reachability monitor. When disabled the
// connectivity flag is driven by PUT /api/connectivity.
type ConnectivityConfig struct {
	MonitorEnabled   bool   `json:"monitor_enabled"`
	CheckIntervalSec int    `json:"check_interval_sec"`
	DialTimeoutMs    int    `json:"dial_timeout_ms"`
	ProbeAddress     string `json:"probe_address"`
	InitiallyOnline  bool   `json:"initially_online"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"read_timeout_sec"`
	WriteTimeoutSec int `json:"write_timeout_sec"`
	IdleTimeoutSec  int `json:"idle_timeout_sec"`
	// TrustProxyHeaders makes request logs use X-Forwarded-For and
	// X-Real-IP. Enable only behind a reverse proxy.
	TrustProxyHeaders bool `json:"trust_proxy_headers"`
}

// RetryConfig holds retry settings for opening the store at startup
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig configures OpenTelemetry span export
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
