// Package config loads gsmstackd's YAML configuration file: NS timers,
// transport bind addresses, and the static list of configured BVCs. Field
// defaults come from DefaultConfig, which the YAML is unmarshalled over, so
// keys absent from the file keep their default values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TimerConfig holds the NS-VC procedure timers, per spec.md §4.3's
// Tns-reset/Tns-block/Tns-test/Tns-alive table.
type TimerConfig struct {
	ResetTimeoutS int `yaml:"reset_timeout_s"` // Tns-reset; default 3
	BlockTimeoutS int `yaml:"block_timeout_s"` // Tns-block; default 3
	TestTimeoutS  int `yaml:"test_timeout_s"`  // Tns-test; default 30
	AliveTimeoutS int `yaml:"alive_timeout_s"` // Tns-alive; default 3

	MaxResetRetries int `yaml:"max_reset_retries"` // default 3
	MaxBlockRetries int `yaml:"max_block_retries"` // default 3
	MaxAliveRetries int `yaml:"max_alive_retries"` // default 10
}

// UDPConfig holds the NS-over-UDP transport's bind address.
type UDPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. "0.0.0.0:23000"
}

// FRGREConfig holds the NS-over-FR/GRE transport's local bind IP, per
// spec.md §4.3's Frame Relay-over-GRE encapsulation.
type FRGREConfig struct {
	Enabled bool   `yaml:"enabled"`
	LocalIP string `yaml:"local_ip"` // e.g. "10.0.0.1"
}

// NsvcConfig describes one statically configured NS-VC peer, dialed and
// RESET at startup rather than created dynamically on an inbound RESET.
type NsvcConfig struct {
	NSVCI     uint16 `yaml:"nsvci"`
	NSEI      uint16 `yaml:"nsei"`
	Transport string `yaml:"transport"` // "udp" or "frgre"
	PeerAddr  string `yaml:"peer_addr"` // UDP: "host:port"; FR/GRE: peer IP
	DLCI      uint16 `yaml:"dlci"`      // FR/GRE only
}

// BVCConfig describes one statically configured BVC context, per spec.md
// §3's BVC identity tuple plus its default leaky-bucket parameters.
type BVCConfig struct {
	MCC           uint16 `yaml:"mcc"`
	MNC           uint16 `yaml:"mnc"`
	LAC           uint16 `yaml:"lac"`
	RAC           uint8  `yaml:"rac"`
	CellID        uint16 `yaml:"cell_id"`
	BVCI          uint16 `yaml:"bvci"`
	NSEI          uint16 `yaml:"nsei"`
	BucketSizeMax uint32 `yaml:"bucket_size_max"` // octets; no default, 0 if unset
	LeakRate      uint32 `yaml:"leak_rate"`       // octets/s; no default, 0 if unset
	MaxQueueDepth uint32 `yaml:"max_queue_depth"` // messages; no default, 0 if unset
}

// DaemonConfig holds process-wide daemon settings.
type DaemonConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // gsmstackd
	SampleRate  float64 `yaml:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"` // default: true
	Namespace string `yaml:"namespace"`
	HTTPAddr  string `yaml:"http_addr"` // e.g. ":9100" for /metrics
}

// DebugGRPCConfig holds the read-only introspection gRPC service settings.
type DebugGRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. ":9090"
}

// Config is the root gsmstackd configuration.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Timers    TimerConfig     `yaml:"timers"`
	UDP       UDPConfig       `yaml:"udp"`
	FRGRE     FRGREConfig     `yaml:"frgre"`
	Nsvcs     []NsvcConfig    `yaml:"nsvcs"`
	BVCs      []BVCConfig     `yaml:"bvcs"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DebugGRPC DebugGRPCConfig `yaml:"debug_grpc"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring spec.md
// §4.3/§4.4's recommended timer and bucket values.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Timers: TimerConfig{
			ResetTimeoutS:   3,
			BlockTimeoutS:   3,
			TestTimeoutS:    30,
			AliveTimeoutS:   3,
			MaxResetRetries: 3,
			MaxBlockRetries: 3,
			MaxAliveRetries: 10,
		},
		UDP: UDPConfig{
			Enabled: true,
			Addr:    "0.0.0.0:23000",
		},
		FRGRE: FRGREConfig{
			Enabled: false,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "gsmstackd",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "gsmstack",
			HTTPAddr:  ":9100",
		},
		DebugGRPC: DebugGRPCConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applying defaults
// first so a partial file only overrides the fields it sets.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides on top of a loaded
// config, for the handful of settings operators commonly override without
// editing the file (container deployments, CI).
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GSMSTACK_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("GSMSTACK_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("GSMSTACK_UDP_ADDR"); v != "" {
		cfg.UDP.Addr = v
		cfg.UDP.Enabled = true
	}
	if v := os.Getenv("GSMSTACK_FRGRE_LOCAL_IP"); v != "" {
		cfg.FRGRE.LocalIP = v
		cfg.FRGRE.Enabled = true
	}
	if v := os.Getenv("GSMSTACK_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("GSMSTACK_METRICS_ADDR"); v != "" {
		cfg.Metrics.HTTPAddr = v
	}
	if v := os.Getenv("GSMSTACK_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("GSMSTACK_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("GSMSTACK_DEBUG_GRPC_ENABLED"); v != "" {
		cfg.DebugGRPC.Enabled = parseBool(v)
	}
	if v := os.Getenv("GSMSTACK_DEBUG_GRPC_ADDR"); v != "" {
		cfg.DebugGRPC.Addr = v
		cfg.DebugGRPC.Enabled = true
	}
	if v := os.Getenv("GSMSTACK_RESET_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timers.ResetTimeoutS = n
		}
	}
	if v := os.Getenv("GSMSTACK_ALIVE_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timers.AliveTimeoutS = n
		}
	}
	if v := os.Getenv("GSMSTACK_BLOCK_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timers.BlockTimeoutS = n
		}
	}
	if v := os.Getenv("GSMSTACK_TEST_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timers.TestTimeoutS = n
		}
	}
}

// ResetTimeout returns the configured reset timer as a time.Duration.
func (t TimerConfig) ResetTimeout() time.Duration {
	return time.Duration(t.ResetTimeoutS) * time.Second
}

// BlockTimeout returns the configured Tns-block timer as a time.Duration.
func (t TimerConfig) BlockTimeout() time.Duration {
	return time.Duration(t.BlockTimeoutS) * time.Second
}

// TestTimeout returns the configured Tns-test timer as a time.Duration.
func (t TimerConfig) TestTimeout() time.Duration {
	return time.Duration(t.TestTimeoutS) * time.Second
}

// AliveTimeout returns the configured alive timer as a time.Duration.
func (t TimerConfig) AliveTimeout() time.Duration {
	return time.Duration(t.AliveTimeoutS) * time.Second
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
