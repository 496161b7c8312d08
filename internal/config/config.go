package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	MaxUploadMB       int    `yaml:"max_upload_mb"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Model       ModelConfig     `yaml:"model"`
	Inference   InferenceConfig `yaml:"inference"`
	History     HistoryConfig   `yaml:"history"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
}

type ModelConfig struct {
	ID            string `yaml:"id"`
	Backend       string `yaml:"backend"` // mock, exec, whispercpp
	Path          string `yaml:"path"`
	Command       string `yaml:"command"`
	Device        string `yaml:"device"` // auto, cpu, cuda, metal
	SampleRate    int    `yaml:"sample_rate"`
	Language      string `yaml:"language"`
	Threads       int    `yaml:"threads"`
	MockLatencyMS int    `yaml:"mock_latency_ms"`
}

type InferenceConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	Admission      string `yaml:"admission"` // queue, reject
	QueueTimeoutMS int    `yaml:"queue_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              8001,
			RequestTimeoutSec: 120,
			MaxUploadMB:       25,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Model: ModelConfig{
			ID:         "teckedd/whisper-small-serlabs-twi-asr",
			Backend:    "mock",
			Device:     "auto",
			SampleRate: 16000,
		},
		Inference: InferenceConfig{
			MaxConcurrency: 10,
			Admission:      "queue",
			QueueTimeoutMS: 30000,
		},
		History: HistoryConfig{
			Path:          "./data/asr-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecords:    10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "asr",
		},
		Node: NodeConfig{
			ID:                "asr-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ASR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ASR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ASR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "ASR_HTTP_PORT")
	overrideInt(&cfg.HTTP.RequestTimeoutSec, "ASR_HTTP_REQUEST_TIMEOUT_SEC")
	overrideInt(&cfg.HTTP.MaxUploadMB, "ASR_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "ASR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ASR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ASR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Model.ID, "ASR_MODEL_ID")
	overrideString(&cfg.Model.Backend, "ASR_MODEL_BACKEND")
	overrideString(&cfg.Model.Path, "ASR_MODEL_PATH")
	overrideString(&cfg.Model.Command, "ASR_MODEL_COMMAND")
	overrideString(&cfg.Model.Device, "ASR_MODEL_DEVICE")
	overrideInt(&cfg.Model.SampleRate, "ASR_MODEL_SAMPLE_RATE")
	overrideString(&cfg.Model.Language, "ASR_MODEL_LANGUAGE")
	overrideInt(&cfg.Model.Threads, "ASR_MODEL_THREADS")
	overrideInt(&cfg.Model.MockLatencyMS, "ASR_MODEL_MOCK_LATENCY_MS")
	overrideInt(&cfg.Inference.MaxConcurrency, "ASR_INFERENCE_MAX_CONCURRENCY")
	overrideString(&cfg.Inference.Admission, "ASR_INFERENCE_ADMISSION")
	overrideInt(&cfg.Inference.QueueTimeoutMS, "ASR_INFERENCE_QUEUE_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "ASR_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "ASR_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "ASR_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRecords, "ASR_HISTORY_MAX_RECORDS")
	overrideBool(&cfg.History.VacuumOnStart, "ASR_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "ASR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ASR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ASR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ASR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ASR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ASR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ASR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ASR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ASR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "ASR_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Node.ID, "ASR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "ASR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "ASR_NODE_HEARTBEAT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.RequestTimeoutSec <= 0 {
		return errors.New("http.request_timeout_sec must be positive")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Model.ID == "" {
		return errors.New("model.id must not be empty")
	}
	switch cfg.Model.Backend {
	case "mock", "exec", "whispercpp":
	default:
		return errors.New("model.backend must be one of mock|exec|whispercpp")
	}
	if cfg.Model.Backend == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when backend=exec")
	}
	if cfg.Model.Backend == "whispercpp" && cfg.Model.Path == "" {
		return errors.New("model.path must be set when backend=whispercpp")
	}
	switch strings.ToLower(cfg.Model.Device) {
	case "", "auto", "cpu", "cuda", "gpu", "metal", "mps":
	default:
		return errors.New("model.device must be one of auto|cpu|cuda|metal")
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.MockLatencyMS < 0 {
		return errors.New("model.mock_latency_ms must be >= 0")
	}
	if cfg.Inference.MaxConcurrency <= 0 {
		return errors.New("inference.max_concurrency must be >= 1")
	}
	switch strings.ToLower(cfg.Inference.Admission) {
	case "queue", "reject":
	default:
		return errors.New("inference.admission must be one of queue|reject")
	}
	if cfg.Inference.QueueTimeoutMS < 0 {
		return errors.New("inference.queue_timeout_ms must be >= 0")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when retention_mode=persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.History.MaxRecords < 0 {
		return errors.New("history.max_records must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	return nil
}
