package config

import (
	"errors"
	"fmt"
	"net/url"
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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Nemo        NemoConfig      `yaml:"nemo"`
	STT         STTConfig       `yaml:"stt"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string   `yaml:"id"`
	Role              string   `yaml:"role"`
	HeartbeatInterval int      `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int      `yaml:"heartbeat_timeout_ms"`
	Models            []string `yaml:"models"`
}

// NemoConfig points the bridge at the hosted inference server.
type NemoConfig struct {
	ServerURL           string `yaml:"server_url"`
	Language            string `yaml:"language"`
	Model               string `yaml:"model"`
	AuthToken           string `yaml:"auth_token"`
	RequestTimeoutMS    int    `yaml:"request_timeout_ms"`
	MaxIdleConns        int    `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
	IdleConnTimeoutS    int    `yaml:"idle_conn_timeout_s"`
}

type STTConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Mode                 string `yaml:"mode"` // mock, exec, nemo
	Command              string `yaml:"command"`
	SampleRate           int    `yaml:"sample_rate"`
	Channels             int    `yaml:"channels"`
	PartialEveryMS       int    `yaml:"partial_every_ms"`
	PublishInterim       bool   `yaml:"publish_interim"`
	MaxSessionBytes      int    `yaml:"max_session_bytes"`
	SessionIdleTimeoutMS int    `yaml:"session_idle_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "parakeet-bridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "parakeet-node-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Models:            []string{"parakeet", "canary"},
		},
		Nemo: NemoConfig{
			ServerURL:           "http://localhost:8989",
			Language:            "en",
			Model:               "canary",
			RequestTimeoutMS:    10000,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeoutS:    300,
		},
		STT: STTConfig{
			Enabled:              true,
			Mode:                 "nemo",
			SampleRate:           16000,
			Channels:             1,
			PartialEveryMS:       800,
			MaxSessionBytes:      10 << 20,
			SessionIdleTimeoutMS: 60000,
		},
		History: HistoryConfig{
			Path:          "./data/transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "PARAKEET_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PARAKEET_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PARAKEET_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PARAKEET_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PARAKEET_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PARAKEET_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PARAKEET_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "PARAKEET_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PARAKEET_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PARAKEET_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PARAKEET_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PARAKEET_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PARAKEET_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PARAKEET_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PARAKEET_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "PARAKEET_NODE_ID")
	overrideString(&cfg.Node.Role, "PARAKEET_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "PARAKEET_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "PARAKEET_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideStringSlice(&cfg.Node.Models, "PARAKEET_NODE_MODELS")
	overrideString(&cfg.Nemo.ServerURL, "PARAKEET_NEMO_SERVER_URL")
	overrideString(&cfg.Nemo.Language, "PARAKEET_NEMO_LANGUAGE")
	overrideString(&cfg.Nemo.Model, "PARAKEET_NEMO_MODEL")
	overrideString(&cfg.Nemo.AuthToken, "PARAKEET_NEMO_AUTH_TOKEN")
	overrideInt(&cfg.Nemo.RequestTimeoutMS, "PARAKEET_NEMO_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Nemo.MaxIdleConns, "PARAKEET_NEMO_MAX_IDLE_CONNS")
	overrideInt(&cfg.Nemo.MaxIdleConnsPerHost, "PARAKEET_NEMO_MAX_IDLE_CONNS_PER_HOST")
	overrideInt(&cfg.Nemo.IdleConnTimeoutS, "PARAKEET_NEMO_IDLE_CONN_TIMEOUT_S")
	overrideBool(&cfg.STT.Enabled, "PARAKEET_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "PARAKEET_STT_MODE")
	overrideString(&cfg.STT.Command, "PARAKEET_STT_COMMAND")
	overrideInt(&cfg.STT.SampleRate, "PARAKEET_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "PARAKEET_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "PARAKEET_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "PARAKEET_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.MaxSessionBytes, "PARAKEET_STT_MAX_SESSION_BYTES")
	overrideInt(&cfg.STT.SessionIdleTimeoutMS, "PARAKEET_STT_SESSION_IDLE_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "PARAKEET_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "PARAKEET_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "PARAKEET_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "PARAKEET_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "PARAKEET_HISTORY_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "nemo":
		default:
			return errors.New("stt.mode must be one of mock|exec|nemo")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.MaxSessionBytes < 0 {
			return errors.New("stt.max_session_bytes must be >= 0")
		}
		if cfg.STT.SessionIdleTimeoutMS < 0 {
			return errors.New("stt.session_idle_timeout_ms must be >= 0")
		}
		if cfg.STT.Mode == "nemo" {
			if err := validateServerURL(cfg.Nemo.ServerURL); err != nil {
				return err
			}
		}
	}
	if cfg.Nemo.RequestTimeoutMS < 0 {
		return errors.New("nemo.request_timeout_ms must be >= 0")
	}
	return nil
}

func validateServerURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("nemo.server_url must not be empty when stt.mode=nemo")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("nemo.server_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("nemo.server_url must use http or https")
	}
	if u.Host == "" {
		return errors.New("nemo.server_url must include a host")
	}
	return nil
}
