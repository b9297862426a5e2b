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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Curriculum  CurriculumConfig `yaml:"curriculum"`
	Audio       AudioConfig      `yaml:"audio"`
	Sequencer   SequencerConfig  `yaml:"sequencer"`
	Narration   NarrationConfig  `yaml:"narration"`
	Teaching    TeachingConfig   `yaml:"teaching"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
	// MaxPayload caps a single embedded-server message. Opaque verse
	// recordings travel in one message, so it must exceed the largest asset.
	MaxPayload     int      `yaml:"max_payload_bytes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CurriculumConfig points at an optional curriculum file that replaces the
// built-in table for its persona.
type CurriculumConfig struct {
	Path           string `yaml:"path"`
	DefaultPersona string `yaml:"default_persona"`
}

type AudioConfig struct {
	BaseDir string `yaml:"base_dir"`
}

type SequencerConfig struct {
	ConfirmTimeoutMS int    `yaml:"confirm_timeout_ms"`
	Fallback         string `yaml:"fallback"` // advance, fail
	Preface          string `yaml:"preface"`
	RepeatPrompt     string `yaml:"repeat_prompt"`
}

type NarrationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type TeachingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ClampIndex  bool   `yaml:"clamp_index"`
	Language    string `yaml:"language"`
	CursorTTLMS int    `yaml:"cursor_ttl_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tutor",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 10000,
			MaxPayload:     8 << 20,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/tutor-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Curriculum: CurriculumConfig{
			DefaultPersona: "hanuman",
		},
		Audio: AudioConfig{
			BaseDir: "./assets",
		},
		Sequencer: SequencerConfig{
			ConfirmTimeoutMS: 30000,
			Fallback:         "advance",
		},
		Narration: NarrationConfig{
			Enabled:    true,
			Mode:       "mock",
			Voice:      "en-IN",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Teaching: TeachingConfig{
			Enabled:     true,
			ClampIndex:  false,
			Language:    "en",
			CursorTTLMS: 3600000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "LOQA_BUS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Curriculum.Path, "LOQA_CURRICULUM_PATH")
	overrideString(&cfg.Curriculum.DefaultPersona, "LOQA_CURRICULUM_DEFAULT_PERSONA")
	overrideString(&cfg.Audio.BaseDir, "LOQA_AUDIO_BASE_DIR")
	overrideInt(&cfg.Sequencer.ConfirmTimeoutMS, "LOQA_SEQUENCER_CONFIRM_TIMEOUT_MS")
	overrideString(&cfg.Sequencer.Fallback, "LOQA_SEQUENCER_FALLBACK")
	overrideString(&cfg.Sequencer.Preface, "LOQA_SEQUENCER_PREFACE")
	overrideString(&cfg.Sequencer.RepeatPrompt, "LOQA_SEQUENCER_REPEAT_PROMPT")
	overrideBool(&cfg.Narration.Enabled, "LOQA_NARRATION_ENABLED")
	overrideString(&cfg.Narration.Mode, "LOQA_NARRATION_MODE")
	overrideString(&cfg.Narration.Command, "LOQA_NARRATION_COMMAND")
	overrideString(&cfg.Narration.Voice, "LOQA_NARRATION_VOICE")
	overrideInt(&cfg.Narration.SampleRate, "LOQA_NARRATION_SAMPLE_RATE")
	overrideInt(&cfg.Narration.Channels, "LOQA_NARRATION_CHANNELS")
	overrideInt(&cfg.Narration.TimeoutMS, "LOQA_NARRATION_TIMEOUT_MS")
	overrideBool(&cfg.Teaching.Enabled, "LOQA_TEACHING_ENABLED")
	overrideBool(&cfg.Teaching.ClampIndex, "LOQA_TEACHING_CLAMP_INDEX")
	overrideString(&cfg.Teaching.Language, "LOQA_TEACHING_LANGUAGE")
	overrideInt(&cfg.Teaching.CursorTTLMS, "LOQA_TEACHING_CURSOR_TTL_MS")
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
		if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > 64<<20 {
			return errors.New("bus.max_payload_bytes must be between 0 and 64MiB")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if strings.TrimSpace(cfg.Audio.BaseDir) == "" {
		return errors.New("audio.base_dir must not be empty")
	}
	if cfg.Sequencer.ConfirmTimeoutMS < 0 {
		return errors.New("sequencer.confirm_timeout_ms must be >= 0")
	}
	switch strings.ToLower(cfg.Sequencer.Fallback) {
	case "", "advance", "fail":
	default:
		return errors.New("sequencer.fallback must be one of advance|fail")
	}
	if cfg.Narration.Enabled {
		switch cfg.Narration.Mode {
		case "mock", "exec":
		default:
			return errors.New("narration.mode must be one of mock|exec")
		}
		if cfg.Narration.Mode == "exec" && cfg.Narration.Command == "" {
			return errors.New("narration.command must be set when mode=exec")
		}
		if cfg.Narration.SampleRate <= 0 {
			return errors.New("narration.sample_rate must be positive")
		}
		if cfg.Narration.Channels <= 0 {
			return errors.New("narration.channels must be positive")
		}
	}
	if cfg.Teaching.Enabled {
		switch cfg.Teaching.Language {
		case "en", "hi":
		default:
			return errors.New("teaching.language must be one of en|hi")
		}
		if cfg.Teaching.CursorTTLMS < 0 {
			return errors.New("teaching.cursor_ttl_ms must be >= 0")
		}
	}
	return nil
}
