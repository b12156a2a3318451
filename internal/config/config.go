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
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Settings    SettingsConfig  `yaml:"settings"`
	Journal     JournalConfig   `yaml:"journal"`
	TTS         TTSConfig       `yaml:"tts"`
	Voice       VoiceConfig     `yaml:"voice"`
	Relay       RelayConfig     `yaml:"relay"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SettingsConfig struct {
	Mode          string `yaml:"mode"` // sqlite, memory
	Path          string `yaml:"path"`
	DefaultPrefix string `yaml:"default_prefix"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRooms      int    `yaml:"max_rooms"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`

	// PruneIntervalMinutes re-applies retention while running; 0 prunes only on start.
	PruneIntervalMinutes int `yaml:"prune_interval_minutes"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, exec
	Command      string `yaml:"command"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	CacheEntries int    `yaml:"cache_entries"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type VoiceConfig struct {
	Mode            string `yaml:"mode"` // bus, loopback
	JoinTimeoutMS   int    `yaml:"join_timeout_ms"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type RelayConfig struct {
	DefaultVoice           string `yaml:"default_voice"`
	AnnouncerVoice         string `yaml:"announcer_voice"`
	MaxAliasDepth          int    `yaml:"max_alias_depth"`
	RequireVoicePreference bool   `yaml:"require_voice_preference"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Settings: SettingsConfig{
			Mode:          "sqlite",
			Path:          "./data/relay-settings.db",
			DefaultPrefix: "\\",
		},
		Journal: JournalConfig{
			Path:          "./data/relay-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRooms:      1000,

			PruneIntervalMinutes: 60,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			SampleRate:   48000,
			Channels:     1,
			CacheEntries: 128,
			TimeoutMS:    60000,
		},
		Voice: VoiceConfig{
			Mode:            "bus",
			JoinTimeoutMS:   5000,
			FrameDurationMS: 20,
		},
		Relay: RelayConfig{
			DefaultVoice:  "en-AU-NatashaNeural",
			MaxAliasDepth: 16,
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
	overrideString(&cfg.RuntimeName, "RELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RELAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RELAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "RELAY_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "RELAY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "RELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RELAY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RELAY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "RELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Settings.Mode, "RELAY_SETTINGS_MODE")
	overrideString(&cfg.Settings.Path, "RELAY_SETTINGS_PATH")
	overrideString(&cfg.Settings.DefaultPrefix, "RELAY_SETTINGS_DEFAULT_PREFIX")
	overrideString(&cfg.Journal.Path, "RELAY_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "RELAY_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "RELAY_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRooms, "RELAY_JOURNAL_MAX_ROOMS")
	overrideBool(&cfg.Journal.VacuumOnStart, "RELAY_JOURNAL_VACUUM_ON_START")
	overrideInt(&cfg.Journal.PruneIntervalMinutes, "RELAY_JOURNAL_PRUNE_INTERVAL_MINUTES")
	overrideString(&cfg.TTS.Mode, "RELAY_TTS_MODE")
	overrideString(&cfg.TTS.Command, "RELAY_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "RELAY_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "RELAY_TTS_CHANNELS")
	overrideInt(&cfg.TTS.CacheEntries, "RELAY_TTS_CACHE_ENTRIES")
	overrideInt(&cfg.TTS.TimeoutMS, "RELAY_TTS_TIMEOUT_MS")
	overrideString(&cfg.Voice.Mode, "RELAY_VOICE_MODE")
	overrideInt(&cfg.Voice.JoinTimeoutMS, "RELAY_VOICE_JOIN_TIMEOUT_MS")
	overrideInt(&cfg.Voice.FrameDurationMS, "RELAY_VOICE_FRAME_DURATION_MS")
	overrideString(&cfg.Relay.DefaultVoice, "RELAY_DEFAULT_VOICE")
	overrideString(&cfg.Relay.AnnouncerVoice, "RELAY_ANNOUNCER_VOICE")
	overrideInt(&cfg.Relay.MaxAliasDepth, "RELAY_MAX_ALIAS_DEPTH")
	overrideBool(&cfg.Relay.RequireVoicePreference, "RELAY_REQUIRE_VOICE_PREFERENCE")
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
	switch cfg.Settings.Mode {
	case "sqlite":
		if cfg.Settings.Path == "" {
			return errors.New("settings.path must not be empty when mode=sqlite")
		}
	case "memory":
	default:
		return errors.New("settings.mode must be one of sqlite|memory")
	}
	if strings.TrimSpace(cfg.Settings.DefaultPrefix) == "" {
		return errors.New("settings.default_prefix must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Journal.PruneIntervalMinutes < 0 {
		return errors.New("journal.prune_interval_minutes must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.CacheEntries < 0 {
		return errors.New("tts.cache_entries must be >= 0")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	switch cfg.Voice.Mode {
	case "bus", "loopback":
	default:
		return errors.New("voice.mode must be one of bus|loopback")
	}
	if cfg.Voice.JoinTimeoutMS <= 0 {
		return errors.New("voice.join_timeout_ms must be positive")
	}
	if cfg.Voice.FrameDurationMS <= 0 {
		return errors.New("voice.frame_duration_ms must be positive")
	}
	if strings.TrimSpace(cfg.Relay.DefaultVoice) == "" {
		return errors.New("relay.default_voice must not be empty")
	}
	if cfg.Relay.MaxAliasDepth <= 0 {
		return errors.New("relay.max_alias_depth must be >= 1")
	}
	return nil
}
