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
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
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

// AudioConfig describes the inbound client audio format.
type AudioConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	FrameSamples int `yaml:"frame_samples"`
}

// VADConfig tunes voice activity detection per deployment.
type VADConfig struct {
	SegmentThreshold   float64 `yaml:"segment_threshold"`
	InterruptThreshold float64 `yaml:"interrupt_threshold"`
	MinVoicedFrames    int     `yaml:"min_voiced_frames"`
	HangFrames         int     `yaml:"hang_frames"`
}

type UpstreamConfig struct {
	Mode             string `yaml:"mode"` // gemini, mock
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	Voice            string `yaml:"voice"`
	ConnectTimeout   int    `yaml:"connect_timeout_ms"`
	OutputSampleRate int    `yaml:"output_sample_rate"`
	ChunkDurationMS  int    `yaml:"chunk_duration_ms"`
}

type AgentsConfig struct {
	Mode         string `yaml:"mode"` // static, http
	Endpoint     string `yaml:"endpoint"`
	CacheSize    int    `yaml:"cache_size"`
	CacheTTL     int    `yaml:"cache_ttl_s"`
	SystemPrompt string `yaml:"system_prompt"`
	Voice        string `yaml:"voice"`
	Model        string `yaml:"model"`
	SpeakFirst   bool   `yaml:"speak_first"`
	Greeting     string `yaml:"greeting"`
}

type RecorderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Directory     string `yaml:"directory"`
	IndexPath     string `yaml:"index_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Agents      AgentsConfig    `yaml:"agents"`
	Recorder    RecorderConfig  `yaml:"recorder"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-bridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3001,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			FrameSamples: 512,
		},
		VAD: VADConfig{
			SegmentThreshold:   0.015,
			InterruptThreshold: 0.2,
			MinVoicedFrames:    3,
			HangFrames:         16,
		},
		Upstream: UpstreamConfig{
			Mode:             "mock",
			Model:            "gemini-2.0-flash-live-001",
			Voice:            "Aoede",
			ConnectTimeout:   15000,
			OutputSampleRate: 24000,
			ChunkDurationMS:  32,
		},
		Agents: AgentsConfig{
			Mode:         "static",
			CacheSize:    128,
			CacheTTL:     300,
			SystemPrompt: "You are a helpful voice assistant. Keep answers short and conversational.",
			Voice:        "Aoede",
			Model:        "gemini-2.0-flash-live-001",
			SpeakFirst:   false,
			Greeting:     "Hello! How can I help you today?",
		},
		Recorder: RecorderConfig{
			Enabled:       true,
			Directory:     "./data/recordings",
			IndexPath:     "./data/recordings.db",
			RetentionDays: 30,
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
	overrideString(&cfg.RuntimeName, "BRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "BRIDGE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "BRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "BRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "BRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "BRIDGE_TELEMETRY_METRICS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BRIDGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "BRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "BRIDGE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSamples, "BRIDGE_AUDIO_FRAME_SAMPLES")
	overrideFloat(&cfg.VAD.SegmentThreshold, "BRIDGE_VAD_SEGMENT_THRESHOLD")
	overrideFloat(&cfg.VAD.InterruptThreshold, "BRIDGE_VAD_INTERRUPT_THRESHOLD")
	overrideInt(&cfg.VAD.MinVoicedFrames, "BRIDGE_VAD_MIN_VOICED_FRAMES")
	overrideInt(&cfg.VAD.HangFrames, "BRIDGE_VAD_HANG_FRAMES")
	overrideString(&cfg.Upstream.Mode, "BRIDGE_UPSTREAM_MODE")
	overrideString(&cfg.Upstream.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Upstream.APIKey, "BRIDGE_UPSTREAM_API_KEY")
	overrideString(&cfg.Upstream.Model, "BRIDGE_UPSTREAM_MODEL")
	overrideString(&cfg.Upstream.Voice, "BRIDGE_UPSTREAM_VOICE")
	overrideInt(&cfg.Upstream.ConnectTimeout, "BRIDGE_UPSTREAM_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Upstream.OutputSampleRate, "BRIDGE_UPSTREAM_OUTPUT_SAMPLE_RATE")
	overrideInt(&cfg.Upstream.ChunkDurationMS, "BRIDGE_UPSTREAM_CHUNK_DURATION_MS")
	overrideString(&cfg.Agents.Mode, "BRIDGE_AGENTS_MODE")
	overrideString(&cfg.Agents.Endpoint, "BRIDGE_AGENTS_ENDPOINT")
	overrideInt(&cfg.Agents.CacheSize, "BRIDGE_AGENTS_CACHE_SIZE")
	overrideInt(&cfg.Agents.CacheTTL, "BRIDGE_AGENTS_CACHE_TTL_S")
	overrideString(&cfg.Agents.SystemPrompt, "BRIDGE_AGENTS_SYSTEM_PROMPT")
	overrideString(&cfg.Agents.Voice, "BRIDGE_AGENTS_VOICE")
	overrideString(&cfg.Agents.Model, "BRIDGE_AGENTS_MODEL")
	overrideBool(&cfg.Agents.SpeakFirst, "BRIDGE_AGENTS_SPEAK_FIRST")
	overrideString(&cfg.Agents.Greeting, "BRIDGE_AGENTS_GREETING")
	overrideBool(&cfg.Recorder.Enabled, "BRIDGE_RECORDER_ENABLED")
	overrideString(&cfg.Recorder.Directory, "BRIDGE_RECORDER_DIRECTORY")
	overrideString(&cfg.Recorder.IndexPath, "BRIDGE_RECORDER_INDEX_PATH")
	overrideInt(&cfg.Recorder.RetentionDays, "BRIDGE_RECORDER_RETENTION_DAYS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return errors.New("audio.frame_samples must be positive")
	}
	if cfg.VAD.SegmentThreshold <= 0 || cfg.VAD.SegmentThreshold >= 1 {
		return errors.New("vad.segment_threshold must be in (0, 1)")
	}
	if cfg.VAD.InterruptThreshold <= 0 || cfg.VAD.InterruptThreshold >= 1 {
		return errors.New("vad.interrupt_threshold must be in (0, 1)")
	}
	if cfg.VAD.MinVoicedFrames <= 0 {
		return errors.New("vad.min_voiced_frames must be >= 1")
	}
	if cfg.VAD.HangFrames <= 0 {
		return errors.New("vad.hang_frames must be >= 1")
	}
	switch cfg.Upstream.Mode {
	case "gemini", "mock":
	default:
		return errors.New("upstream.mode must be one of gemini|mock")
	}
	if cfg.Upstream.Mode == "gemini" && cfg.Upstream.APIKey == "" {
		return errors.New("upstream.api_key must be set when mode=gemini")
	}
	if cfg.Upstream.Model == "" {
		return errors.New("upstream.model must not be empty")
	}
	if cfg.Upstream.OutputSampleRate <= 0 {
		return errors.New("upstream.output_sample_rate must be positive")
	}
	if cfg.Upstream.ChunkDurationMS <= 0 {
		return errors.New("upstream.chunk_duration_ms must be positive")
	}
	switch cfg.Agents.Mode {
	case "static", "http":
	default:
		return errors.New("agents.mode must be one of static|http")
	}
	if cfg.Agents.Mode == "http" {
		if cfg.Agents.Endpoint == "" {
			return errors.New("agents.endpoint must be set when mode=http")
		}
		if cfg.Agents.CacheSize <= 0 {
			return errors.New("agents.cache_size must be >= 1")
		}
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.Directory == "" {
			return errors.New("recorder.directory must not be empty when recorder is enabled")
		}
		if cfg.Recorder.IndexPath == "" {
			return errors.New("recorder.index_path must not be empty when recorder is enabled")
		}
		if cfg.Recorder.RetentionDays < 0 {
			return errors.New("recorder.retention_days must be >= 0")
		}
	}
	return nil
}
