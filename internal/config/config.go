package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
	// HTTPBind serves /healthz, /readyz and /metrics when set. Keep it on loopback.
	HTTPBind     string `yaml:"http_bind"`
}

type SocketConfig struct {
	Path          string `yaml:"path"`
	MaxFrameBytes int    `yaml:"max_frame_bytes"`
}

type DaemonConfig struct {
	// Executable is what clients spawn when no daemon answers. Empty means
	// "loqa-ttsd next to the client binary, then $PATH".
	Executable         string `yaml:"executable"`
	LogFile            string `yaml:"log_file"`
	ShutdownGraceMS    int    `yaml:"shutdown_grace_ms"`
	MaxInflightPerConn int    `yaml:"max_inflight_per_conn"`
	ZeroCopy           bool   `yaml:"zero_copy"`
	ZeroCopyMinBytes   int    `yaml:"zero_copy_min_bytes"`
	SynthTimeoutMS     int    `yaml:"synth_timeout_ms"`
}

type CacheConfig struct {
	Capacity      int      `yaml:"capacity"`
	Pinned        []uint32 `yaml:"pinned"`
	PreloadPinned bool     `yaml:"preload_pinned"`
}

type StyleConfig struct {
	ID   uint32 `yaml:"id"`
	Name string `yaml:"name"`
}

type ModelConfig struct {
	ID      uint32        `yaml:"id"`
	Name    string        `yaml:"name"`
	Speaker string        `yaml:"speaker"`
	Styles  []StyleConfig `yaml:"styles"`
}

type EngineConfig struct {
	Mode       string        `yaml:"mode"` // mock, exec, wasm
	Command    string        `yaml:"command"`
	Module     string        `yaml:"module"` // WASI program for mode=wasm
	SampleRate int           `yaml:"sample_rate"`
	Channels   int           `yaml:"channels"`
	Models     []ModelConfig `yaml:"models"`
}

type ClientConfig struct {
	AutoStart        bool `yaml:"autostart"`
	MaxAttempts      int  `yaml:"max_attempts"`
	InitialBackoffMS int  `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int  `yaml:"max_backoff_ms"`
	MaxWaitMS        int  `yaml:"max_wait_ms"`
	ZeroCopy         bool `yaml:"zero_copy"`
}

type StreamConfig struct {
	MaxSegmentRunes int `yaml:"max_segment_runes"`
	Ahead           int `yaml:"ahead"`
	MaxFailures     int `yaml:"max_failures"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
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
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Socket      SocketConfig     `yaml:"socket"`
	Daemon      DaemonConfig     `yaml:"daemon"`
	Cache       CacheConfig      `yaml:"cache"`
	Engine      EngineConfig     `yaml:"engine"`
	Client      ClientConfig     `yaml:"client"`
	Stream      StreamConfig     `yaml:"stream"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		Socket: SocketConfig{
			MaxFrameBytes: 32 << 20,
		},
		Daemon: DaemonConfig{
			ShutdownGraceMS:    10000,
			MaxInflightPerConn: 4,
			ZeroCopy:           true,
			ZeroCopyMinBytes:   64 << 10,
			SynthTimeoutMS:     60000,
		},
		Cache: CacheConfig{
			Capacity: 5,
		},
		Engine: EngineConfig{
			Mode:       "mock",
			SampleRate: 24000,
			Channels:   1,
			Models:     defaultModels(),
		},
		Client: ClientConfig{
			AutoStart:        true,
			MaxAttempts:      10,
			InitialBackoffMS: 100,
			MaxBackoffMS:     2000,
			MaxWaitMS:        15000,
			ZeroCopy:         true,
		},
		Stream: StreamConfig{
			MaxSegmentRunes: 120,
			Ahead:           2,
			MaxFailures:     3,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		EventStore: EventStoreConfig{
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4223,
			Servers:        []string{"nats://127.0.0.1:4223"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "tts.event",
		},
	}
}

// defaultModels is the catalog used by the mock engine: eight single-speaker
// models with four styles each, style id = model id * 4 + n.
func defaultModels() []ModelConfig {
	styleNames := []string{"normal", "sweet", "tsun", "whisper"}
	models := make([]ModelConfig, 0, 8)
	for id := uint32(0); id < 8; id++ {
		m := ModelConfig{
			ID:      id,
			Name:    fmt.Sprintf("model-%d", id),
			Speaker: fmt.Sprintf("speaker-%d", id),
		}
		for n, name := range styleNames {
			m.Styles = append(m.Styles, StyleConfig{ID: id*4 + uint32(n), Name: name})
		}
		models = append(models, m)
	}
	return models
}

// Load reads path (if non-empty) over the defaults, applies LOQA_TTS_*
// environment overrides, fills derived paths and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		if candidate := DefaultConfigPath(); candidate != "" {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}

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
	fillPaths(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.Socket.Path, "LOQA_TTS_SOCKET")
	overrideInt(&cfg.Socket.MaxFrameBytes, "LOQA_TTS_MAX_FRAME_BYTES")
	overrideString(&cfg.Daemon.Executable, "LOQA_TTS_DAEMON_EXECUTABLE")
	overrideString(&cfg.Daemon.LogFile, "LOQA_TTS_DAEMON_LOG_FILE")
	overrideInt(&cfg.Daemon.ShutdownGraceMS, "LOQA_TTS_DAEMON_SHUTDOWN_GRACE_MS")
	overrideInt(&cfg.Daemon.MaxInflightPerConn, "LOQA_TTS_DAEMON_MAX_INFLIGHT_PER_CONN")
	overrideBool(&cfg.Daemon.ZeroCopy, "LOQA_TTS_DAEMON_ZERO_COPY")
	overrideInt(&cfg.Daemon.ZeroCopyMinBytes, "LOQA_TTS_DAEMON_ZERO_COPY_MIN_BYTES")
	overrideInt(&cfg.Daemon.SynthTimeoutMS, "LOQA_TTS_DAEMON_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Cache.Capacity, "LOQA_TTS_CACHE_CAPACITY")
	overrideUintSlice(&cfg.Cache.Pinned, "LOQA_TTS_CACHE_PINNED")
	overrideBool(&cfg.Cache.PreloadPinned, "LOQA_TTS_CACHE_PRELOAD_PINNED")
	overrideString(&cfg.Engine.Mode, "LOQA_TTS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_TTS_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Module, "LOQA_TTS_ENGINE_MODULE")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_TTS_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "LOQA_TTS_ENGINE_CHANNELS")
	overrideBool(&cfg.Client.AutoStart, "LOQA_TTS_CLIENT_AUTOSTART")
	overrideInt(&cfg.Client.MaxAttempts, "LOQA_TTS_CLIENT_MAX_ATTEMPTS")
	overrideInt(&cfg.Client.InitialBackoffMS, "LOQA_TTS_CLIENT_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Client.MaxBackoffMS, "LOQA_TTS_CLIENT_MAX_BACKOFF_MS")
	overrideInt(&cfg.Client.MaxWaitMS, "LOQA_TTS_CLIENT_MAX_WAIT_MS")
	overrideBool(&cfg.Client.ZeroCopy, "LOQA_TTS_CLIENT_ZERO_COPY")
	overrideInt(&cfg.Stream.MaxSegmentRunes, "LOQA_TTS_STREAM_MAX_SEGMENT_RUNES")
	overrideInt(&cfg.Stream.Ahead, "LOQA_TTS_STREAM_AHEAD")
	overrideInt(&cfg.Stream.MaxFailures, "LOQA_TTS_STREAM_MAX_FAILURES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TTS_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.HTTPBind, "LOQA_TTS_HTTP_BIND")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_TTS_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
}

func fillPaths(cfg *Config) {
	if cfg.Socket.Path == "" {
		cfg.Socket.Path = DefaultSocketPath()
	}
	if cfg.Daemon.LogFile == "" {
		cfg.Daemon.LogFile = StatePath("daemon.log")
	}
	if cfg.EventStore.Path == "" {
		cfg.EventStore.Path = StatePath("events.db")
	}
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
		if trimmed := splitList(value); len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// overrideUintSlice accepts a comma separated id list; an empty value clears
// the slice so pinning can be switched off from the environment.
func overrideUintSlice(target *[]uint32, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var ids []uint32
	for _, p := range splitList(value) {
		parsed, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return
		}
		ids = append(ids, uint32(parsed))
	}
	*target = ids
}

func splitList(value string) []string {
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func validate(cfg Config) error {
	var errs []error
	if cfg.RuntimeName == "" {
		errs = append(errs, errors.New("runtime_name must not be empty"))
	}
	if cfg.Socket.Path == "" {
		errs = append(errs, errors.New("socket.path must not be empty"))
	}
	if cfg.Socket.MaxFrameBytes < 1<<10 {
		errs = append(errs, errors.New("socket.max_frame_bytes must be at least 1024"))
	}
	if cfg.Daemon.ShutdownGraceMS < 0 {
		errs = append(errs, errors.New("daemon.shutdown_grace_ms must be >= 0"))
	}
	if cfg.Daemon.MaxInflightPerConn <= 0 {
		errs = append(errs, errors.New("daemon.max_inflight_per_conn must be >= 1"))
	}
	if cfg.Daemon.ZeroCopyMinBytes < 0 {
		errs = append(errs, errors.New("daemon.zero_copy_min_bytes must be >= 0"))
	}
	if cfg.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be >= 1"))
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "wasm":
	default:
		errs = append(errs, errors.New("engine.mode must be one of mock|exec|wasm"))
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		errs = append(errs, errors.New("engine.command must be set when mode=exec"))
	}
	if cfg.Engine.Mode == "wasm" && cfg.Engine.Module == "" {
		errs = append(errs, errors.New("engine.module must be set when mode=wasm"))
	}
	if cfg.Engine.SampleRate <= 0 {
		errs = append(errs, errors.New("engine.sample_rate must be positive"))
	}
	if cfg.Engine.Channels <= 0 {
		errs = append(errs, errors.New("engine.channels must be positive"))
	}
	errs = append(errs, validateModels(cfg.Engine.Models)...)
	if cfg.Client.MaxAttempts <= 0 {
		errs = append(errs, errors.New("client.max_attempts must be >= 1"))
	}
	if cfg.Client.InitialBackoffMS <= 0 || cfg.Client.MaxBackoffMS < cfg.Client.InitialBackoffMS {
		errs = append(errs, errors.New("client backoff must satisfy 0 < initial_backoff_ms <= max_backoff_ms"))
	}
	if cfg.Client.MaxWaitMS <= 0 {
		errs = append(errs, errors.New("client.max_wait_ms must be positive"))
	}
	if cfg.Stream.MaxSegmentRunes < 8 {
		errs = append(errs, errors.New("stream.max_segment_runes must be >= 8"))
	}
	if cfg.Stream.Ahead < 2 {
		errs = append(errs, errors.New("stream.ahead must be >= 2 so synthesis overlaps playback"))
	}
	if cfg.Stream.MaxFailures < 0 {
		errs = append(errs, errors.New("stream.max_failures must be >= 0"))
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, errors.New("telemetry.log_level must be one of debug|info|warn|error"))
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		errs = append(errs, errors.New("event_store.retention_mode must be one of ephemeral|session|persistent"))
	}
	if cfg.EventStore.RetentionDays < 0 {
		errs = append(errs, errors.New("event_store.retention_days must be >= 0"))
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			errs = append(errs, errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled"))
		}
		if !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
			errs = append(errs, errors.New("bus.servers must not be empty when embedded mode is disabled"))
		}
		if cfg.Bus.SubjectPrefix == "" {
			errs = append(errs, errors.New("bus.subject_prefix must not be empty"))
		}
	}
	return errors.Join(errs...)
}

func validateModels(models []ModelConfig) []error {
	var errs []error
	if len(models) == 0 {
		return []error{errors.New("engine.models must not be empty")}
	}
	modelSeen := make(map[uint32]bool, len(models))
	styleSeen := make(map[uint32]uint32)
	for i, m := range models {
		if modelSeen[m.ID] {
			errs = append(errs, fmt.Errorf("engine.models[%d]: duplicate model id %d", i, m.ID))
		}
		modelSeen[m.ID] = true
		if len(m.Styles) == 0 {
			errs = append(errs, fmt.Errorf("engine.models[%d]: at least one style is required", i))
		}
		for _, s := range m.Styles {
			if owner, ok := styleSeen[s.ID]; ok {
				errs = append(errs, fmt.Errorf("engine.models[%d]: style %d already belongs to model %d", i, s.ID, owner))
				continue
			}
			styleSeen[s.ID] = m.ID
		}
	}
	return errs
}

// ShutdownGrace is the configured grace period as a duration.
func (c DaemonConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

func (c DaemonConfig) SynthTimeout() time.Duration {
	return time.Duration(c.SynthTimeoutMS) * time.Millisecond
}
