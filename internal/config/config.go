package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice session engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	BackendURL   string
	DialTimeout  time.Duration
	DefaultMode  string
	DefaultVoice string
	DefaultModel string
	SystemPrompt string

	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	WhisperThreads   int

	TTSBinary string
	TTSVoice  string
	TTSRate   int

	PlayerBinary   string
	RecorderBinary string
	CaptureMillis  int

	SettingsPath string
	DatabaseURL  string

	AutoReconnect        bool
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
}

// fileConfig mirrors the optional YAML config file. Environment
// variables override anything set here.
type fileConfig struct {
	BindAddr     string `yaml:"bind_addr"`
	BackendURL   string `yaml:"backend_url"`
	DefaultMode  string `yaml:"default_mode"`
	DefaultVoice string `yaml:"default_voice"`
	DefaultModel string `yaml:"default_model"`
	SystemPrompt string `yaml:"system_prompt"`

	WhisperCLI       string `yaml:"whisper_cli"`
	WhisperModelPath string `yaml:"whisper_model_path"`
	WhisperLanguage  string `yaml:"whisper_language"`

	TTSBinary string `yaml:"tts_binary"`
	TTSVoice  string `yaml:"tts_voice"`

	SettingsPath string `yaml:"settings_path"`
	DatabaseURL  string `yaml:"database_url"`
}

// Load reads the optional config file, then environment variables, and
// applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: "voxcore",
		BackendURL:       "ws://127.0.0.1:9000",
		DialTimeout:      10 * time.Second,
		DefaultMode:      "primary",
		DefaultVoice:     "aria",
		DefaultModel:     "live-v1",
		WhisperCLI:       "whisper-cli",
		WhisperModelPath: ".models/whisper/ggml-base.bin",
		WhisperLanguage:  "en",
		// 0 means "auto" (picked based on CPU count).
		WhisperThreads:       0,
		TTSBinary:            "espeak-ng",
		TTSRate:              175,
		PlayerBinary:         "ffplay",
		RecorderBinary:       "arecord",
		CaptureMillis:        100,
		SettingsPath:         ".voxcore/settings.db",
		AutoReconnect:        true,
		ReconnectBase:        500 * time.Millisecond,
		ReconnectCap:         15 * time.Second,
		ReconnectMaxAttempts: 5,
	}

	if path := envTrimmed("VOXCORE_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("VOXCORE_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("VOXCORE_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.BackendURL = envOrDefault("VOXCORE_BACKEND_URL", cfg.BackendURL)
	cfg.DefaultMode = envOrDefault("VOXCORE_DEFAULT_MODE", cfg.DefaultMode)
	cfg.DefaultVoice = envOrDefault("VOXCORE_DEFAULT_VOICE", cfg.DefaultVoice)
	cfg.DefaultModel = envOrDefault("VOXCORE_DEFAULT_MODEL", cfg.DefaultModel)
	cfg.SystemPrompt = envOrDefault("VOXCORE_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.WhisperCLI = envOrDefault("VOXCORE_WHISPER_CLI", cfg.WhisperCLI)
	cfg.WhisperModelPath = envOrDefault("VOXCORE_WHISPER_MODEL_PATH", cfg.WhisperModelPath)
	cfg.WhisperLanguage = envOrDefault("VOXCORE_WHISPER_LANGUAGE", cfg.WhisperLanguage)
	cfg.TTSBinary = envOrDefault("VOXCORE_TTS_BIN", cfg.TTSBinary)
	cfg.TTSVoice = envOrDefault("VOXCORE_TTS_VOICE", cfg.TTSVoice)
	cfg.PlayerBinary = envOrDefault("VOXCORE_PLAYER_BIN", cfg.PlayerBinary)
	cfg.RecorderBinary = envOrDefault("VOXCORE_RECORDER_BIN", cfg.RecorderBinary)
	cfg.SettingsPath = envOrDefault("VOXCORE_SETTINGS_PATH", cfg.SettingsPath)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("VOXCORE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DialTimeout, err = durationFromEnv("VOXCORE_DIAL_TIMEOUT", cfg.DialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WhisperThreads, err = intFromEnv("VOXCORE_WHISPER_THREADS", cfg.WhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSRate, err = intFromEnv("VOXCORE_TTS_RATE", cfg.TTSRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureMillis, err = intFromEnv("VOXCORE_CAPTURE_MILLIS", cfg.CaptureMillis)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("VOXCORE_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoReconnect, err = boolFromEnv("VOXCORE_AUTO_RECONNECT", cfg.AutoReconnect)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBase, err = durationFromEnv("VOXCORE_RECONNECT_BASE", cfg.ReconnectBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectCap, err = durationFromEnv("VOXCORE_RECONNECT_CAP", cfg.ReconnectCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts, err = intFromEnv("VOXCORE_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}

	if cfg.DefaultMode != "primary" && cfg.DefaultMode != "fallback" {
		return Config{}, fmt.Errorf("VOXCORE_DEFAULT_MODE must be primary or fallback")
	}
	if cfg.WhisperThreads < 0 {
		return Config{}, fmt.Errorf("VOXCORE_WHISPER_THREADS must be >= 0")
	}
	if cfg.TTSRate <= 0 {
		return Config{}, fmt.Errorf("VOXCORE_TTS_RATE must be positive")
	}
	if cfg.CaptureMillis < 10 {
		return Config{}, fmt.Errorf("VOXCORE_CAPTURE_MILLIS must be at least 10")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("VOXCORE_RECONNECT_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyIfSet(&cfg.BindAddr, fc.BindAddr)
	applyIfSet(&cfg.BackendURL, fc.BackendURL)
	applyIfSet(&cfg.DefaultMode, fc.DefaultMode)
	applyIfSet(&cfg.DefaultVoice, fc.DefaultVoice)
	applyIfSet(&cfg.DefaultModel, fc.DefaultModel)
	applyIfSet(&cfg.SystemPrompt, fc.SystemPrompt)
	applyIfSet(&cfg.WhisperCLI, fc.WhisperCLI)
	applyIfSet(&cfg.WhisperModelPath, fc.WhisperModelPath)
	applyIfSet(&cfg.WhisperLanguage, fc.WhisperLanguage)
	applyIfSet(&cfg.TTSBinary, fc.TTSBinary)
	applyIfSet(&cfg.TTSVoice, fc.TTSVoice)
	applyIfSet(&cfg.SettingsPath, fc.SettingsPath)
	applyIfSet(&cfg.DatabaseURL, fc.DatabaseURL)
	return nil
}

func applyIfSet(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
