// Package config provides the configuration schema and loader for the
// captioning pipeline.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Engine     EngineConfig     `yaml:"engine"`
	Captions   CaptionConfig    `yaml:"captions"`
}

// ServerConfig holds network and logging settings for the streaming server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RecognizerConfig selects and configures the speech-to-text backend.
type RecognizerConfig struct {
	// Name selects the backend: "whisper-native", "openai", or "mock".
	Name string `yaml:"name"`

	// ModelPath is the whisper.cpp model file path (whisper-native only).
	ModelPath string `yaml:"model_path"`

	// APIKey authenticates against a hosted backend (openai only).
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within a hosted backend
	// (e.g., "whisper-1"). Empty uses the backend default.
	Model string `yaml:"model"`

	// Language is the BCP-47 language code for recognition (e.g., "en").
	// Empty lets the backend auto-detect, if supported.
	Language string `yaml:"language"`
}

// EngineConfig holds the progressive windowing parameters.
type EngineConfig struct {
	// EmissionIntervalSeconds is the cadence of progressive emissions.
	EmissionIntervalSeconds float64 `yaml:"emission_interval_seconds"`

	// MaxWindowSeconds bounds the unlocked audio sent per recognizer call.
	MaxWindowSeconds float64 `yaml:"max_window_seconds"`

	// SentenceBufferSeconds is the trailing margin never locked at the end
	// of a full window. Must be smaller than MaxWindowSeconds.
	SentenceBufferSeconds float64 `yaml:"sentence_buffer_seconds"`

	// SampleRate is the audio sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// CaptionConfig holds the caption segmentation limits.
type CaptionConfig struct {
	// MaxCueChars is the preferred maximum cue text length.
	MaxCueChars int `yaml:"max_cue_chars"`

	// MaxCueDurationSeconds is the preferred maximum cue duration.
	MaxCueDurationSeconds float64 `yaml:"max_cue_duration_seconds"`

	// MinCueDurationSeconds is the minimum duration before a natural break.
	MinCueDurationSeconds float64 `yaml:"min_cue_duration_seconds"`

	// MaxWordsPerCue is the preferred maximum word count per cue.
	MaxWordsPerCue int `yaml:"max_words_per_cue"`

	// MaxInterWordGapSeconds is the silence beyond which a break is
	// preferred.
	MaxInterWordGapSeconds float64 `yaml:"max_inter_word_gap_seconds"`

	// Connectors overrides the function-word set used by the
	// dangling-fragment heuristics. Empty keeps the built-in English set.
	Connectors []string `yaml:"connectors"`
}
