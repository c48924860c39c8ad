package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidRecognizerNames lists the known recognizer backend names.
var ValidRecognizerNames = []string{"whisper-native", "openai", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Recognizer.Name == "" {
		cfg.Recognizer.Name = "whisper-native"
	}
	if cfg.Engine.EmissionIntervalSeconds == 0 {
		cfg.Engine.EmissionIntervalSeconds = 0.5
	}
	if cfg.Engine.MaxWindowSeconds == 0 {
		cfg.Engine.MaxWindowSeconds = 15
	}
	if cfg.Engine.SentenceBufferSeconds == 0 {
		cfg.Engine.SentenceBufferSeconds = 2
	}
	if cfg.Engine.SampleRate == 0 {
		cfg.Engine.SampleRate = 16000
	}
	if cfg.Captions.MaxCueChars == 0 {
		cfg.Captions.MaxCueChars = 56
	}
	if cfg.Captions.MaxCueDurationSeconds == 0 {
		cfg.Captions.MaxCueDurationSeconds = 6.5
	}
	if cfg.Captions.MinCueDurationSeconds == 0 {
		cfg.Captions.MinCueDurationSeconds = 1.4
	}
	if cfg.Captions.MaxWordsPerCue == 0 {
		cfg.Captions.MaxWordsPerCue = 16
	}
	if cfg.Captions.MaxInterWordGapSeconds == 0 {
		cfg.Captions.MaxInterWordGapSeconds = 1.1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !slices.Contains(ValidRecognizerNames, cfg.Recognizer.Name) {
		errs = append(errs, fmt.Errorf("recognizer.name %q is unknown; valid values: %v", cfg.Recognizer.Name, ValidRecognizerNames))
	}
	if cfg.Recognizer.Name == "whisper-native" && cfg.Recognizer.ModelPath == "" {
		errs = append(errs, errors.New("recognizer.model_path is required for the whisper-native backend"))
	}
	if cfg.Recognizer.Name == "openai" && cfg.Recognizer.APIKey == "" {
		errs = append(errs, errors.New("recognizer.api_key is required for the openai backend"))
	}

	if cfg.Engine.EmissionIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("engine.emission_interval_seconds must be positive, got %v", cfg.Engine.EmissionIntervalSeconds))
	}
	if cfg.Engine.MaxWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_window_seconds must be positive, got %v", cfg.Engine.MaxWindowSeconds))
	}
	if cfg.Engine.SentenceBufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("engine.sentence_buffer_seconds must be positive, got %v", cfg.Engine.SentenceBufferSeconds))
	}
	if cfg.Engine.SentenceBufferSeconds >= cfg.Engine.MaxWindowSeconds && cfg.Engine.MaxWindowSeconds > 0 {
		errs = append(errs, fmt.Errorf("engine.sentence_buffer_seconds (%v) must be smaller than engine.max_window_seconds (%v)",
			cfg.Engine.SentenceBufferSeconds, cfg.Engine.MaxWindowSeconds))
	}
	if cfg.Engine.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("engine.sample_rate must be positive, got %d", cfg.Engine.SampleRate))
	}

	if cfg.Captions.MaxCueChars <= 0 {
		errs = append(errs, fmt.Errorf("captions.max_cue_chars must be positive, got %d", cfg.Captions.MaxCueChars))
	}
	if cfg.Captions.MaxCueDurationSeconds <= cfg.Captions.MinCueDurationSeconds {
		errs = append(errs, fmt.Errorf("captions.max_cue_duration_seconds (%v) must exceed captions.min_cue_duration_seconds (%v)",
			cfg.Captions.MaxCueDurationSeconds, cfg.Captions.MinCueDurationSeconds))
	}
	if cfg.Captions.MaxWordsPerCue <= 0 {
		errs = append(errs, fmt.Errorf("captions.max_words_per_cue must be positive, got %d", cfg.Captions.MaxWordsPerCue))
	}
	if cfg.Captions.MaxInterWordGapSeconds <= 0 {
		errs = append(errs, fmt.Errorf("captions.max_inter_word_gap_seconds must be positive, got %v", cfg.Captions.MaxInterWordGapSeconds))
	}

	return errors.Join(errs...)
}
