// Command cloverctl transcribes recorded audio into WebVTT captions or IIIF
// annotations, replays recordings as simulated live streams, and serves the
// streaming transcription endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nulib-labs/clover-mark-plugin/internal/caption"
	"github.com/nulib-labs/clover-mark-plugin/internal/config"
	"github.com/nulib-labs/clover-mark-plugin/internal/engine"
	"github.com/nulib-labs/clover-mark-plugin/internal/observe"
	"github.com/nulib-labs/clover-mark-plugin/internal/server"
	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
	"github.com/nulib-labs/clover-mark-plugin/pkg/asr/mock"
	oairec "github.com/nulib-labs/clover-mark-plugin/pkg/asr/openai"
	"github.com/nulib-labs/clover-mark-plugin/pkg/asr/whisper"
	"github.com/nulib-labs/clover-mark-plugin/pkg/audio"
	"github.com/nulib-labs/clover-mark-plugin/pkg/iiif"
	"github.com/nulib-labs/clover-mark-plugin/pkg/webvtt"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "batch", "operating mode: batch, progressive or serve")
	inPath := flag.String("in", "", "input WAV file (batch and progressive modes)")
	outPath := flag.String("out", "-", "output file, or - for stdout")
	format := flag.String("format", "vtt", "output format: vtt or annotations")
	canvasID := flag.String("canvas", "", "IIIF canvas ID targeted by annotations output")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cloverctl: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cloverctl: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "clover-captions",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	// ── Recognizer ────────────────────────────────────────────────────────────
	rec, cleanup, err := buildRecognizer(cfg)
	if err != nil {
		slog.Error("failed to create recognizer", "name", cfg.Recognizer.Name, "err", err)
		return 1
	}
	defer cleanup()

	slog.Info("cloverctl starting",
		"mode", *mode,
		"recognizer", cfg.Recognizer.Name,
		"config", *configPath,
	)

	switch *mode {
	case "serve":
		return runServe(ctx, cfg, rec)
	case "batch", "progressive":
		return runFile(ctx, cfg, rec, fileOptions{
			mode:     *mode,
			inPath:   *inPath,
			outPath:  *outPath,
			format:   *format,
			canvasID: *canvasID,
		})
	default:
		fmt.Fprintf(os.Stderr, "cloverctl: unknown mode %q (want batch, progressive or serve)\n", *mode)
		return 2
	}
}

// ── Serve mode ────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, cfg *config.Config, rec asr.Recognizer) int {
	srv := server.New(rec, engineConfig(cfg), captionOptions(cfg))
	slog.Info("server ready, press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)
	if err := srv.Run(ctx, cfg.Server.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Batch and progressive modes ───────────────────────────────────────────────

type fileOptions struct {
	mode     string
	inPath   string
	outPath  string
	format   string
	canvasID string
}

// runFile transcribes one WAV file and writes captions in the requested
// format. Batch mode strides through the audio as fast as the recognizer
// allows; progressive mode replays it at real-time cadence.
func runFile(ctx context.Context, cfg *config.Config, rec asr.Recognizer, opts fileOptions) int {
	if opts.inPath == "" {
		fmt.Fprintln(os.Stderr, "cloverctl: -in is required in batch and progressive modes")
		return 2
	}
	if opts.format != "vtt" && opts.format != "annotations" {
		fmt.Fprintf(os.Stderr, "cloverctl: unknown format %q (want vtt or annotations)\n", opts.format)
		return 2
	}

	samples, rate, err := audio.LoadWAV(opts.inPath)
	if err != nil {
		slog.Error("failed to load audio", "path", opts.inPath, "err", err)
		return 1
	}

	engCfg := engineConfig(cfg)
	engCfg.SampleRate = rate

	sess, err := engine.NewSession(rec, engCfg)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}

	var seq = sess.TranscribeBatch(ctx, samples)
	if opts.mode == "progressive" {
		seq = sess.TranscribeProgressive(ctx, samples)
	}

	var final engine.PartialTranscription
	for partial, err := range seq {
		if err != nil {
			slog.Error("transcription failed", "err", err)
			return 1
		}
		slog.Info("partial",
			"timestamp", partial.Timestamp,
			"is_final", partial.IsFinal,
			"words", len(partial.Words),
		)
		if partial.IsFinal || len(partial.Words) >= len(final.Words) {
			final = partial
		}
	}

	cues := caption.SegmentWords(final.Words, captionOptions(cfg))
	slog.Info("transcription complete",
		"audio_seconds", float64(len(samples))/float64(rate),
		"words", len(final.Words),
		"cues", len(cues),
	)

	out, err := renderOutput(cues, opts)
	if err != nil {
		slog.Error("failed to render output", "err", err)
		return 1
	}
	if err := writeOutput(opts.outPath, out); err != nil {
		slog.Error("failed to write output", "err", err)
		return 1
	}
	return 0
}

func renderOutput(cues []webvtt.Cue, opts fileOptions) ([]byte, error) {
	if opts.format == "vtt" {
		return []byte(webvtt.Serialize(cues)), nil
	}
	canvas := opts.canvasID
	if canvas == "" {
		canvas = "urn:clover:canvas"
	}
	page := iiif.NewAnnotationPage(cues, canvas, "")
	page.Label = iiif.LangMap("en", "Captions")
	return page.Marshal()
}

func writeOutput(path string, data []byte) error {
	if path == "-" || path == "" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ── Recognizer wiring ─────────────────────────────────────────────────────────

// buildRecognizer creates the recognizer named in cfg. The returned cleanup
// releases backend resources and is safe to call even on a nil-op backend.
func buildRecognizer(cfg *config.Config) (asr.Recognizer, func(), error) {
	noop := func() {}
	rc := cfg.Recognizer

	switch rc.Name {
	case "whisper-native":
		var opts []whisper.Option
		if rc.Language != "" {
			opts = append(opts, whisper.WithLanguage(rc.Language))
		}
		rec, err := whisper.New(rc.ModelPath, opts...)
		if err != nil {
			return nil, noop, err
		}
		return rec, func() {
			if err := rec.Close(); err != nil {
				slog.Warn("recognizer close error", "err", err)
			}
		}, nil

	case "openai":
		var opts []oairec.Option
		if rc.Model != "" {
			opts = append(opts, oairec.WithModel(rc.Model))
		}
		if rc.Language != "" {
			opts = append(opts, oairec.WithLanguage(rc.Language))
		}
		rec, err := oairec.New(rc.APIKey, opts...)
		if err != nil {
			return nil, noop, err
		}
		return rec, noop, nil

	case "mock":
		// Returns empty transcriptions; useful for wiring and load checks.
		return &mock.Recognizer{}, noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown recognizer %q (want %s)",
			rc.Name, strings.Join(config.ValidRecognizerNames, ", "))
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		EmissionInterval: cfg.Engine.EmissionIntervalSeconds,
		MaxWindow:        cfg.Engine.MaxWindowSeconds,
		SentenceBuffer:   cfg.Engine.SentenceBufferSeconds,
		SampleRate:       cfg.Engine.SampleRate,
	}
}

func captionOptions(cfg *config.Config) caption.Options {
	return caption.Options{
		MaxChars:    cfg.Captions.MaxCueChars,
		MaxDuration: cfg.Captions.MaxCueDurationSeconds,
		MinDuration: cfg.Captions.MinCueDurationSeconds,
		MaxWords:    cfg.Captions.MaxWordsPerCue,
		MaxGap:      cfg.Captions.MaxInterWordGapSeconds,
		Connectors:  cfg.Captions.Connectors,
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
