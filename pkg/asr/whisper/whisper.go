// Package whisper provides an asr.Recognizer backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and shared across all sessions; each Transcribe
// call creates its own whisper.cpp context, so concurrent calls do not
// interfere. Token-level timestamps are enabled and merged into word-level
// timestamps for the caption segmenter.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
)

// modelSampleRate is the only sample rate whisper.cpp accepts.
const modelSampleRate = 16000

const defaultLanguage = "en"

// Compile-time assertion that Recognizer implements asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// Recognizer implements asr.Recognizer using whisper.cpp Go bindings (CGO).
type Recognizer struct {
	model    whisperlib.Model
	language string
}

// New creates a Recognizer that loads the whisper.cpp model from the given
// file path. The caller must call Close when the recognizer is no longer
// needed.
func New(modelPath string, opts ...Option) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	r := &Recognizer{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the whisper model. Must be called when the recognizer is no
// longer needed.
func (r *Recognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over samples using a fresh context
// and returns the text with merged word-level timestamps. samples must be
// mono audio at 16 kHz; any other sample rate is rejected.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*asr.WindowResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if sampleRate != modelSampleRate {
		return nil, fmt.Errorf("whisper: sample rate must be %d Hz, got %d", modelSampleRate, sampleRate)
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := r.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "error", err)
	}
	wctx.SetTokenTimestamps(true)

	start := time.Now()
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts []string
		words []asr.TimedWord
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		words = append(words, mergeTokens(wctx, segment.Tokens)...)
	}

	latency := time.Since(start).Seconds()
	audioDur := float64(len(samples)) / float64(sampleRate)
	rtf := 0.0
	if audioDur > 0 {
		rtf = latency / audioDur
	}

	return &asr.WindowResult{
		Text:          strings.Join(parts, " "),
		Words:         asr.NormalizeWords(words),
		Latency:       latency,
		AudioDuration: audioDur,
		RTF:           rtf,
	}, nil
}

// mergeTokens folds whisper's subword tokens into whole words. Whisper marks
// a word boundary with a leading space on the first token of each word;
// non-text tokens (BOS, EOS, timestamps) are skipped.
func mergeTokens(wctx whisperlib.Context, tokens []whisperlib.Token) []asr.TimedWord {
	var (
		words   []asr.TimedWord
		current *asr.TimedWord
	)
	flush := func() {
		if current != nil && strings.TrimSpace(current.Text) != "" {
			current.Text = strings.TrimSpace(current.Text)
			words = append(words, *current)
		}
		current = nil
	}

	for _, tok := range tokens {
		if !wctx.IsText(tok) {
			continue
		}
		startsWord := strings.HasPrefix(tok.Text, " ")
		if current == nil || startsWord {
			flush()
			current = &asr.TimedWord{
				Text:       tok.Text,
				Start:      tok.Start.Seconds(),
				End:        tok.End.Seconds(),
				Confidence: float64(tok.P),
			}
			continue
		}
		current.Text += tok.Text
		current.End = tok.End.Seconds()
		// Keep the lowest token probability as the word confidence.
		if float64(tok.P) < current.Confidence {
			current.Confidence = float64(tok.P)
		}
	}
	flush()
	return words
}
