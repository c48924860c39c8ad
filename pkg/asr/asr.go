// Package asr defines the Recognizer interface for speech-to-text backends.
//
// A recognizer wraps a batch transcription engine (e.g., a local whisper.cpp
// model or a hosted API) and exposes a single uniform operation: transcribe a
// window of mono float32 audio samples into text plus word-level timestamps.
// The progressive transcription engine calls this operation repeatedly over a
// moving window; it treats the recognizer as an opaque, possibly expensive
// function and never retries internally.
//
// Implementations must be safe for concurrent use: a single Recognizer may be
// shared across multiple engine sessions.
package asr

import (
	"context"
	"math"
	"sort"
	"strings"
)

// TimedWord is a single transcribed word with absolute-or-window-relative
// timestamps in seconds. Recognizer output is untrusted: callers should pass
// words through [NormalizeWords] before relying on the timing fields.
type TimedWord struct {
	// Text is the word text. Empty after trimming means the word is dropped
	// during normalization.
	Text string

	// Start is the word start time in seconds, relative to the transcribed
	// window (recognizer output) or to the session (engine output).
	Start float64

	// End is the word end time in seconds. Always >= Start after
	// normalization.
	End float64

	// Confidence is the recognizer's confidence in this word (0.0–1.0).
	// Zero when the backend does not report per-word confidence.
	Confidence float64
}

// WindowResult is the outcome of transcribing one audio window. It is owned
// transiently by the caller of [Recognizer.Transcribe] and never retained by
// the recognizer.
type WindowResult struct {
	// Text is the full transcribed text of the window.
	Text string

	// Words holds word-level timestamps relative to the window start.
	// May be empty for backends without word timing.
	Words []TimedWord

	// Latency is the wall-clock duration of the recognizer call in seconds.
	Latency float64

	// AudioDuration is the duration of the transcribed window in seconds.
	AudioDuration float64

	// RTF is the real-time factor (Latency / AudioDuration). Values below 1
	// mean the recognizer keeps up with real time.
	RTF float64
}

// Recognizer is the abstraction over any batch speech-to-text backend.
//
// Transcribe converts a window of mono float32 samples at the given sample
// rate into a [WindowResult]. The call blocks until inference completes or
// ctx is cancelled. Errors are returned to the caller untouched; retry and
// backoff are the caller's concern.
//
// Implementations must be safe for concurrent use.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (*WindowResult, error)
}

// NormalizeWords returns a cleaned copy of words: text is trimmed and words
// with empty text are dropped, negative times are clamped to zero, End is
// raised to at least Start, timestamps are rounded to millisecond precision,
// and the result is sorted ascending by (Start, End). The input slice is not
// modified.
func NormalizeWords(words []TimedWord) []TimedWord {
	out := make([]TimedWord, 0, len(words))
	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		start := w.Start
		if math.IsNaN(start) || start < 0 {
			start = 0
		}
		end := w.End
		if math.IsNaN(end) || end < start {
			end = start
		}
		out = append(out, TimedWord{
			Text:       text,
			Start:      RoundMillis(start),
			End:        RoundMillis(end),
			Confidence: w.Confidence,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// ShiftWords returns a copy of words with offset seconds added to every
// timestamp. Used to convert window-relative word times to session-absolute
// times.
func ShiftWords(words []TimedWord, offset float64) []TimedWord {
	if offset == 0 {
		out := make([]TimedWord, len(words))
		copy(out, words)
		return out
	}
	out := make([]TimedWord, len(words))
	for i, w := range words {
		w.Start = RoundMillis(w.Start + offset)
		w.End = RoundMillis(w.End + offset)
		out[i] = w
	}
	return out
}

// RoundMillis rounds a seconds value to millisecond precision.
func RoundMillis(sec float64) float64 {
	return math.Round(sec*1000) / 1000
}
