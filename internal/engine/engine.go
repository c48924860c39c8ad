// Package engine implements progressive speech-to-text over a growing audio
// buffer.
//
// A [Session] repeatedly sends a moving window of not-yet-committed audio to
// a recognizer. Once the window reaches its maximum size, words far enough
// from the window's trailing edge are "locked": appended permanently to the
// session's fixed transcript and never re-transcribed. Word timestamps near
// the end of a window are the least reliable (the recognizer may revise
// them as more context arrives), so a trailing margin (the sentence buffer)
// is always left unlocked. This bounds both the audio re-sent per recognizer
// call and the amount of text that can still change under the reader.
//
// A Session is owned by a single recording session. Its methods are not safe
// for concurrent use; callers must serialize access (e.g., with a single
// in-flight guard). [Session.TranscribeBatch] and
// [Session.TranscribeProgressive] reset and then exclusively own the
// session's state for the lifetime of the returned sequence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/nulib-labs/clover-mark-plugin/internal/observe"
	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
)

// minFreshAudio is the minimum buffered audio, in seconds, before the first
// recognizer call is worth making.
const minFreshAudio = 0.5

// Config holds the windowing parameters for a [Session].
type Config struct {
	// EmissionInterval is the real-time cadence, in seconds, between
	// emissions of [Session.TranscribeProgressive]. Default 0.5.
	EmissionInterval float64

	// MaxWindow is the maximum duration, in seconds, of unlocked audio sent
	// to the recognizer in one call. Default 15.
	MaxWindow float64

	// SentenceBuffer is the trailing margin, in seconds, at the end of a
	// full window whose words are never locked. Must be smaller than
	// MaxWindow. Default 2.
	SentenceBuffer float64

	// SampleRate is the audio sample rate in Hz. Default 16000.
	SampleRate int
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.EmissionInterval <= 0 {
		c.EmissionInterval = 0.5
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 15
	}
	if c.SentenceBuffer <= 0 {
		c.SentenceBuffer = 2
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	return c
}

// Validate checks that c contains a coherent set of values.
func (c Config) Validate() error {
	var errs []error
	if c.EmissionInterval <= 0 {
		errs = append(errs, fmt.Errorf("emission interval must be positive, got %v", c.EmissionInterval))
	}
	if c.MaxWindow <= 0 {
		errs = append(errs, fmt.Errorf("max window must be positive, got %v", c.MaxWindow))
	}
	if c.SentenceBuffer <= 0 {
		errs = append(errs, fmt.Errorf("sentence buffer must be positive, got %v", c.SentenceBuffer))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SentenceBuffer > 0 && c.MaxWindow > 0 && c.SentenceBuffer >= c.MaxWindow {
		errs = append(errs, fmt.Errorf("sentence buffer (%v) must be smaller than max window (%v)", c.SentenceBuffer, c.MaxWindow))
	}
	return errors.Join(errs...)
}

// Metadata carries per-call recognizer statistics on an emission.
type Metadata struct {
	// Latency is the recognizer call duration in seconds.
	Latency float64

	// AudioDuration is the duration of the transcribed window in seconds.
	AudioDuration float64

	// RTF is the real-time factor of the recognizer call.
	RTF float64
}

// PartialTranscription is one engine emission: the merged view of the locked
// transcript and the still-revisable active tail. It is a value type; the
// engine does not retain it after returning.
type PartialTranscription struct {
	// FixedText is the locked transcript, never revised by later emissions.
	FixedText string

	// ActiveText is the latest unlocked recognizer text. It may change or
	// disappear entirely on the next emission.
	ActiveText string

	// Timestamp is the buffered audio duration, in seconds, this emission
	// covers.
	Timestamp float64

	// IsFinal marks the last emission of a sequence; it covers the entire
	// buffer and nothing after it will revise the text.
	IsFinal bool

	// Words is the merged word timeline, locked words followed by active
	// words, with session-absolute timestamps.
	Words []asr.TimedWord

	// Metadata holds recognizer statistics for the call that produced this
	// emission. Nil when no recognizer call was made.
	Metadata *Metadata
}

// Text returns the merged fixed and active text, trimmed.
func (p PartialTranscription) Text() string {
	return strings.TrimSpace(strings.TrimSpace(p.FixedText) + " " + strings.TrimSpace(p.ActiveText))
}

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithMetrics overrides the metrics instance used by the session. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is a progressive transcription session over one growing audio
// buffer. Create one per recording with [NewSession] and discard it when the
// recording ends.
type Session struct {
	rec     asr.Recognizer
	cfg     Config
	metrics *observe.Metrics

	// session state, mutated only by this session's own methods
	fixedSentences []string
	fixedWords     []asr.TimedWord
	fixedEndTime   float64
	lastLength     int
}

// NewSession creates a session that transcribes via rec. Zero fields of cfg
// take their documented defaults.
func NewSession(rec asr.Recognizer, cfg Config, opts ...Option) (*Session, error) {
	if rec == nil {
		return nil, errors.New("engine: recognizer must not be nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	s := &Session{rec: rec, cfg: cfg, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Config returns the session's effective configuration.
func (s *Session) Config() Config { return s.cfg }

// Reset clears all session state. The session can then transcribe a new
// recording from scratch.
func (s *Session) Reset() {
	s.fixedSentences = nil
	s.fixedWords = nil
	s.fixedEndTime = 0
	s.lastLength = 0
}

// TranscribeIncremental advances the session given the entire audio captured
// so far. Successive calls must pass ever-longer prefixes of the same
// recording.
//
// When less than half a second of audio exists, or the buffer has not grown
// since the previous call, the current fixed text is returned without a
// recognizer call. Otherwise the window of unlocked audio is transcribed;
// if that window has reached its maximum size, stable words are locked and
// the now-smaller remainder is transcribed again for fresh active text.
//
// Recognizer errors are returned to the caller without mutating any locked
// state; the engine never retries internally.
func (s *Session) TranscribeIncremental(ctx context.Context, audio []float32) (PartialTranscription, error) {
	rate := float64(s.cfg.SampleRate)
	totalDur := float64(len(audio)) / rate

	if totalDur < minFreshAudio || len(audio) == s.lastLength {
		return PartialTranscription{
			FixedText: s.fixedText(),
			Timestamp: totalDur,
			Words:     cloneWords(s.fixedWords),
		}, nil
	}

	windowStart := min(int(s.fixedEndTime*rate), len(audio))
	window := audio[windowStart:]
	windowDur := float64(len(window)) / rate
	offset := float64(windowStart) / rate

	res, err := s.transcribeWindow(ctx, window)
	if err != nil {
		return PartialTranscription{}, err
	}
	activeWords := asr.NormalizeWords(res.Words)
	activeText := strings.TrimSpace(res.Text)

	// Locking decisions are staged and committed only after every recognizer
	// call has succeeded, so a failure leaves the session untouched.
	var (
		lockedText  string
		lockedWords []asr.TimedWord
		newFixedEnd = s.fixedEndTime
	)

	if windowDur >= s.cfg.MaxWindow {
		cutoff := windowDur - s.cfg.SentenceBuffer
		n := 0
		for n < len(activeWords) && activeWords[n].End < cutoff {
			n++
		}
		if n > 0 {
			lockedText = joinWords(activeWords[:n])
			lockedWords = asr.ShiftWords(activeWords[:n], offset)
			newFixedEnd = lockedWords[n-1].End

			// Re-transcribe the remaining, smaller window for fresh active
			// text that starts right after the last locked word.
			newStart := min(int(newFixedEnd*rate), len(audio))
			res, err = s.transcribeWindow(ctx, audio[newStart:])
			if err != nil {
				return PartialTranscription{}, err
			}
			activeWords = asr.NormalizeWords(res.Words)
			activeText = strings.TrimSpace(res.Text)
			offset = float64(newStart) / rate
		}
	}

	if len(lockedWords) > 0 {
		s.fixedSentences = append(s.fixedSentences, lockedText)
		s.fixedWords = append(s.fixedWords, lockedWords...)
		s.fixedEndTime = newFixedEnd
		s.metrics.WordsLocked.Add(ctx, int64(len(lockedWords)))
	}
	s.lastLength = len(audio)

	words := append(cloneWords(s.fixedWords), asr.ShiftWords(activeWords, offset)...)
	s.metrics.RecordEmission(ctx, false)
	return PartialTranscription{
		FixedText:  s.fixedText(),
		ActiveText: activeText,
		Timestamp:  totalDur,
		Words:      words,
		Metadata:   &Metadata{Latency: res.Latency, AudioDuration: res.AudioDuration, RTF: res.RTF},
	}, nil
}

// TranscribeProgressive replays fullAudio as if it were arriving live,
// yielding a [PartialTranscription] every emission interval and a final
// emission covering the whole buffer. The returned sequence is finite and
// must not be iterated more than once; session state is reset on entry.
//
// Iteration stops early when ctx is cancelled or a recognizer call fails, in
// which case the last yielded pair carries the error.
func (s *Session) TranscribeProgressive(ctx context.Context, fullAudio []float32) iter.Seq2[PartialTranscription, error] {
	return func(yield func(PartialTranscription, error) bool) {
		s.Reset()
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer s.metrics.ActiveSessions.Add(ctx, -1)

		interval := time.Duration(s.cfg.EmissionInterval * float64(time.Second))
		step := max(int(s.cfg.EmissionInterval*float64(s.cfg.SampleRate)), 1)

		for end := step; end < len(fullAudio); end += step {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(PartialTranscription{}, ctx.Err())
				return
			case <-timer.C:
			}

			p, err := s.TranscribeIncremental(ctx, fullAudio[:end])
			if err != nil {
				yield(PartialTranscription{}, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}

		p, err := s.TranscribeIncremental(ctx, fullAudio)
		if err != nil {
			yield(PartialTranscription{}, err)
			return
		}
		p.IsFinal = true
		p.Timestamp = float64(len(fullAudio)) / float64(s.cfg.SampleRate)
		s.metrics.RecordEmission(ctx, true)
		yield(p, nil)
	}
}

// TranscribeBatch transcribes fullAudio as fast as the recognizer allows,
// with no pacing, advancing in max-window-sized strides. Full windows apply
// the locking rule; when nothing is lockable the whole window's text is
// locked and the cursor advances by half a window so the sequence cannot
// stall. The last, short window is emitted with IsFinal set and all of its
// words locked. The sequence always makes forward progress of at least one
// sample per stride.
//
// The returned sequence is finite and must not be iterated more than once;
// session state is reset on entry.
func (s *Session) TranscribeBatch(ctx context.Context, fullAudio []float32) iter.Seq2[PartialTranscription, error] {
	return func(yield func(PartialTranscription, error) bool) {
		s.Reset()
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer s.metrics.ActiveSessions.Add(ctx, -1)

		rate := float64(s.cfg.SampleRate)
		winSamples := max(int(s.cfg.MaxWindow*rate), 1)
		total := len(fullAudio)
		totalDur := float64(total) / rate

		if total == 0 {
			s.metrics.RecordEmission(ctx, true)
			yield(PartialTranscription{IsFinal: true}, nil)
			return
		}

		cursor := 0
		for cursor < total {
			if err := ctx.Err(); err != nil {
				yield(PartialTranscription{}, err)
				return
			}

			end := min(cursor+winSamples, total)
			window := fullAudio[cursor:end]
			windowDur := float64(len(window)) / rate
			offset := float64(cursor) / rate

			res, err := s.transcribeWindow(ctx, window)
			if err != nil {
				yield(PartialTranscription{}, err)
				return
			}
			words := asr.NormalizeWords(res.Words)
			text := strings.TrimSpace(res.Text)
			meta := &Metadata{Latency: res.Latency, AudioDuration: res.AudioDuration, RTF: res.RTF}

			if len(window) < winSamples {
				// Last window: everything in it is final.
				if text != "" {
					s.fixedSentences = append(s.fixedSentences, text)
				}
				s.fixedWords = append(s.fixedWords, asr.ShiftWords(words, offset)...)
				s.fixedEndTime = totalDur
				s.lastLength = total
				s.metrics.WordsLocked.Add(ctx, int64(len(words)))
				s.metrics.RecordEmission(ctx, true)
				yield(PartialTranscription{
					FixedText: s.fixedText(),
					Timestamp: totalDur,
					IsFinal:   true,
					Words:     cloneWords(s.fixedWords),
					Metadata:  meta,
				}, nil)
				return
			}

			// Full window: lock what the sentence buffer allows.
			cutoff := windowDur - s.cfg.SentenceBuffer
			n := 0
			for n < len(words) && words[n].End < cutoff {
				n++
			}

			var active []asr.TimedWord
			activeText := ""
			next := cursor
			if n > 0 {
				locked := asr.ShiftWords(words[:n], offset)
				s.fixedSentences = append(s.fixedSentences, joinWords(words[:n]))
				s.fixedWords = append(s.fixedWords, locked...)
				s.fixedEndTime = locked[n-1].End
				s.metrics.WordsLocked.Add(ctx, int64(n))
				active = words[n:]
				activeText = joinWords(active)
				next = int(s.fixedEndTime * rate)
			} else {
				// Nothing lockable (typically no word timing at all): commit
				// the whole window's text and advance half a window so the
				// sequence keeps moving.
				if text != "" {
					s.fixedSentences = append(s.fixedSentences, text)
				}
				s.fixedWords = append(s.fixedWords, asr.ShiftWords(words, offset)...)
				s.metrics.WordsLocked.Add(ctx, int64(len(words)))
				next = cursor + winSamples/2
				s.fixedEndTime = float64(next) / rate
			}

			if next <= cursor {
				// Forward-progress guard: advance at least one sample.
				next = cursor + 1
				s.fixedEndTime = float64(next) / rate
			}
			cursor = next
			s.lastLength = end

			s.metrics.RecordEmission(ctx, false)
			if !yield(PartialTranscription{
				FixedText:  s.fixedText(),
				ActiveText: activeText,
				Timestamp:  float64(end) / rate,
				Words:      append(cloneWords(s.fixedWords), asr.ShiftWords(active, offset)...),
				Metadata:   meta,
			}, nil) {
				return
			}
		}

		// The cursor can land exactly on the buffer end after a full window;
		// close the sequence with a final emission of the committed state.
		s.fixedEndTime = totalDur
		s.lastLength = total
		s.metrics.RecordEmission(ctx, true)
		yield(PartialTranscription{
			FixedText: s.fixedText(),
			Timestamp: totalDur,
			IsFinal:   true,
			Words:     cloneWords(s.fixedWords),
		}, nil)
	}
}

// TranscribeBatchLatest drains [Session.TranscribeBatch] and returns only the
// last emission, for callers that do not need progress events.
func (s *Session) TranscribeBatchLatest(ctx context.Context, fullAudio []float32) (PartialTranscription, error) {
	var last PartialTranscription
	for p, err := range s.TranscribeBatch(ctx, fullAudio) {
		if err != nil {
			return PartialTranscription{}, err
		}
		last = p
	}
	return last, nil
}

// Finalize runs one more incremental pass over the full buffer and returns
// the merged fixed and active text, trimmed.
func (s *Session) Finalize(ctx context.Context, fullAudio []float32) (string, error) {
	p, err := s.TranscribeIncremental(ctx, fullAudio)
	if err != nil {
		return "", err
	}
	return p.Text(), nil
}

// transcribeWindow calls the recognizer for one window, recording latency
// and real-time-factor metrics and a span around the call. Missing metadata
// fields in the recognizer's result are filled in from measurements here.
func (s *Session) transcribeWindow(ctx context.Context, window []float32) (*asr.WindowResult, error) {
	windowDur := float64(len(window)) / float64(s.cfg.SampleRate)

	ctx, span := observe.StartSpan(ctx, "recognizer.transcribe")
	defer span.End()

	start := time.Now()
	res, err := s.rec.Transcribe(ctx, window, s.cfg.SampleRate)
	if err != nil {
		s.metrics.RecognizerErrors.Add(ctx, 1)
		return nil, fmt.Errorf("engine: transcribe window: %w", err)
	}

	if res.Latency == 0 {
		res.Latency = time.Since(start).Seconds()
	}
	if res.AudioDuration == 0 {
		res.AudioDuration = windowDur
	}
	if res.RTF == 0 && res.AudioDuration > 0 {
		res.RTF = res.Latency / res.AudioDuration
	}

	s.metrics.RecognizerDuration.Record(ctx, res.Latency)
	s.metrics.WindowDuration.Record(ctx, windowDur)
	if res.RTF > 0 {
		s.metrics.RecognizerRTF.Record(ctx, res.RTF)
	}
	return res, nil
}

// fixedText returns the locked sentences joined by spaces.
func (s *Session) fixedText() string {
	return strings.Join(s.fixedSentences, " ")
}

func joinWords(words []asr.TimedWord) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Text
	}
	return strings.Join(parts, " ")
}

func cloneWords(words []asr.TimedWord) []asr.TimedWord {
	out := make([]asr.TimedWord, len(words))
	copy(out, words)
	return out
}
