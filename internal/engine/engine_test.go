package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nulib-labs/clover-mark-plugin/internal/engine"
	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
	"github.com/nulib-labs/clover-mark-plugin/pkg/asr/mock"
)

// newSession is a test helper that fails the test on constructor errors.
func newSession(t *testing.T, rec asr.Recognizer, cfg engine.Config) *engine.Session {
	t.Helper()
	s, err := engine.NewSession(rec, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNewSession_NilRecognizer(t *testing.T) {
	t.Parallel()

	if _, err := engine.NewSession(nil, engine.Config{}); err == nil {
		t.Fatal("NewSession(nil) returned no error")
	}
}

func TestNewSession_Defaults(t *testing.T) {
	t.Parallel()

	s := newSession(t, &mock.Recognizer{}, engine.Config{})
	cfg := s.Config()
	if cfg.EmissionInterval != 0.5 {
		t.Errorf("EmissionInterval = %v; want 0.5", cfg.EmissionInterval)
	}
	if cfg.MaxWindow != 15 {
		t.Errorf("MaxWindow = %v; want 15", cfg.MaxWindow)
	}
	if cfg.SentenceBuffer != 2 {
		t.Errorf("SentenceBuffer = %v; want 2", cfg.SentenceBuffer)
	}
	if cfg.SampleRate != 16000 {
		t.Errorf("SampleRate = %v; want 16000", cfg.SampleRate)
	}
}

func TestNewSession_RejectsBufferAtLeastWindow(t *testing.T) {
	t.Parallel()

	_, err := engine.NewSession(&mock.Recognizer{}, engine.Config{
		MaxWindow:      5,
		SentenceBuffer: 5,
	})
	if err == nil {
		t.Fatal("NewSession accepted sentence buffer >= max window")
	}
}

// ── Incremental ───────────────────────────────────────────────────────────────

func TestTranscribeIncremental_SkipsShortAudio(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{}
	s := newSession(t, rec, engine.Config{})

	p, err := s.TranscribeIncremental(context.Background(), make([]float32, 4000)) // 0.25s
	if err != nil {
		t.Fatalf("TranscribeIncremental: %v", err)
	}
	if rec.CallCount() != 0 {
		t.Errorf("recognizer called %d times on short audio; want 0", rec.CallCount())
	}
	if p.ActiveText != "" || p.FixedText != "" {
		t.Errorf("got text (%q, %q); want empty", p.FixedText, p.ActiveText)
	}
}

func TestTranscribeIncremental_SkipsUnchangedBuffer(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{Text: "hello"}, nil
		},
	}
	s := newSession(t, rec, engine.Config{})
	audio := make([]float32, 16000)

	if _, err := s.TranscribeIncremental(context.Background(), audio); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := s.TranscribeIncremental(context.Background(), audio); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if rec.CallCount() != 1 {
		t.Errorf("recognizer called %d times; want 1 (second call must skip)", rec.CallCount())
	}
}

func TestTranscribeIncremental_ReturnsActiveText(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{
				Text: "hello there",
				Words: []asr.TimedWord{
					{Text: "hello", Start: 0, End: 0.4},
					{Text: "there", Start: 0.4, End: 0.9},
				},
			}, nil
		},
	}
	s := newSession(t, rec, engine.Config{})

	p, err := s.TranscribeIncremental(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("TranscribeIncremental: %v", err)
	}
	if p.FixedText != "" {
		t.Errorf("FixedText = %q; want empty before any locking", p.FixedText)
	}
	if p.ActiveText != "hello there" {
		t.Errorf("ActiveText = %q; want %q", p.ActiveText, "hello there")
	}
	if p.Text() != "hello there" {
		t.Errorf("Text() = %q; want %q", p.Text(), "hello there")
	}
	if len(p.Words) != 2 {
		t.Errorf("len(Words) = %d; want 2", len(p.Words))
	}
	if p.Timestamp != 1 {
		t.Errorf("Timestamp = %v; want 1", p.Timestamp)
	}
	if p.Metadata == nil {
		t.Error("Metadata is nil; want recognizer stats")
	}
}

func TestTranscribeIncremental_LocksAtFullWindow(t *testing.T) {
	t.Parallel()

	// Full 6s window with a 2s sentence buffer: words ending before 4s lock.
	rec := &mock.Recognizer{
		TranscribeFunc: func(samples []float32, _ int) (*asr.WindowResult, error) {
			if len(samples) == 60 {
				return &asr.WindowResult{
					Text: "a b c d e",
					Words: []asr.TimedWord{
						{Text: "a", Start: 0, End: 1},
						{Text: "b", Start: 1, End: 2},
						{Text: "c", Start: 2, End: 3},
						{Text: "d", Start: 3, End: 5},
						{Text: "e", Start: 5, End: 6},
					},
				}, nil
			}
			// Re-transcription of the 3s remainder after locking.
			return &asr.WindowResult{
				Text: "d e",
				Words: []asr.TimedWord{
					{Text: "d", Start: 0, End: 2},
					{Text: "e", Start: 2, End: 3},
				},
			}, nil
		},
	}
	s := newSession(t, rec, engine.Config{SampleRate: 10, MaxWindow: 6, SentenceBuffer: 2})

	p, err := s.TranscribeIncremental(context.Background(), make([]float32, 60))
	if err != nil {
		t.Fatalf("TranscribeIncremental: %v", err)
	}

	if rec.CallCount() != 2 {
		t.Fatalf("recognizer called %d times; want 2 (lock then re-transcribe)", rec.CallCount())
	}
	if got := rec.Calls[1].NumSamples; got != 30 {
		t.Errorf("re-transcription window = %d samples; want 30", got)
	}
	if p.FixedText != "a b c" {
		t.Errorf("FixedText = %q; want %q", p.FixedText, "a b c")
	}
	if p.ActiveText != "d e" {
		t.Errorf("ActiveText = %q; want %q", p.ActiveText, "d e")
	}
	if len(p.Words) != 5 {
		t.Fatalf("len(Words) = %d; want 5", len(p.Words))
	}
	// Active words are shifted to absolute time after the 3s lock point.
	if p.Words[3].Start != 3 || p.Words[3].End != 5 {
		t.Errorf("word d = (%v, %v); want (3, 5)", p.Words[3].Start, p.Words[3].End)
	}
	if p.Words[4].Start != 5 || p.Words[4].End != 6 {
		t.Errorf("word e = (%v, %v); want (5, 6)", p.Words[4].Start, p.Words[4].End)
	}
}

func TestTranscribeIncremental_ErrorDoesNotAdvance(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend unavailable")
	rec := &mock.Recognizer{TranscribeErr: boom}
	s := newSession(t, rec, engine.Config{})
	audio := make([]float32, 16000)

	if _, err := s.TranscribeIncremental(context.Background(), audio); !errors.Is(err, boom) {
		t.Fatalf("error = %v; want %v", err, boom)
	}

	// The failed call must not count as seen: the same buffer is transcribed
	// again rather than skipped.
	rec.TranscribeErr = nil
	if _, err := s.TranscribeIncremental(context.Background(), audio); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec.CallCount() != 2 {
		t.Errorf("recognizer called %d times; want 2", rec.CallCount())
	}
}

func TestTranscribeIncremental_RetranscribeErrorLeavesLockUncommitted(t *testing.T) {
	t.Parallel()

	boom := errors.New("flaky backend")
	call := 0
	rec := &mock.Recognizer{
		TranscribeFunc: func(samples []float32, _ int) (*asr.WindowResult, error) {
			call++
			if call == 2 {
				return nil, boom
			}
			return &asr.WindowResult{
				Text: "one two three four five six",
				Words: []asr.TimedWord{
					{Text: "one", Start: 0, End: 1},
					{Text: "two", Start: 1, End: 2},
					{Text: "three", Start: 2, End: 3},
					{Text: "four", Start: 3, End: 6},
				},
			}, nil
		},
	}
	s := newSession(t, rec, engine.Config{SampleRate: 10, MaxWindow: 6, SentenceBuffer: 2})
	audio := make([]float32, 60)

	if _, err := s.TranscribeIncremental(context.Background(), audio); !errors.Is(err, boom) {
		t.Fatalf("error = %v; want %v", err, boom)
	}

	// Nothing was locked: the next attempt transcribes the full window again.
	if _, err := s.TranscribeIncremental(context.Background(), audio); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := rec.Calls[2].NumSamples; got != 60 {
		t.Errorf("retry window = %d samples; want 60 (lock must not have committed)", got)
	}
}

// ── Batch ─────────────────────────────────────────────────────────────────────

func TestTranscribeBatchLatest_ShortBuffer(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{Text: "short clip"}, nil
		},
	}
	s := newSession(t, rec, engine.Config{SampleRate: 10, MaxWindow: 6, SentenceBuffer: 2})

	p, err := s.TranscribeBatchLatest(context.Background(), make([]float32, 20))
	if err != nil {
		t.Fatalf("TranscribeBatchLatest: %v", err)
	}
	if !p.IsFinal {
		t.Error("IsFinal = false; want true")
	}
	if p.Timestamp != 2 {
		t.Errorf("Timestamp = %v; want 2", p.Timestamp)
	}
	if p.FixedText != "short clip" {
		t.Errorf("FixedText = %q; want %q", p.FixedText, "short clip")
	}
}

func TestTranscribeBatch_EmptyAudio(t *testing.T) {
	t.Parallel()

	s := newSession(t, &mock.Recognizer{}, engine.Config{SampleRate: 10})
	var got []engine.PartialTranscription
	for p, err := range s.TranscribeBatch(context.Background(), nil) {
		if err != nil {
			t.Fatalf("TranscribeBatch: %v", err)
		}
		got = append(got, p)
	}
	if len(got) != 1 {
		t.Fatalf("got %d emissions; want 1", len(got))
	}
	if !got[0].IsFinal || got[0].Timestamp != 0 {
		t.Errorf("emission = %+v; want final with timestamp 0", got[0])
	}
}

func TestTranscribeBatch_StridesWithLocking(t *testing.T) {
	t.Parallel()

	// Each 6s window reports one word per second; the 2s sentence buffer
	// locks the first three words and the cursor advances 3s per stride.
	rec := &mock.Recognizer{
		TranscribeFunc: func(samples []float32, rate int) (*asr.WindowResult, error) {
			n := len(samples) / rate
			words := make([]asr.TimedWord, n)
			for i := range words {
				words[i] = asr.TimedWord{
					Text:  fmt.Sprintf("w%d", i),
					Start: float64(i),
					End:   float64(i + 1),
				}
			}
			return &asr.WindowResult{Text: "window", Words: words}, nil
		},
	}
	s := newSession(t, rec, engine.Config{SampleRate: 10, MaxWindow: 6, SentenceBuffer: 2})

	var emissions []engine.PartialTranscription
	for p, err := range s.TranscribeBatch(context.Background(), make([]float32, 150)) {
		if err != nil {
			t.Fatalf("TranscribeBatch: %v", err)
		}
		emissions = append(emissions, p)
	}

	if len(emissions) != 5 {
		t.Fatalf("got %d emissions; want 5", len(emissions))
	}
	prev := 0
	for i, p := range emissions {
		if len(p.Words) < prev {
			t.Errorf("emission %d has %d words after %d; word count must not shrink", i, len(p.Words), prev)
		}
		prev = len(p.Words)
	}
	last := emissions[len(emissions)-1]
	if !last.IsFinal {
		t.Error("last emission IsFinal = false; want true")
	}
	if last.Timestamp != 15 {
		t.Errorf("last Timestamp = %v; want 15", last.Timestamp)
	}
	for i, w := range last.Words {
		if i > 0 && w.Start < last.Words[i-1].Start {
			t.Errorf("final word %d starts at %v before word %d", i, w.Start, i-1)
		}
	}
}

func TestTranscribeBatch_NoWordTimingsFallback(t *testing.T) {
	t.Parallel()

	// No word timestamps at all: each full window locks its whole text and
	// the cursor advances half a window.
	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{Text: "x"}, nil
		},
	}
	s := newSession(t, rec, engine.Config{SampleRate: 10, MaxWindow: 6, SentenceBuffer: 2})

	var emissions []engine.PartialTranscription
	for p, err := range s.TranscribeBatch(context.Background(), make([]float32, 100)) {
		if err != nil {
			t.Fatalf("TranscribeBatch: %v", err)
		}
		emissions = append(emissions, p)
	}

	if len(emissions) != 3 {
		t.Fatalf("got %d emissions; want 3", len(emissions))
	}
	last := emissions[2]
	if !last.IsFinal || last.Timestamp != 10 {
		t.Errorf("last = (final %v, timestamp %v); want (true, 10)", last.IsFinal, last.Timestamp)
	}
	if last.FixedText != "x x x" {
		t.Errorf("FixedText = %q; want %q", last.FixedText, "x x x")
	}
}

func TestTranscribeBatch_ForwardProgressOnDegenerateTimings(t *testing.T) {
	t.Parallel()

	// A recognizer that always reports a single zero-duration word would pin
	// the lock point at the cursor; the engine must still advance.
	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{
				Text:  "z",
				Words: []asr.TimedWord{{Text: "z", Start: 0, End: 0}},
			}, nil
		},
	}
	s := newSession(t, rec, engine.Config{SampleRate: 10, MaxWindow: 6, SentenceBuffer: 2})

	count := 0
	sawFinal := false
	for p, err := range s.TranscribeBatch(context.Background(), make([]float32, 70)) {
		if err != nil {
			t.Fatalf("TranscribeBatch: %v", err)
		}
		count++
		sawFinal = p.IsFinal
		if count > 1000 {
			t.Fatal("batch sequence did not terminate")
		}
	}
	if !sawFinal {
		t.Error("last emission was not final")
	}
	if count < 2 {
		t.Errorf("got %d emissions; want several strides", count)
	}
}

func TestTranscribeBatch_ErrorStopsSequence(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend down")
	rec := &mock.Recognizer{TranscribeErr: boom}
	s := newSession(t, rec, engine.Config{SampleRate: 10, MaxWindow: 6, SentenceBuffer: 2})

	var lastErr error
	count := 0
	for _, err := range s.TranscribeBatch(context.Background(), make([]float32, 100)) {
		count++
		lastErr = err
	}
	if count != 1 {
		t.Fatalf("got %d emissions; want 1", count)
	}
	if !errors.Is(lastErr, boom) {
		t.Errorf("error = %v; want %v", lastErr, boom)
	}
}

// ── Progressive ───────────────────────────────────────────────────────────────

func TestTranscribeProgressive_PacedEmissionsAndFinal(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{Text: "tick"}, nil
		},
	}
	s := newSession(t, rec, engine.Config{SampleRate: 100, EmissionInterval: 0.1})

	var emissions []engine.PartialTranscription
	for p, err := range s.TranscribeProgressive(context.Background(), make([]float32, 50)) {
		if err != nil {
			t.Fatalf("TranscribeProgressive: %v", err)
		}
		emissions = append(emissions, p)
	}

	if len(emissions) != 5 {
		t.Fatalf("got %d emissions; want 5", len(emissions))
	}
	for i, p := range emissions[:4] {
		if p.IsFinal {
			t.Errorf("emission %d IsFinal = true; want false", i)
		}
	}
	last := emissions[4]
	if !last.IsFinal {
		t.Error("last emission IsFinal = false; want true")
	}
	if last.Timestamp != 0.5 {
		t.Errorf("last Timestamp = %v; want 0.5", last.Timestamp)
	}
	// Prefixes under half a second skip the recognizer entirely.
	if rec.CallCount() != 1 {
		t.Errorf("recognizer called %d times; want 1", rec.CallCount())
	}
}

func TestTranscribeProgressive_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newSession(t, &mock.Recognizer{}, engine.Config{SampleRate: 100, EmissionInterval: 0.05})

	var lastErr error
	count := 0
	for _, err := range s.TranscribeProgressive(ctx, make([]float32, 100)) {
		count++
		lastErr = err
	}
	if count != 1 {
		t.Fatalf("got %d emissions; want 1", count)
	}
	if !errors.Is(lastErr, context.Canceled) {
		t.Errorf("error = %v; want context.Canceled", lastErr)
	}
}

// ── Finalize and Reset ────────────────────────────────────────────────────────

func TestFinalize(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{Text: "hello world"}, nil
		},
	}
	s := newSession(t, rec, engine.Config{})

	text, err := s.Finalize(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Finalize = %q; want %q", text, "hello world")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{
		TranscribeFunc: func([]float32, int) (*asr.WindowResult, error) {
			return &asr.WindowResult{Text: "something"}, nil
		},
	}
	s := newSession(t, rec, engine.Config{})
	audio := make([]float32, 16000)

	if _, err := s.TranscribeIncremental(context.Background(), audio); err != nil {
		t.Fatalf("TranscribeIncremental: %v", err)
	}
	s.Reset()

	// After a reset the same buffer is fresh again.
	if _, err := s.TranscribeIncremental(context.Background(), audio); err != nil {
		t.Fatalf("after reset: %v", err)
	}
	if rec.CallCount() != 2 {
		t.Errorf("recognizer called %d times; want 2", rec.CallCount())
	}
}
