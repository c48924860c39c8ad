// Package audio provides the growable sample buffer that feeds the
// progressive transcription engine, plus WAV file loading for offline input.
package audio

import (
	"sync"
)

// Accumulator is an append-only buffer of mono float32 audio samples for one
// recording session. The engine is handed snapshots of the full buffer; the
// accumulator itself never shrinks until [Accumulator.Reset].
//
// All methods are safe for concurrent use.
type Accumulator struct {
	mu         sync.RWMutex
	samples    []float32
	sampleRate int
}

// NewAccumulator creates an empty accumulator for audio at the given sample
// rate (Hz).
func NewAccumulator(sampleRate int) *Accumulator {
	return &Accumulator{sampleRate: sampleRate}
}

// Append adds a chunk of samples to the end of the buffer.
func (a *Accumulator) Append(chunk []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, chunk...)
}

// Samples returns a copy of all accumulated samples.
func (a *Accumulator) Samples() []float32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]float32, len(a.samples))
	copy(out, a.samples)
	return out
}

// Len returns the number of accumulated samples.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples)
}

// SampleRate returns the sample rate the accumulator was created with.
func (a *Accumulator) SampleRate() int {
	return a.sampleRate
}

// Duration returns the buffered audio duration in seconds.
func (a *Accumulator) Duration() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sampleRate <= 0 {
		return 0
	}
	return float64(len(a.samples)) / float64(a.sampleRate)
}

// Reset discards all accumulated samples. The backing array is released so a
// long recording does not pin memory into the next session.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = nil
}
