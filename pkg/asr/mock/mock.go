// Package mock provides a test double for the asr.Recognizer interface.
//
// Use Recognizer to feed controlled transcription results to the engine and
// to inspect which windows were transcribed.
//
// Example:
//
//	rec := &mock.Recognizer{
//	    TranscribeFunc: func(samples []float32, rate int) (*asr.WindowResult, error) {
//	        return &asr.WindowResult{Text: "hello"}, nil
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
)

// TranscribeCall records a single invocation of Recognizer.Transcribe.
type TranscribeCall struct {
	// NumSamples is the length of the window passed to Transcribe.
	NumSamples int

	// SampleRate is the sample rate passed to Transcribe.
	SampleRate int
}

// Recognizer is a mock implementation of asr.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// TranscribeFunc produces the result for each call. If nil, Transcribe
	// returns an empty WindowResult.
	TranscribeFunc func(samples []float32, sampleRate int) (*asr.WindowResult, error)

	// TranscribeErr, if non-nil, is returned as the error from every call.
	// Takes precedence over TranscribeFunc.
	TranscribeErr error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and delegates to TranscribeFunc.
func (r *Recognizer) Transcribe(_ context.Context, samples []float32, sampleRate int) (*asr.WindowResult, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, TranscribeCall{NumSamples: len(samples), SampleRate: sampleRate})
	fn := r.TranscribeFunc
	errOut := r.TranscribeErr
	r.mu.Unlock()

	if errOut != nil {
		return nil, errOut
	}
	if fn == nil {
		return &asr.WindowResult{}, nil
	}
	return fn(samples, sampleRate)
}

// CallCount returns the number of Transcribe invocations so far. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

// Ensure Recognizer implements asr.Recognizer at compile time.
var _ asr.Recognizer = (*Recognizer)(nil)
