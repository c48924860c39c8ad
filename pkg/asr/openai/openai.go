// Package openai provides an asr.Recognizer backed by OpenAI's hosted
// transcription API. Audio windows are encoded as 16-bit PCM WAV and uploaded
// per call, so this backend trades latency and cost for zero local model
// setup.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
)

const defaultModel = oai.AudioModelWhisper1

// Compile-time assertion that Recognizer implements asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithModel overrides the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the ISO-639-1 language hint sent with each request.
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// WithBaseURL points the client at an alternate API endpoint, e.g. an
// OpenAI-compatible proxy.
func WithBaseURL(baseURL string) Option {
	return func(r *Recognizer) { r.baseURL = baseURL }
}

// Recognizer implements asr.Recognizer against the OpenAI transcription API.
type Recognizer struct {
	client   oai.Client
	model    string
	language string
	baseURL  string
}

// New creates a Recognizer that authenticates with the given API key.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	r := &Recognizer{model: defaultModel}
	for _, o := range opts {
		o(r)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if r.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(r.baseURL))
	}
	r.client = oai.NewClient(reqOpts...)
	return r, nil
}

// verboseTranscription mirrors the verbose_json response shape, which carries
// the word-level timestamps the caption segmenter needs.
type verboseTranscription struct {
	Text  string `json:"text"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe uploads the window as WAV and requests a verbose transcription
// with word timestamps.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*asr.WindowResult, error) {
	if len(samples) == 0 {
		return &asr.WindowResult{}, nil
	}

	wavBytes := encodeWAV(samples, sampleRate)

	params := oai.AudioTranscriptionNewParams{
		Model:                  oai.AudioModel(r.model),
		File:                   oai.File(bytes.NewReader(wavBytes), "audio.wav", "audio/wav"),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word"},
	}
	if r.language != "" {
		params.Language = oai.String(r.language)
	}

	start := time.Now()
	var verbose verboseTranscription
	_, err := r.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&verbose))
	if err != nil {
		return nil, fmt.Errorf("openai: transcribe: %w", err)
	}
	latency := time.Since(start).Seconds()

	words := make([]asr.TimedWord, 0, len(verbose.Words))
	for _, w := range verbose.Words {
		words = append(words, asr.TimedWord{
			Text:       w.Word,
			Start:      w.Start,
			End:        w.End,
			Confidence: 1,
		})
	}

	audioDur := float64(len(samples)) / float64(sampleRate)
	rtf := 0.0
	if audioDur > 0 {
		rtf = latency / audioDur
	}

	return &asr.WindowResult{
		Text:          strings.TrimSpace(verbose.Text),
		Words:         asr.NormalizeWords(words),
		Latency:       latency,
		AudioDuration: audioDur,
		RTF:           rtf,
	}, nil
}

// encodeWAV wraps float32 mono samples in a 16-bit PCM RIFF container.
func encodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		v := s
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.Write(buf, binary.LittleEndian, int16(v*32767))
	}
	return buf.Bytes()
}
