package audio

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// LoadWAV reads a PCM WAV file and returns its samples as normalized mono
// float32 values in [-1, 1], together with the file's sample rate. Multi
// channel files are downmixed to mono by averaging channels.
func LoadWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, fmt.Errorf("audio: %q: no PCM data", path)
	}

	samples := monoFloat32(buf, int(dec.BitDepth))
	return samples, buf.Format.SampleRate, nil
}

// monoFloat32 converts an integer PCM buffer to normalized mono float32
// samples. bitDepth selects the normalization divisor; anything outside
// 8/16/24/32 falls back to 16-bit.
func monoFloat32(buf *goaudio.IntBuffer, bitDepth int) []float32 {
	var div float32
	switch bitDepth {
	case 8:
		div = 1 << 7
	case 24:
		div = 1 << 23
	case 32:
		div = 1 << 31
	default:
		div = 1 << 15
	}

	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 1 {
		channels = buf.Format.NumChannels
	}

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / div
		}
		out[i] = sum / float32(channels)
	}
	return out
}
