package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-audio/wav"

	"github.com/grooveshed/stemplayer/internal/resample"
)

// ErrNoStems means the stems directory contained no WAV files.
var ErrNoStems = errors.New("store: no wav stems found")

// LoadDir decodes the full mix plus every .wav file in stemsDir. Stems are
// downmixed to mono and resampled to the mix sample rate, then trimmed or
// zero-padded to the mix frame count so the Store invariant holds.
func LoadDir(stemsDir, mixPath string) (*Store, error) {
	mix, rate, err := decodeWAV(mixPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load mix %s: %w", mixPath, err)
	}

	entries, err := os.ReadDir(stemsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read stems directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoStems, stemsDir)
	}
	sort.Strings(files)

	stems := make(map[string][]float32, len(files))
	for _, name := range files {
		data, sr, err := decodeWAV(filepath.Join(stemsDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load stem %s: %w", name, err)
		}
		if sr != rate {
			data = resample.To(data, sr, rate)
		}
		stemName := strings.TrimSuffix(name, filepath.Ext(name))
		stems[stemName] = fitLength(data, len(mix))
	}

	return New(rate, mix, stems)
}

// LoadMix decodes only the full mix, for tracks played without separation.
func LoadMix(mixPath string) (*Store, error) {
	mix, rate, err := decodeWAV(mixPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load mix %s: %w", mixPath, err)
	}
	return New(rate, mix, nil)
}

// decodeWAV reads a WAV file as normalized mono float32 samples.
func decodeWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, ErrEmptyMix
	}

	bits := int(dec.BitDepth)
	if bits == 0 {
		bits = buf.SourceBitDepth
	}
	if bits == 0 {
		bits = 16
	}
	scale := float32(int64(1) << (bits - 1))

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	frames := len(buf.Data) / channels

	// Downmix interleaved channels by averaging.
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float32(channels)
	}

	return mono, buf.Format.SampleRate, nil
}

// fitLength trims or zero-pads data to exactly frames samples.
func fitLength(data []float32, frames int) []float32 {
	if len(data) == frames {
		return data
	}
	if len(data) > frames {
		return data[:frames]
	}
	out := make([]float32, frames)
	copy(out, data)
	return out
}
