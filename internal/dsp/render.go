// Package dsp produces tempo/pitch-shifted buffer sets from a Store. The
// render is heavy and always runs off the real-time path, on a worker
// goroutine owned by the session.
package dsp

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/effects"

	"github.com/grooveshed/stemplayer/internal/resample"
	"github.com/grooveshed/stemplayer/internal/store"
)

// ErrRender wraps any failure inside a background render.
var ErrRender = errors.New("dsp: render failed")

// BufferSet is one complete set of processed buffers for a single
// tempo/pitch configuration. All buffers share Frames and SampleRate. A set
// is immutable once returned; ownership passes to the session on publish.
type BufferSet struct {
	TempoRatio     float64
	PitchSemitones float64
	SampleRate     int
	Frames         int
	Mix            []float32
	Stems          map[string][]float32
}

// Duration returns the set's play length in seconds.
func (b *BufferSet) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames) / float64(b.SampleRate)
}

// NativeSet wraps the store's original audio as the identity configuration
// (tempo 1.0, pitch 0). The buffers are shared with the store, which is safe
// because both sides are immutable.
func NativeSet(st *store.Store) *BufferSet {
	return &BufferSet{
		TempoRatio:     1.0,
		PitchSemitones: 0,
		SampleRate:     st.SampleRate(),
		Frames:         st.Frames(),
		Mix:            st.Mix(),
		Stems:          st.Stems(),
	}
}

// Render builds a new BufferSet for the given tempo ratio and pitch shift.
// It is a pure function of its inputs and can take seconds on long tracks.
func Render(st *store.Store, tempoRatio, pitchSemitones float64) (*BufferSet, error) {
	if tempoRatio <= 0 {
		return nil, fmt.Errorf("%w: tempo ratio %v", ErrRender, tempoRatio)
	}

	set := &BufferSet{
		TempoRatio:     tempoRatio,
		PitchSemitones: pitchSemitones,
		SampleRate:     st.SampleRate(),
		Frames:         resample.StretchedFrames(st.Frames(), tempoRatio),
		Stems:          make(map[string][]float32),
	}

	mix, err := renderBuffer(st.Mix(), st.SampleRate(), tempoRatio, pitchSemitones)
	if err != nil {
		return nil, fmt.Errorf("%w: mix: %v", ErrRender, err)
	}
	set.Mix = mix

	for _, name := range st.StemNames() {
		data, err := renderBuffer(st.Stem(name), st.SampleRate(), tempoRatio, pitchSemitones)
		if err != nil {
			return nil, fmt.Errorf("%w: stem %q: %v", ErrRender, name, err)
		}
		set.Stems[name] = data
	}
	return set, nil
}

// renderBuffer stretches one mono buffer to the target tempo and corrects
// its pitch. Stretching by the tempo ratio transposes the content by the
// same ratio, so the corrective shift is 2^(semitones/12) / tempoRatio.
// Loudness is normalized back to the source RMS because the pitch shifter
// can introduce a gain drop.
func renderBuffer(src []float32, sampleRate int, tempoRatio, pitchSemitones float64) ([]float32, error) {
	out := resample.Stretch(src, tempoRatio)
	if len(out) == 0 {
		return out, nil
	}

	correction := math.Pow(2, pitchSemitones/12.0) / tempoRatio
	if math.Abs(correction-1) > 1e-6 {
		shifter, err := effects.NewPitchShifter(float64(sampleRate))
		if err != nil {
			return nil, err
		}
		if err := shifter.SetPitchRatio(correction); err != nil {
			return nil, err
		}

		buf := make([]float64, len(out))
		for i, v := range out {
			buf[i] = float64(v)
		}
		shifter.ProcessInPlace(buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	}

	normalizeRMS(out, rms(src))
	return out, nil
}

func rms(data []float32) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(data)))
}

// normalizeRMS scales data back to the target RMS and clips to [-1, 1].
func normalizeRMS(data []float32, target float64) {
	current := rms(data)
	if current <= 1e-12 || target <= 1e-12 {
		return
	}
	gain := float32(target / current)
	for i, v := range data {
		v *= gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = v
	}
}
