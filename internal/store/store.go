// Package store holds fully decoded audio for one loaded track: the full
// mix plus any separated stems, all mono float32 at one shared sample rate.
// A Store is immutable after construction and safe to read from any
// goroutine without synchronization.
package store

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyMix means the track has no usable full-mix audio.
	ErrEmptyMix = errors.New("store: mix is missing or empty")
	// ErrStemMismatch means a stem's frame count does not match the mix.
	ErrStemMismatch = errors.New("store: stem does not match mix")
	// ErrBadSampleRate means the sample rate is not positive.
	ErrBadSampleRate = errors.New("store: sample rate must be positive")
)

// Store is the immutable audio for one track.
type Store struct {
	sampleRate int
	mix        []float32
	stems      map[string][]float32
	names      []string

	mixEnvelope   []float32
	stemEnvelopes map[string][]float32
}

// New builds a Store from pre-decoded mono buffers. Every stem must have the
// same frame count as the mix; the caller is responsible for having already
// resampled everything to sampleRate.
func New(sampleRate int, mix []float32, stems map[string][]float32) (*Store, error) {
	if sampleRate <= 0 {
		return nil, ErrBadSampleRate
	}
	if len(mix) == 0 {
		return nil, ErrEmptyMix
	}

	s := &Store{
		sampleRate:    sampleRate,
		mix:           mix,
		stems:         make(map[string][]float32, len(stems)),
		stemEnvelopes: make(map[string][]float32, len(stems)),
	}
	for name, data := range stems {
		if len(data) != len(mix) {
			return nil, fmt.Errorf("%w: %q has %d frames, mix has %d",
				ErrStemMismatch, name, len(data), len(mix))
		}
		s.stems[name] = data
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	s.mixEnvelope = buildEnvelope(mix, envelopePoints)
	for name, data := range s.stems {
		s.stemEnvelopes[name] = buildEnvelope(data, envelopePoints)
	}
	return s, nil
}

// SampleRate returns the shared sample rate in Hz.
func (s *Store) SampleRate() int { return s.sampleRate }

// Frames returns the frame count shared by the mix and all stems.
func (s *Store) Frames() int { return len(s.mix) }

// Duration returns the track length in seconds.
func (s *Store) Duration() float64 {
	return float64(len(s.mix)) / float64(s.sampleRate)
}

// Mix returns the full-mix buffer. Callers must not modify it.
func (s *Store) Mix() []float32 { return s.mix }

// Stem returns the named stem buffer, or nil if the stem does not exist.
// Callers must not modify it.
func (s *Store) Stem(name string) []float32 { return s.stems[name] }

// HasStem reports whether the named stem was loaded.
func (s *Store) HasStem(name string) bool {
	_, ok := s.stems[name]
	return ok
}

// StemNames returns the loaded stem names in sorted order.
func (s *Store) StemNames() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Stems returns the stem map. Callers must not modify it or its buffers.
func (s *Store) Stems() map[string][]float32 { return s.stems }
