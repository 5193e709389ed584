// Package session owns the playback state machine: the current and pending
// processed buffer sets, the generation counter that invalidates stale
// renders, and the selection/volume snapshots read by the audio callback.
//
// Concurrency contract:
//   - ReadChunk and MaybeSwapPending run on the real-time callback path.
//     They never allocate, never block, and only touch atomics.
//   - RequestTempoPitch and the setters run on the control path.
//   - Render workers publish a completed set through one atomic pointer
//     store, guarded by a small mutex that is never taken in the callback.
package session

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cwbudde/algo-dsp/dsp/effects"
	"github.com/rs/zerolog"

	"github.com/grooveshed/stemplayer/internal/dsp"
	"github.com/grooveshed/stemplayer/internal/store"
)

// ErrInvalidParameter is returned for out-of-range control inputs. It is
// raised synchronously, before any background work starts.
var ErrInvalidParameter = errors.New("parameter out of range")

const defaultMaxChunkFrames = 8192

// Limits bounds the tempo/pitch requests a session will accept.
type Limits struct {
	MinTempoRatio     float64
	MaxTempoRatio     float64
	MaxPitchSemitones float64
}

// DefaultLimits matches the ranges the transport controls expose.
func DefaultLimits() Limits {
	return Limits{MinTempoRatio: 0.25, MaxTempoRatio: 2.0, MaxPitchSemitones: 6}
}

// RenderFunc produces a new buffer set for the given tempo/pitch. It runs on
// a background goroutine, may take seconds, and must be a pure function of
// its inputs.
type RenderFunc func(st *store.Store, tempoRatio, pitchSemitones float64) (*dsp.BufferSet, error)

// Selection is the playback source: either the full mix or a set of stems,
// never both. Stored behind one atomic pointer so the callback always sees a
// complete snapshot.
type Selection struct {
	PlayAll bool
	Stems   map[string]struct{}
}

// Config assembles a Session.
type Config struct {
	Store  *store.Store
	Render RenderFunc // defaults to dsp.Render
	Limits Limits     // zero value means DefaultLimits
	Logger zerolog.Logger

	// MaxChunkFrames sizes the reverb scratch buffer; chunks larger than
	// this skip the wet path rather than allocate.
	MaxChunkFrames int
}

// Session is the audio state machine shared by the control context, the
// render workers, and the real-time callback.
type Session struct {
	store  *store.Store
	render RenderFunc
	limits Limits
	log    zerolog.Logger

	// mu orders generation bumps against pending publishes. Held only for
	// pointer-sized work, never during a render, never in the callback.
	mu  sync.Mutex
	gen atomic.Uint64

	current atomic.Pointer[dsp.BufferSet]
	pending atomic.Pointer[dsp.BufferSet]
	sel     atomic.Pointer[Selection]
	volume  atomic.Uint64

	onReady  func(tempoRatio, pitchSemitones float64)
	onFailed func(err error)

	// Reverb send over the summed chunk. The effect state is touched only
	// from the callback; enabled/wet are atomics written by the control
	// context.
	reverb      *effects.Reverb
	reverbOn    atomic.Bool
	reverbWet   atomic.Uint64
	reverbWasOn bool
	wetScratch  []float64
}

// New builds a session whose current set is the store's native audio at
// tempo 1.0 and pitch 0. The initial selection is the full mix.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Render == nil {
		cfg.Render = dsp.Render
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.MaxChunkFrames <= 0 {
		cfg.MaxChunkFrames = defaultMaxChunkFrames
	}

	reverb, err := effects.NewReverb(float64(cfg.Store.SampleRate()))
	if err != nil {
		return nil, fmt.Errorf("session: reverb init: %w", err)
	}
	// The session blends dry and wet itself, so the effect runs fully wet.
	reverb.SetWet(1)
	reverb.SetDry(0)

	s := &Session{
		store:      cfg.Store,
		render:     cfg.Render,
		limits:     cfg.Limits,
		log:        cfg.Logger,
		reverb:     reverb,
		wetScratch: make([]float64, cfg.MaxChunkFrames),
	}
	s.current.Store(dsp.NativeSet(cfg.Store))
	s.sel.Store(&Selection{PlayAll: true})
	s.volume.Store(math.Float64bits(1.0))
	s.reverbWet.Store(math.Float64bits(0.45))
	return s, nil
}

// SetNotifier registers callbacks invoked from render worker goroutines
// when a render completes or fails. Call before the first tempo/pitch
// request; callbacks must not block.
func (s *Session) SetNotifier(ready func(tempoRatio, pitchSemitones float64), failed func(err error)) {
	s.onReady = ready
	s.onFailed = failed
}

// Store returns the immutable source audio the session was built from.
func (s *Session) Store() *store.Store { return s.store }

// Current returns the buffer set the real-time path is reading.
func (s *Session) Current() *dsp.BufferSet { return s.current.Load() }

// Frames returns the frame count of the current set.
func (s *Session) Frames() int { return s.current.Load().Frames }

// SampleRate returns the shared sample rate in Hz.
func (s *Session) SampleRate() int { return s.store.SampleRate() }

// Duration returns the current set's play length in seconds.
func (s *Session) Duration() float64 { return s.current.Load().Duration() }

// RequestTempoPitch validates the target configuration and starts an
// asynchronous render tagged with a fresh generation. It returns
// immediately; the result lands in the pending slot when ready. A newer
// request supersedes any older in-flight render by generation comparison —
// the older worker keeps running but its result is discarded.
func (s *Session) RequestTempoPitch(tempoRatio, pitchSemitones float64) error {
	if math.IsNaN(tempoRatio) || tempoRatio < s.limits.MinTempoRatio || tempoRatio > s.limits.MaxTempoRatio {
		return fmt.Errorf("%w: tempo ratio %v not in [%v, %v]",
			ErrInvalidParameter, tempoRatio, s.limits.MinTempoRatio, s.limits.MaxTempoRatio)
	}
	if math.IsNaN(pitchSemitones) || math.Abs(pitchSemitones) > s.limits.MaxPitchSemitones {
		return fmt.Errorf("%w: pitch %v not in [%v, %v]",
			ErrInvalidParameter, pitchSemitones, -s.limits.MaxPitchSemitones, s.limits.MaxPitchSemitones)
	}

	cur := s.current.Load()
	if s.pending.Load() == nil &&
		math.Abs(cur.TempoRatio-tempoRatio) < 1e-3 &&
		math.Abs(cur.PitchSemitones-pitchSemitones) < 1e-3 {
		return nil
	}

	s.mu.Lock()
	gen := s.gen.Add(1)
	s.pending.Store(nil)
	s.mu.Unlock()

	s.log.Debug().
		Uint64("generation", gen).
		Float64("tempo", tempoRatio).
		Float64("pitch", pitchSemitones).
		Msg("Starting render")

	go s.runRender(gen, tempoRatio, pitchSemitones)
	return nil
}

func (s *Session) runRender(gen uint64, tempoRatio, pitchSemitones float64) {
	set, err := s.render(s.store, tempoRatio, pitchSemitones)

	if err != nil {
		s.mu.Lock()
		stillCurrent := s.gen.Load() == gen
		s.mu.Unlock()
		if !stillCurrent {
			s.log.Debug().Uint64("generation", gen).Msg("Discarding failed stale render")
			return
		}
		s.log.Error().Err(err).Uint64("generation", gen).Msg("Render failed")
		if s.onFailed != nil {
			s.onFailed(err)
		}
		return
	}

	s.mu.Lock()
	published := s.gen.Load() == gen
	if published {
		s.pending.Store(set)
	}
	s.mu.Unlock()

	if !published {
		s.log.Debug().Uint64("generation", gen).Msg("Discarding superseded render")
		return
	}

	s.log.Info().
		Uint64("generation", gen).
		Float64("tempo", tempoRatio).
		Float64("pitch", pitchSemitones).
		Msg("Render ready")
	if s.onReady != nil {
		s.onReady(tempoRatio, pitchSemitones)
	}
}

// Reset queues the native 1.0x / 0 st audio as pending and invalidates any
// in-flight render. The swap applies at the next chunk boundary (or via the
// facade's immediate apply when playback is stopped).
func (s *Session) Reset() {
	s.mu.Lock()
	s.gen.Add(1)
	s.pending.Store(dsp.NativeSet(s.store))
	s.mu.Unlock()
	s.sel.Store(&Selection{PlayAll: true})
}

// MaybeSwapPending promotes a completed pending set to current, if one
// exists. It returns the sample index in the new set that preserves the
// caller's fractional position through the track. There must be only one
// swapper at a time: the callback while streaming, or the control context
// while playback is stopped.
func (s *Session) MaybeSwapPending(positionSeconds float64) (int, bool) {
	set := s.pending.Swap(nil)
	if set == nil {
		return 0, false
	}

	fraction := 0.0
	if old := s.current.Load(); old != nil && old.Duration() > 0 {
		fraction = positionSeconds / old.Duration()
		if fraction < 0 {
			fraction = 0
		} else if fraction > 1 {
			fraction = 1
		}
	}

	index := int(math.Round(fraction * float64(set.Frames)))
	if index >= set.Frames {
		index = set.Frames - 1
	}
	if index < 0 {
		index = 0
	}

	s.current.Store(set)
	return index, true
}

// ReadChunk fills dst with frames starting at start in the current set and
// returns how many frames were written: fewer than len(dst) at end of
// track, zero at or past the end. In play-all mode it reads the mix;
// otherwise it sums the active stems (silence when none are active). The
// result is scaled by master volume and clipped. No allocation, no locks.
func (s *Session) ReadChunk(dst []float32, start int) int {
	cur := s.current.Load()
	if cur == nil || start < 0 || start >= cur.Frames {
		return 0
	}

	n := len(dst)
	if n > cur.Frames-start {
		n = cur.Frames - start
	}
	out := dst[:n]
	for i := range out {
		out[i] = 0
	}

	sel := s.sel.Load()
	if sel.PlayAll {
		copy(out, cur.Mix[start:start+n])
	} else {
		for name := range sel.Stems {
			data, ok := cur.Stems[name]
			if !ok {
				continue
			}
			seg := data[start : start+n]
			for i, v := range seg {
				out[i] += v
			}
		}
	}

	s.applyReverb(out)

	vol := float32(s.MasterVolume())
	for i, v := range out {
		v *= vol
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return n
}

// applyReverb mixes the wet path into chunk. Runs on the callback only.
func (s *Session) applyReverb(chunk []float32) {
	if !s.reverbOn.Load() {
		if s.reverbWasOn {
			s.reverb.Reset()
			s.reverbWasOn = false
		}
		return
	}
	s.reverbWasOn = true

	wet := math.Float64frombits(s.reverbWet.Load())
	if wet <= 0 || len(chunk) > len(s.wetScratch) {
		return
	}

	buf := s.wetScratch[:len(chunk)]
	for i, v := range chunk {
		buf[i] = float64(v)
	}
	s.reverb.ProcessInPlace(buf)

	dry := float32(1 - wet)
	wetGain := float32(wet)
	for i := range chunk {
		chunk[i] = chunk[i]*dry + float32(buf[i])*wetGain
	}
}

// SetActiveStems switches to stems mode with the named stems active.
// Unknown names are dropped; an empty result plays silence.
func (s *Session) SetActiveStems(names []string) {
	active := make(map[string]struct{}, len(names))
	for _, name := range names {
		if s.store.HasStem(name) {
			active[name] = struct{}{}
		}
	}
	s.sel.Store(&Selection{Stems: active})
}

// SetPlayAll switches to full-mix mode, ignoring any stem selection.
func (s *Session) SetPlayAll() {
	s.sel.Store(&Selection{PlayAll: true})
}

// Selection returns a copy of the active selection snapshot.
func (s *Session) Selection() Selection {
	sel := s.sel.Load()
	out := Selection{PlayAll: sel.PlayAll}
	if len(sel.Stems) > 0 {
		out.Stems = make(map[string]struct{}, len(sel.Stems))
		for name := range sel.Stems {
			out.Stems[name] = struct{}{}
		}
	}
	return out
}

// SetMasterVolume sets the output scale applied in ReadChunk.
func (s *Session) SetMasterVolume(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: volume %v not in [0, 1]", ErrInvalidParameter, v)
	}
	s.volume.Store(math.Float64bits(v))
	return nil
}

// MasterVolume returns the current master volume.
func (s *Session) MasterVolume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// SetReverbEnabled toggles the reverb send. The effect state resets on the
// callback after disabling so a re-enable starts from a clean tail.
func (s *Session) SetReverbEnabled(enabled bool) {
	s.reverbOn.Store(enabled)
}

// SetReverbWet sets the wet amount, clamped to [0, 1].
func (s *Session) SetReverbWet(wet float64) {
	if math.IsNaN(wet) || wet < 0 {
		wet = 0
	} else if wet > 1 {
		wet = 1
	}
	s.reverbWet.Store(math.Float64bits(wet))
}
