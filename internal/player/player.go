// Package player is the user-facing facade over the audio session and the
// playback engine. The control context calls its command surface; the
// engine calls Pull on the real-time path.
package player

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/grooveshed/stemplayer/internal/session"
)

// ErrNoOutput means Play was called before an output was attached.
var ErrNoOutput = errors.New("player: no output attached")

const (
	defaultEventBuffer     = 16
	defaultFramesPerBuffer = 1024
	maxGainDB              = 20.0
)

// Output is the playback side of the device subsystem. Implemented by
// engine.Engine; faked in tests.
type Output interface {
	Start() error
	Stop() error
}

// EventKind tags asynchronous notifications to the control context.
type EventKind int

const (
	// EventRenderReady: a tempo/pitch render completed and is pending.
	EventRenderReady EventKind = iota
	// EventRenderFailed: a render failed; playback continues unchanged.
	EventRenderFailed
	// EventSwapApplied: a pending set was swapped into the live path.
	EventSwapApplied
	// EventEndOfTrack: playback reached the end and stopped.
	EventEndOfTrack
)

// Event is delivered on the Events channel. Sends never block the
// real-time path; events are dropped when the channel is full.
type Event struct {
	Kind            EventKind
	Err             error
	TempoRatio      float64
	PitchSemitones  float64
	PositionSeconds float64
}

// Config assembles a Player.
type Config struct {
	Session *session.Session
	Output  Output // optional here, may be attached later via SetOutput
	Logger  zerolog.Logger

	// FramesPerBuffer sizes the loop-crossfade scratch buffers. Should
	// match the engine's frames per buffer.
	FramesPerBuffer int
	EventBuffer     int
}

// Player composes a session and an output into the transport the
// presentation layer drives.
type Player struct {
	session *session.Session
	log     zerolog.Logger

	output atomic.Pointer[outputBox]

	playIndex atomic.Int64
	playing   atomic.Bool
	paused    atomic.Bool

	gainDB    atomic.Uint64
	gainOn    atomic.Bool
	level     atomic.Uint64
	clipping  atomic.Bool
	crossfade atomic.Bool

	loop *LoopController

	// Crossfade scratch, touched only from the pull path.
	fadeEnd   []float32
	fadeStart []float32

	events  chan Event
	dropped atomic.Uint64
}

type outputBox struct{ out Output }

// New builds a player over the session and registers for its render
// notifications.
func New(cfg Config) *Player {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	p := &Player{
		session:   cfg.Session,
		log:       cfg.Logger,
		loop:      NewLoopController(),
		fadeEnd:   make([]float32, cfg.FramesPerBuffer),
		fadeStart: make([]float32, cfg.FramesPerBuffer),
		events:    make(chan Event, cfg.EventBuffer),
	}
	if cfg.Output != nil {
		p.output.Store(&outputBox{out: cfg.Output})
	}

	p.session.SetNotifier(
		func(tempoRatio, pitchSemitones float64) {
			p.emit(Event{Kind: EventRenderReady, TempoRatio: tempoRatio, PitchSemitones: pitchSemitones})
		},
		func(err error) {
			p.emit(Event{Kind: EventRenderFailed, Err: err})
		},
	)
	return p
}

// SetOutput attaches the playback engine. The engine is constructed after
// the player because it pulls through Pull.
func (p *Player) SetOutput(out Output) {
	p.output.Store(&outputBox{out: out})
}

// Events returns the notification channel for DSP failures, completed
// renders and swaps, and end of track.
func (p *Player) Events() <-chan Event { return p.events }

// emit runs on the pull path, so a full channel only bumps a counter; the
// control context can read and log it.
func (p *Player) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// DroppedEvents returns how many events were discarded because the Events
// channel was full.
func (p *Player) DroppedEvents() uint64 { return p.dropped.Load() }

// ---- transport ----

// Play starts the output stream if needed and begins (or resumes)
// playback from the stored position.
func (p *Player) Play() error {
	box := p.output.Load()
	if box == nil {
		return ErrNoOutput
	}
	if err := box.out.Start(); err != nil {
		return fmt.Errorf("failed to start output: %w", err)
	}
	p.playing.Store(true)
	p.paused.Store(false)
	return nil
}

// Pause keeps the stream open but emits silence until Play or Seek.
func (p *Player) Pause() {
	p.paused.Store(true)
}

// Stop halts playback, rewinds to the start, and releases the device.
// Calling Stop repeatedly is a no-op.
func (p *Player) Stop() error {
	p.playing.Store(false)
	p.paused.Store(false)
	p.playIndex.Store(0)

	if n := p.dropped.Load(); n > 0 {
		p.log.Debug().Uint64("dropped_events", n).Msg("Event channel overflowed during playback")
	}

	box := p.output.Load()
	if box == nil {
		return nil
	}
	return box.out.Stop()
}

// Seek moves the position to the given second in the current set, clamped
// to [0, duration). Rejects non-finite or negative targets.
func (p *Player) Seek(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return fmt.Errorf("%w: seek target %v", session.ErrInvalidParameter, seconds)
	}

	duration := p.session.Duration()
	if seconds > duration {
		seconds = duration
	}
	index := int64(seconds * float64(p.session.SampleRate()))
	if last := int64(p.session.Frames()) - 1; index > last {
		index = last
	}
	if index < 0 {
		index = 0
	}
	p.playIndex.Store(index)
	return nil
}

// Position returns the playback position in seconds of the current set.
func (p *Player) Position() float64 {
	return float64(p.playIndex.Load()) / float64(p.session.SampleRate())
}

// Duration returns the current set's play length in seconds.
func (p *Player) Duration() float64 { return p.session.Duration() }

// IsPlaying reports whether the transport is running and not paused.
func (p *Player) IsPlaying() bool {
	return p.playing.Load() && !p.paused.Load()
}

// ---- tempo / pitch / selection / volume ----

// SetTempoRate requests a new tempo at the current pitch. Fire-and-forget:
// the render completes in the background and swaps in at a chunk boundary.
func (p *Player) SetTempoRate(ratio float64) error {
	cur := p.session.Current()
	return p.session.RequestTempoPitch(ratio, cur.PitchSemitones)
}

// SetPitchSemitones requests a new pitch at the current tempo.
func (p *Player) SetPitchSemitones(semitones float64) error {
	cur := p.session.Current()
	return p.session.RequestTempoPitch(cur.TempoRatio, semitones)
}

// SetTempoAndPitch requests a combined change as a single render.
func (p *Player) SetTempoAndPitch(ratio, semitones float64) error {
	return p.session.RequestTempoPitch(ratio, semitones)
}

// SetActiveStems switches playback to the named stems, clearing play-all.
func (p *Player) SetActiveStems(names []string) {
	p.session.SetActiveStems(names)
}

// SetPlayAll enables or disables full-mix playback. Disabling falls back to
// whatever stems were last selected.
func (p *Player) SetPlayAll(all bool) {
	if all {
		p.session.SetPlayAll()
		return
	}
	sel := p.session.Selection()
	names := make([]string, 0, len(sel.Stems))
	for name := range sel.Stems {
		names = append(names, name)
	}
	p.session.SetActiveStems(names)
}

// SetMasterVolume sets the session's output scale in [0, 1].
func (p *Player) SetMasterVolume(v float64) error {
	return p.session.SetMasterVolume(v)
}

// Reset reverts to the original mix at 1.0x / 0 st, discarding any pending
// render. Applies immediately when playback is not running.
func (p *Player) Reset() {
	p.session.Reset()
	p.ApplyPendingNow()
}

// ApplyPendingNow swaps a completed render in while playback is paused or
// stopped, so displayed duration and position update without audio running.
// Refuses while streaming: the callback owns the swap then.
func (p *Player) ApplyPendingNow() bool {
	if p.playing.Load() && !p.paused.Load() {
		return false
	}
	index, swapped := p.session.MaybeSwapPending(p.Position())
	if !swapped {
		return false
	}
	p.playIndex.Store(int64(index))

	cur := p.session.Current()
	p.emit(Event{
		Kind:            EventSwapApplied,
		TempoRatio:      cur.TempoRatio,
		PitchSemitones:  cur.PitchSemitones,
		PositionSeconds: p.Position(),
	})
	return true
}

// ---- gain / metering / reverb ----

// SetGainDB sets the optional output gain stage in [0, 20] dB.
func (p *Player) SetGainDB(db float64) error {
	if math.IsNaN(db) || db < 0 || db > maxGainDB {
		return fmt.Errorf("%w: gain %v dB not in [0, %v]", session.ErrInvalidParameter, db, maxGainDB)
	}
	p.gainDB.Store(math.Float64bits(db))
	return nil
}

// SetGainEnabled toggles the gain stage.
func (p *Player) SetGainEnabled(enabled bool) {
	p.gainOn.Store(enabled)
}

// OutputLevel returns the RMS level of the last chunk delivered.
func (p *Player) OutputLevel() float64 {
	return math.Float64frombits(p.level.Load())
}

// IsClipping reports whether the last chunk exceeded full scale before
// limiting.
func (p *Player) IsClipping() bool { return p.clipping.Load() }

// SetReverbEnabled toggles the session's reverb send.
func (p *Player) SetReverbEnabled(enabled bool) {
	p.session.SetReverbEnabled(enabled)
}

// SetReverbWet sets the reverb wet amount, clamped to [0, 1].
func (p *Player) SetReverbWet(wet float64) {
	p.session.SetReverbWet(wet)
}

// ---- looping ----

// Loop exposes the loop controller for bound edits.
func (p *Player) Loop() *LoopController { return p.loop }

// SetLoopCrossfade toggles the short crossfade at the loop seam.
func (p *Player) SetLoopCrossfade(enabled bool) {
	p.crossfade.Store(enabled)
}

// ---- real-time pull path ----

// Pull supplies up to len(dst) mono frames at the tracked position. It is
// handed to the engine as its callback body: no allocation, no blocking.
// A zero return with playback active means end of track.
func (p *Player) Pull(dst []float32) int {
	if !p.playing.Load() || p.paused.Load() {
		p.level.Store(math.Float64bits(0))
		p.clipping.Store(false)
		return 0
	}

	// Swap in a finished render before reading, preserving the fractional
	// position through the track.
	if index, swapped := p.session.MaybeSwapPending(p.Position()); swapped {
		p.playIndex.Store(int64(index))
		cur := p.session.Current()
		p.emit(Event{
			Kind:            EventSwapApplied,
			TempoRatio:      cur.TempoRatio,
			PitchSemitones:  cur.PitchSemitones,
			PositionSeconds: p.Position(),
		})
	}

	var n int
	if bounds, ok := p.activeLoopBounds(); ok {
		n = p.readLooped(dst, bounds)
	} else {
		start := int(p.playIndex.Load())
		n = p.session.ReadChunk(dst, start)
		if n == 0 {
			p.finishTrack()
			return 0
		}
		p.playIndex.Store(int64(start + n))
		if start+n >= p.session.Frames() {
			// Last chunk still plays out; transport resets behind it.
			p.finishTrack()
		}
	}

	p.applyGainAndMeter(dst[:n])
	return n
}

func (p *Player) finishTrack() {
	p.playing.Store(false)
	p.paused.Store(false)
	p.playIndex.Store(0)
	p.emit(Event{Kind: EventEndOfTrack})
}

func (p *Player) activeLoopBounds() (LoopBounds, bool) {
	if !p.loop.Enabled() {
		return LoopBounds{}, false
	}
	bounds, ok := p.loop.BoundsSamples(p.session.Frames())
	if !ok || int(p.playIndex.Load()) > bounds.End {
		return LoopBounds{}, false
	}
	return bounds, true
}

// readLooped assembles a chunk that wraps at the loop seam, optionally
// blending the loop tail into the loop head over a short linear crossfade.
// Always returns a full chunk; gaps are left silent.
func (p *Player) readLooped(dst []float32, b LoopBounds) int {
	for i := range dst {
		dst[i] = 0
	}

	current := int(p.playIndex.Load())
	if current > b.End {
		current = b.End
	}

	fade := p.crossfadeFrames(b)
	filled := 0
	for filled < len(dst) {
		if current >= b.End {
			current = b.Start
		}
		remaining := b.End - current
		if remaining <= 0 {
			break
		}

		if fade > 0 && remaining <= fade {
			// The blend must only use in-loop audio, so the tail read is
			// capped at the loop end.
			fadeLen := remaining
			if left := len(dst) - filled; fadeLen > left {
				fadeLen = left
			}
			if fadeLen <= 0 {
				break
			}
			nEnd := p.session.ReadChunk(p.fadeEnd[:fadeLen], current)
			nStart := p.session.ReadChunk(p.fadeStart[:fadeLen], b.Start)
			n := min(nEnd, nStart)
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				w := float32(1)
				if n > 1 {
					w = float32(1 - float64(i)/float64(n-1))
				}
				dst[filled+i] = p.fadeEnd[i]*w + p.fadeStart[i]*(1-w)
			}
			filled += n
			if current+n >= b.End {
				current = b.Start + n
			} else {
				current += n
			}
			continue
		}

		toCopy := len(dst) - filled
		if toCopy > remaining {
			toCopy = remaining
		}
		n := p.session.ReadChunk(dst[filled:filled+toCopy], current)
		if n == 0 {
			break
		}
		filled += n
		current += n
	}

	if current >= b.End {
		current = b.Start
	}
	p.playIndex.Store(int64(current))
	return len(dst)
}

// crossfadeFrames picks the seam length: 10..50 ms, at most a tenth of the
// loop, capped by the scratch buffers.
func (p *Player) crossfadeFrames(b LoopBounds) int {
	if !p.crossfade.Load() {
		return 0
	}
	loopLen := b.End - b.Start
	if loopLen <= 1 {
		return 0
	}

	rate := p.session.SampleRate()
	ms := float64(loopLen) / float64(rate) * 1000 * 0.1
	if ms < 10 {
		ms = 10
	} else if ms > 50 {
		ms = 50
	}

	fade := int(ms * float64(rate) / 1000)
	if fade < 1 {
		fade = 1
	}
	if fade > loopLen-1 {
		fade = loopLen - 1
	}
	if fade > len(p.fadeEnd) {
		fade = len(p.fadeEnd)
	}
	return fade
}

// applyGainAndMeter applies the gain stage, detects clipping, limits to
// full scale, and updates the RMS meter.
func (p *Player) applyGainAndMeter(chunk []float32) {
	gain := float32(1)
	if p.gainOn.Load() {
		gain = float32(math.Pow(10, math.Float64frombits(p.gainDB.Load())/20))
	}

	var sum float64
	clipped := false
	for i, v := range chunk {
		v *= gain
		if v > 1 {
			clipped = true
			v = 1
		} else if v < -1 {
			clipped = true
			v = -1
		}
		chunk[i] = v
		sum += float64(v) * float64(v)
	}

	level := 0.0
	if len(chunk) > 0 {
		level = math.Sqrt(sum / float64(len(chunk)))
	}
	p.level.Store(math.Float64bits(level))
	p.clipping.Store(clipped)
}
