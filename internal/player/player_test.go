package player

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grooveshed/stemplayer/internal/dsp"
	"github.com/grooveshed/stemplayer/internal/resample"
	"github.com/grooveshed/stemplayer/internal/session"
	"github.com/grooveshed/stemplayer/internal/store"
)

const testRate = 100

type fakeOutput struct {
	starts atomic.Int32
	stops  atomic.Int32
	failOn error
}

func (f *fakeOutput) Start() error {
	if f.failOn != nil {
		return f.failOn
	}
	f.starts.Add(1)
	return nil
}

func (f *fakeOutput) Stop() error {
	f.stops.Add(1)
	return nil
}

func newTestPlayer(t *testing.T, seconds int, render session.RenderFunc) (*Player, *fakeOutput) {
	t.Helper()

	frames := seconds * testRate
	mix := make([]float32, frames)
	vocals := make([]float32, frames)
	drums := make([]float32, frames)
	for i := range mix {
		mix[i] = 0.5
		vocals[i] = 0.25
		drums[i] = 0.125
	}
	st, err := store.New(testRate, mix, map[string][]float32{
		"vocals": vocals,
		"drums":  drums,
	})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}

	sess, err := session.New(session.Config{Store: st, Render: render})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}

	out := &fakeOutput{}
	p := New(Config{Session: sess, Output: out, FramesPerBuffer: 64})
	return p, out
}

func pullAll(t *testing.T, p *Player, chunk int) int {
	t.Helper()

	buf := make([]float32, chunk)
	total := 0
	for i := 0; i < 10000; i++ {
		n := p.Pull(buf)
		if n == 0 {
			return total
		}
		total += n
	}
	t.Fatal("playback never finished")
	return 0
}

func waitEvent(t *testing.T, p *Player, kind EventKind) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestPullAdvancesAndFinishes(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t, 1, nil) // 100 frames
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	buf := make([]float32, 64)
	if n := p.Pull(buf); n != 64 {
		t.Fatalf("first Pull() = %d, want 64", n)
	}
	if got := p.Position(); math.Abs(got-0.64) > 1e-9 {
		t.Errorf("Position() = %v, want 0.64", got)
	}

	// Second pull hits the end: 36 frames, transport resets behind it.
	if n := p.Pull(buf); n != 36 {
		t.Fatalf("second Pull() = %d, want 36", n)
	}
	waitEvent(t, p, EventEndOfTrack)
	if p.IsPlaying() {
		t.Error("still playing after end of track")
	}
	if p.Position() != 0 {
		t.Errorf("Position() = %v after end of track, want 0", p.Position())
	}
}

func TestPullWhilePausedIsSilent(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t, 1, nil)
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	p.Pause()

	buf := make([]float32, 32)
	if n := p.Pull(buf); n != 0 {
		t.Errorf("Pull() while paused = %d, want 0", n)
	}
	if p.Position() != 0 {
		t.Errorf("paused pull moved position to %v", p.Position())
	}
	if p.OutputLevel() != 0 {
		t.Errorf("OutputLevel() = %v while paused, want 0", p.OutputLevel())
	}
}

func TestStopTwiceIsNoop(t *testing.T) {
	t.Parallel()

	p, out := newTestPlayer(t, 1, nil)
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if got := out.stops.Load(); got != 2 {
		t.Errorf("output stops = %d, want 2 idempotent calls", got)
	}

	// Play after stop restarts cleanly from the beginning.
	if err := p.Play(); err != nil {
		t.Fatalf("Play() after Stop() error = %v", err)
	}
	buf := make([]float32, 16)
	if n := p.Pull(buf); n != 16 {
		t.Errorf("Pull() after restart = %d, want 16", n)
	}
}

func TestSeekClamps(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t, 10, nil)

	if err := p.Seek(5); err != nil {
		t.Fatalf("Seek(5) error = %v", err)
	}
	if got := p.Position(); math.Abs(got-5) > 1e-9 {
		t.Errorf("Position() = %v, want 5", got)
	}

	// Past the end: clamps below duration.
	if err := p.Seek(1e9); err != nil {
		t.Fatalf("Seek(1e9) error = %v", err)
	}
	if got := p.Position(); got >= p.Duration() {
		t.Errorf("Position() = %v, want < %v", got, p.Duration())
	}

	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		if err := p.Seek(bad); !errors.Is(err, session.ErrInvalidParameter) {
			t.Errorf("Seek(%v) error = %v, want ErrInvalidParameter", bad, err)
		}
	}
}

func TestSwapDuringPlaybackEmitsEvent(t *testing.T) {
	t.Parallel()

	render := func(src *store.Store, tempo, pitch float64) (*dsp.BufferSet, error) {
		frames := resample.StretchedFrames(src.Frames(), tempo)
		mix := make([]float32, frames)
		return &dsp.BufferSet{
			TempoRatio:     tempo,
			PitchSemitones: pitch,
			SampleRate:     testRate,
			Frames:         frames,
			Mix:            mix,
			Stems:          map[string][]float32{},
		}, nil
	}
	p, _ := newTestPlayer(t, 10, render)
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	if err := p.SetTempoRate(0.5); err != nil {
		t.Fatalf("SetTempoRate() error = %v", err)
	}
	waitEvent(t, p, EventRenderReady)

	// The next pull performs the swap at the chunk boundary.
	buf := make([]float32, 32)
	p.Pull(buf)

	ev := waitEvent(t, p, EventSwapApplied)
	if ev.TempoRatio != 0.5 {
		t.Errorf("swap event tempo = %v, want 0.5", ev.TempoRatio)
	}
	if got := p.Duration(); math.Abs(got-20) > 0.02 {
		t.Errorf("Duration() = %v after swap, want 20", got)
	}
}

func TestApplyPendingNowRefusesWhileStreaming(t *testing.T) {
	t.Parallel()

	render := func(src *store.Store, tempo, pitch float64) (*dsp.BufferSet, error) {
		frames := resample.StretchedFrames(src.Frames(), tempo)
		return &dsp.BufferSet{
			TempoRatio: tempo, PitchSemitones: pitch, SampleRate: testRate,
			Frames: frames, Mix: make([]float32, frames), Stems: map[string][]float32{},
		}, nil
	}
	p, _ := newTestPlayer(t, 10, render)
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	if err := p.SetTempoRate(0.5); err != nil {
		t.Fatalf("SetTempoRate() error = %v", err)
	}
	waitEvent(t, p, EventRenderReady)

	if p.ApplyPendingNow() {
		t.Error("ApplyPendingNow() must refuse while streaming")
	}

	p.Pause()
	if !p.ApplyPendingNow() {
		t.Error("ApplyPendingNow() should swap while paused")
	}
	if got := p.Duration(); math.Abs(got-20) > 0.02 {
		t.Errorf("Duration() = %v after paused swap, want 20", got)
	}
}

func TestRenderFailureEvent(t *testing.T) {
	t.Parallel()

	renderErr := errors.New("render exploded")
	render := func(*store.Store, float64, float64) (*dsp.BufferSet, error) {
		return nil, renderErr
	}
	p, _ := newTestPlayer(t, 10, render)

	if err := p.SetTempoRate(0.5); err != nil {
		t.Fatalf("SetTempoRate() error = %v", err)
	}
	ev := waitEvent(t, p, EventRenderFailed)
	if !errors.Is(ev.Err, renderErr) {
		t.Errorf("event error = %v, want %v", ev.Err, renderErr)
	}

	// Playback is unaffected.
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	buf := make([]float32, 16)
	if n := p.Pull(buf); n != 16 {
		t.Errorf("Pull() after render failure = %d, want 16", n)
	}
}

func TestSelectionCommands(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t, 1, nil)
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	p.SetActiveStems([]string{"vocals", "drums"})
	buf := make([]float32, 8)
	if n := p.Pull(buf); n != 8 {
		t.Fatalf("Pull() = %d, want 8", n)
	}
	for i, v := range buf {
		if math.Abs(float64(v)-0.375) > 1e-6 {
			t.Fatalf("stem sum[%d] = %v, want 0.375", i, v)
		}
	}

	p.SetPlayAll(true)
	if n := p.Pull(buf); n != 8 {
		t.Fatalf("Pull() = %d, want 8", n)
	}
	for i, v := range buf {
		if math.Abs(float64(v)-0.5) > 1e-6 {
			t.Fatalf("mix[%d] = %v, want 0.5", i, v)
		}
	}
}

func TestGainAndMetering(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t, 1, nil)
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	if err := p.SetGainDB(20); err != nil {
		t.Fatalf("SetGainDB(20) error = %v", err)
	}
	p.SetGainEnabled(true)

	buf := make([]float32, 32)
	p.Pull(buf)

	// 0.5 at +20 dB is 5.0: clipped to full scale.
	if !p.IsClipping() {
		t.Error("expected clipping at +20 dB")
	}
	for i, v := range buf {
		if v > 1 || v < -1 {
			t.Fatalf("buf[%d] = %v escaped the limiter", i, v)
		}
	}
	if got := p.OutputLevel(); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("OutputLevel() = %v, want 1.0", got)
	}

	for _, bad := range []float64{-1, 21, math.NaN()} {
		if err := p.SetGainDB(bad); !errors.Is(err, session.ErrInvalidParameter) {
			t.Errorf("SetGainDB(%v) error = %v, want ErrInvalidParameter", bad, err)
		}
	}
}

func TestLoopWrapsPlayback(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t, 10, nil) // 1000 frames
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	p.Loop().SetStart(2, p.Duration())
	p.Loop().SetEnd(4, p.Duration())
	p.Loop().SetEnabled(true)
	if err := p.Seek(3); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}

	// Pull well past the loop end; the position must stay inside the loop.
	buf := make([]float32, 64)
	for i := 0; i < 20; i++ {
		if n := p.Pull(buf); n != len(buf) {
			t.Fatalf("looped Pull() = %d, want %d", n, len(buf))
		}
	}
	pos := p.Position()
	if pos < 2 || pos > 4 {
		t.Errorf("Position() = %v, want within loop [2, 4]", pos)
	}
	if !p.IsPlaying() {
		t.Error("looped playback must not finish the track")
	}
}

func TestLoopCrossfadeUsesOnlyLoopAudio(t *testing.T) {
	t.Parallel()

	// Quiet inside the loop region, loud right after it. If the seam blend
	// reads past the loop end the loud samples leak into the output.
	frames := 1000
	mix := make([]float32, frames)
	for i := range mix {
		if i < 400 {
			mix[i] = 0.1
		} else {
			mix[i] = 1.0
		}
	}
	st, err := store.New(testRate, mix, nil)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	sess, err := session.New(session.Config{Store: st})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	p := New(Config{Session: sess, Output: &fakeOutput{}, FramesPerBuffer: 64})

	p.Loop().SetEnd(4, p.Duration())
	p.Loop().SetEnabled(true)
	p.SetLoopCrossfade(true)
	if err := p.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := p.Seek(3.97); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}

	buf := make([]float32, 64)
	for i := 0; i < 10; i++ {
		if n := p.Pull(buf); n != len(buf) {
			t.Fatalf("looped Pull() = %d, want %d", n, len(buf))
		}
		for j, v := range buf {
			if v > 0.2 {
				t.Fatalf("pull %d sample %d = %v, audio from outside the loop", i, j, v)
			}
		}
	}
}

func TestEventOverflowCountsDrops(t *testing.T) {
	t.Parallel()

	mix := make([]float32, 100)
	st, err := store.New(testRate, mix, nil)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	sess, err := session.New(session.Config{Store: st})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	p := New(Config{Session: sess, Output: &fakeOutput{}, EventBuffer: 2})

	for i := 0; i < 5; i++ {
		p.emit(Event{Kind: EventEndOfTrack})
	}

	if got := p.DroppedEvents(); got != 3 {
		t.Errorf("DroppedEvents() = %d, want 3", got)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-p.Events():
		default:
			t.Fatal("buffered event missing")
		}
	}
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestPlayWithoutOutput(t *testing.T) {
	t.Parallel()

	frames := 100
	mix := make([]float32, frames)
	st, err := store.New(testRate, mix, nil)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	sess, err := session.New(session.Config{Store: st})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	p := New(Config{Session: sess})

	if err := p.Play(); !errors.Is(err, ErrNoOutput) {
		t.Errorf("Play() error = %v, want ErrNoOutput", err)
	}
}

func TestPlaySurfacesDeviceError(t *testing.T) {
	t.Parallel()

	p, out := newTestPlayer(t, 1, nil)
	out.failOn = errors.New("device gone")

	if err := p.Play(); err == nil {
		t.Fatal("Play() must surface the device error")
	}
	if p.IsPlaying() {
		t.Error("transport must not run after a device failure")
	}
}
