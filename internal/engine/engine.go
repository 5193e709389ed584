// Package engine drives the output device. It opens a callback-based
// PortAudio stream and pulls mono chunks from the facade on the device's
// cadence. The callback never allocates, never takes the engine lock, and
// pads with silence whenever fewer frames are supplied than requested.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// ErrDevice wraps output device failures. Fatal to the engine instance.
var ErrDevice = errors.New("engine: output device failure")

const (
	defaultChannels        = 2
	defaultFramesPerBuffer = 1024
)

// PullFunc supplies up to len(dst) frames of mono samples and returns how
// many were written. It runs inside the real-time callback and must not
// block, allocate, or perform I/O.
type PullFunc func(dst []float32) int

// Config assembles an Engine.
type Config struct {
	SampleRate      int
	Channels        int // output channels, mono is duplicated across them
	FramesPerBuffer int
	Pull            PullFunc
	Logger          zerolog.Logger
}

// Engine wraps one PortAudio output stream. Start and Stop are idempotent.
type Engine struct {
	sampleRate      int
	channels        int
	framesPerBuffer int
	pull            PullFunc
	log             zerolog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream

	// mono is the pre-sized callback scratch buffer.
	mono []float32
}

// New initializes PortAudio and prepares an engine. Call Close to release
// the subsystem.
func New(cfg Config) (*Engine, error) {
	if cfg.Pull == nil {
		return nil, errors.New("engine: pull callback is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("engine: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrDevice, err)
	}

	return &Engine{
		sampleRate:      cfg.SampleRate,
		channels:        cfg.Channels,
		framesPerBuffer: cfg.FramesPerBuffer,
		pull:            cfg.Pull,
		log:             cfg.Logger,
		mono:            make([]float32, cfg.FramesPerBuffer),
	}, nil
}

// Start opens the default output stream and begins the callback cadence.
// Calling Start on a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream != nil {
		return nil
	}

	stream, err := portaudio.OpenDefaultStream(
		0, e.channels, float64(e.sampleRate), e.framesPerBuffer, e.callback)
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: start stream: %v", ErrDevice, err)
	}

	e.stream = stream
	e.log.Debug().
		Int("sample_rate", e.sampleRate).
		Int("channels", e.channels).
		Int("frames_per_buffer", e.framesPerBuffer).
		Msg("Output stream started")
	return nil
}

// Stop halts and closes the stream. Calling Stop on a stopped engine is a
// no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream == nil {
		return nil
	}
	if err := e.stream.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("Stream stop error")
	}
	if err := e.stream.Close(); err != nil {
		e.log.Warn().Err(err).Msg("Stream close error")
	}
	e.stream = nil
	e.log.Debug().Msg("Output stream stopped")
	return nil
}

// Close stops the stream and terminates PortAudio.
func (e *Engine) Close() error {
	err := e.Stop()
	portaudio.Terminate()
	return err
}

// callback is invoked by PortAudio on the real-time thread. It pulls mono
// frames, spreads them across the output channels, and pads the remainder
// with silence.
func (e *Engine) callback(out []float32) {
	frames := len(out) / e.channels
	if frames > len(e.mono) {
		frames = len(e.mono)
	}

	n := e.pull(e.mono[:frames])
	if n < 0 {
		n = 0
	}

	interleave(out, e.mono[:n], e.channels)
	padSilence(out, n*e.channels)
}

// interleave copies mono frames into every channel of the interleaved dst.
func interleave(dst []float32, mono []float32, channels int) {
	for i, v := range mono {
		base := i * channels
		for c := 0; c < channels; c++ {
			dst[base+c] = v
		}
	}
}

// padSilence zeroes dst from the given sample offset onward.
func padSilence(dst []float32, from int) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(dst); i++ {
		dst[i] = 0
	}
}
