package store

// envelopePoints caps the resolution of the waveform envelopes handed to a
// presentation layer. Envelopes are built from the original audio only.
const envelopePoints = 1000

// buildEnvelope downsamples |data| to at most maxPoints values normalized to
// the loudest point. Used only for drawing waveforms.
func buildEnvelope(data []float32, maxPoints int) []float32 {
	if len(data) == 0 {
		return nil
	}
	step := len(data) / maxPoints
	if step < 1 {
		step = 1
	}

	env := make([]float32, 0, len(data)/step+1)
	var peak float32
	for i := 0; i < len(data); i += step {
		v := data[i]
		if v < 0 {
			v = -v
		}
		env = append(env, v)
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		peak = 1
	}
	for i := range env {
		env[i] /= peak
	}
	return env
}

// MixEnvelope returns the normalized amplitude envelope of the full mix.
func (s *Store) MixEnvelope() []float32 {
	out := make([]float32, len(s.mixEnvelope))
	copy(out, s.mixEnvelope)
	return out
}

// StemEnvelope returns the normalized amplitude envelope of the named stem,
// or nil if the stem does not exist.
func (s *Store) StemEnvelope(name string) []float32 {
	env, ok := s.stemEnvelopes[name]
	if !ok {
		return nil
	}
	out := make([]float32, len(env))
	copy(out, env)
	return out
}

// MixedEnvelopes sums the envelopes of the named stems and renormalizes,
// for drawing a combined waveform when several stems are selected. Unknown
// names are ignored; with no known names the result is a zero envelope.
func (s *Store) MixedEnvelopes(names []string) []float32 {
	if len(s.stemEnvelopes) == 0 {
		return nil
	}

	var selected [][]float32
	for _, name := range names {
		if env, ok := s.stemEnvelopes[name]; ok {
			selected = append(selected, env)
		}
	}
	if len(selected) == 0 {
		for _, env := range s.stemEnvelopes {
			return make([]float32, len(env))
		}
	}

	length := len(selected[0])
	for _, env := range selected[1:] {
		if len(env) < length {
			length = len(env)
		}
	}
	if length == 0 {
		return nil
	}

	mixed := make([]float32, length)
	for _, env := range selected {
		for i := 0; i < length; i++ {
			mixed[i] += env[i]
		}
	}
	var peak float32
	for _, v := range mixed {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		peak = 1
	}
	for i := range mixed {
		mixed[i] /= peak
	}
	return mixed
}
