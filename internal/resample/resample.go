// Package resample converts mono audio between sample rates and durations
// using Catmull-Rom cubic interpolation. It is a leaf package shared by the
// WAV loader and the tempo/pitch renderer.
package resample

import "math"

// StretchedFrames returns the frame count of a buffer stretched by the given
// tempo ratio: round(frames / ratio).
func StretchedFrames(frames int, ratio float64) int {
	if frames <= 0 || ratio <= 0 {
		return 0
	}
	return int(math.Round(float64(frames) / ratio))
}

// Stretch resamples src with Catmull-Rom cubic interpolation, consuming
// ratio source frames per output frame. Ratio 2 halves the duration, 0.5
// doubles it. Played back at the original rate the result is also pitched by
// ratio; the renderer corrects for that separately.
func Stretch(src []float32, ratio float64) []float32 {
	outLen := StretchedFrames(len(src), ratio)
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	pos := 0.0
	for i := range out {
		idx := int(pos)
		frac := pos - float64(idx)
		out[i] = cubicAt(src, idx, frac)
		pos += ratio
	}
	return out
}

// To converts src from srcRate to dstRate. Returns a copy when the rates
// already match so callers can always own the result.
func To(src []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	return Stretch(src, float64(srcRate)/float64(dstRate))
}

// cubicAt evaluates a Catmull-Rom spline through the four frames around idx
// at fractional offset frac. Edge frames are clamped.
func cubicAt(src []float32, idx int, frac float64) float32 {
	p0 := frameAt(src, idx-1)
	p1 := frameAt(src, idx)
	p2 := frameAt(src, idx+1)
	p3 := frameAt(src, idx+2)

	t := frac
	t2 := t * t
	t3 := t2 * t

	v := 0.5 * ((2 * p1) +
		(-p0+p2)*t +
		(2*p0-5*p1+4*p2-p3)*t2 +
		(-p0+3*p1-3*p2+p3)*t3)
	return float32(v)
}

func frameAt(src []float32, idx int) float64 {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(src) {
		idx = len(src) - 1
	}
	return float64(src[idx])
}
