package resample

import (
	"math"
	"testing"
)

func sine(frames int, freq float64, rate int) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestStretchedFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		frames int
		ratio  float64
		want   int
	}{
		{12000, 1.0, 12000},
		{12000, 0.5, 24000},
		{12000, 2.0, 6000},
		{100, 3.0, 33},
		{0, 1.0, 0},
		{100, 0, 0},
	}
	for _, tc := range cases {
		if got := StretchedFrames(tc.frames, tc.ratio); got != tc.want {
			t.Errorf("StretchedFrames(%d, %v) = %d, want %d", tc.frames, tc.ratio, got, tc.want)
		}
	}
}

func TestStretchPreservesConstantSignal(t *testing.T) {
	t.Parallel()

	src := make([]float32, 1000)
	for i := range src {
		src[i] = 0.7
	}

	out := Stretch(src, 0.5)
	if len(out) != 2000 {
		t.Fatalf("len = %d, want 2000", len(out))
	}
	for i, v := range out {
		if math.Abs(float64(v)-0.7) > 1e-4 {
			t.Fatalf("out[%d] = %v, want 0.7", i, v)
		}
	}
}

func TestToSameRateCopies(t *testing.T) {
	t.Parallel()

	src := []float32{0.1, 0.2, 0.3}
	out := To(src, 44100, 44100)

	if len(out) != len(src) {
		t.Fatalf("len = %d, want %d", len(out), len(src))
	}
	if &out[0] == &src[0] {
		t.Fatal("expected a copy, got the same backing array")
	}
	for i := range src {
		if out[i] != src[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], src[i])
		}
	}
}

func TestToChangesLength(t *testing.T) {
	t.Parallel()

	src := sine(44100, 440, 44100)
	out := To(src, 44100, 22050)

	want := 22050
	if math.Abs(float64(len(out)-want)) > 1 {
		t.Fatalf("len = %d, want ~%d", len(out), want)
	}
}
