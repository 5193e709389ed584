package store

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeWAV writes a mono 16-bit PCM file with a constant sample value.
func writeWAV(t *testing.T, path string, rate, frames int, value float64) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	data := make([]int, frames)
	sample := int(value * 32767)
	for i := range data {
		data[i] = sample
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func TestLoadMix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mixPath := filepath.Join(dir, "mix.wav")
	writeWAV(t, mixPath, 8000, 8000, 0.5)

	st, err := LoadMix(mixPath)
	if err != nil {
		t.Fatalf("LoadMix() error = %v", err)
	}
	if st.SampleRate() != 8000 {
		t.Errorf("SampleRate() = %d, want 8000", st.SampleRate())
	}
	if st.Frames() != 8000 {
		t.Errorf("Frames() = %d, want 8000", st.Frames())
	}
	if len(st.StemNames()) != 0 {
		t.Errorf("StemNames() = %v, want none", st.StemNames())
	}
	if got := float64(st.Mix()[100]); math.Abs(got-0.5) > 0.01 {
		t.Errorf("mix sample = %v, want ~0.5", got)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stemsDir := filepath.Join(dir, "stems")
	if err := os.Mkdir(stemsDir, 0755); err != nil {
		t.Fatal(err)
	}

	mixPath := filepath.Join(dir, "mix.wav")
	writeWAV(t, mixPath, 8000, 8000, 0.5)
	writeWAV(t, filepath.Join(stemsDir, "vocals.wav"), 8000, 8000, 0.25)
	// Different rate: must be resampled and fitted to the mix length.
	writeWAV(t, filepath.Join(stemsDir, "drums.wav"), 4000, 4000, 0.125)

	st, err := LoadDir(stemsDir, mixPath)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	names := st.StemNames()
	if len(names) != 2 || names[0] != "drums" || names[1] != "vocals" {
		t.Fatalf("StemNames() = %v, want [drums vocals]", names)
	}
	for _, name := range names {
		if got := len(st.Stem(name)); got != st.Frames() {
			t.Errorf("stem %q has %d frames, want %d", name, got, st.Frames())
		}
	}
	if got := float64(st.Stem("drums")[1000]); math.Abs(got-0.125) > 0.02 {
		t.Errorf("resampled drums sample = %v, want ~0.125", got)
	}
}

func TestLoadDirWithoutStems(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mixPath := filepath.Join(dir, "mix.wav")
	writeWAV(t, mixPath, 8000, 1000, 0.5)

	empty := filepath.Join(dir, "stems")
	if err := os.Mkdir(empty, 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDir(empty, mixPath); err == nil {
		t.Fatal("LoadDir() with no stems must fail")
	}
}

func TestLoadMixMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadMix(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("LoadMix() of a missing file must fail")
	}
}

func TestFitLength(t *testing.T) {
	t.Parallel()

	data := []float32{1, 2, 3, 4}

	if got := fitLength(data, 4); &got[0] != &data[0] {
		t.Error("exact fit should not copy")
	}
	if got := fitLength(data, 2); len(got) != 2 || got[1] != 2 {
		t.Errorf("trim = %v, want [1 2]", got)
	}
	padded := fitLength(data, 6)
	if len(padded) != 6 || padded[3] != 4 || padded[5] != 0 {
		t.Errorf("pad = %v, want [1 2 3 4 0 0]", padded)
	}
}
