package features

import (
	"math"
	"testing"
)

func TestHannWindow(t *testing.T) {
	w := hannWindow(400)
	if w[0] != 0 {
		t.Errorf("w[0] = %f, want 0", w[0])
	}
	if math.Abs(w[200]-1.0) > 1e-9 {
		t.Errorf("w[200] = %f, want 1", w[200])
	}
}

func TestMelConversion(t *testing.T) {
	mel := hzToMel(1000)
	if math.Abs(mel-1000.45) > 1.0 {
		t.Errorf("hzToMel(1000) = %f, want ~1000.45", mel)
	}
	if hz := melToHz(mel); math.Abs(hz-1000) > 0.1 {
		t.Errorf("melToHz(hzToMel(1000)) = %f, want 1000", hz)
	}
}

func TestMelFilterBankShape(t *testing.T) {
	bank := melFilterBank(80, 512, 16000, 0, 8000)
	if len(bank) != 80 {
		t.Fatalf("expected 80 filters, got %d", len(bank))
	}
	for i, f := range bank {
		if len(f) != 257 {
			t.Fatalf("filter %d: expected 257 bins, got %d", i, len(f))
		}
		nonZero := false
		for _, v := range f {
			if v > 0 {
				nonZero = true
				break
			}
		}
		if !nonZero {
			t.Errorf("filter %d is all zeros", i)
		}
	}
}

func TestFFT(t *testing.T) {
	n := 8
	real := make([]float64, n)
	imag := make([]float64, n)
	for i := range real {
		real[i] = 1.0 + math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	fft(real, imag)
	if math.Abs(real[0]-float64(n)) > 0.01 {
		t.Errorf("DC = %f, want %d", real[0], n)
	}
	if math.Abs(real[1]-float64(n)/2) > 0.01 {
		t.Errorf("H1 real = %f, want %f", real[1], float64(n)/2)
	}
	for i := 2; i < n-1; i++ {
		if math.Abs(real[i]) > 0.01 || math.Abs(imag[i]) > 0.01 {
			t.Errorf("bin %d should be empty, got (%f, %f)", i, real[i], imag[i])
		}
	}
}

func TestExtractPadsToChunk(t *testing.T) {
	e := New(DefaultConfig())
	pcm := make([]float32, 16000*3)
	for i := range pcm {
		pcm[i] = float32(0.5 * math.Sin(2*math.Pi*300*float64(i)/16000))
	}
	mel := e.Extract(pcm)
	if mel.Frames != 2998 {
		t.Fatalf("expected 2998 frames for a 30s chunk, got %d", mel.Frames)
	}
	if mel.NumMels != 80 || len(mel.Data) != mel.Frames*80 {
		t.Fatalf("unexpected shape %dx%d (%d values)", mel.Frames, mel.NumMels, len(mel.Data))
	}

	// The tone sits in a low mel bin; padded silence is clamped to the floor.
	voiced := mel.Row(10)
	silent := mel.Row(2500)
	if voiced[argmax(voiced)] <= silent[argmax(voiced)] {
		t.Fatalf("expected voiced frame to carry more energy than padding")
	}
	for _, v := range mel.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatal("features must be finite")
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := New(Config{ChunkSamples: 16000})
	pcm := make([]float32, 8000)
	for i := range pcm {
		pcm[i] = float32(math.Sin(float64(i) / 7))
	}
	a := e.Extract(pcm)
	b := e.Extract(pcm)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("value %d differs between runs", i)
		}
	}
}

func TestToHalf(t *testing.T) {
	cases := map[float32]float32{
		1:          1,
		0.1:        0.099975586,
		1.0009765:  1.0009766,
		70000:      65504,
		-70000:     -65504,
		0:          0,
		3.14159265: 3.140625,
	}
	for in, want := range cases {
		got := roundHalf(in)
		if math.Abs(float64(got-want)) > 1e-6 {
			t.Errorf("roundHalf(%v) = %v, want %v", in, got, want)
		}
	}
	m := Mel{Frames: 1, NumMels: 2, Data: []float32{0.1, 2}}
	h := m.ToHalf()
	if h.Data[1] != 2 || h.Data[0] == 0.1 {
		t.Fatalf("unexpected half conversion %v", h.Data)
	}
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
