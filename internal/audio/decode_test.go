package audio

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-asr/internal/asrerr"
)

func sine(n, rate int, freq float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	in := sine(16000, 16000, 300)
	data, err := EncodeWAV(in, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	buf, err := NewDecoder(16000).Decode(data, "audio/wav")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", buf.SampleRate)
	}
	if len(buf.Samples) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(buf.Samples))
	}
	for i := 0; i < len(in); i += 997 {
		if math.Abs(float64(buf.Samples[i]-in[i])) > 1e-3 {
			t.Fatalf("sample %d: expected %f, got %f", i, in[i], buf.Samples[i])
		}
	}
	if got := buf.Seconds(); got != 1 {
		t.Fatalf("expected 1s, got %f", got)
	}
}

func TestDecodeStereoWAVDownmixes(t *testing.T) {
	var f memFile
	frames := 800
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: 16000},
		Data:           make([]int, frames*2),
		SourceBitDepth: 16,
	}
	for i := 0; i < frames; i++ {
		ib.Data[i*2] = 8192
		ib.Data[i*2+1] = -4096
	}
	enc := wav.NewEncoder(&f, 16000, 16, 2, 1)
	if err := enc.Write(ib); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	buf, err := NewDecoder(16000).Decode(f.buf, "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buf.Samples) != frames {
		t.Fatalf("expected %d mono samples, got %d", frames, len(buf.Samples))
	}
	want := float32(8192-4096) / 2 / 32768
	if math.Abs(float64(buf.Samples[10]-want)) > 1e-4 {
		t.Fatalf("expected downmixed %f, got %f", want, buf.Samples[10])
	}
}

func TestDecode8BitWAVIsCentred(t *testing.T) {
	var f memFile
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, 1600),
		SourceBitDepth: 8,
	}
	for i := range ib.Data {
		ib.Data[i] = 128
	}
	ib.Data[100] = 192
	ib.Data[200] = 0
	enc := wav.NewEncoder(&f, 16000, 8, 1, 1)
	if err := enc.Write(ib); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	buf, err := NewDecoder(16000).Decode(f.buf, "audio/wav")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buf.Samples) != 1600 {
		t.Fatalf("expected 1600 samples, got %d", len(buf.Samples))
	}
	if buf.Samples[0] != 0 || buf.Samples[800] != 0 {
		t.Fatalf("silence must decode to 0, got %f and %f", buf.Samples[0], buf.Samples[800])
	}
	if buf.Samples[100] != 0.5 || buf.Samples[200] != -1 {
		t.Fatalf("unexpected scaling: %f, %f", buf.Samples[100], buf.Samples[200])
	}
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func TestDecodeFLAC(t *testing.T) {
	// 40900 stereo frames, 16-bit, 44.1 kHz.
	data := readFixture(t, "stereo-44k.flac")
	if f, _ := Sniff(data, ""); f != FormatFLAC {
		t.Fatalf("expected flac, got %q", f)
	}
	buf, err := NewDecoder(16000).Decode(data, "audio/flac")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", buf.SampleRate)
	}
	if want := 14839; len(buf.Samples) != want {
		t.Fatalf("expected %d samples, got %d", want, len(buf.Samples))
	}
	if got := buf.Seconds(); math.Abs(got-40900.0/44100) > 1e-3 {
		t.Fatalf("unexpected duration %f", got)
	}
	var energy float64
	for _, s := range buf.Samples {
		energy += float64(s) * float64(s)
	}
	if energy == 0 {
		t.Fatal("decoded flac is silent")
	}
}

func TestDecodeMP3FrameSync(t *testing.T) {
	// 80 MPEG-2 layer III frames of mono 22.05 kHz speech, no ID3 tag.
	data := readFixture(t, "speech-22k.mp3")
	if f, _ := Sniff(data, "application/octet-stream"); f != FormatMP3 {
		t.Fatalf("expected frame sync to select mp3, got %q", f)
	}
	buf, err := NewDecoder(16000).Decode(data, "application/octet-stream")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", buf.SampleRate)
	}
	want := 80 * 576.0 / 22050
	if got := buf.Seconds(); math.Abs(got-want) > 0.05 {
		t.Fatalf("expected about %.3fs, got %.3fs", want, got)
	}
}

func TestDecodeRawPCM16(t *testing.T) {
	raw := make([]byte, 3200)
	for i := 0; i < 1600; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(16384)))
	}
	buf, err := NewDecoder(16000).Decode(raw, "audio/L16; rate=16000")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buf.Samples) != 1600 || buf.Samples[0] != 0.5 {
		t.Fatalf("unexpected buffer: len=%d first=%f", len(buf.Samples), buf.Samples[0])
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := []struct {
		name        string
		data        []byte
		contentType string
	}{
		{"empty", nil, "audio/wav"},
		{"garbage", []byte("definitely not audio"), "application/octet-stream"},
		{"truncated wav", []byte("RIFF\x00\x00\x00\x00WAVE"), "audio/wav"},
		{"odd pcm", []byte{1, 2, 3}, "audio/pcm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDecoder(16000).Decode(tc.data, tc.contentType)
			if err == nil {
				t.Fatal("expected error")
			}
			if kind := asrerr.KindOf(err); kind != asrerr.KindInvalidAudio {
				t.Fatalf("expected %s, got %s", asrerr.KindInvalidAudio, kind)
			}
		})
	}
}

func TestSniff(t *testing.T) {
	cases := []struct {
		data        []byte
		contentType string
		want        Format
		rate        int
	}{
		{[]byte("RIFF\x24\x00\x00\x00WAVEfmt "), "", FormatWAV, 0},
		{[]byte("fLaC\x00\x00\x00\x22"), "", FormatFLAC, 0},
		{[]byte("ID3\x04\x00"), "", FormatMP3, 0},
		{[]byte{0xFF, 0xFB, 0x90, 0x00}, "", FormatMP3, 0},
		{[]byte{0, 0, 0, 0}, "audio/pcm;rate=8000", FormatPCM16, 8000},
		{[]byte{0, 0, 0, 0}, "text/plain", FormatUnknown, 0},
	}
	for _, tc := range cases {
		got, rate := Sniff(tc.data, tc.contentType)
		if got != tc.want || rate != tc.rate {
			t.Errorf("Sniff(%q, %q) = %q/%d, want %q/%d", tc.data, tc.contentType, got, rate, tc.want, tc.rate)
		}
	}
}

func TestResampleChangesLength(t *testing.T) {
	in := sine(48000, 48000, 440)
	out, err := Resample(in, 48000, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) != 16000 {
		t.Fatalf("expected 16000 samples after downsampling, got %d", len(out))
	}
	same, err := Resample(in[:10], 16000, 16000)
	if err != nil || len(same) != 10 {
		t.Fatalf("expected passthrough copy, got %d (%v)", len(same), err)
	}
}

func TestBufferDuration(t *testing.T) {
	b := Buffer{Samples: make([]float32, 8000), SampleRate: 16000}
	if b.Seconds() != 0.5 {
		t.Fatalf("expected 0.5s, got %f", b.Seconds())
	}
	if (Buffer{Samples: make([]float32, 10)}).Seconds() != 0 {
		t.Fatal("expected zero duration without a sample rate")
	}
}
