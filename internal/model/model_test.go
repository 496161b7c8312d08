package model

import (
	"context"
	"math"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"

	"github.com/loqalabs/loqa-asr/internal/asrerr"
)

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		name string
		caps Capabilities
		want Strategy
	}{
		{"none", Capabilities{}, Strategy{DeviceCPU, Float32}},
		{"cuda", Capabilities{Accelerators: []Device{DeviceCUDA}}, Strategy{DeviceCUDA, Float16}},
		{"metal", Capabilities{Accelerators: []Device{DeviceMetal}}, Strategy{DeviceMetal, Float16}},
		{"first wins", Capabilities{Accelerators: []Device{DeviceCUDA, DeviceMetal}}, Strategy{DeviceCUDA, Float16}},
		{"cpu entry ignored", Capabilities{Accelerators: []Device{DeviceCPU}}, Strategy{DeviceCPU, Float32}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SelectStrategy(tc.caps); got != tc.want {
				t.Fatalf("SelectStrategy = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseDevice(t *testing.T) {
	for in, want := range map[string]Device{"": "", "auto": "", "CPU": DeviceCPU, "cuda": DeviceCUDA, "mps": DeviceMetal} {
		got, err := ParseDevice(in)
		if err != nil || got != want {
			t.Fatalf("ParseDevice(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDevice("tpu"); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestCatalog(t *testing.T) {
	info, ok := Lookup(DefaultModelID)
	if !ok || info.SampleRate != 16000 {
		t.Fatalf("default model missing from catalog: %+v", info)
	}
	if err := Register(Info{ID: "local/tiny"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	info, ok = Lookup("local/tiny")
	if !ok || info.NumMels != 80 {
		t.Fatalf("registered model lookup = %+v, %v", info, ok)
	}
	if err := Register(Info{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestInitializeMockForcedCPU(t *testing.T) {
	h, err := Initialize(context.Background(), Options{Backend: BackendMock, Device: "cpu"})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer h.Close()
	if h.ModelID() != DefaultModelID {
		t.Fatalf("unexpected model id %s", h.ModelID())
	}
	if h.Strategy() != (Strategy{DeviceCPU, Float32}) {
		t.Fatalf("unexpected strategy %v", h.Strategy())
	}
	if h.SampleRate() != 16000 || h.BackendName() != BackendMock {
		t.Fatalf("unexpected handle %+v", h)
	}
}

func TestInitializeForcedAccelerator(t *testing.T) {
	h, err := Initialize(context.Background(), Options{Backend: BackendMock, Device: "cuda"})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if h.Strategy() != (Strategy{DeviceCUDA, Float16}) {
		t.Fatalf("unexpected strategy %v", h.Strategy())
	}
}

func TestInitializeFailuresAreModelLoadErrors(t *testing.T) {
	cases := []Options{
		{Backend: BackendMock, ID: "nobody/missing-model", Device: "cpu"},
		{Backend: "onnx", Device: "cpu"},
		{Backend: BackendExec, Command: "", Device: "cpu"},
		{Backend: BackendExec, Command: "definitely-not-a-binary-xyz", Device: "cpu"},
		{Backend: BackendMock, Device: "tpu"},
	}
	if !whisperCompiled() {
		cases = append(cases, Options{Backend: BackendWhisperCPP, Path: "missing.bin", Device: "cpu"})
	}
	for _, opts := range cases {
		_, err := Initialize(context.Background(), opts)
		if err == nil {
			t.Fatalf("expected error for %+v", opts)
		}
		if asrerr.KindOf(err) != asrerr.KindModelLoad {
			t.Fatalf("expected ModelLoadError for %+v, got %v", opts, err)
		}
	}
}

func TestMockBackendPipeline(t *testing.T) {
	b := NewMockBackend(Info{ID: "test", SampleRate: 16000}, 0)
	samples := sine(16000*3, 300, 0.5)

	f, err := b.Preprocess(samples, 16000)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if f.ValidFrames != 300 || f.Mel.Frames != 2998 {
		t.Fatalf("unexpected frames valid=%d total=%d", f.ValidFrames, f.Mel.Frames)
	}
	f, err = b.Place(f, Strategy{DeviceCUDA, Float16})
	if err != nil || f.Device != DeviceCUDA || f.Precision != Float16 {
		t.Fatalf("place: %+v %v", f, err)
	}
	g, err := b.Generate(context.Background(), f)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if g.Tokens[0] != tokenStartOfTranscript || g.Tokens[len(g.Tokens)-1] != tokenEndOfText {
		t.Fatalf("missing special tokens: %v", g.Tokens)
	}
	text, err := b.Decode(g)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text == "" {
		t.Fatal("expected words for a voiced signal")
	}

	again, _ := b.Generate(context.Background(), f)
	text2, _ := b.Decode(again)
	if text != text2 {
		t.Fatalf("mock output not deterministic: %q vs %q", text, text2)
	}
}

func TestMockBackendSilence(t *testing.T) {
	b := NewMockBackend(Info{ID: "test"}, 0)
	f, _ := b.Preprocess(make([]float32, 16000), 16000)
	g, err := b.Generate(context.Background(), f)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	text, _ := b.Decode(g)
	if text != "" {
		t.Fatalf("expected empty transcript for silence, got %q", text)
	}
}

func TestMockBackendRejectsWrongRate(t *testing.T) {
	b := NewMockBackend(Info{ID: "test"}, 0)
	if _, err := b.Preprocess(make([]float32, 100), 8000); err == nil {
		t.Fatal("expected rate mismatch error")
	}
}

func TestExecBackend(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "recognizer.sh")
	body := "#!/bin/sh\n" +
		"audio=''\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"--audio\" ]; then audio=$2; fi\n" +
		"  shift\n" +
		"done\n" +
		"[ -s \"$audio\" ] || exit 3\n" +
		"echo '{\"text\": \"medaase\", \"tokens\": [1, 2], \"version\": \"twi-asr 1.4\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	h, err := Initialize(context.Background(), Options{Backend: BackendExec, Command: "sh " + script, Device: "cpu"})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	b := h.Backend()
	if v := b.Version(); v != BackendExec {
		t.Fatalf("version before any run = %q, want %q", v, BackendExec)
	}
	f, err := b.Preprocess(sine(1600, 440, 0.3), 16000)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	f, _ = b.Place(f, h.Strategy())
	g, err := b.Generate(context.Background(), f)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	text, _ := b.Decode(g)
	if text != "medaase" || len(g.Tokens) != 2 {
		t.Fatalf("unexpected generation %+v", g)
	}
	if v := b.Version(); v != "twi-asr 1.4" {
		t.Fatalf("version after run = %q", v)
	}
}

func sine(n int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return out
}
