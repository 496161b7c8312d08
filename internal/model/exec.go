package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/mattn/go-shellwords"
)

// execBackend shells out to an external recognizer per request. The command
// receives a 16-bit WAV via --audio and must print {"text": ..., "tokens": [...]}.
type execBackend struct {
	cmd     []string
	info    Info
	opts    Options
	version atomic.Pointer[string]
}

type execResult struct {
	Text    string `json:"text"`
	Tokens  []int  `json:"tokens"`
	Version string `json:"version"`
}

func newExecBackend(info Info, opts Options) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse exec command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("exec command is empty")
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", args[0], err)
	}
	args[0] = path
	return &execBackend{cmd: args, info: info, opts: opts}, nil
}

func (e *execBackend) Name() string    { return BackendExec }
// Version is the version the recognizer last reported, or "exec" until it
// has reported one.
func (e *execBackend) Version() string {
	if v := e.version.Load(); v != nil {
		return *v
	}
	return BackendExec
}

func (e *execBackend) Close() error    { return nil }

func (e *execBackend) Preprocess(samples []float32, sampleRate int) (Features, error) {
	if sampleRate != e.info.SampleRate {
		return Features{}, fmt.Errorf("expected %d Hz audio, got %d Hz", e.info.SampleRate, sampleRate)
	}
	return Features{Samples: samples, SampleRate: sampleRate}, nil
}

func (e *execBackend) Place(f Features, s Strategy) (Features, error) {
	f.Device = s.Device
	f.Precision = s.Precision
	return f, nil
}

func (e *execBackend) Generate(ctx context.Context, f Features) (Generation, error) {
	file, err := os.CreateTemp("", "loqa_asr_*.wav")
	if err != nil {
		return Generation{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, f.Samples, f.SampleRate); err != nil {
		return Generation{}, err
	}

	model := e.opts.Path
	if model == "" {
		model = e.info.ID
	}
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--model", model)
	if f.Device != "" {
		args = append(args, "--device", string(f.Device))
	}
	if f.Precision != "" {
		args = append(args, "--precision", string(f.Precision))
	}
	if e.opts.Language != "" {
		args = append(args, "--language", e.opts.Language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Generation{}, fmt.Errorf("recognizer command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Generation{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	if v := strings.TrimSpace(resp.Version); v != "" {
		e.version.Store(&v)
	}
	return Generation{Tokens: resp.Tokens, Text: resp.Text}, nil
}

func (e *execBackend) Decode(g Generation) (string, error) {
	return g.Text, nil
}
