package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bench"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'run', 'wav' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		if err := runBench(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "wav":
		if err := writeWAV(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func signalFlags(fs *flag.FlagSet) *bench.Signal {
	s := bench.DefaultSignal()
	fs.Float64Var(&s.Duration, "duration", s.Duration, "Tone length in seconds")
	fs.Float64Var(&s.Frequency, "freq", s.Frequency, "Tone frequency in Hz")
	fs.Float64Var(&s.Amplitude, "amplitude", s.Amplitude, "Peak amplitude in [0, 1]")
	fs.IntVar(&s.SampleRate, "rate", s.SampleRate, "Sample rate in Hz")
	return &s
}

func runBench(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	signal := signalFlags(fs)
	url := fs.String("url", "http://localhost:8001/transcribe", "Transcription endpoint")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	_ = fs.Parse(args)

	wav, err := signal.WAV()
	if err != nil {
		return fmt.Errorf("build tone: %w", err)
	}
	client := &bench.Client{URL: *url, HTTP: &http.Client{Timeout: *timeout}}
	report, err := client.Run(context.Background(), wav)
	if err != nil {
		return err
	}
	report.Print(os.Stdout)
	if !report.Succeeded() {
		return fmt.Errorf("transcription failed: %s", report.Error)
	}
	return nil
}

func writeWAV(args []string) error {
	fs := flag.NewFlagSet("wav", flag.ExitOnError)
	signal := signalFlags(fs)
	out := fs.String("out", "tone.wav", "Output file")
	_ = fs.Parse(args)

	if err := signal.WriteFile(*out); err != nil {
		return err
	}
	fmt.Println("wrote", *out)
	return nil
}
