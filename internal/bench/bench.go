// Package bench drives a running transcription server with a synthetic tone
// and compares the observed round trip against the server's own timings.
package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

// Signal describes a mono sine tone.
type Signal struct {
	Duration   float64
	Frequency  float64
	Amplitude  float64
	SampleRate int
}

// DefaultSignal is three seconds of 300 Hz at half scale, 16 kHz.
func DefaultSignal() Signal {
	return Signal{Duration: 3, Frequency: 300, Amplitude: 0.5, SampleRate: 16000}
}

// Samples renders the tone. Sample times are evenly spaced over [0, Duration]
// inclusive of both ends.
func (s Signal) Samples() []int16 {
	n := int(float64(s.SampleRate) * s.Duration)
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	step := 0.0
	if n > 1 {
		step = s.Duration / float64(n-1)
	}
	for i := range out {
		t := float64(i) * step
		out[i] = int16(math.Sin(2*math.Pi*s.Frequency*t) * s.Amplitude * 32767)
	}
	return out
}

func (s Signal) WAV() ([]byte, error) {
	return audio.EncodePCM16(s.Samples(), s.SampleRate)
}

// WriteFile stores the tone as a WAV file at path.
func (s Signal) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := audio.WritePCM16(f, s.Samples(), s.SampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type Client struct {
	URL  string
	HTTP *http.Client
}

// Report is the outcome of one benchmark request.
type Report struct {
	Status     int
	RoundTrip  time.Duration
	Transcript string
	Metadata   protocol.Metadata
	Error      string
	Message    string
}

func (r Report) Succeeded() bool { return r.Status == http.StatusOK && r.Error == "" }

// Run uploads wav as the audio_file form field and times the exchange.
func (c *Client) Run(ctx context.Context, wav []byte) (Report, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio_file", "bench.wav")
	if err != nil {
		return Report{}, err
	}
	if _, err := part.Write(wav); err != nil {
		return Report{}, err
	}
	if err := form.Close(); err != nil {
		return Report{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &body)
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("post %s: %w", c.URL, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	roundTrip := time.Since(start)
	if err != nil {
		return Report{}, fmt.Errorf("read response: %w", err)
	}

	var reply protocol.TranscribeReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return Report{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	report := Report{
		Status:    resp.StatusCode,
		RoundTrip: roundTrip,
		Error:     reply.Error,
		Message:   reply.Message,
	}
	if reply.Transcript != nil {
		report.Transcript = *reply.Transcript
	}
	if reply.Metadata != nil {
		report.Metadata = *reply.Metadata
	}
	return report, nil
}

// Print writes a human readable summary of r.
func (r Report) Print(w io.Writer) {
	if !r.Succeeded() {
		fmt.Fprintf(w, "status:      %d\nerror:       %s\nmessage:     %s\nround trip:  %.3fs\n",
			r.Status, r.Error, r.Message, r.RoundTrip.Seconds())
		return
	}
	fmt.Fprintf(w, "transcript:  %q\n", r.Transcript)
	fmt.Fprintf(w, "device:      %s\n", r.Metadata.Device)
	fmt.Fprintf(w, "audio:       %.2fs\n", r.Metadata.AudioDurationSec)
	fmt.Fprintf(w, "round trip:  %.3fs\n", r.RoundTrip.Seconds())
	fmt.Fprintf(w, "processing:  %.2fs\n", r.Metadata.ProcessingTimeSec)
	fmt.Fprintf(w, "inference:   %.2fs\n", r.Metadata.InferenceTimeSec)
	fmt.Fprintf(w, "overhead:    %.3fs\n", r.RoundTrip.Seconds()-r.Metadata.ProcessingTimeSec)
	fmt.Fprintf(w, "rtf:         %.3f\n", r.Metadata.RTF)
}
