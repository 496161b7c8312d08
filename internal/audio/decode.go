package audio

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-asr/internal/asrerr"
)

// Format identifies a container/codec recognised by the decoder.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatFLAC    Format = "flac"
	FormatMP3     Format = "mp3"
	FormatPCM16   Format = "pcm16"
)

// ErrEmpty is returned when an upload carries no bytes or no samples.
var ErrEmpty = errors.New("audio is empty")

// Decoder converts uploads into Buffers at TargetRate.
type Decoder struct {
	TargetRate int
}

// NewDecoder returns a decoder that resamples to targetRate (16 kHz when <= 0).
func NewDecoder(targetRate int) *Decoder {
	if targetRate <= 0 {
		targetRate = DefaultSampleRate
	}
	return &Decoder{TargetRate: targetRate}
}

// Decode sniffs the payload, decodes it, downmixes to mono and resamples.
// Every failure is an *asrerr.Error of kind InvalidAudioError.
func (d *Decoder) Decode(data []byte, contentType string) (Buffer, error) {
	if len(data) == 0 {
		return Buffer{}, asrerr.New(asrerr.KindInvalidAudio, ErrEmpty)
	}

	format, pcmRate := Sniff(data, contentType)
	var (
		pcm pcmData
		err error
	)
	switch format {
	case FormatWAV:
		pcm, err = decodeWAV(data)
	case FormatFLAC:
		pcm, err = decodeFLAC(data)
	case FormatMP3:
		pcm, err = decodeMP3(data)
	case FormatPCM16:
		pcm, err = decodePCM16(data, pcmRate)
	default:
		err = fmt.Errorf("unsupported audio format (content type %q)", contentType)
	}
	if err != nil {
		return Buffer{}, asrerr.Newf(asrerr.KindInvalidAudio, "decode %s: %w", formatName(format), err)
	}
	if len(pcm.samples) == 0 {
		return Buffer{}, asrerr.New(asrerr.KindInvalidAudio, ErrEmpty)
	}

	mono := downmix(pcm.samples, pcm.channels)
	if pcm.sampleRate != d.TargetRate {
		mono, err = Resample(mono, pcm.sampleRate, d.TargetRate)
		if err != nil {
			return Buffer{}, asrerr.Newf(asrerr.KindInvalidAudio, "resample %d Hz to %d Hz: %w", pcm.sampleRate, d.TargetRate, err)
		}
	}
	return Buffer{Samples: mono, SampleRate: d.TargetRate}, nil
}

// Sniff inspects magic bytes first and falls back to the content type. For raw
// PCM it also returns the rate parameter of the content type, if any.
func Sniff(data []byte, contentType string) (Format, int) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV, 0
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("fLaC")):
		return FormatFLAC, 0
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return FormatMP3, 0
	}

	// Raw PCM has no header, so an explicit content type wins over the
	// MPEG frame-sync heuristic below.
	mediaType, params, _ := mime.ParseMediaType(contentType)
	switch strings.ToLower(mediaType) {
	case "audio/pcm", "audio/l16", "audio/pcm16", "audio/x-raw":
		rate, _ := strconv.Atoi(params["rate"])
		return FormatPCM16, rate
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return FormatMP3, 0
	}
	return FormatUnknown, 0
}

type pcmData struct {
	samples    []float32 // interleaved
	channels   int
	sampleRate int
}

// downmix averages interleaved channels into one.
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func formatName(f Format) string {
	if f == FormatUnknown {
		return "audio"
	}
	return string(f)
}
