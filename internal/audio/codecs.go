package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// decodeMP3 reads the whole stream. go-mp3 always yields 16-bit stereo.
func decodeMP3(data []byte) (pcmData, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return pcmData{}, fmt.Errorf("create mp3 decoder: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return pcmData{}, fmt.Errorf("mp3 decode error: %w", err)
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return pcmData{samples: samples, channels: 2, sampleRate: dec.SampleRate()}, nil
}

func decodeFLAC(data []byte) (pcmData, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return pcmData{}, fmt.Errorf("parse flac stream: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	channels := int(info.NChannels)
	if channels == 0 {
		return pcmData{}, errors.New("flac stream has no channels")
	}
	scale := float32(int64(1) << (int(info.BitsPerSample) - 1))

	var out []float32
	for {
		frame, err := stream.ParseNext()
		if err != nil {
			if err == io.EOF {
				break
			}
			return pcmData{}, fmt.Errorf("parse flac frame: %w", err)
		}
		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < channels; ch++ {
				out = append(out, float32(frame.Subframes[ch].Samples[i])/scale)
			}
		}
	}
	return pcmData{samples: out, channels: channels, sampleRate: int(info.SampleRate)}, nil
}

// decodePCM16 treats the payload as little-endian mono PCM16. A missing rate
// means the payload is already at the model rate.
func decodePCM16(data []byte, sampleRate int) (pcmData, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if len(data)%2 != 0 {
		return pcmData{}, errors.New("pcm16 length must be even")
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return pcmData{samples: out, channels: 1, sampleRate: sampleRate}, nil
}
