package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth        = 16
	bytesPerSample  = bitDepth / 8
	pcmAudioFormat  = 1
	wavHeaderLength = 44
)

// PCM is mono 16-bit little-endian audio.
type PCM struct {
	Data       []byte
	SampleRate int
}

// Duration returns the playback length in seconds.
func (p PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Data)) / float64(p.SampleRate*bytesPerSample)
}

// WAVDuration estimates the length in seconds of a mono 16-bit WAV payload of
// size bytes.
func WAVDuration(size, sampleRate int) float64 {
	if size <= wavHeaderLength || sampleRate <= 0 {
		return 0
	}
	return float64(size-wavHeaderLength) / float64(sampleRate*bytesPerSample)
}

// WriteWAV writes raw s16le mono samples to path as a WAV file.
func WriteWAV(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, pcmAudioFormat)

	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize wav: %w", err)
	}
	return nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// DecodeWAV reads a 16-bit PCM WAV file, downmixing to mono.
func DecodeWAV(data []byte) (*PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read PCM buffer: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("WAV file has no audio data")
	}
	if buf.SourceBitDepth != bitDepth {
		return nil, fmt.Errorf("unsupported WAV bit depth %d", buf.SourceBitDepth)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}

	frames := len(buf.Data) / channels
	out := make([]byte, frames*bytesPerSample)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(sum/channels)))
	}

	return &PCM{Data: out, SampleRate: buf.Format.SampleRate}, nil
}
