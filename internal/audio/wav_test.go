package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sinePCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16((i%100 - 50) * 300)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestWriteAndDecodeWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	pcm := sinePCM(16000)

	require.NoError(t, WriteWAV(path, pcm, 16000))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, IsWAV(data))
	assert.Equal(t, len(pcm)+wavHeaderLength, len(data))
	assert.InDelta(t, 1.0, WAVDuration(len(data), 16000), 0.001)

	decoded, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 16000, decoded.SampleRate)
	assert.Equal(t, pcm, decoded.Data)
	assert.InDelta(t, 1.0, decoded.Duration(), 0.001)
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	_, err := DecodeWAV([]byte("definitely not a wav file"))
	assert.Error(t, err)
}

func TestIsWAV(t *testing.T) {
	assert.False(t, IsWAV([]byte("RIFF")))
	assert.False(t, IsWAV([]byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00")))
	assert.True(t, IsWAV([]byte("RIFF\x24\x00\x00\x00WAVEfmt ")))
}

func TestWAVDuration_HeaderOnly(t *testing.T) {
	assert.Zero(t, WAVDuration(wavHeaderLength, 16000))
	assert.Zero(t, WAVDuration(1000, 0))
}
