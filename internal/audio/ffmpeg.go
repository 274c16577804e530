package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"voxsign/pkg/logger"

	"go.uber.org/zap"
)

// Transcoder converts a media file into mono 16-bit PCM WAV.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, sampleRate int) error
}

var errNoAudioStream = errors.New("recording has no audio stream")

// FFmpegTranscoder shells out to ffmpeg. Any video stream is dropped.
type FFmpegTranscoder struct {
	path       string
	scratchDir string
}

func NewFFmpegTranscoder(path, scratchDir string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{path: path, scratchDir: scratchDir}
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, src, dst string, sampleRate int) error {
	cmd := exec.CommandContext(ctx, t.path,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", src,
		"-vn", "-map", "0:a:0",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-acodec", "pcm_s16le",
		"-f", "s16le",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "matches no streams") {
			return errNoAudioStream
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
	}
	if stdout.Len() == 0 {
		return errNoAudioStream
	}

	logger.Debug("ffmpeg transcode finished",
		zap.String("src", filepath.Base(src)),
		zap.Int("pcm_bytes", stdout.Len()))

	return WriteWAV(dst, stdout.Bytes(), sampleRate)
}

// ToWAV transcodes an in-memory recording and returns the WAV bytes.
func (t *FFmpegTranscoder) ToWAV(ctx context.Context, data []byte, sampleRate int) ([]byte, error) {
	dir, err := os.MkdirTemp(t.scratchDir, "transcode-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer removeScratch(dir)

	src := filepath.Join(dir, "input")
	dst := filepath.Join(dir, "output.wav")

	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write scratch input: %w", err)
	}
	if err := t.Transcode(ctx, src, dst, sampleRate); err != nil {
		return nil, err
	}

	out, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcoded audio: %w", err)
	}
	return out, nil
}

func removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("Failed to remove scratch dir", zap.String("dir", dir), zap.Error(err))
	}
}
