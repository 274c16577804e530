package transcribe

import (
	"context"
	"errors"
	"fmt"
	"voxsign/pkg/logger"

	"go.uber.org/zap"
)

// ErrUnavailable is returned when no speech-to-text provider is configured.
var ErrUnavailable = errors.New("transcription is not configured")

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Converter re-encodes arbitrary recordings into mono 16-bit WAV.
type Converter interface {
	ToWAV(ctx context.Context, data []byte, sampleRate int) ([]byte, error)
}

const (
	ProviderSpeechKit = "speechkit"
	ProviderOpenAI    = "openai"
)

type Options struct {
	Provider          string
	Language          string
	SampleRate        int
	SpeechKitAPIKey   string
	SpeechKitFolderID string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
}

// New picks the configured provider. Missing credentials yield a transcriber
// that always returns ErrUnavailable.
func New(opts Options, uploads Uploader, converter Converter) (Transcriber, error) {
	switch opts.Provider {
	case ProviderSpeechKit, "":
		if opts.SpeechKitAPIKey == "" {
			logger.Warn("SpeechKit credentials missing, transcription disabled")
			return Disabled{}, nil
		}
		return NewSpeechKit(opts, uploads, converter), nil
	case ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			logger.Warn("OpenAI credentials missing, transcription disabled")
			return Disabled{}, nil
		}
		return NewWhisper(opts.OpenAIAPIKey, opts.OpenAIBaseURL, opts.OpenAIModel, opts.Language), nil
	}
	return nil, fmt.Errorf("unknown transcription provider %q", opts.Provider)
}

// Disabled is the transcriber used when no provider is configured.
type Disabled struct{}

func (Disabled) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	logger.Debug("Transcription requested while disabled", zap.Int("size", len(audio)))
	return "", ErrUnavailable
}
