package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"voxsign/pkg/logger"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Whisper transcribes through the OpenAI audio transcription endpoint.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
}

func NewWhisper(apiKey, baseURL, model, language string) *Whisper {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	// ISO-639-1, "en-US" -> "en"
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return &Whisper{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: strings.ToLower(language),
	}
}

var extensions = map[string]string{
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
	"audio/mpeg": ".mp3",
	"audio/ogg":  ".ogg",
	"audio/mp4":  ".m4a",
}

func (w *Whisper) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))]
	if !ok {
		ext = ".webm"
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "speech" + ext,
		Reader:   bytes.NewReader(data),
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w", err)
	}

	logger.Debug("Whisper transcription completed",
		zap.Int("bytes", len(data)),
		zap.Int("chars", len(resp.Text)))

	return strings.TrimSpace(resp.Text), nil
}
