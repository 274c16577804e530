package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"voxsign/internal/audio"
	"voxsign/internal/speechkit"
	"voxsign/pkg/logger"

	"go.uber.org/zap"
)

// UploadFolder holds PCM handed to long-running recognition.
const UploadFolder = "transcriptions"

type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, encoding string, sampleRate int) (string, error)
	StartRecognition(ctx context.Context, uri, encoding string, sampleRate int) (string, error)
	WaitForResult(ctx context.Context, operationID string) (*speechkit.RecognitionResult, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, filename, folder string) (string, error)
	KeyFromURL(rawURL string) (string, bool)
	DeleteFile(ctx context.Context, key string) error
}

// SpeechKit transcribes through Yandex SpeechKit. Short clips use the
// synchronous API; longer ones go through Object Storage and the
// long-running recognizer.
type SpeechKit struct {
	recognizer Recognizer
	uploads    Uploader
	converter  Converter
	sampleRate int
}

func NewSpeechKit(opts Options, uploads Uploader, converter Converter) *SpeechKit {
	client := speechkit.NewClient(opts.SpeechKitAPIKey, opts.SpeechKitFolderID, opts.Language)
	return NewSpeechKitWithRecognizer(client, uploads, converter, opts.SampleRate)
}

func NewSpeechKitWithRecognizer(r Recognizer, uploads Uploader, converter Converter, sampleRate int) *SpeechKit {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &SpeechKit{
		recognizer: r,
		uploads:    uploads,
		converter:  converter,
		sampleRate: sampleRate,
	}
}

func isOgg(data []byte) bool {
	return bytes.HasPrefix(data, []byte("OggS"))
}

func (s *SpeechKit) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if isOgg(data) && len(data) <= speechkit.SyncMaxBytes {
		return s.recognizer.Recognize(ctx, data, speechkit.EncodingOggOpus, 0)
	}

	wavData := data
	if !audio.IsWAV(data) {
		if s.converter == nil {
			return "", fmt.Errorf("cannot transcribe %s without a converter", mimeType)
		}
		converted, err := s.converter.ToWAV(ctx, data, s.sampleRate)
		if err != nil {
			return "", fmt.Errorf("failed to convert audio: %w", err)
		}
		wavData = converted
	}

	pcm, err := audio.DecodeWAV(wavData)
	if err != nil {
		return "", err
	}

	logger.Debug("Transcribing PCM audio",
		zap.Int("bytes", len(pcm.Data)),
		zap.Float64("seconds", pcm.Duration()))

	if len(pcm.Data) <= speechkit.SyncMaxBytes {
		return s.recognizer.Recognize(ctx, pcm.Data, speechkit.EncodingLPCM, pcm.SampleRate)
	}
	return s.recognizeLong(ctx, pcm)
}

func (s *SpeechKit) recognizeLong(ctx context.Context, pcm *audio.PCM) (string, error) {
	if s.uploads == nil {
		return "", fmt.Errorf("audio too long for synchronous recognition: %.1fs", pcm.Duration())
	}

	uri, err := s.uploads.Upload(ctx, pcm.Data, "audio/L16", "speech.pcm", UploadFolder)
	if err != nil {
		return "", fmt.Errorf("failed to stage audio for recognition: %w", err)
	}
	defer func() {
		key, ok := s.uploads.KeyFromURL(uri)
		if !ok {
			return
		}
		if err := s.uploads.DeleteFile(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("Failed to delete staged audio", zap.String("key", key), zap.Error(err))
		}
	}()

	opID, err := s.recognizer.StartRecognition(ctx, uri, speechkit.EncodingLPCM, pcm.SampleRate)
	if err != nil {
		return "", err
	}

	result, err := s.recognizer.WaitForResult(ctx, opID)
	if err != nil {
		return "", err
	}
	return result.GetFullText(), nil
}
