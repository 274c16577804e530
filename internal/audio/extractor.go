package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"
	"voxsign/pkg/logger"
	"voxsign/pkg/metrics"
	"voxsign/pkg/model"

	"go.uber.org/zap"
)

// AudioFolder is the storage namespace for extracted enrollment audio.
const AudioFolder = "voice-enrollments/audio"

type EnrollmentStore interface {
	GetEnrollmentByID(ctx context.Context, id string) (*model.VoiceEnrollment, error)
	UpdateEnrollment(ctx context.Context, e *model.VoiceEnrollment) error
}

type ObjectStore interface {
	Download(ctx context.Context, ref string) ([]byte, error)
	UploadFile(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	GenerateKey(folder, filename string) string
}

// Extractor turns an uploaded recording into a mono PCM WAV file in storage.
type Extractor struct {
	store      EnrollmentStore
	objects    ObjectStore
	transcoder Transcoder
	sampleRate int
	scratchDir string
}

func NewExtractor(store EnrollmentStore, objects ObjectStore, transcoder Transcoder, sampleRate int, scratchDir string) *Extractor {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Extractor{
		store:      store,
		objects:    objects,
		transcoder: transcoder,
		sampleRate: sampleRate,
		scratchDir: scratchDir,
	}
}

type extraction struct {
	audioURL    string
	inputBytes  int
	outputBytes int
}

// ExtractAudio runs the extraction stage for one enrollment and returns the
// audio URL. An enrollment that already has audio is returned as is.
func (x *Extractor) ExtractAudio(ctx context.Context, enrollmentID string) (string, error) {
	e, err := x.store.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load enrollment: %w", err)
	}

	if e.HasAudio() {
		logger.Info("Audio already extracted, skipping",
			zap.String("enrollment_id", e.ID),
			zap.String("audio_url", *e.AudioURL))
		metrics.ExtractionsTotal.WithLabelValues("skipped").Inc()
		return *e.AudioURL, nil
	}

	if err := e.SetProcessing(); err != nil {
		return "", err
	}
	if err := x.store.UpdateEnrollment(ctx, e); err != nil {
		return "", fmt.Errorf("failed to mark enrollment processing: %w", err)
	}

	logger.Info("Extracting audio",
		zap.String("enrollment_id", e.ID),
		zap.String("user_id", e.UserID),
		zap.Bool("audio_only", e.IsAudioOnly))

	start := time.Now()
	res, err := x.extract(ctx, e)
	metrics.ExtractionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("error").Inc()
		x.fail(ctx, e, err)
		return "", fmt.Errorf("audio extraction failed for enrollment %s: %w", e.ID, err)
	}

	metrics.ExtractionBytes.WithLabelValues("input").Observe(float64(res.inputBytes))
	metrics.ExtractionBytes.WithLabelValues("output").Observe(float64(res.outputBytes))

	if err := e.SetAudioExtracted(res.audioURL); err != nil {
		metrics.ExtractionsTotal.WithLabelValues("error").Inc()
		x.fail(ctx, e, err)
		return "", err
	}
	if err := x.store.UpdateEnrollment(ctx, e); err != nil {
		metrics.ExtractionsTotal.WithLabelValues("error").Inc()
		err = fmt.Errorf("failed to save extracted audio: %w", err)
		x.fail(ctx, e, err)
		return "", err
	}

	metrics.ExtractionsTotal.WithLabelValues("success").Inc()
	logger.Info("Audio extracted",
		zap.String("enrollment_id", e.ID),
		zap.Int("input_bytes", res.inputBytes),
		zap.Int("output_bytes", res.outputBytes),
		zap.Float64("audio_seconds", WAVDuration(res.outputBytes, x.sampleRate)),
		zap.Duration("elapsed", time.Since(start)))

	return res.audioURL, nil
}

func (x *Extractor) extract(ctx context.Context, e *model.VoiceEnrollment) (*extraction, error) {
	dir, err := os.MkdirTemp(x.scratchDir, "extract-"+e.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer removeScratch(dir)

	recording, err := x.objects.Download(ctx, e.VideoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download recording: %w", err)
	}

	src := filepath.Join(dir, "recording"+path.Ext(e.VideoURL))
	if err := os.WriteFile(src, recording, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write recording: %w", err)
	}

	dst := filepath.Join(dir, "audio.wav")
	if err := x.transcoder.Transcode(ctx, src, dst, x.sampleRate); err != nil {
		return nil, err
	}

	f, err := os.Open(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to open extracted audio: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat extracted audio: %w", err)
	}

	key := x.objects.GenerateKey(AudioFolder, e.ID+".wav")
	audioURL, err := x.objects.UploadFile(ctx, key, f, "audio/wav")
	if err != nil {
		return nil, fmt.Errorf("failed to upload extracted audio: %w", err)
	}

	return &extraction{
		audioURL:    audioURL,
		inputBytes:  len(recording),
		outputBytes: int(info.Size()),
	}, nil
}

func (x *Extractor) fail(ctx context.Context, e *model.VoiceEnrollment, cause error) {
	e.SetError(cause.Error())
	if err := x.store.UpdateEnrollment(ctx, e); err != nil {
		logger.Error("Failed to record extraction error",
			zap.String("enrollment_id", e.ID),
			zap.Error(err))
	}
	logger.Error("Audio extraction failed",
		zap.String("enrollment_id", e.ID),
		zap.Error(cause))
}
