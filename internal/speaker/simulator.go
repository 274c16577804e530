package speaker

import (
	"context"
	"hash/fnv"
	"time"
	"voxsign/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Simulator stands in for the speaker verification service when no
// credentials are configured. It keeps no state: the API and worker run as
// separate processes, so any well-formed profile id is treated as enrolled
// and verification is accepted with a score derived from the audio bytes.
type Simulator struct {
	minAudioBytes int
	latency       time.Duration
}

func NewSimulator(minAudioBytes int, latency time.Duration) *Simulator {
	return &Simulator{
		minAudioBytes: minAudioBytes,
		latency:       latency,
	}
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &NetworkError{Op: "simulator", Err: ctx.Err(), Timeout: ctx.Err() == context.DeadlineExceeded}
	case <-timer.C:
		return nil
	}
}

func errProfileNotFound() error {
	return &APIError{StatusCode: 404, Code: "NotFound", Message: "profile not found"}
}

func (s *Simulator) CreateProfile(ctx context.Context) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}

	id := uuid.New().String()
	logger.Debug("Simulated voice profile created", zap.String("profile_id", id))
	return id, nil
}

func (s *Simulator) Enroll(ctx context.Context, profileID string, audio []byte) (*Enrollment, error) {
	if err := checkAudioSize(audio, s.minAudioBytes); err != nil {
		return nil, err
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(profileID); err != nil {
		return nil, errProfileNotFound()
	}

	return &Enrollment{
		ProfileID:               profileID,
		EnrollmentStatus:        StatusEnrolled,
		EnrollmentsCount:        1,
		EnrollmentsLength:       20,
		EnrollmentsSpeechLength: 20,
	}, nil
}

func (s *Simulator) GetProfile(ctx context.Context, profileID string) (*Profile, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(profileID); err != nil {
		return nil, errProfileNotFound()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	return &Profile{
		ProfileID:               profileID,
		Locale:                  defaultLocale,
		EnrollmentStatus:        StatusEnrolled,
		EnrollmentsCount:        1,
		EnrollmentsLength:       20,
		EnrollmentsSpeechLength: 20,
		CreatedDateTime:         now,
		LastUpdatedDateTime:     now,
	}, nil
}

func (s *Simulator) Verify(ctx context.Context, profileID string, audio []byte) Verification {
	if err := checkAudioSize(audio, s.minAudioBytes); err != nil {
		return rejected(err.Error())
	}
	if _, err := s.GetProfile(ctx, profileID); err != nil {
		return rejected(err.Error())
	}

	return Verification{RecognitionResult: Accept, Score: simulatedScore(audio)}
}

// simulatedScore maps the audio to a stable score in [0.70, 0.95).
func simulatedScore(audio []byte) float64 {
	h := fnv.New32a()
	h.Write(audio)
	return 0.70 + float64(h.Sum32()%250)/1000
}

func (s *Simulator) DeleteProfile(ctx context.Context, profileID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if _, err := uuid.Parse(profileID); err != nil {
		return errProfileNotFound()
	}
	return nil
}
