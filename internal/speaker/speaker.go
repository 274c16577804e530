// Package speaker talks to a text-independent speaker verification service.
package speaker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
	"voxsign/pkg/apperr"
	"voxsign/pkg/logger"

	"go.uber.org/zap"
)

type EnrollmentStatus string

const (
	StatusEnrolling EnrollmentStatus = "Enrolling"
	StatusTraining  EnrollmentStatus = "Training"
	StatusEnrolled  EnrollmentStatus = "Enrolled"
)

type RecognitionResult string

const (
	Accept RecognitionResult = "Accept"
	Reject RecognitionResult = "Reject"
)

// Profile is the service-side view of a voice profile.
type Profile struct {
	ProfileID                        string           `json:"profileId"`
	Locale                           string           `json:"locale,omitempty"`
	EnrollmentStatus                 EnrollmentStatus `json:"enrollmentStatus"`
	EnrollmentsCount                 int              `json:"enrollmentsCount"`
	EnrollmentsLength                float64          `json:"enrollmentsLength"`
	EnrollmentsSpeechLength          float64          `json:"enrollmentsSpeechLength"`
	RemainingEnrollmentsSpeechLength float64          `json:"remainingEnrollmentsSpeechLength"`
	CreatedDateTime                  string           `json:"createdDateTime,omitempty"`
	LastUpdatedDateTime              string           `json:"lastUpdatedDateTime,omitempty"`
}

// Enrollment is returned after submitting enrollment audio.
type Enrollment struct {
	ProfileID                        string           `json:"profileId"`
	EnrollmentStatus                 EnrollmentStatus `json:"enrollmentStatus"`
	EnrollmentsCount                 int              `json:"enrollmentsCount"`
	EnrollmentsLength                float64          `json:"enrollmentsLength"`
	EnrollmentsSpeechLength          float64          `json:"enrollmentsSpeechLength"`
	RemainingEnrollmentsSpeechLength float64          `json:"remainingEnrollmentsSpeechLength"`
}

// Verification is the outcome of comparing a sample against a profile.
// Failures are reported as Reject with Score 0 and ErrorDetails set.
type Verification struct {
	RecognitionResult RecognitionResult `json:"recognitionResult"`
	Score             float64           `json:"score"`
	ErrorDetails      string            `json:"errorDetails,omitempty"`
}

func (v Verification) Accepted() bool {
	return v.RecognitionResult == Accept
}

func rejected(details string) Verification {
	return Verification{RecognitionResult: Reject, Score: 0, ErrorDetails: details}
}

// Client is implemented by the live HTTP client and the offline simulator.
type Client interface {
	CreateProfile(ctx context.Context) (string, error)
	Enroll(ctx context.Context, profileID string, audio []byte) (*Enrollment, error)
	Verify(ctx context.Context, profileID string, audio []byte) Verification
	GetProfile(ctx context.Context, profileID string) (*Profile, error)
	DeleteProfile(ctx context.Context, profileID string) error
}

type Options struct {
	APIKey        string
	Region        string
	Endpoint      string
	Locale        string
	Timeout       time.Duration
	MinAudioBytes int
	RatePerSecond int
}

const defaultMinAudioBytes = 1000

func (o Options) minAudioBytes() int {
	if o.MinAudioBytes <= 0 {
		return defaultMinAudioBytes
	}
	return o.MinAudioBytes
}

// New returns the live client, or the simulator when no API key is set.
func New(opts Options) Client {
	if opts.APIKey == "" {
		logger.Warn("Speaker recognition API key missing, using simulator")
		return NewSimulator(opts.minAudioBytes(), 300*time.Millisecond)
	}
	logger.Info("Speaker recognition client configured", zap.String("region", opts.Region))
	return NewHTTPClient(opts)
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("speaker recognition API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("speaker recognition API error %d: %s", e.StatusCode, e.Message)
}

// ErrTimeout matches NetworkErrors caused by a deadline.
var ErrTimeout = errors.New("speaker recognition request timed out")

// NetworkError is a transport failure where no response was received.
type NetworkError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: %v: %v", e.Op, ErrTimeout, e.Err)
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

func checkAudioSize(audio []byte, min int) error {
	if len(audio) < min {
		return fmt.Errorf("%w: %d bytes, need at least %d", apperr.ErrAudioTooSmall, len(audio), min)
	}
	return nil
}

// DetectContentType sniffs the container format from leading magic bytes.
func DetectContentType(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "audio/wav"
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "audio/webm"
	case bytes.HasPrefix(data, []byte("ID3")):
		return "audio/mpeg"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case bytes.HasPrefix(data, []byte("OggS")):
		return "audio/ogg"
	}
	return "application/octet-stream"
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Simulator)(nil)
)
