package queue

import "time"

// ExtractionJob asks a worker to pull the audio track out of an uploaded
// enrollment recording.
type ExtractionJob struct {
	EnrollmentID string    `json:"enrollment_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProfileJob asks a worker to create a biometric profile. With an
// EnrollmentID only that enrollment is used; otherwise every pending
// enrollment of the user is processed.
type ProfileJob struct {
	UserID       string    `json:"user_id"`
	EnrollmentID string    `json:"enrollment_id,omitempty"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile job reasons.
const (
	ReasonExplicit      = "explicit"
	ReasonSweep         = "sweep"
	ReasonEmailVerified = "email_verified"
	ReasonExtracted     = "extracted"
)
