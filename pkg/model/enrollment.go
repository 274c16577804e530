package model

import (
	"fmt"
	"time"
)

// ProcessingStatus tracks an enrollment through the voice pipeline.
type ProcessingStatus string

const (
	StatusUploaded        ProcessingStatus = "UPLOADED"
	StatusProcessing      ProcessingStatus = "PROCESSING"
	StatusAudioExtracted  ProcessingStatus = "AUDIO_EXTRACTED"
	StatusProfileCreating ProcessingStatus = "PROFILE_CREATING"
	StatusProfileCreated  ProcessingStatus = "PROFILE_CREATED"
	StatusError           ProcessingStatus = "ERROR"
	StatusProfileError    ProcessingStatus = "PROFILE_ERROR"
)

var transitions = map[ProcessingStatus][]ProcessingStatus{
	StatusUploaded:        {StatusProcessing, StatusError},
	StatusProcessing:      {StatusAudioExtracted, StatusError},
	StatusAudioExtracted:  {StatusProfileCreating, StatusError, StatusProfileError},
	StatusProfileCreating: {StatusProfileCreated, StatusProfileError, StatusError},
	// A failed profile attempt can be retried once audio exists.
	StatusProfileError: {StatusProfileCreating},
	// Re-enrollment replaces the profile of an already enrolled recording.
	StatusProfileCreated: {StatusProfileCreating},
	// Extraction may be retried by the job queue.
	StatusError: {StatusProcessing},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to ProcessingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no pipeline stage is running for the status.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusProfileCreated || s == StatusError || s == StatusProfileError
}

// VoiceEnrollment is one durable record per enrollment attempt.
type VoiceEnrollment struct {
	ID                      string           `json:"id" db:"id"`
	UserID                  string           `json:"user_id" db:"user_id"`
	IsActive                bool             `json:"is_active" db:"is_active"`
	VideoURL                string           `json:"video_url" db:"video_url"`
	AudioURL                *string          `json:"audio_url,omitempty" db:"audio_url"`
	VoiceProfileID          *string          `json:"voice_profile_id,omitempty" db:"voice_profile_id"`
	ProcessingStatus        ProcessingStatus `json:"processing_status" db:"processing_status"`
	ProcessingError         *string          `json:"processing_error,omitempty" db:"processing_error"`
	IsProcessed             bool             `json:"is_processed" db:"is_processed"`
	ReadyForProfileCreation bool             `json:"ready_for_profile_creation" db:"ready_for_profile_creation"`
	Duration                float64          `json:"duration" db:"duration"`
	IsAudioOnly             bool             `json:"is_audio_only" db:"is_audio_only"`
	LastUsedAt              *time.Time       `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt               time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at" db:"updated_at"`
}

// NewVoiceEnrollment creates an active enrollment for a freshly uploaded recording.
func NewVoiceEnrollment(id, userID, videoURL string, duration float64, audioOnly bool) *VoiceEnrollment {
	now := time.Now()
	return &VoiceEnrollment{
		ID:               id,
		UserID:           userID,
		IsActive:         true,
		VideoURL:         videoURL,
		ProcessingStatus: StatusUploaded,
		Duration:         duration,
		IsAudioOnly:      audioOnly,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (e *VoiceEnrollment) move(to ProcessingStatus) error {
	if e.ProcessingStatus == to {
		return nil
	}
	if !CanTransition(e.ProcessingStatus, to) {
		return fmt.Errorf("invalid enrollment transition %s -> %s", e.ProcessingStatus, to)
	}
	e.ProcessingStatus = to
	e.UpdatedAt = time.Now()
	return nil
}

// SetProcessing marks audio extraction as started.
func (e *VoiceEnrollment) SetProcessing() error {
	if err := e.move(StatusProcessing); err != nil {
		return err
	}
	e.ProcessingError = nil
	return nil
}

// SetAudioExtracted records the extracted audio location.
func (e *VoiceEnrollment) SetAudioExtracted(audioURL string) error {
	if err := e.move(StatusAudioExtracted); err != nil {
		return err
	}
	e.AudioURL = &audioURL
	e.ReadyForProfileCreation = true
	e.ProcessingError = nil
	return nil
}

// SetProfileCreating marks a biometric profile request as in flight.
func (e *VoiceEnrollment) SetProfileCreating() error {
	if e.AudioURL == nil {
		return fmt.Errorf("enrollment %s has no extracted audio", e.ID)
	}
	if err := e.move(StatusProfileCreating); err != nil {
		return err
	}
	e.ProcessingError = nil
	return nil
}

// SetProfileCreated records the biometric profile id.
func (e *VoiceEnrollment) SetProfileCreated(profileID string) error {
	if err := e.move(StatusProfileCreated); err != nil {
		return err
	}
	e.VoiceProfileID = &profileID
	e.IsProcessed = true
	e.ProcessingError = nil
	return nil
}

// SetError marks the extraction stage as failed. It is reachable from any
// in-progress status, so the transition table is not consulted.
func (e *VoiceEnrollment) SetError(msg string) {
	e.ProcessingStatus = StatusError
	e.ProcessingError = &msg
	e.UpdatedAt = time.Now()
}

// SetProfileError marks profile creation as failed.
func (e *VoiceEnrollment) SetProfileError(msg string) {
	e.ProcessingStatus = StatusProfileError
	e.ProcessingError = &msg
	e.UpdatedAt = time.Now()
}

// HasAudio reports whether extraction already produced an audio file.
func (e *VoiceEnrollment) HasAudio() bool {
	return e.AudioURL != nil && *e.AudioURL != ""
}

// HasProfile reports whether a biometric profile exists for the enrollment.
func (e *VoiceEnrollment) HasProfile() bool {
	return e.VoiceProfileID != nil && *e.VoiceProfileID != ""
}

// PendingProfile reports whether the enrollment waits for profile creation.
func (e *VoiceEnrollment) PendingProfile() bool {
	return e.ReadyForProfileCreation && e.HasAudio() && !e.HasProfile()
}
