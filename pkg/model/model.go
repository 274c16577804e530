package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB represents a JSONB field for PostgreSQL
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}

	return json.Unmarshal(raw, j)
}

// User holds the voice-related subset of a user record.
type User struct {
	ID                      string     `json:"id" db:"id"`
	Email                   string     `json:"email" db:"email"`
	EmailVerified           bool       `json:"email_verified" db:"email_verified"`
	VoiceProfileID          *string    `json:"voice_profile_id,omitempty" db:"voice_profile_id"`
	VoiceEnrollmentComplete bool       `json:"voice_enrollment_complete" db:"voice_enrollment_complete"`
	VoiceEnrollmentDate     *time.Time `json:"voice_enrollment_date,omitempty" db:"voice_enrollment_date"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// HasVoiceProfile reports whether the user can be voice-verified.
func (u *User) HasVoiceProfile() bool {
	return u.VoiceProfileID != nil && *u.VoiceProfileID != "" && u.VoiceEnrollmentComplete
}

// Security audit log types written by the voice profile service.
const (
	AuditVoiceVerificationSuccess = "VOICE_VERIFICATION_SUCCESS"
	AuditVoiceVerificationFailure = "VOICE_VERIFICATION_FAILURE"
	AuditVoiceProfileCreated      = "VOICE_PROFILE_CREATED"
	AuditVoiceProfileDeleted      = "VOICE_PROFILE_DELETED"
)

// SecurityAuditLog is an entry in the per-user security log.
type SecurityAuditLog struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Type      string    `json:"type" db:"type"`
	Metadata  JSONB     `json:"metadata" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
