package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// VoiceMetadataVersion is written into every stored voice signature metadata blob.
const VoiceMetadataVersion = 1

// VoiceVerificationSnapshot is the optional biometric outcome supplied by the
// signing client.
type VoiceVerificationSnapshot struct {
	Verified  bool    `json:"verified"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold,omitempty"`
	Details   string  `json:"details,omitempty"`
}

// VoiceSignatureMetadata is the sidecar data stored with a voice signature.
type VoiceSignatureMetadata struct {
	Version           int                        `json:"version"`
	Duration          float64                    `json:"duration,omitempty"`
	MimeType          string                     `json:"mimeType,omitempty"`
	RequiredPhrase    string                     `json:"requiredPhrase,omitempty"`
	Transcript        string                     `json:"transcript,omitempty"`
	StrictMatching    bool                       `json:"strictMatching,omitempty"`
	IsVerified        *bool                      `json:"isVerified,omitempty"`
	VerifiedAt        *time.Time                 `json:"verifiedAt,omitempty"`
	VoiceVerification *VoiceVerificationSnapshot `json:"voiceVerification,omitempty"`
}

// DecodeVoiceSignatureMetadata parses client-supplied metadata JSON. It never
// fails hard: the returned metadata is always usable, and the error only
// reports that some or all of the input was discarded.
func DecodeVoiceSignatureMetadata(raw string) (VoiceSignatureMetadata, error) {
	meta := VoiceSignatureMetadata{Version: VoiceMetadataVersion}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return meta, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return meta, fmt.Errorf("malformed voice signature metadata: %w", err)
	}

	meta.Duration = cast.ToFloat64(fields["duration"])
	meta.MimeType = cast.ToString(fields["mimeType"])
	meta.RequiredPhrase = cast.ToString(fields["requiredPhrase"])
	meta.Transcript = strings.TrimSpace(cast.ToString(fields["transcript"]))
	meta.StrictMatching = cast.ToBool(fields["strictMatching"])

	if v, ok := fields["isVerified"]; ok && v != nil {
		verified := cast.ToBool(v)
		meta.IsVerified = &verified
	}
	if v, ok := fields["verifiedAt"]; ok && v != nil {
		if ts, err := cast.ToTimeE(v); err == nil {
			meta.VerifiedAt = &ts
		}
	}
	if v, ok := fields["voiceVerification"].(map[string]interface{}); ok {
		meta.VoiceVerification = &VoiceVerificationSnapshot{
			Verified:  cast.ToBool(v["verified"]),
			Score:     cast.ToFloat64(v["score"]),
			Threshold: cast.ToFloat64(v["threshold"]),
			Details:   cast.ToString(v["details"]),
		}
	}

	return meta, nil
}

// TranscriptPtr returns the transcript for fast display, or nil when absent.
func (m VoiceSignatureMetadata) TranscriptPtr() *string {
	if m.Transcript == "" {
		return nil
	}
	t := m.Transcript
	return &t
}

// JSONB converts the metadata into its stored representation.
func (m VoiceSignatureMetadata) JSONB() JSONB {
	data, err := json.Marshal(m)
	if err != nil {
		return JSONB{"version": VoiceMetadataVersion}
	}
	var out JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return JSONB{"version": VoiceMetadataVersion}
	}
	return out
}
