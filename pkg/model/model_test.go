package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoiceEnrollment_HappyPath(t *testing.T) {
	e := NewVoiceEnrollment("enr-1", "user-1", "https://cdn/raw.webm", 4.2, false)
	assert.Equal(t, StatusUploaded, e.ProcessingStatus)
	assert.True(t, e.IsActive)

	require.NoError(t, e.SetProcessing())
	require.NoError(t, e.SetAudioExtracted("https://cdn/audio.wav"))
	assert.True(t, e.PendingProfile())

	require.NoError(t, e.SetProfileCreating())
	require.NoError(t, e.SetProfileCreated("profile-1"))

	assert.Equal(t, StatusProfileCreated, e.ProcessingStatus)
	assert.True(t, e.IsProcessed)
	assert.True(t, e.HasProfile())
	assert.False(t, e.PendingProfile())
	assert.True(t, e.ProcessingStatus.IsTerminal())
}

func TestVoiceEnrollment_RejectsSkippedStages(t *testing.T) {
	e := NewVoiceEnrollment("enr-1", "user-1", "https://cdn/raw.webm", 0, true)

	assert.Error(t, e.SetAudioExtracted("https://cdn/audio.wav"))
	assert.Error(t, e.SetProfileCreated("profile-1"))
	assert.Equal(t, StatusUploaded, e.ProcessingStatus)
}

func TestVoiceEnrollment_ProfileCreatingNeedsAudio(t *testing.T) {
	e := NewVoiceEnrollment("enr-1", "user-1", "https://cdn/raw.webm", 0, true)
	require.NoError(t, e.SetProcessing())

	assert.Error(t, e.SetProfileCreating())
}

func TestVoiceEnrollment_ErrorsClearOnRetry(t *testing.T) {
	e := NewVoiceEnrollment("enr-1", "user-1", "https://cdn/raw.webm", 0, true)
	require.NoError(t, e.SetProcessing())

	e.SetError("ffmpeg failed")
	assert.Equal(t, StatusError, e.ProcessingStatus)
	assert.Equal(t, "ffmpeg failed", Deref(e.ProcessingError))

	require.NoError(t, e.SetProcessing())
	assert.Nil(t, e.ProcessingError)
}

func TestVoiceEnrollment_ProfileErrorRetry(t *testing.T) {
	e := NewVoiceEnrollment("enr-1", "user-1", "https://cdn/raw.webm", 0, true)
	require.NoError(t, e.SetProcessing())
	require.NoError(t, e.SetAudioExtracted("https://cdn/audio.wav"))
	require.NoError(t, e.SetProfileCreating())

	e.SetProfileError("too short")
	assert.True(t, e.PendingProfile())

	require.NoError(t, e.SetProfileCreating())
	assert.Nil(t, e.ProcessingError)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusProfileCreated, StatusProfileCreating))
	assert.True(t, CanTransition(StatusError, StatusProcessing))
	assert.False(t, CanTransition(StatusUploaded, StatusProfileCreated))
	assert.False(t, CanTransition(StatusProfileError, StatusUploaded))
}

func TestJSONB_ScanAndValue(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"requiredPhrase":"I agree"}`)))
	assert.Equal(t, "I agree", j["requiredPhrase"])

	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)

	assert.Error(t, j.Scan(42))

	v, err := JSONB(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestParseVoiceSignatureFieldMeta(t *testing.T) {
	tests := []struct {
		name string
		meta JSONB
		want VoiceSignatureFieldMeta
	}{
		{"nil", nil, VoiceSignatureFieldMeta{}},
		{"full", JSONB{"requiredPhrase": "I agree", "strictMatching": true}, VoiceSignatureFieldMeta{RequiredPhrase: "I agree", StrictMatching: true}},
		{"string bool", JSONB{"strictMatching": "true"}, VoiceSignatureFieldMeta{StrictMatching: true}},
		{"wrong types", JSONB{"requiredPhrase": []interface{}{1}, "strictMatching": map[string]interface{}{}}, VoiceSignatureFieldMeta{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVoiceSignatureFieldMeta(tt.meta))
		})
	}
}

func TestDecodeVoiceSignatureMetadata(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		meta, err := DecodeVoiceSignatureMetadata("  ")
		require.NoError(t, err)
		assert.Equal(t, VoiceMetadataVersion, meta.Version)
		assert.Nil(t, meta.TranscriptPtr())
	})

	t.Run("malformed keeps defaults", func(t *testing.T) {
		meta, err := DecodeVoiceSignatureMetadata("{not json")
		assert.Error(t, err)
		assert.Equal(t, VoiceMetadataVersion, meta.Version)
	})

	t.Run("full", func(t *testing.T) {
		meta, err := DecodeVoiceSignatureMetadata(`{
			"duration": 3.5,
			"mimeType": "audio/webm",
			"transcript": "  I agree to the terms  ",
			"isVerified": true,
			"verifiedAt": "2024-05-01T10:00:00Z",
			"voiceVerification": {"verified": true, "score": 0.82, "threshold": 0.5}
		}`)
		require.NoError(t, err)

		assert.Equal(t, 3.5, meta.Duration)
		assert.Equal(t, "audio/webm", meta.MimeType)
		assert.Equal(t, "I agree to the terms", *meta.TranscriptPtr())
		require.NotNil(t, meta.IsVerified)
		assert.True(t, *meta.IsVerified)
		require.NotNil(t, meta.VerifiedAt)
		assert.Equal(t, 2024, meta.VerifiedAt.Year())
		require.NotNil(t, meta.VoiceVerification)
		assert.Equal(t, 0.82, meta.VoiceVerification.Score)
	})

	t.Run("unparseable timestamp dropped", func(t *testing.T) {
		meta, err := DecodeVoiceSignatureMetadata(`{"verifiedAt": "yesterday"}`)
		require.NoError(t, err)
		assert.Nil(t, meta.VerifiedAt)
	})
}

func TestVoiceSignatureMetadata_JSONB(t *testing.T) {
	verified := false
	meta := VoiceSignatureMetadata{
		Version:        VoiceMetadataVersion,
		RequiredPhrase: "I agree",
		Transcript:     "I disagree",
		StrictMatching: false,
		IsVerified:     &verified,
	}

	j := meta.JSONB()

	assert.Equal(t, float64(VoiceMetadataVersion), j["version"])
	assert.Equal(t, "I agree", j["requiredPhrase"])
	assert.Equal(t, false, j["isVerified"])
	assert.NotContains(t, j, "strictMatching")
}

func TestDeref(t *testing.T) {
	assert.Equal(t, "", Deref(nil))
	assert.Equal(t, "x", Deref(StringPtr("x")))
}
