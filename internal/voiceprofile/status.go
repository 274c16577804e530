package voiceprofile

import (
	"context"
	"errors"
	"net/http"
	"voxsign/internal/speaker"
	"voxsign/pkg/apperr"
	"voxsign/pkg/cache"
	"voxsign/pkg/logger"
	"voxsign/pkg/model"

	"go.uber.org/zap"
)

// ProfileStatus is the diagnostic view returned by profile checks.
type ProfileStatus struct {
	ProfileID              string  `json:"profileId"`
	Exists                 bool    `json:"exists"`
	EnrollmentStatus       string  `json:"enrollmentStatus,omitempty"`
	EnrollmentsCount       int     `json:"enrollmentsCount"`
	RemainingSpeechSeconds float64 `json:"remainingSpeechSeconds"`
	EnrollmentID           string  `json:"enrollmentId,omitempty"`
	ProcessingStatus       string  `json:"processingStatus,omitempty"`
}

// CheckProfileForUser resolves the user's profile id and checks it.
func (s *Service) CheckProfileForUser(ctx context.Context, userID string) (*ProfileStatus, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if model.Deref(user.VoiceProfileID) == "" {
		status := &ProfileStatus{Exists: false}
		if e, err := s.store.GetActiveEnrollment(ctx, userID); err == nil {
			status.EnrollmentID = e.ID
			status.ProcessingStatus = string(e.ProcessingStatus)
		}
		return status, nil
	}
	return s.CheckProfile(ctx, *user.VoiceProfileID)
}

// CheckProfile reports whether the speaker service knows profileID and how
// far its enrollment has progressed. Results are cached briefly.
func (s *Service) CheckProfile(ctx context.Context, profileID string) (*ProfileStatus, error) {
	if profileID == "" {
		return nil, apperr.New(apperr.KindValidation, "profileId or userId is required")
	}

	key := cache.ProfileStatusCacheKey(profileID)
	var cached ProfileStatus
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		logger.Warn("Profile status cache read failed", zap.String("profile_id", profileID), zap.Error(err))
	}

	status := &ProfileStatus{ProfileID: profileID}

	profile, err := s.speaker.GetProfile(ctx, profileID)
	var apiErr *speaker.APIError
	switch {
	case err == nil:
		status.Exists = true
		status.EnrollmentStatus = string(profile.EnrollmentStatus)
		status.EnrollmentsCount = profile.EnrollmentsCount
		status.RemainingSpeechSeconds = profile.RemainingEnrollmentsSpeechLength
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		status.Exists = false
	default:
		return nil, apperr.Wrap(err, apperr.KindUpstream, "speaker recognition service unavailable")
	}

	if e, err := s.store.GetEnrollmentByProfileID(ctx, profileID); err == nil {
		status.EnrollmentID = e.ID
		status.ProcessingStatus = string(e.ProcessingStatus)
	}

	if err := s.cache.SetWithTTL(ctx, key, status, s.opts.StatusCacheTTL); err != nil {
		logger.Warn("Profile status cache write failed", zap.String("profile_id", profileID), zap.Error(err))
	}
	return status, nil
}

func (s *Service) forgetStatus(ctx context.Context, profileID string) {
	if err := s.cache.Delete(ctx, cache.ProfileStatusCacheKey(profileID)); err != nil {
		logger.Warn("Profile status cache delete failed", zap.String("profile_id", profileID), zap.Error(err))
	}
}
