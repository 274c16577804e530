// Package voiceprofile manages the biometric voice profile of a user: creating
// it from enrollment audio, verifying fresh samples against it and replacing
// it on re-enrollment.
package voiceprofile

import (
	"context"
	"errors"
	"fmt"
	"time"
	"voxsign/internal/audio"
	"voxsign/internal/speaker"
	"voxsign/pkg/apperr"
	"voxsign/pkg/cache"
	"voxsign/pkg/logger"
	"voxsign/pkg/metrics"
	"voxsign/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultThreshold is the minimum service score accepted as a match.
const DefaultThreshold = 0.5

type Store interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetActiveEnrollment(ctx context.Context, userID string) (*model.VoiceEnrollment, error)
	GetEnrollmentByProfileID(ctx context.Context, profileID string) (*model.VoiceEnrollment, error)
	CreateActiveEnrollment(ctx context.Context, e *model.VoiceEnrollment) error
	UpdateEnrollment(ctx context.Context, e *model.VoiceEnrollment) error
	// CompleteProfileCreation stores the profile on the enrollment and the
	// user and returns the profile id the user had before.
	CompleteProfileCreation(ctx context.Context, e *model.VoiceEnrollment) (string, error)
	TouchEnrollmentLastUsed(ctx context.Context, id string, at time.Time) error
	CreateSecurityAuditLog(ctx context.Context, entry *model.SecurityAuditLog) error
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, filename, folder string) (string, error)
}

type Options struct {
	Threshold      float64
	MinAudioBytes  int
	LockTTL        time.Duration
	StatusCacheTTL time.Duration
}

type Service struct {
	store   Store
	speaker speaker.Client
	uploads Uploader
	locker  cache.Locker
	cache   cache.Cache
	opts    Options
}

func NewService(store Store, client speaker.Client, uploads Uploader, locker cache.Locker, c cache.Cache, opts Options) *Service {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MinAudioBytes <= 0 {
		opts.MinAudioBytes = 1000
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.StatusCacheTTL <= 0 {
		opts.StatusCacheTTL = time.Minute
	}
	return &Service{
		store:   store,
		speaker: client,
		uploads: uploads,
		locker:  locker,
		cache:   c,
		opts:    opts,
	}
}

// EnrollmentResult reports the outcome of a profile creation.
type EnrollmentResult struct {
	Success   bool   `json:"success"`
	ProfileID string `json:"profileId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func failedEnrollment(err error) EnrollmentResult {
	return EnrollmentResult{Success: false, Error: apperr.PublicMessage(err)}
}

// VerificationResult reports the outcome of a voice verification.
type VerificationResult struct {
	Verified  bool    `json:"verified"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Details   string  `json:"details,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Service) checkAudio(audio []byte) error {
	if len(audio) < s.opts.MinAudioBytes {
		return fmt.Errorf("%w: %d bytes, need at least %d", apperr.ErrAudioTooSmall, len(audio), s.opts.MinAudioBytes)
	}
	return nil
}

// lockUser serialises profile mutations for one user.
func (s *Service) lockUser(ctx context.Context, userID string) (func(), error) {
	unlock, ok, err := s.locker.Lock(ctx, cache.UserProfileLockKey(userID), s.opts.LockTTL)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "could not acquire profile lock")
	}
	if !ok {
		return nil, apperr.ErrProfileBusy
	}
	return unlock, nil
}

// upstreamKind classifies a speaker service failure.
func upstreamKind(err error) apperr.Kind {
	if errors.Is(err, speaker.ErrTimeout) {
		return apperr.KindTimeout
	}
	return apperr.KindUpstream
}

// CreateUserProfile creates a profile from audio for the user's active
// enrollment. Failures are reported in the result, never returned.
func (s *Service) CreateUserProfile(ctx context.Context, userID string, audio []byte) EnrollmentResult {
	if err := s.checkAudio(audio); err != nil {
		return failedEnrollment(err)
	}

	e, err := s.store.GetActiveEnrollment(ctx, userID)
	if err != nil {
		logger.Warn("No active enrollment for profile creation", zap.String("user_id", userID), zap.Error(err))
		return failedEnrollment(err)
	}

	profileID, err := s.CreateEnrollmentProfile(ctx, e, audio)
	if err != nil {
		return failedEnrollment(err)
	}
	return EnrollmentResult{Success: true, ProfileID: profileID}
}

// CreateEnrollmentProfile creates and enrolls a profile for e and stores it on
// both the enrollment and its user. On failure the enrollment is left in
// PROFILE_ERROR and the error is returned.
func (s *Service) CreateEnrollmentProfile(ctx context.Context, e *model.VoiceEnrollment, audio []byte) (string, error) {
	if err := s.checkAudio(audio); err != nil {
		return "", err
	}

	unlock, err := s.lockUser(ctx, e.UserID)
	if err != nil {
		return "", err
	}
	defer unlock()

	return s.createLocked(ctx, e, audio, "")
}

// createLocked must be called with the user lock held. A previous profile
// other than alreadyDeleted is removed from the service once the new one is
// stored.
func (s *Service) createLocked(ctx context.Context, e *model.VoiceEnrollment, audio []byte, alreadyDeleted string) (string, error) {
	log := logger.Logger.With(zap.String("enrollment_id", e.ID), zap.String("user_id", e.UserID))

	if !e.HasAudio() {
		return "", apperr.ErrNoAudioExtracted
	}
	if err := e.SetProfileCreating(); err != nil {
		return "", apperr.Wrap(err, apperr.KindConflict, "enrollment is not ready for profile creation")
	}
	if err := s.store.UpdateEnrollment(ctx, e); err != nil {
		return "", fmt.Errorf("failed to mark profile creation: %w", err)
	}

	profileID, err := s.speaker.CreateProfile(ctx)
	if err != nil {
		return "", s.failProfile(ctx, e, "", apperr.Wrap(err, upstreamKind(err), "voice profile could not be created"))
	}
	log = log.With(zap.String("profile_id", profileID))

	enrollment, err := s.speaker.Enroll(ctx, profileID, audio)
	if err != nil {
		kind := upstreamKind(err)
		if errors.Is(err, apperr.ErrAudioTooSmall) {
			kind = apperr.KindValidation
		}
		return "", s.failProfile(ctx, e, profileID, apperr.Wrap(err, kind, "voice sample could not be enrolled"))
	}

	if err := e.SetProfileCreated(profileID); err != nil {
		return "", s.failProfile(ctx, e, profileID, err)
	}
	previous, err := s.store.CompleteProfileCreation(ctx, e)
	if err != nil {
		return "", s.failProfile(ctx, e, profileID, fmt.Errorf("failed to save profile: %w", err))
	}

	s.audit(ctx, e.UserID, model.AuditVoiceProfileCreated, model.JSONB{
		"profileId":        profileID,
		"enrollmentId":     e.ID,
		"enrollmentStatus": string(enrollment.EnrollmentStatus),
	})
	s.forgetStatus(ctx, profileID)

	if previous != "" && previous != profileID && previous != alreadyDeleted {
		s.deletePrevious(ctx, e.UserID, previous)
	}

	log.Info("Voice profile created",
		zap.String("status", string(enrollment.EnrollmentStatus)),
		zap.Float64("remaining_speech", enrollment.RemainingEnrollmentsSpeechLength))

	return profileID, nil
}

// failProfile records cause on the enrollment and removes a profile that was
// created but never stored.
func (s *Service) failProfile(ctx context.Context, e *model.VoiceEnrollment, orphanProfileID string, cause error) error {
	if orphanProfileID != "" {
		if err := s.speaker.DeleteProfile(ctx, orphanProfileID); err != nil {
			logger.Warn("Failed to delete orphaned voice profile",
				zap.String("profile_id", orphanProfileID),
				zap.Error(err))
		}
	}

	if orphanProfileID != "" && model.Deref(e.VoiceProfileID) == orphanProfileID {
		e.VoiceProfileID = nil
		e.IsProcessed = false
	}
	e.SetProfileError(cause.Error())
	if err := s.store.UpdateEnrollment(ctx, e); err != nil {
		logger.Error("Failed to record profile error",
			zap.String("enrollment_id", e.ID),
			zap.Error(err))
	}

	logger.Error("Voice profile creation failed",
		zap.String("enrollment_id", e.ID),
		zap.String("user_id", e.UserID),
		zap.Error(cause))
	return cause
}

// VerifyUserVoice compares audio against the user's profile.
func (s *Service) VerifyUserVoice(ctx context.Context, userID string, audio []byte) VerificationResult {
	result := VerificationResult{Threshold: s.opts.Threshold}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		result.Error = apperr.PublicMessage(err)
		return result
	}
	if !user.HasVoiceProfile() {
		result.Error = "user has no enrolled voice profile"
		metrics.Verifications.WithLabelValues("no_profile").Inc()
		return result
	}
	profileID := *user.VoiceProfileID

	v := s.speaker.Verify(ctx, profileID, audio)
	result.Score = v.Score
	result.Details = v.ErrorDetails
	result.Verified = v.Accepted() && v.Score >= s.opts.Threshold

	auditType := model.AuditVoiceVerificationFailure
	label := "reject"
	if result.Verified {
		auditType = model.AuditVoiceVerificationSuccess
		label = "accept"
	} else if v.ErrorDetails != "" {
		label = "error"
	}
	metrics.Verifications.WithLabelValues(label).Inc()

	s.audit(ctx, userID, auditType, model.JSONB{
		"profileId":         profileID,
		"recognitionResult": string(v.RecognitionResult),
		"score":             v.Score,
		"threshold":         s.opts.Threshold,
		"errorDetails":      v.ErrorDetails,
	})

	if e, err := s.store.GetEnrollmentByProfileID(ctx, profileID); err == nil {
		if err := s.store.TouchEnrollmentLastUsed(ctx, e.ID, time.Now()); err != nil {
			logger.Warn("Failed to update enrollment last use", zap.String("enrollment_id", e.ID), zap.Error(err))
		}
	} else {
		logger.Warn("No enrollment found for profile", zap.String("profile_id", profileID), zap.Error(err))
	}

	logger.Info("Voice verification completed",
		zap.String("user_id", userID),
		zap.String("profile_id", profileID),
		zap.Bool("verified", result.Verified),
		zap.Float64("score", v.Score))

	return result
}

// ReEnrollUserVoice replaces the user's profile with one built from audio.
// The sample is stored as a new active enrollment before anything is
// removed, so a failed upload leaves the current profile in place. Deleting
// the previous profile is best effort.
func (s *Service) ReEnrollUserVoice(ctx context.Context, userID string, audio []byte) EnrollmentResult {
	if err := s.checkAudio(audio); err != nil {
		return failedEnrollment(err)
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return failedEnrollment(err)
	}
	defer unlock()

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return failedEnrollment(err)
	}

	e, err := s.newReEnrollment(ctx, userID, audio)
	if err != nil {
		logger.Error("Failed to store re-enrollment sample", zap.String("user_id", userID), zap.Error(err))
		return failedEnrollment(err)
	}

	old := model.Deref(user.VoiceProfileID)
	if old != "" {
		s.deletePrevious(ctx, userID, old)
	}

	profileID, err := s.createLocked(ctx, e, audio, old)
	if err != nil {
		return failedEnrollment(err)
	}
	return EnrollmentResult{Success: true, ProfileID: profileID}
}

// newReEnrollment uploads data and records it as the user's active
// enrollment, ready for profile creation.
func (s *Service) newReEnrollment(ctx context.Context, userID string, data []byte) (*model.VoiceEnrollment, error) {
	id := uuid.New().String()
	contentType := speaker.DetectContentType(data)

	audioURL, err := s.uploads.Upload(ctx, data, contentType, id+extFor(contentType), audio.AudioFolder)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "voice sample could not be stored")
	}

	e := model.NewVoiceEnrollment(id, userID, audioURL, 0, true)
	if err := e.SetProcessing(); err != nil {
		return nil, err
	}
	if err := e.SetAudioExtracted(audioURL); err != nil {
		return nil, err
	}
	if err := s.store.CreateActiveEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}
	return e, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "audio/wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	}
	return ".bin"
}

func (s *Service) deletePrevious(ctx context.Context, userID, profileID string) {
	if err := s.speaker.DeleteProfile(ctx, profileID); err != nil {
		logger.Warn("Failed to delete previous voice profile",
			zap.String("user_id", userID),
			zap.String("profile_id", profileID),
			zap.Error(err))
	} else {
		s.audit(ctx, userID, model.AuditVoiceProfileDeleted, model.JSONB{"profileId": profileID})
	}
	s.forgetStatus(ctx, profileID)
}

func (s *Service) audit(ctx context.Context, userID, auditType string, meta model.JSONB) {
	entry := &model.SecurityAuditLog{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      auditType,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateSecurityAuditLog(ctx, entry); err != nil {
		logger.Error("Failed to write security audit log",
			zap.String("user_id", userID),
			zap.String("type", auditType),
			zap.Error(err))
	}
}
