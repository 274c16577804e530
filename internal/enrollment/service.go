// Package enrollment drives a voice enrollment from the uploaded recording to
// a biometric profile: upload, queued audio extraction and profile creation,
// including the deferred sweep of enrollments still waiting for a profile.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"voxsign/internal/queue"
	"voxsign/pkg/apperr"
	"voxsign/pkg/logger"
	"voxsign/pkg/metrics"
	"voxsign/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RawFolder is the storage namespace for uploaded enrollment recordings.
const RawFolder = "voice-enrollments/raw"

type Store interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	CreateActiveEnrollment(ctx context.Context, e *model.VoiceEnrollment) error
	GetEnrollmentByID(ctx context.Context, id string) (*model.VoiceEnrollment, error)
	UpdateEnrollment(ctx context.Context, e *model.VoiceEnrollment) error
	ListPendingProfileEnrollments(ctx context.Context, userID string) ([]*model.VoiceEnrollment, error)
}

type ObjectStore interface {
	Upload(ctx context.Context, data []byte, contentType, filename, folder string) (string, error)
	Download(ctx context.Context, ref string) ([]byte, error)
	KeyFromURL(rawURL string) (string, bool)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Publisher interface {
	PublishExtraction(ctx context.Context, job *queue.ExtractionJob) error
	PublishProfileCreation(ctx context.Context, job *queue.ProfileJob) error
}

type AudioExtractor interface {
	ExtractAudio(ctx context.Context, enrollmentID string) (string, error)
}

type ProfileCreator interface {
	CreateEnrollmentProfile(ctx context.Context, e *model.VoiceEnrollment, audio []byte) (string, error)
}

// Notifier receives pipeline outcomes worth a human's attention.
type Notifier interface {
	EnrollmentFailed(ctx context.Context, e *model.VoiceEnrollment, stage string, err error)
	ProfileCreated(ctx context.Context, e *model.VoiceEnrollment, profileID string)
}

type Options struct {
	MinUploadBytes int
	PresignTTL     time.Duration
}

type Service struct {
	store     Store
	objects   ObjectStore
	jobs      Publisher
	extractor AudioExtractor
	profiles  ProfileCreator
	notifier  Notifier
	opts      Options
}

func NewService(
	store Store,
	objects ObjectStore,
	jobs Publisher,
	extractor AudioExtractor,
	profiles ProfileCreator,
	notifier Notifier,
	opts Options,
) *Service {
	if opts.MinUploadBytes <= 0 {
		opts.MinUploadBytes = 1000
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 5 * time.Minute
	}
	return &Service{
		store:     store,
		objects:   objects,
		jobs:      jobs,
		extractor: extractor,
		profiles:  profiles,
		notifier:  notifier,
		opts:      opts,
	}
}

// UploadRequest is one enrollment recording as received from a client.
type UploadRequest struct {
	UserID      string
	Filename    string
	ContentType string
	Data        []byte
	Duration    float64
	IsAudioOnly bool
}

type UploadResult struct {
	EnrollmentID string                 `json:"enrollmentId"`
	Status       model.ProcessingStatus `json:"status"`
}

// Upload stores the recording, makes it the user's active enrollment and
// queues audio extraction.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if len(req.Data) == 0 {
		return nil, apperr.ErrMissingFile
	}
	if len(req.Data) < s.opts.MinUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", apperr.ErrAudioTooSmall, len(req.Data), s.opts.MinUploadBytes)
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := req.Filename
	if filename == "" {
		filename = "recording" + defaultExt(req.IsAudioOnly)
	}

	videoURL, err := s.objects.Upload(ctx, req.Data, contentType, filename, RawFolder)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "recording could not be stored")
	}

	e := model.NewVoiceEnrollment(uuid.New().String(), req.UserID, videoURL, req.Duration, req.IsAudioOnly)
	if err := e.SetProcessing(); err != nil {
		return nil, err
	}
	if err := s.store.CreateActiveEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	log := logger.Logger.With(zap.String("enrollment_id", e.ID), zap.String("user_id", e.UserID))
	log.Info("Enrollment recording uploaded",
		zap.Int("size", len(req.Data)),
		zap.Float64("duration", req.Duration),
		zap.Bool("audio_only", req.IsAudioOnly))

	job := &queue.ExtractionJob{EnrollmentID: e.ID, UserID: e.UserID, CreatedAt: time.Now()}
	if err := s.jobs.PublishExtraction(ctx, job); err != nil {
		e.SetError("failed to queue audio extraction")
		if uerr := s.store.UpdateEnrollment(ctx, e); uerr != nil {
			log.Error("Failed to record enqueue error", zap.Error(uerr))
		}
		return nil, apperr.Wrap(err, apperr.KindUpstream, "audio extraction could not be scheduled")
	}

	return &UploadResult{EnrollmentID: e.ID, Status: e.ProcessingStatus}, nil
}

func defaultExt(audioOnly bool) string {
	if audioOnly {
		return ".webm"
	}
	return ".mp4"
}

// View is an enrollment with short-lived playback links.
type View struct {
	*model.VoiceEnrollment
	VideoPlaybackURL string `json:"video_playback_url,omitempty"`
	AudioPlaybackURL string `json:"audio_playback_url,omitempty"`
}

// GetEnrollment returns the enrollment with freshly presigned URLs.
func (s *Service) GetEnrollment(ctx context.Context, id string) (*View, error) {
	e, err := s.store.GetEnrollmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &View{VoiceEnrollment: e}
	view.VideoPlaybackURL = s.presign(ctx, e.VideoURL)
	if e.HasAudio() {
		view.AudioPlaybackURL = s.presign(ctx, *e.AudioURL)
	}
	return view, nil
}

func (s *Service) presign(ctx context.Context, ref string) string {
	key, ok := s.objects.KeyFromURL(ref)
	if !ok {
		return ref
	}
	signed, err := s.objects.Presign(ctx, key, s.opts.PresignTTL)
	if err != nil {
		logger.Warn("Failed to presign enrollment object", zap.String("key", key), zap.Error(err))
		return ""
	}
	return signed
}

// HandleExtraction is the audio_extraction queue handler.
func (s *Service) HandleExtraction(ctx context.Context, body []byte) error {
	var job queue.ExtractionJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("failed to unmarshal extraction job: %w", err)
	}

	log := logger.Logger.With(zap.String("enrollment_id", job.EnrollmentID), zap.String("user_id", job.UserID))
	log.Info("Processing audio extraction job")

	audioURL, err := s.extractor.ExtractAudio(ctx, job.EnrollmentID)
	if err != nil {
		if e, lerr := s.store.GetEnrollmentByID(ctx, job.EnrollmentID); lerr == nil {
			s.notifier.EnrollmentFailed(ctx, e, "extraction", err)
		}
		return err
	}
	log.Info("Audio extraction finished", zap.String("audio_url", audioURL))

	user, err := s.store.GetUserByID(ctx, job.UserID)
	if err != nil {
		log.Warn("Could not load user after extraction", zap.Error(err))
		return nil
	}
	if !user.EmailVerified {
		log.Info("Profile creation deferred until email verification")
		return nil
	}

	profileJob := &queue.ProfileJob{
		UserID:       job.UserID,
		EnrollmentID: job.EnrollmentID,
		Reason:       queue.ReasonExtracted,
		CreatedAt:    time.Now(),
	}
	if err := s.jobs.PublishProfileCreation(ctx, profileJob); err != nil {
		// the sweep picks the enrollment up later
		log.Warn("Failed to queue profile creation", zap.Error(err))
	}
	return nil
}

// RequestProfileCreation queues profile creation for one enrollment.
func (s *Service) RequestProfileCreation(ctx context.Context, enrollmentID string) error {
	e, err := s.store.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if !e.HasAudio() {
		return apperr.ErrNoAudioExtracted
	}
	if e.HasProfile() {
		return apperr.New(apperr.KindConflict, "enrollment already has a voice profile")
	}

	return s.publishProfileJob(ctx, &queue.ProfileJob{
		UserID:       e.UserID,
		EnrollmentID: e.ID,
		Reason:       queue.ReasonExplicit,
		CreatedAt:    time.Now(),
	})
}

// RequestPendingProfiles queues the pending sweep for a user, typically after
// the user verified their email address.
func (s *Service) RequestPendingProfiles(ctx context.Context, userID, reason string) error {
	if reason == "" {
		reason = queue.ReasonEmailVerified
	}
	return s.publishProfileJob(ctx, &queue.ProfileJob{
		UserID:    userID,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
}

func (s *Service) publishProfileJob(ctx context.Context, job *queue.ProfileJob) error {
	if err := s.jobs.PublishProfileCreation(ctx, job); err != nil {
		return apperr.Wrap(err, apperr.KindUpstream, "profile creation could not be scheduled")
	}
	logger.Info("Profile creation queued",
		zap.String("user_id", job.UserID),
		zap.String("enrollment_id", job.EnrollmentID),
		zap.String("reason", job.Reason))
	return nil
}

// HandleProfileJob is the profile_creation queue handler. Sweep jobs never
// fail as a whole: per-enrollment failures are persisted on the enrollment.
func (s *Service) HandleProfileJob(ctx context.Context, body []byte) error {
	var job queue.ProfileJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("failed to unmarshal profile job: %w", err)
	}

	if job.EnrollmentID != "" {
		_, err := s.CreateProfileForEnrollment(ctx, job.EnrollmentID)
		if errors.Is(err, apperr.ErrAudioTooSmall) || errors.Is(err, apperr.ErrNoAudioExtracted) {
			// retrying cannot help
			return nil
		}
		return err
	}

	report, err := s.ProcessPendingEnrollments(ctx, job.UserID)
	if err != nil {
		return err
	}
	logger.Info("Pending enrollment sweep finished",
		zap.String("user_id", job.UserID),
		zap.String("reason", job.Reason),
		zap.Int("created", report.Created),
		zap.Int("failed", report.Failed))
	return nil
}

// CreateProfileForEnrollment creates the biometric profile for one enrollment
// from its extracted audio. An enrollment that already has a profile is left
// untouched.
func (s *Service) CreateProfileForEnrollment(ctx context.Context, enrollmentID string) (string, error) {
	e, err := s.store.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return "", err
	}
	return s.createProfile(ctx, e)
}

func (s *Service) createProfile(ctx context.Context, e *model.VoiceEnrollment) (string, error) {
	if e.HasProfile() {
		logger.Info("Enrollment already has a profile, skipping",
			zap.String("enrollment_id", e.ID),
			zap.String("profile_id", *e.VoiceProfileID))
		return *e.VoiceProfileID, nil
	}
	if !e.HasAudio() {
		return "", apperr.ErrNoAudioExtracted
	}

	audio, err := s.objects.Download(ctx, *e.AudioURL)
	if err != nil {
		err = apperr.Wrap(err, apperr.KindUpstream, "enrollment audio could not be downloaded")
		s.notifier.EnrollmentFailed(ctx, e, "download", err)
		return "", err
	}

	logger.Debug("Enrollment audio downloaded",
		zap.String("enrollment_id", e.ID),
		zap.String("ext", filepath.Ext(*e.AudioURL)),
		zap.Int("size", len(audio)))

	profileID, err := s.profiles.CreateEnrollmentProfile(ctx, e, audio)
	if err != nil {
		if !errors.Is(err, apperr.ErrProfileBusy) {
			s.notifier.EnrollmentFailed(ctx, e, "profile", err)
		}
		return "", err
	}

	s.notifier.ProfileCreated(ctx, e, profileID)
	return profileID, nil
}

// SweepReport summarises one pass over a user's pending enrollments.
type SweepReport struct {
	UserID  string            `json:"userId"`
	Pending int               `json:"pending"`
	Created int               `json:"created"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ProcessPendingEnrollments creates profiles for every enrollment of the user
// that has audio but no profile. A failure on one enrollment does not stop
// the others.
func (s *Service) ProcessPendingEnrollments(ctx context.Context, userID string) (*SweepReport, error) {
	pending, err := s.store.ListPendingProfileEnrollments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending enrollments: %w", err)
	}

	report := &SweepReport{UserID: userID, Pending: len(pending)}
	if len(pending) == 0 {
		return report, nil
	}

	logger.Info("Processing pending enrollments",
		zap.String("user_id", userID),
		zap.Int("count", len(pending)))

	for _, e := range pending {
		if _, err := s.createProfile(ctx, e); err != nil {
			report.Failed++
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[e.ID] = apperr.PublicMessage(err)
			metrics.SweepItems.WithLabelValues("error").Inc()

			logger.Error("Pending enrollment failed",
				zap.String("enrollment_id", e.ID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		report.Created++
		metrics.SweepItems.WithLabelValues("created").Inc()
	}

	return report, nil
}
