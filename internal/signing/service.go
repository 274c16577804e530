// Package signing inserts voice signatures into document fields.
package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"voxsign/internal/speaker"
	"voxsign/internal/transcript"
	"voxsign/pkg/apperr"
	"voxsign/pkg/logger"
	"voxsign/pkg/metrics"
	"voxsign/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AudioFolder is the storage namespace for recorded voice signatures.
const AudioFolder = "voice-signatures"

type Store interface {
	GetRecipientByToken(ctx context.Context, token string) (*model.Recipient, error)
	GetRecipientByID(ctx context.Context, id string) (*model.Recipient, error)
	GetDocumentByID(ctx context.Context, id string) (*model.Document, error)
	GetFieldByID(ctx context.Context, id string) (*model.Field, error)
	InsertVoiceSignature(ctx context.Context, field *model.Field, sig *model.Signature, audit *model.DocumentAuditLog) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, filename, folder string) (string, error)
	KeyFromURL(rawURL string) (string, bool)
	DeleteFile(ctx context.Context, key string) error
}

type Service struct {
	store       Store
	transcriber Transcriber
	uploads     Uploader
}

// NewService builds the signing workflow. A nil uploads keeps the audio
// inline as base64 on the signature.
func NewService(store Store, transcriber Transcriber, uploads Uploader) *Service {
	return &Service{
		store:       store,
		transcriber: transcriber,
		uploads:     uploads,
	}
}

// SignRequest is a voice signature submitted by a recipient.
type SignRequest struct {
	FieldID  string
	Token    string
	Value    string
	Metadata string
}

// SignVoiceField validates the recipient and field, checks the spoken phrase
// when the field requires one, and stores the signature atomically.
func (s *Service) SignVoiceField(ctx context.Context, req SignRequest) (*model.Field, error) {
	recipient, err := s.store.GetRecipientByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	field, err := s.store.GetFieldByID(ctx, req.FieldID)
	if err != nil {
		return nil, err
	}
	if field.DocumentID != recipient.DocumentID {
		return nil, apperr.New(apperr.KindForbidden, "field does not belong to this document")
	}

	log := logger.Logger.With(
		zap.String("field_id", field.ID),
		zap.String("document_id", field.DocumentID),
		zap.String("recipient_id", recipient.ID))

	if err := s.checkPreconditions(ctx, field, recipient); err != nil {
		return nil, err
	}
	if field.Type != model.FieldTypeVoiceSignature {
		return nil, apperr.Newf(apperr.KindValidation, "field type %s does not accept a voice signature", field.Type)
	}

	audio, mimeType, err := decodeAudio(req.Value)
	if err != nil {
		return nil, err
	}

	meta, err := model.DecodeVoiceSignatureMetadata(req.Metadata)
	if err != nil {
		log.Warn("Discarding voice signature metadata", zap.Error(err))
	}
	if meta.MimeType == "" {
		meta.MimeType = mimeType
	}

	fieldMeta := model.ParseVoiceSignatureFieldMeta(field.FieldMeta)
	if fieldMeta.RequiredPhrase != "" {
		if err := s.checkPhrase(ctx, log, &meta, fieldMeta, audio); err != nil {
			return nil, err
		}
	}

	audioRef, err := s.storeAudio(ctx, field, audio, meta.MimeType, req.Value)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sig := &model.Signature{
		ID:                       uuid.New().String(),
		FieldID:                  field.ID,
		RecipientID:              field.RecipientID,
		VoiceSignatureURL:        &audioRef,
		VoiceSignatureTranscript: meta.TranscriptPtr(),
		VoiceSignatureMetadata:   meta.JSONB(),
		VoiceSignatureCreatedAt:  &now,
		Created:                  now,
	}
	field.CustomText = ""

	audit := &model.DocumentAuditLog{
		ID:         uuid.New().String(),
		DocumentID: field.DocumentID,
		Type:       model.DocumentAuditFieldInserted,
		Data: model.JSONB{
			"fieldId":        field.ID,
			"fieldType":      string(field.Type),
			"recipientId":    recipient.ID,
			"recipientEmail": recipient.Email,
			"recipientName":  recipient.Name,
			"data":           audioRef,
		},
		CreatedAt: now,
	}

	if err := s.store.InsertVoiceSignature(ctx, field, sig, audit); err != nil {
		s.discardAudio(ctx, log, audioRef)
		if errors.Is(err, apperr.ErrFieldAlreadyInserted) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert voice signature: %w", err)
	}

	log.Info("Voice signature inserted",
		zap.Int("audio_bytes", len(audio)),
		zap.String("mime_type", meta.MimeType),
		zap.Bool("phrase_required", fieldMeta.RequiredPhrase != ""),
		zap.Bool("has_transcript", meta.Transcript != ""))

	return field, nil
}

// checkPreconditions rejects insertions into finished fields, documents or
// recipients. An assistant may fill a field of another recipient who has
// not completed signing yet.
func (s *Service) checkPreconditions(ctx context.Context, field *model.Field, recipient *model.Recipient) error {
	if field.Inserted {
		return apperr.ErrFieldAlreadyInserted
	}

	doc, err := s.store.GetDocumentByID(ctx, field.DocumentID)
	if err != nil {
		return err
	}
	if !doc.IsPending() {
		return apperr.ErrDocumentNotPending
	}

	if field.RecipientID == recipient.ID {
		if recipient.SigningStatus == model.SigningStatusSigned {
			return apperr.ErrRecipientCompleted
		}
		return nil
	}

	if recipient.Role != model.RecipientRoleAssistant {
		return apperr.New(apperr.KindForbidden, "field is assigned to another recipient")
	}
	owner, err := s.store.GetRecipientByID(ctx, field.RecipientID)
	if err != nil {
		return err
	}
	if owner.SigningStatus == model.SigningStatusSigned {
		return apperr.ErrRecipientCompleted
	}
	return nil
}

// checkPhrase fills in the transcript when the client sent none and records
// the match outcome on meta. In strict mode a mismatch stops the signing.
func (s *Service) checkPhrase(ctx context.Context, log *zap.Logger, meta *model.VoiceSignatureMetadata, cfg model.VoiceSignatureFieldMeta, audio []byte) error {
	meta.RequiredPhrase = cfg.RequiredPhrase
	meta.StrictMatching = cfg.StrictMatching

	mode := "lenient"
	if cfg.StrictMatching {
		mode = "strict"
	}

	if meta.Transcript == "" {
		text, err := s.transcriber.Transcribe(ctx, audio, meta.MimeType)
		if err != nil {
			metrics.PhraseMatches.WithLabelValues(mode, "error").Inc()
			if cfg.StrictMatching {
				return apperr.Wrap(err, apperr.KindUpstream, "voice signature could not be transcribed")
			}
			log.Warn("Transcription failed, storing signature as unverified", zap.Error(err))
			verified := false
			meta.IsVerified = &verified
			return nil
		}
		meta.Transcript = strings.TrimSpace(text)
	}

	matched := transcript.Matches(meta.Transcript, cfg.RequiredPhrase, cfg.StrictMatching)
	metrics.PhraseMatches.WithLabelValues(mode, matchLabel(matched)).Inc()

	log.Info("Phrase check completed",
		zap.String("mode", mode),
		zap.Bool("matched", matched),
		zap.Int("transcript_chars", len(meta.Transcript)))

	if !matched && cfg.StrictMatching {
		return apperr.ErrPhraseMismatch
	}

	meta.IsVerified = &matched
	if matched {
		at := time.Now()
		meta.VerifiedAt = &at
	} else {
		meta.VerifiedAt = nil
	}
	return nil
}

func matchLabel(matched bool) string {
	if matched {
		return "match"
	}
	return "mismatch"
}

func (s *Service) storeAudio(ctx context.Context, field *model.Field, audio []byte, mimeType, inline string) (string, error) {
	if s.uploads == nil {
		return inline, nil
	}
	url, err := s.uploads.Upload(ctx, audio, mimeType, field.ID+extFor(mimeType), AudioFolder)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindUpstream, "voice signature audio could not be stored")
	}
	return url, nil
}

// discardAudio removes an uploaded signature recording that no field
// references. Failures are only logged.
func (s *Service) discardAudio(ctx context.Context, log *zap.Logger, ref string) {
	if s.uploads == nil {
		return
	}
	key, ok := s.uploads.KeyFromURL(ref)
	if !ok {
		return
	}
	if err := s.uploads.DeleteFile(ctx, key); err != nil {
		log.Warn("Failed to delete unused voice signature audio", zap.String("key", key), zap.Error(err))
	}
}

// decodeAudio accepts raw base64 or a data URL and returns the audio bytes
// with their content type.
func decodeAudio(value string) ([]byte, string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, "", apperr.ErrMissingAudio
	}

	mimeType := ""
	if strings.HasPrefix(value, "data:") {
		header, payload, ok := strings.Cut(value, ",")
		if !ok {
			return nil, "", apperr.New(apperr.KindValidation, "malformed audio data URL")
		}
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		value = payload
	}

	audio, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, "", apperr.Wrap(err, apperr.KindValidation, "voice signature audio is not valid base64")
	}
	if len(audio) == 0 {
		return nil, "", apperr.ErrMissingAudio
	}

	if mimeType == "" {
		mimeType = speaker.DetectContentType(audio)
	}
	return audio, mimeType, nil
}

func extFor(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "video/mp4":
		return ".m4a"
	}
	return ".bin"
}
