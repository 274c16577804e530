package model

import (
	"time"

	"github.com/spf13/cast"
)

type FieldType string

const (
	FieldTypeSignature      FieldType = "SIGNATURE"
	FieldTypeFreeSignature  FieldType = "FREE_SIGNATURE"
	FieldTypeVoiceSignature FieldType = "VOICE_SIGNATURE"
	FieldTypeText           FieldType = "TEXT"
	FieldTypeDate           FieldType = "DATE"
)

type DocumentStatus string

const (
	DocumentStatusDraft     DocumentStatus = "DRAFT"
	DocumentStatusPending   DocumentStatus = "PENDING"
	DocumentStatusCompleted DocumentStatus = "COMPLETED"
)

type RecipientRole string

const (
	RecipientRoleSigner    RecipientRole = "SIGNER"
	RecipientRoleApprover  RecipientRole = "APPROVER"
	RecipientRoleViewer    RecipientRole = "VIEWER"
	RecipientRoleCC        RecipientRole = "CC"
	RecipientRoleAssistant RecipientRole = "ASSISTANT"
)

type SigningStatus string

const (
	SigningStatusNotSigned SigningStatus = "NOT_SIGNED"
	SigningStatusSigned    SigningStatus = "SIGNED"
	SigningStatusRejected  SigningStatus = "REJECTED"
)

// Document audit log types.
const (
	DocumentAuditFieldInserted = "DOCUMENT_FIELD_INSERTED"
)

type Document struct {
	ID        string         `json:"id" db:"id"`
	Title     string         `json:"title" db:"title"`
	Status    DocumentStatus `json:"status" db:"status"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsPending reports whether the document still accepts field insertions.
func (d *Document) IsPending() bool {
	return d.Status == DocumentStatusPending && d.DeletedAt == nil
}

type Recipient struct {
	ID            string        `json:"id" db:"id"`
	DocumentID    string        `json:"document_id" db:"document_id"`
	Email         string        `json:"email" db:"email"`
	Name          string        `json:"name" db:"name"`
	Token         string        `json:"-" db:"token"`
	Role          RecipientRole `json:"role" db:"role"`
	SigningStatus SigningStatus `json:"signing_status" db:"signing_status"`
}

type Field struct {
	ID          string    `json:"id" db:"id"`
	DocumentID  string    `json:"document_id" db:"document_id"`
	RecipientID string    `json:"recipient_id" db:"recipient_id"`
	Type        FieldType `json:"type" db:"type"`
	Inserted    bool      `json:"inserted" db:"inserted"`
	CustomText  string    `json:"custom_text" db:"custom_text"`
	FieldMeta   JSONB     `json:"field_meta,omitempty" db:"field_meta"`

	Signature *Signature `json:"signature,omitempty" db:"-"`
}

type Signature struct {
	ID                       string     `json:"id" db:"id"`
	FieldID                  string     `json:"field_id" db:"field_id"`
	RecipientID              string     `json:"recipient_id" db:"recipient_id"`
	SignatureImageAsBase64   *string    `json:"signature_image_as_base64,omitempty" db:"signature_image_as_base64"`
	TypedSignature           *string    `json:"typed_signature,omitempty" db:"typed_signature"`
	VoiceSignatureURL        *string    `json:"voice_signature_url,omitempty" db:"voice_signature_url"`
	VoiceSignatureTranscript *string    `json:"voice_signature_transcript,omitempty" db:"voice_signature_transcript"`
	VoiceSignatureMetadata   JSONB      `json:"voice_signature_metadata,omitempty" db:"voice_signature_metadata"`
	VoiceSignatureCreatedAt  *time.Time `json:"voice_signature_created_at,omitempty" db:"voice_signature_created_at"`
	Created                  time.Time  `json:"created" db:"created"`
}

type DocumentAuditLog struct {
	ID         string    `json:"id" db:"id"`
	DocumentID string    `json:"document_id" db:"document_id"`
	Type       string    `json:"type" db:"type"`
	Data       JSONB     `json:"data" db:"data"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// VoiceSignatureFieldMeta configures phrase matching for a voice-signature field.
type VoiceSignatureFieldMeta struct {
	RequiredPhrase string `json:"requiredPhrase,omitempty"`
	StrictMatching bool   `json:"strictMatching"`
}

// ParseVoiceSignatureFieldMeta reads the voice options from a field's meta
// blob. Missing or mistyped keys fall back to zero values.
func ParseVoiceSignatureFieldMeta(meta JSONB) VoiceSignatureFieldMeta {
	if meta == nil {
		return VoiceSignatureFieldMeta{}
	}
	return VoiceSignatureFieldMeta{
		RequiredPhrase: cast.ToString(meta["requiredPhrase"]),
		StrictMatching: cast.ToBool(meta["strictMatching"]),
	}
}
