package storage

import (
	"context"
	"errors"
	"fmt"
	"voxsign/pkg/apperr"
	"voxsign/pkg/model"

	"github.com/jackc/pgx/v5"
)

// GetRecipientByToken resolves a signing token to its recipient.
func (s *PostgresStorage) GetRecipientByToken(ctx context.Context, token string) (*model.Recipient, error) {
	query := `
		SELECT id, document_id, email, name, token, role, signing_status
		FROM recipients
		WHERE token = $1`

	r, err := scanRecipient(s.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recipient for token: %w", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return r, nil
}

// GetRecipientByID retrieves a recipient by its ID
func (s *PostgresStorage) GetRecipientByID(ctx context.Context, id string) (*model.Recipient, error) {
	query := `
		SELECT id, document_id, email, name, token, role, signing_status
		FROM recipients
		WHERE id = $1`

	r, err := scanRecipient(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("recipient", id)
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return r, nil
}

func scanRecipient(row pgx.Row) (*model.Recipient, error) {
	var r model.Recipient
	if err := row.Scan(&r.ID, &r.DocumentID, &r.Email, &r.Name, &r.Token, &r.Role, &r.SigningStatus); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetDocumentByID retrieves a document by its ID
func (s *PostgresStorage) GetDocumentByID(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, status, deleted_at FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.Title, &d.Status, &d.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("document", id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &d, nil
}

// GetFieldByID retrieves a field by its ID
func (s *PostgresStorage) GetFieldByID(ctx context.Context, id string) (*model.Field, error) {
	var f model.Field
	err := s.pool.QueryRow(ctx, `
		SELECT id, document_id, recipient_id, type, inserted, custom_text, field_meta
		FROM fields
		WHERE id = $1`, id,
	).Scan(&f.ID, &f.DocumentID, &f.RecipientID, &f.Type, &f.Inserted, &f.CustomText, &f.FieldMeta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("field", id)
		}
		return nil, fmt.Errorf("failed to get field: %w", err)
	}
	return &f, nil
}

// InsertVoiceSignature marks the field inserted, upserts its signature and
// appends the document audit entry in one transaction. A field that was
// inserted concurrently yields ErrFieldAlreadyInserted and nothing is written.
func (s *PostgresStorage) InsertVoiceSignature(ctx context.Context, field *model.Field, sig *model.Signature, audit *model.DocumentAuditLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE fields
			SET inserted = TRUE, custom_text = $2
			WHERE id = $1 AND NOT inserted`,
			field.ID, field.CustomText)
		if err != nil {
			return fmt.Errorf("failed to mark field inserted: %w", err)
		}
		if result.RowsAffected() == 0 {
			return apperr.ErrFieldAlreadyInserted
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO signatures (
				id, field_id, recipient_id, signature_image_as_base64, typed_signature,
				voice_signature_url, voice_signature_transcript, voice_signature_metadata,
				voice_signature_created_at, created
			)
			VALUES ($1, $2, $3, NULL, NULL, $4, $5, $6, $7, $8)
			ON CONFLICT (field_id) DO UPDATE SET
				recipient_id = EXCLUDED.recipient_id,
				signature_image_as_base64 = NULL,
				typed_signature = NULL,
				voice_signature_url = EXCLUDED.voice_signature_url,
				voice_signature_transcript = EXCLUDED.voice_signature_transcript,
				voice_signature_metadata = EXCLUDED.voice_signature_metadata,
				voice_signature_created_at = EXCLUDED.voice_signature_created_at
			RETURNING id, created`,
			sig.ID,
			sig.FieldID,
			sig.RecipientID,
			sig.VoiceSignatureURL,
			sig.VoiceSignatureTranscript,
			sig.VoiceSignatureMetadata,
			sig.VoiceSignatureCreatedAt,
			sig.Created,
		).Scan(&sig.ID, &sig.Created)
		if err != nil {
			return fmt.Errorf("failed to upsert signature: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO document_audit_logs (id, document_id, type, data, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			audit.ID,
			audit.DocumentID,
			audit.Type,
			audit.Data,
			audit.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create document audit log: %w", err)
		}

		field.Inserted = true
		field.Signature = sig
		return nil
	})
}
