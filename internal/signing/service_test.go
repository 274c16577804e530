package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"voxsign/pkg/apperr"
	"voxsign/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetRecipientByToken(ctx context.Context, token string) (*model.Recipient, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Recipient), args.Error(1)
}

func (m *MockStore) GetRecipientByID(ctx context.Context, id string) (*model.Recipient, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Recipient), args.Error(1)
}

func (m *MockStore) GetDocumentByID(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockStore) GetFieldByID(ctx context.Context, id string) (*model.Field, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Field), args.Error(1)
}

func (m *MockStore) InsertVoiceSignature(ctx context.Context, field *model.Field, sig *model.Signature, audit *model.DocumentAuditLog) error {
	args := m.Called(ctx, field, sig, audit)
	if args.Error(0) == nil {
		field.Inserted = true
		field.Signature = sig
	}
	return args.Error(0)
}

type MockTranscriber struct {
	mock.Mock
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	args := m.Called(ctx, audio, mimeType)
	return args.String(0), args.Error(1)
}

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, data []byte, contentType, filename, folder string) (string, error) {
	args := m.Called(ctx, data, contentType, filename, folder)
	return args.String(0), args.Error(1)
}

func (m *MockUploader) KeyFromURL(rawURL string) (string, bool) {
	args := m.Called(rawURL)
	return args.String(0), args.Bool(1)
}

func (m *MockUploader) DeleteFile(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

var wavAudio = append([]byte("RIFF\x00\x00\x00\x00WAVEfmt "), make([]byte, 2000)...)

func encodedAudio() string {
	return base64.StdEncoding.EncodeToString(wavAudio)
}

type fixture struct {
	svc         *Service
	store       *MockStore
	transcriber *MockTranscriber
	recipient   *model.Recipient
	field       *model.Field
}

func newFixture(fieldMeta model.JSONB) *fixture {
	f := &fixture{
		store:       new(MockStore),
		transcriber: new(MockTranscriber),
		recipient: &model.Recipient{
			ID:            "rcp-1",
			DocumentID:    "doc-1",
			Email:         "signer@example.com",
			Name:          "Signer",
			Token:         "tok-1",
			Role:          model.RecipientRoleSigner,
			SigningStatus: model.SigningStatusNotSigned,
		},
		field: &model.Field{
			ID:          "fld-1",
			DocumentID:  "doc-1",
			RecipientID: "rcp-1",
			Type:        model.FieldTypeVoiceSignature,
			FieldMeta:   fieldMeta,
		},
	}
	f.svc = NewService(f.store, f.transcriber, nil)

	f.store.On("GetRecipientByToken", mock.Anything, "tok-1").Return(f.recipient, nil)
	f.store.On("GetFieldByID", mock.Anything, "fld-1").Return(f.field, nil)
	f.store.On("GetDocumentByID", mock.Anything, "doc-1").
		Return(&model.Document{ID: "doc-1", Status: model.DocumentStatusPending}, nil)
	return f
}

func (f *fixture) expectInsert() *mock.Call {
	return f.store.On("InsertVoiceSignature", mock.Anything, f.field, mock.Anything, mock.Anything).Return(nil)
}

func storedSignature(t *testing.T, store *MockStore) (*model.Signature, *model.DocumentAuditLog) {
	t.Helper()
	for _, call := range store.Calls {
		if call.Method == "InsertVoiceSignature" {
			return call.Arguments.Get(2).(*model.Signature), call.Arguments.Get(3).(*model.DocumentAuditLog)
		}
	}
	t.Fatal("InsertVoiceSignature was not called")
	return nil, nil
}

func TestSignVoiceField_VerbatimPhraseIsVerified(t *testing.T) {
	f := newFixture(model.JSONB{"requiredPhrase": "I agree to the terms", "strictMatching": true})
	f.transcriber.On("Transcribe", mock.Anything, wavAudio, "audio/wav").Return("I agree to the terms.", nil)
	f.expectInsert()

	field, err := f.svc.SignVoiceField(context.Background(), SignRequest{
		FieldID:  "fld-1",
		Token:    "tok-1",
		Value:    encodedAudio(),
		Metadata: `{"duration": 25}`,
	})

	require.NoError(t, err)
	assert.True(t, field.Inserted)

	sig, audit := storedSignature(t, f.store)
	assert.Equal(t, "I agree to the terms.", model.Deref(sig.VoiceSignatureTranscript))
	assert.Equal(t, true, sig.VoiceSignatureMetadata["isVerified"])
	assert.Equal(t, "I agree to the terms", sig.VoiceSignatureMetadata["requiredPhrase"])
	assert.Equal(t, float64(25), sig.VoiceSignatureMetadata["duration"])
	assert.NotNil(t, sig.VoiceSignatureMetadata["verifiedAt"])
	assert.Equal(t, "rcp-1", sig.RecipientID)
	assert.Equal(t, encodedAudio(), audit.Data["data"])
	assert.Equal(t, model.DocumentAuditFieldInserted, audit.Type)
}

func TestSignVoiceField_StrictMismatchIsHardStop(t *testing.T) {
	f := newFixture(model.JSONB{"requiredPhrase": "I agree to the terms and conditions of Documenso", "strictMatching": true})

	_, err := f.svc.SignVoiceField(context.Background(), SignRequest{
		FieldID:  "fld-1",
		Token:    "tok-1",
		Value:    encodedAudio(),
		Metadata: `{"transcript": "I agree to the the terms and conditions"}`,
	})

	assert.ErrorIs(t, err, apperr.ErrPhraseMismatch)
	f.store.AssertNotCalled(t, "InsertVoiceSignature", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.transcriber.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestSignVoiceField_LenientMismatchStoredUnverified(t *testing.T) {
	f := newFixture(model.JSONB{"requiredPhrase": "I agree to the terms"})
	f.expectInsert()

	_, err := f.svc.SignVoiceField(context.Background(), SignRequest{
		FieldID:  "fld-1",
		Token:    "tok-1",
		Value:    encodedAudio(),
		Metadata: `{"transcript": "hello there"}`,
	})

	require.NoError(t, err)
	sig, _ := storedSignature(t, f.store)
	assert.Equal(t, false, sig.VoiceSignatureMetadata["isVerified"])
	assert.Nil(t, sig.VoiceSignatureMetadata["verifiedAt"])
}

func TestSignVoiceField_TranscriptionFailure(t *testing.T) {
	t.Run("strict fails", func(t *testing.T) {
		f := newFixture(model.JSONB{"requiredPhrase": "I agree", "strictMatching": true})
		f.transcriber.On("Transcribe", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("quota exceeded"))

		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})

		assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
		f.store.AssertNotCalled(t, "InsertVoiceSignature", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("lenient signs unverified", func(t *testing.T) {
		f := newFixture(model.JSONB{"requiredPhrase": "I agree"})
		f.transcriber.On("Transcribe", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("quota exceeded"))
		f.expectInsert()

		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})

		require.NoError(t, err)
		sig, _ := storedSignature(t, f.store)
		assert.Equal(t, false, sig.VoiceSignatureMetadata["isVerified"])
		assert.Nil(t, sig.VoiceSignatureTranscript)
	})
}

func TestSignVoiceField_MalformedMetadataStillSaves(t *testing.T) {
	f := newFixture(nil)
	f.expectInsert()

	field, err := f.svc.SignVoiceField(context.Background(), SignRequest{
		FieldID:  "fld-1",
		Token:    "tok-1",
		Value:    encodedAudio(),
		Metadata: `{"transcript": "unterminated`,
	})

	require.NoError(t, err)
	assert.True(t, field.Inserted)
	sig, _ := storedSignature(t, f.store)
	assert.Nil(t, sig.VoiceSignatureTranscript)
	assert.Equal(t, "audio/wav", sig.VoiceSignatureMetadata["mimeType"])
	f.transcriber.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestSignVoiceField_Preconditions(t *testing.T) {
	t.Run("missing audio", func(t *testing.T) {
		f := newFixture(nil)
		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1"})
		assert.ErrorIs(t, err, apperr.ErrMissingAudio)
	})

	t.Run("invalid base64", func(t *testing.T) {
		f := newFixture(nil)
		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: "%%%"})
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("already inserted", func(t *testing.T) {
		f := newFixture(nil)
		f.field.Inserted = true
		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
		assert.ErrorIs(t, err, apperr.ErrFieldAlreadyInserted)
	})

	t.Run("document not pending", func(t *testing.T) {
		f := &fixture{store: new(MockStore), transcriber: new(MockTranscriber)}
		f.svc = NewService(f.store, f.transcriber, nil)
		f.store.On("GetRecipientByToken", mock.Anything, "tok-1").
			Return(&model.Recipient{ID: "rcp-1", DocumentID: "doc-1"}, nil)
		f.store.On("GetFieldByID", mock.Anything, "fld-1").
			Return(&model.Field{ID: "fld-1", DocumentID: "doc-1", RecipientID: "rcp-1", Type: model.FieldTypeVoiceSignature}, nil)
		f.store.On("GetDocumentByID", mock.Anything, "doc-1").
			Return(&model.Document{ID: "doc-1", Status: model.DocumentStatusCompleted}, nil)

		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
		assert.ErrorIs(t, err, apperr.ErrDocumentNotPending)
	})

	t.Run("recipient completed", func(t *testing.T) {
		f := newFixture(nil)
		f.recipient.SigningStatus = model.SigningStatusSigned
		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
		assert.ErrorIs(t, err, apperr.ErrRecipientCompleted)
	})

	t.Run("wrong field type", func(t *testing.T) {
		f := newFixture(nil)
		f.field.Type = model.FieldTypeText
		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("field of another document", func(t *testing.T) {
		f := newFixture(nil)
		f.field.DocumentID = "doc-2"
		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
		assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	})
}

func TestSignVoiceField_AssistantOnBehalf(t *testing.T) {
	t.Run("owner pending", func(t *testing.T) {
		f := newFixture(nil)
		f.recipient.Role = model.RecipientRoleAssistant
		f.recipient.SigningStatus = model.SigningStatusSigned
		f.field.RecipientID = "rcp-2"
		f.store.On("GetRecipientByID", mock.Anything, "rcp-2").
			Return(&model.Recipient{ID: "rcp-2", DocumentID: "doc-1", SigningStatus: model.SigningStatusNotSigned}, nil)
		f.expectInsert()

		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})

		require.NoError(t, err)
		sig, audit := storedSignature(t, f.store)
		assert.Equal(t, "rcp-2", sig.RecipientID)
		assert.Equal(t, "rcp-1", audit.Data["recipientId"])
	})

	t.Run("owner completed", func(t *testing.T) {
		f := newFixture(nil)
		f.recipient.Role = model.RecipientRoleAssistant
		f.field.RecipientID = "rcp-2"
		f.store.On("GetRecipientByID", mock.Anything, "rcp-2").
			Return(&model.Recipient{ID: "rcp-2", SigningStatus: model.SigningStatusSigned}, nil)

		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
		assert.ErrorIs(t, err, apperr.ErrRecipientCompleted)
	})

	t.Run("non assistant", func(t *testing.T) {
		f := newFixture(nil)
		f.field.RecipientID = "rcp-2"

		_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
		assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	})
}

func TestSignVoiceField_UploadsAudioWhenStorageConfigured(t *testing.T) {
	f := newFixture(nil)
	uploads := new(MockUploader)
	f.svc = NewService(f.store, f.transcriber, uploads)
	uploads.On("Upload", mock.Anything, wavAudio, "audio/webm", "fld-1.webm", AudioFolder).
		Return("https://s3.example.com/bucket/voice-signatures/fld-1.webm", nil)
	f.expectInsert()

	_, err := f.svc.SignVoiceField(context.Background(), SignRequest{
		FieldID: "fld-1",
		Token:   "tok-1",
		Value:   "data:audio/webm;codecs=opus;base64," + encodedAudio(),
	})

	require.NoError(t, err)
	sig, audit := storedSignature(t, f.store)
	assert.Equal(t, "https://s3.example.com/bucket/voice-signatures/fld-1.webm", model.Deref(sig.VoiceSignatureURL))
	assert.Equal(t, "https://s3.example.com/bucket/voice-signatures/fld-1.webm", audit.Data["data"])
}

func TestSignVoiceField_ConcurrentInsert(t *testing.T) {
	f := newFixture(nil)
	f.store.On("InsertVoiceSignature", mock.Anything, f.field, mock.Anything, mock.Anything).
		Return(apperr.ErrFieldAlreadyInserted)

	_, err := f.svc.SignVoiceField(context.Background(), SignRequest{FieldID: "fld-1", Token: "tok-1", Value: encodedAudio()})
	assert.ErrorIs(t, err, apperr.ErrFieldAlreadyInserted)
}

func TestSignVoiceField_FailedInsertDeletesUploadedAudio(t *testing.T) {
	const url = "https://s3.example.com/bucket/voice-signatures/fld-1.webm"

	tests := []struct {
		name      string
		insertErr error
	}{
		{"already inserted", apperr.ErrFieldAlreadyInserted},
		{"database error", errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			uploads := new(MockUploader)
			f.svc = NewService(f.store, f.transcriber, uploads)
			uploads.On("Upload", mock.Anything, wavAudio, "audio/webm", "fld-1.webm", AudioFolder).Return(url, nil)
			uploads.On("KeyFromURL", url).Return("voice-signatures/fld-1.webm", true)
			uploads.On("DeleteFile", mock.Anything, "voice-signatures/fld-1.webm").Return(nil)
			f.store.On("InsertVoiceSignature", mock.Anything, f.field, mock.Anything, mock.Anything).Return(tt.insertErr)

			_, err := f.svc.SignVoiceField(context.Background(), SignRequest{
				FieldID: "fld-1",
				Token:   "tok-1",
				Value:   "data:audio/webm;base64," + encodedAudio(),
			})

			assert.ErrorIs(t, err, tt.insertErr)
			uploads.AssertCalled(t, "DeleteFile", mock.Anything, "voice-signatures/fld-1.webm")
		})
	}
}

func TestSignVoiceField_SuccessKeepsUploadedAudio(t *testing.T) {
	f := newFixture(nil)
	uploads := new(MockUploader)
	f.svc = NewService(f.store, f.transcriber, uploads)
	uploads.On("Upload", mock.Anything, wavAudio, "audio/webm", "fld-1.webm", AudioFolder).
		Return("https://s3.example.com/bucket/voice-signatures/fld-1.webm", nil)
	f.expectInsert()

	_, err := f.svc.SignVoiceField(context.Background(), SignRequest{
		FieldID: "fld-1",
		Token:   "tok-1",
		Value:   "data:audio/webm;base64," + encodedAudio(),
	})

	require.NoError(t, err)
	uploads.AssertNotCalled(t, "DeleteFile", mock.Anything, mock.Anything)
}

func TestDecodeAudio(t *testing.T) {
	audio, mimeType, err := decodeAudio("data:audio/ogg;base64," + base64.StdEncoding.EncodeToString([]byte("OggS....")))
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", mimeType)
	assert.Equal(t, []byte("OggS...."), audio)

	_, _, err = decodeAudio("data:audio/ogg;base64")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
