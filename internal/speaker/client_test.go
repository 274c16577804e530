package speaker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"voxsign/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wavSample(size int) []byte {
	data := make([]byte, size)
	copy(data, "RIFF\x00\x00\x00\x00WAVEfmt ")
	return data
}

func newTestClient(srv *httptest.Server, timeout time.Duration) *HTTPClient {
	c := NewHTTPClient(Options{
		APIKey:        "secret",
		Endpoint:      srv.URL,
		Timeout:       timeout,
		MinAudioBytes: 1000,
		RatePerSecond: 1000,
	})
	c.retry.Initial = time.Millisecond
	return c
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"wav", []byte("RIFF\x10\x00\x00\x00WAVEfmt "), "audio/wav"},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F}, "audio/webm"},
		{"mp3 id3", []byte("ID3\x04\x00"), "audio/mpeg"},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, "audio/mpeg"},
		{"ogg", []byte("OggS\x00\x02"), "audio/ogg"},
		{"riff but not wave", []byte("RIFF\x10\x00\x00\x00AVI LIST"), "application/octet-stream"},
		{"unknown", []byte("hello"), "application/octet-stream"},
		{"empty", nil, "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectContentType(tt.data))
		})
	}
}

func TestHTTPClient_CreateProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, verificationNS+"/profiles", r.URL.Path)
		assert.Equal(t, apiVersion, r.URL.Query().Get("api-version"))
		assert.Equal(t, "secret", r.Header.Get("Ocp-Apim-Subscription-Key"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"locale":"en-us"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"profileId":"prof-1","enrollmentStatus":"Enrolling"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(srv, time.Second).CreateProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prof-1", id)
}

func TestHTTPClient_EnrollSniffsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, verificationNS+"/profiles/prof-1/enrollments", r.URL.Path)
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"profileId":"prof-1","enrollmentStatus":"Enrolled","remainingEnrollmentsSpeechLength":0}`))
	}))
	defer srv.Close()

	enrollment, err := newTestClient(srv, time.Second).Enroll(context.Background(), "prof-1", wavSample(4000))
	require.NoError(t, err)
	assert.Equal(t, StatusEnrolled, enrollment.EnrollmentStatus)
}

func TestHTTPClient_SmallAudioRejectedWithoutNetwork(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := newTestClient(srv, time.Second)

	for _, size := range []int{0, 1, 500, 999} {
		_, err := c.Enroll(context.Background(), "prof-1", wavSample(size))
		assert.ErrorIs(t, err, apperr.ErrAudioTooSmall)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

		v := c.Verify(context.Background(), "prof-1", wavSample(size))
		assert.Equal(t, Reject, v.RecognitionResult)
		assert.Zero(t, v.Score)
		assert.NotEmpty(t, v.ErrorDetails)
	}

	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestHTTPClient_VerifyAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(`{"profileId":"prof-1","enrollmentStatus":"Enrolled"}`))
		case strings.HasSuffix(r.URL.Path, ":verify"):
			assert.Equal(t, "audio/ogg", r.Header.Get("Content-Type"))
			w.Write([]byte(`{"recognitionResult":"Accept","score":0.82}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	audio := append([]byte("OggS"), make([]byte, 2000)...)
	v := newTestClient(srv, time.Second).Verify(context.Background(), "prof-1", audio)

	assert.True(t, v.Accepted())
	assert.InDelta(t, 0.82, v.Score, 1e-9)
	assert.Empty(t, v.ErrorDetails)
}

func TestHTTPClient_VerifyProfileNotEnrolled(t *testing.T) {
	var verifyCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"profileId":"prof-1","enrollmentStatus":"Training"}`))
			return
		}
		atomic.AddInt32(&verifyCalls, 1)
	}))
	defer srv.Close()

	v := newTestClient(srv, time.Second).Verify(context.Background(), "prof-1", wavSample(2000))

	assert.Equal(t, Reject, v.RecognitionResult)
	assert.Zero(t, v.Score)
	assert.Contains(t, v.ErrorDetails, "Training")
	assert.Zero(t, atomic.LoadInt32(&verifyCalls))
}

func TestHTTPClient_VerifyTimeoutIsRejection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"profileId":"prof-1","enrollmentStatus":"Enrolled"}`))
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	v := newTestClient(srv, 100*time.Millisecond).Verify(context.Background(), "prof-1", wavSample(2000))

	assert.Equal(t, Reject, v.RecognitionResult)
	assert.Zero(t, v.Score)
	assert.Contains(t, v.ErrorDetails, "timed out")
}

func TestHTTPClient_TimeoutErrorIsTyped(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(srv, 50*time.Millisecond).GetProfile(context.Background(), "prof-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout)
}

func TestHTTPClient_APIErrorParsing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"structured", 400, `{"error":{"code":"InvalidRequest","message":"Audio is too noisy"}}`, "InvalidRequest", "Audio is too noisy"},
		{"raw text", 500, "upstream exploded", "", "upstream exploded"},
		{"empty", 503, "", "", "request failed with status 503 Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv, time.Second).GetProfile(context.Background(), "prof-1")

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.NotErrorIs(t, err, ErrTimeout)
		})
	}
}

func TestHTTPClient_DeleteProfileServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(srv, time.Second).DeleteProfile(context.Background(), "prof-1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.StatusCode)
	// API errors are not retried
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClient_DeleteProfileRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv, time.Second)
	srv.Close()

	err := c.DeleteProfile(context.Background(), "prof-1")

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.False(t, netErr.Timeout)
}

func TestSimulator_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator(1000, 0)

	id, err := s.CreateProfile(ctx)
	require.NoError(t, err)

	enrollment, err := s.Enroll(ctx, id, wavSample(2000))
	require.NoError(t, err)
	assert.Equal(t, StatusEnrolled, enrollment.EnrollmentStatus)

	first := s.Verify(ctx, id, wavSample(2000))
	second := s.Verify(ctx, id, wavSample(2000))
	assert.True(t, first.Accepted())
	assert.Equal(t, first.Score, second.Score)
	assert.GreaterOrEqual(t, first.Score, 0.70)
	assert.Less(t, first.Score, 0.95)

	require.NoError(t, s.DeleteProfile(ctx, id))
}

func TestSimulator_ProfilesSurviveAcrossInstances(t *testing.T) {
	ctx := context.Background()
	worker := New(Options{})
	api := New(Options{})

	id, err := worker.CreateProfile(ctx)
	require.NoError(t, err)
	_, err = worker.Enroll(ctx, id, wavSample(2000))
	require.NoError(t, err)

	profile, err := api.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusEnrolled, profile.EnrollmentStatus)

	v := api.Verify(ctx, id, wavSample(2000))
	assert.True(t, v.Accepted(), v.ErrorDetails)
}

func TestSimulator_UnknownProfileIDRejected(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator(1000, 0)

	_, err := s.GetProfile(ctx, "not-a-profile")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	v := s.Verify(ctx, "not-a-profile", wavSample(2000))
	assert.Equal(t, Reject, v.RecognitionResult)
	assert.Zero(t, v.Score)

	assert.Error(t, s.DeleteProfile(ctx, "not-a-profile"))
}

func TestSimulator_RejectsSmallAudio(t *testing.T) {
	s := NewSimulator(1000, 0)
	id, err := s.CreateProfile(context.Background())
	require.NoError(t, err)

	_, err = s.Enroll(context.Background(), id, make([]byte, 500))
	assert.ErrorIs(t, err, apperr.ErrAudioTooSmall)
}

func TestNew_PicksSimulatorWithoutKey(t *testing.T) {
	assert.IsType(t, &Simulator{}, New(Options{}))
	assert.IsType(t, &HTTPClient{}, New(Options{APIKey: "k", Region: "eastus"}))
}
