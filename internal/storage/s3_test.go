package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestS3(t *testing.T) *S3Storage {
	t.Helper()
	s, err := NewS3Storage(context.Background(), S3Options{
		Endpoint:  "https://storage.example.com",
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
		Bucket:    "recordings",
	})
	require.NoError(t, err)
	s.retry.Initial = time.Millisecond
	return s
}

func TestKeyFromURL(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		key    string
		wantOK bool
	}{
		{"public url", "https://storage.example.com/recordings/voice-enrollments/raw/a.webm", "voice-enrollments/raw/a.webm", true},
		{"public url with query", "https://storage.example.com/recordings/a%20b.wav?x=1", "a b.wav", true},
		{"s3 scheme", "s3://recordings/voice-enrollments/audio/a.wav", "voice-enrollments/audio/a.wav", true},
		{"other bucket", "s3://other/a.wav", "", false},
		{"foreign host", "https://cdn.example.org/recordings/a.wav", "", false},
		{"empty", "", "", false},
		{"bucket only", "https://storage.example.com/recordings/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := keyFromURL(tt.url, "https://storage.example.com", "recordings")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestS3Storage_GenerateKey(t *testing.T) {
	s := newTestS3(t)

	key := s.GenerateKey("voice-enrollments/raw", "clip.webm")

	assert.True(t, strings.HasPrefix(key, "voice-enrollments/raw/"+time.Now().Format("2006/01/02")+"/"))
	assert.True(t, strings.HasSuffix(key, "-clip.webm"))
	assert.NotEqual(t, key, s.GenerateKey("voice-enrollments/raw", "clip.webm"))
}

func TestS3Storage_ObjectURLRoundTrip(t *testing.T) {
	s := newTestS3(t)

	key, ok := s.KeyFromURL(s.ObjectURL("voice-enrollments/audio/x.wav"))

	require.True(t, ok)
	assert.Equal(t, "voice-enrollments/audio/x.wav", key)
}

func TestS3Storage_Presign(t *testing.T) {
	s := newTestS3(t)

	url, err := s.Presign(context.Background(), "voice-enrollments/raw/a.webm", time.Minute)
	require.NoError(t, err)

	assert.Contains(t, url, "voice-enrollments/raw/a.webm")
	assert.Contains(t, url, "X-Amz-Expires=60")
	assert.Contains(t, url, "X-Amz-Signature=")
}

func TestS3Storage_DownloadExternalURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("recording-bytes"))
	}))
	defer srv.Close()

	s := newTestS3(t)

	data, err := s.Download(context.Background(), srv.URL+"/clip.webm")
	require.NoError(t, err)
	assert.Equal(t, "recording-bytes", string(data))
}

func TestS3Storage_DownloadRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newTestS3(t)

	data, err := s.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestS3Storage_DownloadDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := newTestS3(t)

	_, err := s.Download(context.Background(), srv.URL)
	assert.ErrorIs(t, err, errClientStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
