package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"voxsign/pkg/logger"
	"voxsign/pkg/metrics"
	"voxsign/pkg/resilience"

	"go.uber.org/zap"
)

const (
	apiVersion     = "2021-09-05"
	verificationNS = "/speaker-recognition/verification/text-independent"
	defaultLocale  = "en-us"
	defaultTimeout = 30 * time.Second
)

// HTTPClient is the live speaker verification client.
type HTTPClient struct {
	baseURL       string
	apiKey        string
	locale        string
	minAudioBytes int
	timeout       time.Duration

	http     *http.Client
	breaker  *resilience.Breaker
	throttle *resilience.Throttle
	retry    resilience.Backoff
}

func NewHTTPClient(opts Options) *HTTPClient {
	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.api.cognitive.microsoft.com", opts.Region)
	}

	locale := opts.Locale
	if locale == "" {
		locale = defaultLocale
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rate := opts.RatePerSecond
	if rate <= 0 {
		rate = 5
	}

	retry := resilience.DefaultBackoff()
	retry.Retryable = isRetryable

	return &HTTPClient{
		baseURL:       endpoint + verificationNS,
		apiKey:        opts.APIKey,
		locale:        locale,
		minAudioBytes: opts.minAudioBytes(),
		timeout:       timeout,
		http:          &http.Client{Timeout: timeout},
		breaker:       resilience.NewBreaker("speaker", 5, 30*time.Second, resilience.CountOnly(isServiceFailure)),
		throttle:      resilience.NewThrottle(rate, rate),
		retry:         retry,
	}
}

// isServiceFailure counts transport errors and 5xx toward opening the breaker.
func isServiceFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// isRetryable allows retries of transport errors that were not timeouts.
func isRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && !netErr.Timeout
}

func (c *HTTPClient) url(path string) string {
	return c.baseURL + path + "?api-version=" + apiVersion
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, contentType string) ([]byte, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: op, Err: err, Timeout: errors.Is(err, context.DeadlineExceeded)}
	}

	var respBody []byte
	err := c.breaker.Do(func() error {
		var err error
		respBody, err = c.send(ctx, op, method, path, body, contentType)
		return err
	})

	metrics.SpeakerRequests.WithLabelValues(op, metrics.Outcome(err)).Inc()
	return respBody, err
}

func (c *HTTPClient) send(ctx context.Context, op, method, path string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err, Timeout: isTimeout(ctx, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err, Timeout: isTimeout(ctx, err)}
	}

	logger.Debug("Speaker recognition response",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseAPIError prefers the structured body, then raw text, then the status.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Code = parsed.Error.Code
		apiErr.Message = parsed.Error.Message
		return apiErr
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		apiErr.Message = text
		return apiErr
	}

	apiErr.Message = fmt.Sprintf("request failed with status %d %s", status, http.StatusText(status))
	return apiErr
}

func (c *HTTPClient) CreateProfile(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"locale": c.locale})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	err = c.retry.Retry(ctx, "create_profile", func() error {
		var err error
		respBody, err = c.do(ctx, "create_profile", http.MethodPost, "/profiles", body, "application/json")
		return err
	})
	if err != nil {
		return "", err
	}

	var profile Profile
	if err := json.Unmarshal(respBody, &profile); err != nil {
		return "", fmt.Errorf("failed to decode profile: %w", err)
	}
	if profile.ProfileID == "" {
		return "", fmt.Errorf("create profile response has no profileId")
	}

	logger.Info("Voice profile created", zap.String("profile_id", profile.ProfileID))
	return profile.ProfileID, nil
}

func (c *HTTPClient) Enroll(ctx context.Context, profileID string, audio []byte) (*Enrollment, error) {
	if err := checkAudioSize(audio, c.minAudioBytes); err != nil {
		return nil, err
	}

	contentType := DetectContentType(audio)
	respBody, err := c.do(ctx, "enroll", http.MethodPost,
		"/profiles/"+url.PathEscape(profileID)+"/enrollments", audio, contentType)
	if err != nil {
		return nil, err
	}

	var enrollment Enrollment
	if err := json.Unmarshal(respBody, &enrollment); err != nil {
		return nil, fmt.Errorf("failed to decode enrollment: %w", err)
	}

	logger.Info("Voice profile enrolled",
		zap.String("profile_id", profileID),
		zap.String("content_type", contentType),
		zap.String("status", string(enrollment.EnrollmentStatus)),
		zap.Float64("remaining_speech", enrollment.RemainingEnrollmentsSpeechLength))

	return &enrollment, nil
}

func (c *HTTPClient) GetProfile(ctx context.Context, profileID string) (*Profile, error) {
	respBody, err := c.do(ctx, "get_profile", http.MethodGet, "/profiles/"+url.PathEscape(profileID), nil, "")
	if err != nil {
		return nil, err
	}

	var profile Profile
	if err := json.Unmarshal(respBody, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

func (c *HTTPClient) Verify(ctx context.Context, profileID string, audio []byte) Verification {
	if err := checkAudioSize(audio, c.minAudioBytes); err != nil {
		return rejected(err.Error())
	}

	profile, err := c.GetProfile(ctx, profileID)
	if err != nil {
		logger.Warn("Voice profile lookup failed", zap.String("profile_id", profileID), zap.Error(err))
		return rejected(err.Error())
	}
	if profile.EnrollmentStatus != StatusEnrolled {
		return rejected(fmt.Sprintf("voice profile is not ready for verification (status: %s)", profile.EnrollmentStatus))
	}

	respBody, err := c.do(ctx, "verify", http.MethodPost,
		"/profiles/"+url.PathEscape(profileID)+":verify", audio, DetectContentType(audio))
	if err != nil {
		logger.Warn("Voice verification failed", zap.String("profile_id", profileID), zap.Error(err))
		return rejected(err.Error())
	}

	var v Verification
	if err := json.Unmarshal(respBody, &v); err != nil {
		return rejected(fmt.Sprintf("failed to decode verification: %v", err))
	}
	if v.RecognitionResult != Accept {
		v.RecognitionResult = Reject
	}
	return v
}

func (c *HTTPClient) DeleteProfile(ctx context.Context, profileID string) error {
	err := c.retry.Retry(ctx, "delete_profile", func() error {
		_, err := c.do(ctx, "delete_profile", http.MethodDelete, "/profiles/"+url.PathEscape(profileID), nil, "")
		return err
	})
	if err != nil {
		return err
	}

	logger.Info("Voice profile deleted", zap.String("profile_id", profileID))
	return nil
}
