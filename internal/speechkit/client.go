package speechkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"voxsign/pkg/logger"

	"go.uber.org/zap"
)

const (
	SyncRecognizeURL = "https://stt.api.cloud.yandex.net/speech/v1/stt:recognize"
	RecognizeURL     = "https://transcribe.api.cloud.yandex.net/speech/stt/v2/longRunningRecognize"
	OperationURL     = "https://operation.api.cloud.yandex.net/operations"
	OperationPoll    = 5 * time.Second
	MaxWaitTime      = 10 * time.Minute
)

type Client struct {
	apiKey   string
	folderID string
	language string
	client   *http.Client

	syncURL      string
	recognizeURL string
	operationURL string
	pollInterval time.Duration
}

// New Yandex SpeechKit client
func NewClient(apiKey, folderID, language string) *Client {
	if language == "" {
		language = defaultLanguage
	}
	return &Client{
		apiKey:   apiKey,
		folderID: folderID,
		language: language,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		syncURL:      SyncRecognizeURL,
		recognizeURL: RecognizeURL,
		operationURL: OperationURL,
		pollInterval: OperationPoll,
	}
}

// WithBaseURLs points the client at alternate endpoints.
func (c *Client) WithBaseURLs(syncURL, recognizeURL, operationURL string) *Client {
	c.syncURL = syncURL
	c.recognizeURL = recognizeURL
	c.operationURL = operationURL
	return c
}

// WithPollInterval overrides the operation polling interval.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	c.pollInterval = d
	return c
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Api-Key %s", c.apiKey))
}

// Recognize performs synchronous recognition of a short clip. encoding is
// EncodingLPCM (raw 16-bit mono PCM) or EncodingOggOpus.
func (c *Client) Recognize(ctx context.Context, audio []byte, encoding string, sampleRate int) (string, error) {
	if len(audio) > SyncMaxBytes {
		return "", fmt.Errorf("audio too large for synchronous recognition: %d bytes", len(audio))
	}

	params := url.Values{}
	params.Set("lang", c.language)
	params.Set("topic", defaultModel)
	params.Set("folderId", c.folderID)
	if encoding == EncodingLPCM {
		if sampleRate <= 0 {
			sampleRate = defaultPCMRateHz
		}
		params.Set("format", syncFormatLPCM)
		params.Set("sampleRateHertz", strconv.Itoa(sampleRate))
	} else {
		params.Set("format", syncFormatOpus)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.syncURL+"?"+params.Encode(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var out syncResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response (status=%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || out.ErrorCode != "" {
		return "", fmt.Errorf("recognition failed: status=%d, code=%s, message=%s",
			resp.StatusCode, out.ErrorCode, out.ErrorMessage)
	}

	logger.Debug("Synchronous recognition completed", zap.Int("chars", len(out.Result)))

	return out.Result, nil
}

// Async voice recognition of an object already stored in Object Storage
func (c *Client) StartRecognition(ctx context.Context, s3URI, encoding string, sampleRate int) (string, error) {
	spec := Specification{
		LanguageCode:      c.language,
		Model:             defaultModel,
		AudioEncoding:     encoding,
		AudioChannelCount: 1,
		LiteratureText:    true,
	}
	if encoding == EncodingLPCM {
		spec.SampleRateHertz = sampleRate
	}

	body, err := json.Marshal(RecognitionRequest{
		Config: RecognitionConfig{Specification: spec},
		Audio:  AudioSource{URI: s3URI},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recognizeURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-folder-id", c.folderID)

	logger.Debug("Starting speech recognition", zap.String("s3_uri", s3URI))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("recognition request failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	var opResp OperationResponse
	if err := json.Unmarshal(respBody, &opResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	logger.Info("Recognition started", zap.String("operation_id", opResp.ID))

	return opResp.ID, nil
}

// Polling operation status and returns result
func (c *Client) WaitForResult(ctx context.Context, operationID string) (*RecognitionResult, error) {
	target := fmt.Sprintf("%s/%s", c.operationURL, operationID)
	startTime := time.Now()

	for {
		if time.Since(startTime) > MaxWaitTime {
			return nil, fmt.Errorf("recognition timeout exceeded")
		}

		opResp, err := c.getOperation(ctx, target)
		if err != nil {
			return nil, err
		}

		if opResp.Done {
			if opResp.Error != nil {
				return nil, fmt.Errorf("recognition failed: %s (code: %d)", opResp.Error.Message, opResp.Error.Code)
			}

			result := opResp.Response
			if result == nil {
				result = &RecognitionResult{}
			}

			logger.Info("Recognition completed",
				zap.String("operation_id", operationID),
				zap.Int("chunks", len(result.Chunks)))

			return result, nil
		}

		logger.Debug("Recognition in progress",
			zap.String("operation_id", operationID),
			zap.Duration("elapsed", time.Since(startTime)))

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) getOperation(ctx context.Context, target string) (*OperationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("operation check failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	var opResp OperationResponse
	if err := json.Unmarshal(respBody, &opResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &opResp, nil
}

// Extracting complete text from recognition result
func (r *RecognitionResult) GetFullText() string {
	parts := make([]string, 0, len(r.Chunks))
	for _, chunk := range r.Chunks {
		if len(chunk.Alternatives) == 0 {
			continue
		}
		// first alternative is the most likely one
		if text := strings.TrimSpace(chunk.Alternatives[0].Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
