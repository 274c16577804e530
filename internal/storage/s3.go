package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"voxsign/pkg/logger"
	"voxsign/pkg/resilience"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// S3Options configures the object storage gateway.
type S3Options struct {
	Endpoint   string
	Region     string
	AccessKey  string
	SecretKey  string
	Bucket     string
	PublicBase string
	PresignTTL time.Duration
}

type S3Storage struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	httpClient *http.Client
	bucket     string
	publicBase string
	presignTTL time.Duration
	retry      resilience.Backoff
}

// NewS3Storage creates a new S3 storage client
func NewS3Storage(ctx context.Context, opts S3Options) (*S3Storage, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
		config.WithRegion(opts.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})

	publicBase := opts.PublicBase
	if publicBase == "" {
		publicBase = opts.Endpoint
	}

	ttl := opts.PresignTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	logger.Info("S3 storage initialized", zap.String("bucket", opts.Bucket))

	retry := resilience.DefaultBackoff()
	retry.Retryable = func(err error) bool { return !errors.Is(err, errClientStatus) }

	return &S3Storage{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		bucket:     opts.Bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		presignTTL: ttl,
		retry:      retry,
	}, nil
}

// Upload stores data under folder with a unique name derived from filename
// and returns its public URL.
func (s *S3Storage) Upload(ctx context.Context, data []byte, contentType, filename, folder string) (string, error) {
	key := s.GenerateKey(folder, filename)
	return s.UploadFile(ctx, key, bytes.NewReader(data), contentType)
}

// UploadFile uploads a file to S3
func (s *S3Storage) UploadFile(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})

	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}

	objectURL := s.ObjectURL(key)

	logger.Info("File uploaded to S3",
		zap.String("key", key),
		zap.String("url", objectURL))

	return objectURL, nil
}

// GenerateKey generates a unique key for an object in folder
func (s *S3Storage) GenerateKey(folder, filename string) string {
	timestamp := time.Now().Format("2006/01/02")
	name := path.Base(filename)
	if name == "." || name == "/" || name == "" {
		name = "recording"
	}
	return path.Join(folder, timestamp, fmt.Sprintf("%s-%s", uuid.New().String(), name))
}

// ObjectURL returns the public URL for key.
func (s *S3Storage) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicBase, s.bucket, key)
}

// KeyFromURL returns the object key when rawURL points into the managed
// bucket, either as a public URL or an s3://bucket/key reference.
func (s *S3Storage) KeyFromURL(rawURL string) (string, bool) {
	return keyFromURL(rawURL, s.publicBase, s.bucket)
}

func keyFromURL(rawURL, publicBase, bucket string) (string, bool) {
	if rawURL == "" {
		return "", false
	}

	if strings.HasPrefix(rawURL, "s3://") {
		rest := strings.TrimPrefix(rawURL, "s3://")
		prefix := bucket + "/"
		if !strings.HasPrefix(rest, prefix) || len(rest) == len(prefix) {
			return "", false
		}
		return rest[len(prefix):], true
	}

	prefix := publicBase + "/" + bucket + "/"
	if publicBase != "" && strings.HasPrefix(rawURL, prefix) {
		key := strings.TrimPrefix(rawURL, prefix)
		if i := strings.IndexByte(key, '?'); i >= 0 {
			key = key[:i]
		}
		if unescaped, err := url.PathUnescape(key); err == nil {
			key = unescaped
		}
		return key, key != ""
	}

	return "", false
}

// Presign returns a time-limited GET URL for key.
func (s *S3Storage) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.presignTTL
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign object: %w", err)
	}

	return req.URL, nil
}

// Download fetches an object by URL or key. Managed objects are fetched
// through a short-lived presigned URL; anything else is fetched as is.
func (s *S3Storage) Download(ctx context.Context, ref string) ([]byte, error) {
	target := ref
	if key, ok := s.KeyFromURL(ref); ok {
		presigned, err := s.Presign(ctx, key, s.presignTTL)
		if err != nil {
			return nil, err
		}
		target = presigned
	} else if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return s.DownloadFile(ctx, ref)
	}

	var data []byte
	err := s.retry.Retry(ctx, "download", func() error {
		var err error
		data, err = s.fetch(ctx, target)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Object downloaded",
		zap.String("ref", ref),
		zap.Int("size", len(data)))

	return data, nil
}

var errClientStatus = errors.New("object fetch rejected")

func (s *S3Storage) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("%w: status=%d", errClientStatus, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file data: %w", err)
	}

	return data, nil
}

// DownloadFile downloads a file from S3
func (s *S3Storage) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	logger.Debug("File downloaded from S3",
		zap.String("key", key),
		zap.Int("size", len(data)))

	return data, nil
}

// DeleteFile deletes a file from S3
func (s *S3Storage) DeleteFile(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	logger.Debug("File deleted from S3", zap.String("key", key))

	return nil
}
