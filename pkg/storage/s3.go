package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	// FolderCaptures is the S3 prefix for per-statement capture objects.
	FolderCaptures = "captures"
	// MaxCaptureFileSize mirrors the recorder's file size ceiling.
	MaxCaptureFileSize = 100 * 1024 * 1024
)

// CaptureExtensions maps capture MIME types to object extensions.
var CaptureExtensions = map[string]string{
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
}

// ErrNotOwnedURL is returned when a URL does not point into the captures bucket.
var ErrNotOwnedURL = errors.New("url is not an object in the captures bucket")

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	CapturesBucket       string
	PresignExpireMinutes int
}

// S3 stores captures and signs playback URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using credentials from .env/config", zap.String("region", cfg.Region), zap.String("captures_bucket", cfg.CapturesBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// CaptureKey returns captures/{challenge_id}/{statement_index}{ext}.
func CaptureKey(challengeID string, statementIndex int, mimeType string) string {
	ext, ok := CaptureExtensions[strings.ToLower(mimeType)]
	if !ok {
		ext = ".mp4"
	}
	return path.Join(FolderCaptures, challengeID, strconv.Itoa(statementIndex)+ext)
}

// ContentTypeForKey returns the MIME type for a capture key.
func ContentTypeForKey(key string) string {
	ext := strings.ToLower(path.Ext(key))
	for ct, e := range CaptureExtensions {
		if e == ext {
			return ct
		}
	}
	return "application/octet-stream"
}

// Bucket returns the captures bucket name.
func (s *S3) Bucket() string { return s.cfg.CapturesBucket }

// ObjectURL returns the unsigned URL for key in the captures bucket.
func (s *S3) ObjectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.CapturesBucket, s.cfg.Region, key)
}

// KeyFromURL extracts the object key from a virtual-hosted URL into the captures bucket.
func (s *S3) KeyFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse object url: %w", err)
	}
	if !strings.HasPrefix(u.Host, s.cfg.CapturesBucket+".s3.") {
		return "", ErrNotOwnedURL
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", ErrNotOwnedURL
	}
	return key, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// PresignGet returns a pre-signed GET URL for a capture or merged video.
func (s *S3) PresignGet(ctx context.Context, key string) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.CapturesBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// SignURL presigns raw when it points into the captures bucket and returns it unchanged otherwise.
func (s *S3) SignURL(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	key, err := s.KeyFromURL(raw)
	if errors.Is(err, ErrNotOwnedURL) {
		return raw, nil
	}
	if err != nil {
		return "", err
	}
	return s.PresignGet(ctx, key)
}

// Upload streams a capture to the captures bucket and returns its object URL.
func (s *S3) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	if contentLength > MaxCaptureFileSize {
		return "", fmt.Errorf("upload: %d bytes exceeds %d", contentLength, MaxCaptureFileSize)
	}
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.CapturesBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
		StorageClass:  types.StorageClassStandard,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	s.logger.Debug("capture uploaded", zap.String("key", key), zap.Int64("bytes", contentLength))
	return s.ObjectURL(key), nil
}

// DeleteObject removes an object from the captures bucket.
func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.CapturesBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Exists reports whether key is present in the captures bucket.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.CapturesBucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head object: %w", err)
}
