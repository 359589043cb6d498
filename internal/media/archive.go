// Package media archives message media in S3 and prepares outbound media
// (data-URL decoding, JPEG thumbnails).
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/config"
	"wuzapi-ai-gateway/internal/apperr"
)

// Archive stores media objects and hands back a URL for them.
type Archive interface {
	Store(ctx context.Context, obj Object) (string, error)
}

// Object is one piece of media to archive.
type Object struct {
	UserID    string
	ContactID string
	MessageID string
	MimeType  string
	Data      []byte
	Incoming  bool
}

// S3Archive writes objects to a single bucket.
type S3Archive struct {
	client *s3.Client
	cfg    config.S3Config
	now    func() time.Time
}

// NewS3Archive builds an S3 client from cfg. Buckets with dots in their
// name force path-style addressing to keep TLS certificates valid.
func NewS3Archive(cfg config.S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	// Endpoint should not contain the bucket name.
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("originalEndpoint", cfg.Endpoint).Str("cleanedEndpoint", cleaned).Msg("Cleaned bucket name from S3 endpoint")
		cfg.Endpoint = cleaned
	}
	if strings.Contains(cfg.Bucket, ".") {
		cfg.PathStyle = true
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", cfg.PathStyle).
		Msg("S3 media archive initialized")
	return &S3Archive{client: client, cfg: cfg, now: time.Now}, nil
}

// Store uploads obj and returns its public URL.
func (a *S3Archive) Store(ctx context.Context, obj Object) (string, error) {
	key := a.Key(obj)
	contentType := obj.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(a.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(obj.Data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).Str("key", key).Str("bucket", a.cfg.Bucket).Int("size", len(obj.Data)).Msg("Failed to upload media to S3")
		return "", apperr.Wrap(apperr.MediaError, err, "failed to upload media to S3")
	}

	url := a.PublicURL(key)
	log.Info().Str("key", key).Str("bucket", a.cfg.Bucket).Int("size", len(obj.Data)).Msg("Media archived to S3")
	return url, nil
}

// Check lists at most one object to verify bucket access.
func (a *S3Archive) Check(ctx context.Context) error {
	_, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.cfg.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

// Key lays objects out as
// users/<user>/<inbox|outbox>/<contact>/<yyyy>/<mm>/<dd>/<kind>/<message><ext>.
func (a *S3Archive) Key(obj Object) string {
	direction := "outbox"
	if obj.Incoming {
		direction = "inbox"
	}
	contact := strings.NewReplacer("@", "_", ":", "_", "/", "_").Replace(obj.ContactID)
	if contact == "" {
		contact = "unknown"
	}
	now := a.now().UTC()
	return fmt.Sprintf("users/%s/%s/%s/%s/%s/%s",
		obj.UserID,
		direction,
		contact,
		now.Format("2006/01/02"),
		kindFolder(obj.MimeType),
		obj.MessageID+Extension(obj.MimeType),
	)
}

// PublicURL returns the URL an object is reachable at.
func (a *S3Archive) PublicURL(key string) string {
	if a.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.PublicURL, "/"), a.cfg.Bucket, key)
	}

	switch {
	case a.cfg.Endpoint != "" && !strings.Contains(a.cfg.Endpoint, "amazonaws.com"):
		if a.cfg.PathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.Endpoint, "/"), a.cfg.Bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(a.cfg.Endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", a.cfg.Bucket, strings.TrimRight(host, "/"), key)
	case a.cfg.PathStyle:
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", a.cfg.Region, a.cfg.Bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.cfg.Bucket, a.cfg.Region, key)
	}
}

func kindFolder(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "documents"
	}
}

// Extension guesses a file extension from a mime type.
func Extension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"), strings.Contains(mimeType, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	default:
		return ".bin"
	}
}
