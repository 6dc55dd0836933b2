// Package storage uploads message attachments to S3-compatible blob storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/config"
	"conversation-service/internal/models"
)

// sniffLen is how much of the body is inspected to detect the mime type.
const sniffLen = 3072

// File is an attachment body as received from a client.
type File struct {
	Name string
	Body io.Reader
	// MimeType is the client-declared type, used only when sniffing is inconclusive.
	MimeType string
}

// BlobStore persists attachment bodies and returns their public reference.
type BlobStore interface {
	Upload(ctx context.Context, conversationID int64, f File) (models.Attachment, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads through the s3 manager behind a circuit breaker.
type S3Store struct {
	uploader uploader
	bucket   string
	baseURL  string
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewS3Store loads the default AWS credential chain. A custom endpoint switches
// to path-style addressing for MinIO and similar servers.
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Store, error) {
	awsConf, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(manager.NewUploader(client), cfg, logger), nil
}

func newS3Store(up uploader, cfg config.S3Config, logger *zap.Logger) *S3Store {
	st := gobreaker.Settings{
		Name:        "blob-storage",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &S3Store{
		uploader: up,
		bucket:   cfg.Bucket,
		baseURL:  publicBaseURL(cfg),
		cb:       gobreaker.NewCircuitBreaker(st),
		logger:   logger,
	}
}

func publicBaseURL(cfg config.S3Config) string {
	switch {
	case cfg.PublicBaseURL != "":
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
}

// Upload stores f under conversations/<id>/ and returns the attachment reference.
func (s *S3Store) Upload(ctx context.Context, conversationID int64, f File) (models.Attachment, error) {
	const op = "storage.Upload"
	name := sanitizeName(f.Name)
	if f.Body == nil {
		return models.Attachment{}, apperr.Validation(op, "file is required")
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return models.Attachment{}, apperr.Upload(op, "read upload", err)
	}
	head = head[:n]
	mime := detectMime(head, f.MimeType)

	body := &countingReader{r: io.MultiReader(bytes.NewReader(head), f.Body)}
	key := fmt.Sprintf("conversations/%d/%s-%s", conversationID, uuid.NewString(), name)

	_, err = s.cb.Execute(func() (interface{}, error) {
		return s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        body,
			ContentType: aws.String(mime),
		})
	})
	if err != nil {
		s.logger.Warn("attachment upload failed", zap.Int64("conversation_id", conversationID), zap.String("key", key), zap.Error(err))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.Attachment{}, apperr.Upload(op, "storage temporarily unavailable", err)
		}
		return models.Attachment{}, apperr.Upload(op, "upload failed", err)
	}

	return models.Attachment{
		URL:      s.baseURL + "/" + escapeKey(key),
		Name:     name,
		Size:     body.n,
		MimeType: mime,
	}, nil
}

func detectMime(head []byte, declared string) string {
	detected := mimetype.Detect(head)
	if detected.Is("application/octet-stream") && declared != "" {
		return declared
	}
	return detected.String()
}

// maxNameBytes matches the message attachment name limit.
const maxNameBytes = 255

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	if len(name) > maxNameBytes {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(strings.TrimSuffix(name, path.Ext(name)), maxNameBytes-len(ext)) + ext
	}
	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Disabled rejects every upload. It stands in when no bucket is configured.
type Disabled struct{}

func (Disabled) Upload(context.Context, int64, File) (models.Attachment, error) {
	return models.Attachment{}, apperr.Upload("storage.Upload", "attachments are not configured", nil)
}
