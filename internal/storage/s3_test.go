package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/config"
)

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
	calls int
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.input = input
	f.body, _ = io.ReadAll(input.Body)
	return &manager.UploadOutput{}, nil
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestUploadSniffsMimeAndBuildsURL(t *testing.T) {
	up := &fakeUploader{}
	store := newS3Store(up, config.S3Config{Bucket: "media", PublicBaseURL: "https://cdn.example.com/"}, zap.NewNop())

	att, err := store.Upload(context.Background(), 42, File{Name: "../photo 1.png", Body: bytes.NewReader(pngHeader), MimeType: "text/plain"})
	require.NoError(t, err)

	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, "photo 1.png", att.Name)
	assert.Equal(t, int64(len(pngHeader)), att.Size)
	assert.True(t, strings.HasPrefix(att.URL, "https://cdn.example.com/conversations/42/"))
	assert.True(t, strings.HasSuffix(att.URL, "-photo%201.png"))
	assert.Equal(t, pngHeader, up.body)
	assert.Equal(t, "media", *up.input.Bucket)
	assert.Equal(t, "image/png", *up.input.ContentType)
}

func TestUploadFallsBackToDeclaredMime(t *testing.T) {
	up := &fakeUploader{}
	store := newS3Store(up, config.S3Config{Bucket: "media", Region: "eu-west-1"}, zap.NewNop())

	att, err := store.Upload(context.Background(), 1, File{Name: "blob.bin", Body: bytes.NewReader([]byte{0x00, 0x01, 0x02, 0xfe}), MimeType: "audio/ogg"})
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", att.MimeType)
	assert.True(t, strings.HasPrefix(att.URL, "https://media.s3.eu-west-1.amazonaws.com/conversations/1/"))
}

func TestUploadFailureIsUploadKind(t *testing.T) {
	up := &fakeUploader{err: errors.New("connection reset")}
	store := newS3Store(up, config.S3Config{Bucket: "media"}, zap.NewNop())

	_, err := store.Upload(context.Background(), 1, File{Name: "a.txt", Body: strings.NewReader("hello")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
	assert.True(t, apperr.IsRetryable(err))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	up := &fakeUploader{err: errors.New("timeout")}
	store := newS3Store(up, config.S3Config{Bucket: "media"}, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, _ = store.Upload(context.Background(), 1, File{Name: "a.txt", Body: strings.NewReader("x")})
	}
	_, err := store.Upload(context.Background(), 1, File{Name: "a.txt", Body: strings.NewReader("x")})

	assert.Equal(t, 5, up.calls)
	assert.Equal(t, "storage temporarily unavailable", apperr.Message(err))
}

func TestEndpointURLUsesPathStyle(t *testing.T) {
	assert.Equal(t, "http://minio:9000/media", publicBaseURL(config.S3Config{Bucket: "media", Endpoint: "http://minio:9000/"}))
}

func TestDisabledRejectsUploads(t *testing.T) {
	_, err := Disabled{}.Upload(context.Background(), 1, File{Name: "a", Body: strings.NewReader("x")})
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
}

func TestUploadTruncatesLongNames(t *testing.T) {
	up := &fakeUploader{}
	store := newS3Store(up, config.S3Config{Bucket: "media"}, zap.NewNop())

	long := strings.Repeat("é", 300) + ".pdf"
	att, err := store.Upload(context.Background(), 1, File{Name: long, Body: strings.NewReader("%PDF-1.4")})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(att.Name), 255)
	assert.True(t, strings.HasSuffix(att.Name, ".pdf"))
	assert.True(t, utf8.ValidString(att.Name))
}
