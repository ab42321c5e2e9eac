package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	deployerrors "github.com/savaki/lambda-deployer/internal/errors"
)

const s3Scheme = "s3://"

// S3Client is the subset of the S3 API used here
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArtifactStore reads templates and parameter files from the workspace or S3 and
// uploads run reports to S3.
type ArtifactStore struct {
	s3Client S3Client
	baseDir  string
}

func NewArtifactStore(s3Client S3Client, baseDir string) *ArtifactStore {
	return &ArtifactStore{
		s3Client: s3Client,
		baseDir:  baseDir,
	}
}

// ParseS3URL splits s3://bucket/key into bucket and key
func ParseS3URL(location string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(location, s3Scheme) {
		return "", "", false
	}
	bucket, key, found := strings.Cut(strings.TrimPrefix(location, s3Scheme), "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Read returns the content at location. Missing artifacts are reported as
// ErrArtifactNotFound.
func (a *ArtifactStore) Read(ctx context.Context, location string) (b []byte, err error) {
	logger := zerolog.Ctx(ctx)

	defer func(begin time.Time) {
		logger.Debug().
			Int("length", len(b)).
			Err(err).
			Str("location", location).
			Dur("duration", time.Since(begin)).
			Msg("Read artifact")
	}(time.Now())

	if strings.HasPrefix(location, s3Scheme) {
		bucket, key, ok := ParseS3URL(location)
		if !ok {
			return nil, fmt.Errorf("invalid S3 location: %s", location)
		}
		return a.readS3(ctx, bucket, key)
	}

	path := location
	if !filepath.IsAbs(path) && a.baseDir != "" {
		path = filepath.Join(a.baseDir, path)
	}
	b, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", deployerrors.ErrArtifactNotFound, location)
		}
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	return b, nil
}

func (a *ArtifactStore) readS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if a.s3Client == nil {
		return nil, fmt.Errorf("no S3 client configured to read s3://%s/%s", bucket, key)
	}

	result, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: s3://%s/%s", deployerrors.ErrArtifactNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to get object %s from bucket %s: %w", key, bucket, err)
	}
	//goland:noinspection GoUnhandledErrorResult
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object content: %w", err)
	}
	return content, nil
}

// Upload writes body to s3://bucket/key
func (a *ArtifactStore) Upload(ctx context.Context, bucket, key, contentType string, body []byte) error {
	if a.s3Client == nil {
		return fmt.Errorf("no S3 client configured to write s3://%s/%s", bucket, key)
	}

	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s to bucket %s: %w", key, bucket, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("bucket", bucket).
		Str("key", key).
		Int("length", len(body)).
		Msg("Uploaded artifact")
	return nil
}
