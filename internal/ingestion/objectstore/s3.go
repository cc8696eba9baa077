// Package objectstore reads raw uploads from and writes extracted text to
// S3-compatible object storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// API is the subset of the S3 client the store uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores objects in a single bucket.
type S3 struct {
	api    API
	bucket string
	logger *slog.Logger
}

// NewS3 creates a store bound to bucket.
func NewS3(api API, bucket string) *S3 {
	return &S3{
		api:    api,
		bucket: bucket,
		logger: slog.Default().With("component", "object-store", "bucket", bucket),
	}
}

// Bucket returns the bucket name.
func (s *S3) Bucket() string {
	return s.bucket
}

// Get opens the object at key. The caller closes the returned reader.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("object %s: %w", key, apperrors.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("getting object %s: %w", key, err)
	}
	return out.Body, nil
}

// Put writes body to key, replacing any existing object.
func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	s.logger.Debug("object written", "key", key, "size", len(body))
	return nil
}

// ExtractedTextKey is where a record's extracted text lives:
// <prefix>/<projectID>/<recordID>.txt, without the project segment when the
// record has no project.
func ExtractedTextKey(prefix string, rec *ingestion.Record) string {
	return path.Join(prefix, rec.Parents.ProjectID, rec.ID+".txt")
}
