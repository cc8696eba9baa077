// Package ocr submits asynchronous text-detection jobs to AWS Textract and
// collects their terminal results. Completion is signalled through the
// configured SNS notification channel; this package never polls for it.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/resilience"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
)

// StateSucceeded is the only terminal state that yields usable text.
const StateSucceeded = string(types.JobStatusSucceeded)

const maxTagLen = 64

// API is the subset of the Textract client the engine uses.
type API interface {
	StartDocumentTextDetection(ctx context.Context, in *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, in *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

// Config names the bucket jobs read from and the notification channel the
// engine signals on completion.
type Config struct {
	Bucket      string
	SNSTopicARN string
	RoleARN     string
	PageSize    int32
}

// Result is a job's terminal state and, on success, its text.
type Result struct {
	State   string
	Text    string
	Message string
	Pages   int
}

// Textract is the OCR engine adapter.
type Textract struct {
	api     API
	cfg     Config
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// New creates an engine. breaker may be nil.
func New(api API, cfg Config, breaker *resilience.CircuitBreaker) *Textract {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Textract{
		api:     api,
		cfg:     cfg,
		breaker: breaker,
		logger:  slog.Default().With("component", "ocr-engine"),
	}
}

// SubmitJob starts text detection on the object at fileKey, tagging the job
// so notifications can be traced back to the record.
func (e *Textract) SubmitJob(ctx context.Context, fileKey, tag string) (string, error) {
	in := &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(e.cfg.Bucket),
				Name:   aws.String(fileKey),
			},
		},
		JobTag: aws.String(sanitizeTag(tag)),
	}
	if e.cfg.SNSTopicARN != "" {
		in.NotificationChannel = &types.NotificationChannel{
			SNSTopicArn: aws.String(e.cfg.SNSTopicARN),
			RoleArn:     aws.String(e.cfg.RoleARN),
		}
	}

	var out *textract.StartDocumentTextDetectionOutput
	err := e.call(func() error {
		var err error
		out, err = e.api.StartDocumentTextDetection(ctx, in)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("starting text detection for %s: %w", fileKey, err)
	}
	jobID := aws.ToString(out.JobId)
	if jobID == "" {
		return "", fmt.Errorf("starting text detection for %s: %w", fileKey, apperrors.ErrNoJobID)
	}
	e.logger.Info("text detection job started", "job_id", jobID, "key", fileKey, "tag", tag)
	return jobID, nil
}

// GetResult reads the job's terminal state and, when it succeeded, every
// LINE block across all result pages joined with newlines.
func (e *Textract) GetResult(ctx context.Context, jobID string) (*Result, error) {
	res := &Result{}
	var lines []string
	var next *string
	for {
		in := &textract.GetDocumentTextDetectionInput{
			JobId:      aws.String(jobID),
			MaxResults: aws.Int32(e.cfg.PageSize),
			NextToken:  next,
		}
		var out *textract.GetDocumentTextDetectionOutput
		err := e.call(func() error {
			var err error
			out, err = e.api.GetDocumentTextDetection(ctx, in)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("getting text detection result %s: %w", jobID, err)
		}
		if res.State == "" {
			res.State = string(out.JobStatus)
			res.Message = aws.ToString(out.StatusMessage)
			if out.DocumentMetadata != nil {
				res.Pages = int(aws.ToInt32(out.DocumentMetadata.Pages))
			}
			if res.State != StateSucceeded {
				return res, nil
			}
		}
		for _, b := range out.Blocks {
			if b.BlockType == types.BlockTypeLine && b.Text != nil {
				lines = append(lines, *b.Text)
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		next = out.NextToken
	}
	res.Text = strings.Join(lines, "\n")
	return res, nil
}

func (e *Textract) call(fn func() error) error {
	if e.breaker == nil {
		return fn()
	}
	return e.breaker.Execute(fn)
}

// sanitizeTag fits tag into the engine's JobTag alphabet and length.
func sanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if b.Len() == maxTagLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-', r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "untagged"
	}
	return b.String()
}
