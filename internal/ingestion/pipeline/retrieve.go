package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/objectstore"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/ocr"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
)

// RetrieveOCR collects a finished OCR job's text. Running it twice for the
// same job rewrites the same object with the same text.
func (s *Stages) RetrieveOCR(ctx context.Context, in ingestion.RetrieveInput) (*ingestion.RetrieveOutput, error) {
	started := time.Now()
	out, err := s.retrieveOCR(ctx, in)
	s.observe(StageRetrieveOCR, outcomeOf(err, out != nil && out.Cancelled), started)
	return out, err
}

func (s *Stages) retrieveOCR(ctx context.Context, in ingestion.RetrieveInput) (*ingestion.RetrieveOutput, error) {
	log := s.stageLogger(ctx, StageRetrieveOCR, in.RecordRef).With("job_id", in.JobID)

	cancelled, err := s.checkGate(ctx, in.RecordRef)
	if err != nil {
		return nil, fmt.Errorf("retrieve ocr %s: %w", in.RecordRef, err)
	}
	if cancelled {
		log.Info("record cancelled, skipping ocr result")
		return &ingestion.RetrieveOutput{Cancelled: true}, nil
	}

	if in.JobID == "" {
		return nil, s.fail(ctx, log, StageRetrieveOCR, in.RecordRef, apperrors.ErrNoJobID)
	}
	rec, err := s.load(ctx, in.RecordRef)
	if err != nil {
		return nil, fmt.Errorf("retrieve ocr %s: %w", in.RecordRef, err)
	}
	// An empty binding means the job already completed; a different one
	// means in belongs to an earlier attempt and must not touch the record.
	if rec.JobID != "" && rec.JobID != in.JobID {
		log.Warn("ignoring result of superseded ocr job", "current_job_id", rec.JobID)
		return nil, fmt.Errorf("retrieve ocr %s: job %s: %w", rec.ID, in.JobID, apperrors.ErrStaleJob)
	}

	res, err := s.engine.GetResult(ctx, in.JobID)
	if err != nil {
		return nil, s.fail(ctx, log, StageRetrieveOCR, in.RecordRef, err)
	}
	if res.State != ocr.StateSucceeded {
		cause := fmt.Errorf("%w: job %s finished %s", apperrors.ErrJobFailed, in.JobID, res.State)
		if res.Message != "" {
			cause = fmt.Errorf("%w: %s", cause, res.Message)
		}
		return nil, s.fail(ctx, log, StageRetrieveOCR, in.RecordRef, cause)
	}

	key := objectstore.ExtractedTextKey(s.cfg.ExtractedPrefix, rec)
	if err := s.objects.Put(ctx, key, []byte(res.Text), textContentType); err != nil {
		return nil, s.fail(ctx, log, StageRetrieveOCR, rec.ID, fmt.Errorf("writing %s: %w", key, err))
	}

	err = s.store.UpdateUnlessCancelled(ctx, rec.ID, ingestion.Delta{
		Status:           ingestion.Ptr(ingestion.StatusTextReady),
		ExtractedTextRef: &key,
		ClearJob:         true,
		ClearError:       true,
	})
	if errors.Is(err, apperrors.ErrRecordCancelled) {
		log.Info("record cancelled during retrieval", "key", key)
		return &ingestion.RetrieveOutput{Cancelled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve ocr %s: %w", rec.ID, err)
	}

	if s.metrics != nil {
		s.metrics.ExtractedChars.WithLabelValues(string(ingestion.PathOCR)).Observe(float64(utf8.RuneCountInString(res.Text)))
	}
	log.Info("ocr text stored", "key", key, "pages", res.Pages)
	s.publishTextReady(ctx, log, rec, key, false)
	return &ingestion.RetrieveOutput{ExtractedTextRef: key}, nil
}
