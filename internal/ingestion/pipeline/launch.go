package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
)

// LaunchOCR submits the record's file to the OCR engine and binds the job
// to the continuation token the orchestrator is parked on. It returns as
// soon as the job exists; completion arrives later as a notification.
func (s *Stages) LaunchOCR(ctx context.Context, in ingestion.LaunchInput) (*ingestion.LaunchOutput, error) {
	started := time.Now()
	out, err := s.launchOCR(ctx, in)
	s.observe(StageLaunchOCR, outcomeOf(err, out != nil && out.Cancelled), started)
	return out, err
}

func (s *Stages) launchOCR(ctx context.Context, in ingestion.LaunchInput) (*ingestion.LaunchOutput, error) {
	log := s.stageLogger(ctx, StageLaunchOCR, in.RecordRef)

	token := strings.TrimSpace(in.ContinuationToken)
	if token == "" {
		return nil, s.fail(ctx, log, StageLaunchOCR, in.RecordRef, apperrors.ErrMissingContinuationToken)
	}

	rec, err := s.load(ctx, in.RecordRef)
	if err != nil {
		return nil, fmt.Errorf("launch ocr %s: %w", in.RecordRef, err)
	}
	if rec.Status == ingestion.StatusCancelled {
		log.Info("record cancelled, not submitting ocr job")
		return &ingestion.LaunchOutput{Status: ingestion.StatusCancelled, Cancelled: true}, nil
	}
	fileRef := rec.RawFileRef
	if fileRef == "" {
		return nil, s.fail(ctx, log, StageLaunchOCR, rec.ID,
			fmt.Errorf("%w: raw file reference missing", apperrors.ErrIntegrity))
	}
	if in.RawFileRef != "" && in.RawFileRef != fileRef {
		log.Warn("raw file reference differs from record, using record", "input", in.RawFileRef, "record", fileRef)
	}

	jobID, err := s.engine.SubmitJob(ctx, fileRef, rec.ID)
	if err != nil {
		return nil, s.fail(ctx, log, StageLaunchOCR, rec.ID, err)
	}
	if s.metrics != nil {
		s.metrics.OCRJobsLaunched.Inc()
	}

	err = s.store.UpdateUnlessCancelled(ctx, rec.ID, ingestion.Delta{
		Status:     ingestion.Ptr(ingestion.StatusOCRStarted),
		Job:        &ingestion.JobBinding{JobID: jobID, ContinuationToken: token},
		ClearError: true,
	})
	if errors.Is(err, apperrors.ErrRecordCancelled) {
		log.Info("record cancelled while submitting, job left unbound", "job_id", jobID)
		return &ingestion.LaunchOutput{JobID: jobID, Status: ingestion.StatusCancelled, Cancelled: true}, nil
	}
	if err != nil {
		return nil, s.fail(ctx, log, StageLaunchOCR, rec.ID, fmt.Errorf("binding job %s: %w", jobID, err))
	}

	log.Info("ocr job launched", "job_id", jobID, "key", fileRef)
	return &ingestion.LaunchOutput{JobID: jobID, Status: ingestion.StatusOCRStarted}, nil
}
