package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/classifier"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
)

// Start classifies the record's file and tells the orchestrator which path
// to take. It clears any job binding left over from a previous attempt, so
// a record leaving Start never has a job id without a token or vice versa.
// UNKNOWN formats end here with status FAILED and Path none; that is an
// output, not an error.
func (s *Stages) Start(ctx context.Context, in ingestion.StartInput) (*ingestion.StartOutput, error) {
	started := time.Now()
	out, outcome, err := s.start(ctx, in)
	if err != nil {
		outcome = outcomeError
	}
	s.observe(StageStart, outcome, started)
	return out, err
}

func (s *Stages) start(ctx context.Context, in ingestion.StartInput) (*ingestion.StartOutput, string, error) {
	log := s.stageLogger(ctx, StageStart, in.RecordRef)

	rec, err := s.load(ctx, in.RecordRef)
	if err != nil {
		return nil, "", fmt.Errorf("start %s: %w", in.RecordRef, err)
	}
	if rec.Status == ingestion.StatusCancelled {
		log.Info("record already cancelled")
		return cancelledStart(rec), outcomeCancelled, nil
	}
	if rec.RawFileRef == "" {
		return nil, "", s.fail(ctx, log, StageStart, rec.ID,
			fmt.Errorf("%w: raw file reference missing", apperrors.ErrIntegrity))
	}

	c := classifier.Classify(rec.ContentType, rec.RawFileRef)
	format := c.Format
	if rec.Format != "" {
		format = rec.Format
	}

	d := ingestion.Delta{ClearJob: true}
	if rec.Format == "" {
		d.Format = &format
	}
	if in.ExecutionRef != "" {
		d.ExecutionRef = &in.ExecutionRef
	}
	status, outcome := ingestion.StatusStarted, outcomeOK
	if format == ingestion.FormatUnknown {
		status, outcome = ingestion.StatusFailed, outcomeFailed
		d.ErrorMessage = ingestion.Ptr(apperrors.ErrUnsupportedFormat.Error())
	} else {
		d.ClearError = true
	}
	d.Status = &status

	if err := s.store.UpdateUnlessCancelled(ctx, rec.ID, d); err != nil {
		if errors.Is(err, apperrors.ErrRecordCancelled) {
			log.Info("record cancelled during start")
			return cancelledStart(rec), outcomeCancelled, nil
		}
		return nil, "", fmt.Errorf("start %s: %w", rec.ID, err)
	}

	out := &ingestion.StartOutput{
		Format: format,
		Ext:    c.Ext,
		Status: status,
		Path:   classifier.PathFor(format),
	}
	log.Info("record classified", "format", out.Format, "ext", out.Ext, "path", out.Path)
	return out, outcome, nil
}

func cancelledStart(rec *ingestion.Record) *ingestion.StartOutput {
	return &ingestion.StartOutput{
		Format: rec.Format,
		Status: ingestion.StatusCancelled,
		Path:   ingestion.PathNone,
	}
}
