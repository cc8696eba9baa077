package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
)

// Process starts an orchestrator execution for a record and stores its ref
// on the record, which is what Cancel later stops. The Start stage may write
// the same ref again when the orchestrator passes it along.
func (s *Stages) Process(ctx context.Context, in ingestion.StartInput) (*ingestion.ProcessOutput, error) {
	started := time.Now()
	out, err := s.process(ctx, in)
	outcome := outcomeOf(err, false)
	if errors.Is(err, apperrors.ErrRecordCancelled) {
		outcome = outcomeCancelled
	}
	s.observe(StageProcess, outcome, started)
	return out, err
}

func (s *Stages) process(ctx context.Context, in ingestion.StartInput) (*ingestion.ProcessOutput, error) {
	log := s.stageLogger(ctx, StageProcess, in.RecordRef)
	if s.orch == nil {
		return nil, apperrors.New(apperrors.ErrNotImplemented, http.StatusNotImplemented, "no orchestrator configured")
	}

	rec, err := s.store.Get(ctx, in.RecordRef)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", in.RecordRef, err)
	}
	if rec.Status == ingestion.StatusCancelled {
		return nil, fmt.Errorf("process %s: %w", rec.ID, apperrors.ErrRecordCancelled)
	}

	ref, err := s.orch.StartExecution(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("process %s: starting execution: %w", rec.ID, err)
	}
	log = log.With("execution_ref", ref)

	err = s.store.UpdateUnlessCancelled(ctx, rec.ID, ingestion.Delta{ExecutionRef: &ref})
	if errors.Is(err, apperrors.ErrRecordCancelled) {
		// Cancel ran between the start and the write and could not see ref.
		stopErr := s.orch.StopExecution(ctx, ref, "record cancelled before execution was recorded")
		if stopErr != nil && !errors.Is(stopErr, apperrors.ErrExecutionNotFound) {
			log.Error("stopping execution of cancelled record", "error", stopErr)
		}
		log.Info("record cancelled while starting execution")
		return nil, fmt.Errorf("process %s: %w", rec.ID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("process %s: recording execution %s: %w", rec.ID, ref, err)
	}

	log.Info("execution started")
	return &ingestion.ProcessOutput{RecordID: rec.ID, ExecutionRef: ref}, nil
}
