package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/workflow"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
)

const (
	msgNoExecution     = "cancelled, no active execution found"
	msgStopped         = "cancelled, execution stopped"
	msgAlreadyFinished = "cancelled, execution already finished"
	msgStopFailed      = "cancelled, stopping the execution failed"
)

// Cancel stops a record's pipeline. Apart from an execution that belongs
// to a different orchestrator, every path ends with the record CANCELLED
// and OK set, including records that already finished or failed.
func (s *Stages) Cancel(ctx context.Context, in ingestion.CancelInput) (*ingestion.CancelOutput, error) {
	started := time.Now()
	out, outcome, err := s.cancel(ctx, in)
	if s.metrics != nil {
		s.metrics.Cancellations.WithLabelValues(outcome).Inc()
	}
	s.observe(StageCancel, outcomeOf(err, false), started)
	return out, err
}

func (s *Stages) cancel(ctx context.Context, in ingestion.CancelInput) (*ingestion.CancelOutput, string, error) {
	log := s.stageLogger(ctx, StageCancel, in.RecordRef).With("requested_by", in.RequestedBy)

	rec, err := s.store.Get(ctx, in.RecordRef)
	if err != nil {
		return nil, "error", fmt.Errorf("cancel %s: %w", in.RecordRef, err)
	}

	if rec.ExecutionRef == "" {
		if err := s.markCancelled(ctx, rec.ID, in.RequestedBy); err != nil {
			return nil, "error", err
		}
		log.Info("record cancelled without execution")
		return &ingestion.CancelOutput{OK: true, Message: msgNoExecution}, "no_execution", nil
	}

	identity := ""
	if s.orch != nil {
		identity = s.orch.Identity()
	}
	if !workflow.SameIdentity(rec.ExecutionRef, identity) {
		log.Warn("cancel rejected, execution belongs to another orchestrator",
			"execution_ref", rec.ExecutionRef,
			"orchestrator", identity,
		)
		return nil, "rejected", apperrors.Newf(apperrors.ErrExecutionMismatch, 400,
			"execution %s does not belong to this orchestrator", rec.ExecutionRef)
	}

	stopErr := s.orch.StopExecution(ctx, rec.ExecutionRef, "cancelled by "+in.RequestedBy)

	if err := s.markCancelled(ctx, rec.ID, in.RequestedBy); err != nil {
		return nil, "error", err
	}

	switch {
	case stopErr == nil:
		log.Info("execution stopped", "execution_ref", rec.ExecutionRef)
		return &ingestion.CancelOutput{OK: true, Message: msgStopped}, "stopped", nil
	case errors.Is(stopErr, apperrors.ErrExecutionNotFound):
		log.Info("execution already finished", "execution_ref", rec.ExecutionRef)
		return &ingestion.CancelOutput{OK: true, Message: msgAlreadyFinished}, "already_finished", nil
	default:
		log.Error("stopping execution", "execution_ref", rec.ExecutionRef, "error", stopErr)
		return &ingestion.CancelOutput{OK: true, Message: msgStopFailed}, "stop_failed", nil
	}
}

func (s *Stages) markCancelled(ctx context.Context, id, requestedBy string) error {
	err := s.store.Update(ctx, id, ingestion.Delta{
		Status:       ingestion.Ptr(ingestion.StatusCancelled),
		ErrorMessage: ingestion.Ptr("cancelled by " + requestedBy),
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}
