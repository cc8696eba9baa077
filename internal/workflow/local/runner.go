// Package local is an in-process orchestrator for deployments without Step
// Functions. It runs the same stages in the same order, parks the OCR
// branch on a generated continuation token and resumes it when the
// completion notification arrives. Executions survive restarts in the
// registry; stage work in flight does not.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/tracing"
	"github.com/google/uuid"
)

const arnPrefix = "arn:local:states:local:0:"

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionWaiting   ExecutionStatus = "WAITING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionAborted   ExecutionStatus = "ABORTED"
)

func (s ExecutionStatus) Done() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed || s == ExecutionAborted
}

// Execution is one pipeline run for a record.
type Execution struct {
	Ref       string          `json:"ref"`
	RecordRef string          `json:"record_ref"`
	Status    ExecutionStatus `json:"status"`
	Token     string          `json:"token,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Stages is what the runner sequences.
type Stages interface {
	Start(ctx context.Context, in ingestion.StartInput) (*ingestion.StartOutput, error)
	ExtractSheet(ctx context.Context, in ingestion.ExtractInput) (*ingestion.ExtractOutput, error)
	LaunchOCR(ctx context.Context, in ingestion.LaunchInput) (*ingestion.LaunchOutput, error)
	RetrieveOCR(ctx context.Context, in ingestion.RetrieveInput) (*ingestion.RetrieveOutput, error)
}

type Runner struct {
	name         string
	registry     Registry
	stages       Stages
	stageTimeout time.Duration
	mu           sync.Mutex
	wg           sync.WaitGroup
	logger       *slog.Logger
}

// NewRunner creates a runner whose executions are named after name.
// Attach must be called before the first execution starts.
func NewRunner(name string, registry Registry, stageTimeout time.Duration) *Runner {
	return &Runner{
		name:         name,
		registry:     registry,
		stageTimeout: stageTimeout,
		logger:       slog.Default().With("component", "local-orchestrator"),
	}
}

func (r *Runner) Attach(stages Stages) {
	r.stages = stages
}

// Identity is an ARN-shaped state machine ref so the canceller's identity
// check treats local executions like Step Functions ones.
func (r *Runner) Identity() string {
	return arnPrefix + "stateMachine:" + r.name
}

// StartExecution registers a run for recordRef and starts it in the
// background. The returned ref is what the Start stage stores.
func (r *Runner) StartExecution(ctx context.Context, recordRef string) (string, error) {
	if r.stages == nil {
		return "", fmt.Errorf("local orchestrator has no stages attached: %w", apperrors.ErrInternal)
	}
	now := time.Now().UTC()
	e := &Execution{
		Ref:       arnPrefix + "execution:" + r.name + ":" + uuid.NewString(),
		RecordRef: recordRef,
		Status:    ExecutionRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := r.registry.PutExecution(ctx, e); err != nil {
		return "", err
	}
	r.logger.Info("execution started", "record_id", recordRef, "execution_ref", e.Ref)
	r.spawn(ctx, func(ctx context.Context) { r.run(ctx, e) })
	return e.Ref, nil
}

// ResumeTask consumes token and continues its execution at the OCR result
// stage. output must decode into ingestion.RetrieveInput.
func (r *Runner) ResumeTask(ctx context.Context, token string, output any) error {
	var in ingestion.RetrieveInput
	body, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encoding task output: %w", err)
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return fmt.Errorf("decoding task output: %w", err)
	}

	ref, err := r.registry.TakeToken(ctx, token)
	if err != nil {
		return fmt.Errorf("resuming task: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.registry.GetExecution(ctx, ref)
	if errors.Is(err, apperrors.ErrExecutionNotFound) {
		return fmt.Errorf("resuming task: %w", apperrors.ErrTaskNotFound)
	}
	if err != nil {
		return err
	}
	if e.Status != ExecutionWaiting || e.Token != token {
		return fmt.Errorf("resuming task on %s execution: %w", e.Status, apperrors.ErrTaskNotFound)
	}
	e.Status, e.Token = ExecutionRunning, ""
	if err := r.save(ctx, e); err != nil {
		return err
	}
	r.spawn(ctx, func(ctx context.Context) { r.resume(ctx, e, in) })
	return nil
}

// StopExecution aborts a running or waiting execution and drops its parked
// token. Finished or unknown executions return ErrExecutionNotFound.
func (r *Runner) StopExecution(ctx context.Context, executionRef, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.registry.GetExecution(ctx, executionRef)
	if err != nil {
		return fmt.Errorf("stopping %s: %w", executionRef, err)
	}
	if e.Status.Done() {
		return fmt.Errorf("stopping %s: %s: %w", executionRef, e.Status, apperrors.ErrExecutionNotFound)
	}
	if e.Token != "" {
		r.release(ctx, executionRef, e.Token)
	}
	e.Status, e.Token, e.Error = ExecutionAborted, "", cause
	if err := r.save(ctx, e); err != nil {
		return err
	}
	r.logger.Info("execution stopped", "execution_ref", executionRef, "cause", cause)
	return nil
}

// Execution returns the registry's view of an execution.
func (r *Runner) Execution(ctx context.Context, ref string) (*Execution, error) {
	return r.registry.GetExecution(ctx, ref)
}

// Drain waits for stage goroutines to finish or ctx to end.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn detached from the caller's cancellation but keeping its
// values, so request-scoped log fields follow the execution.
func (r *Runner) spawn(ctx context.Context, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

func (r *Runner) run(ctx context.Context, e *Execution) {
	ctx = logger.WithRecordID(ctx, e.RecordRef)
	ctx, span := tracing.StartSpan(ctx, "execution", e.Ref)
	defer r.endSpan(ctx, span)
	var start *ingestion.StartOutput
	err := r.stage(ctx, "start", func(ctx context.Context) (err error) {
		start, err = r.stages.Start(ctx, ingestion.StartInput{RecordRef: e.RecordRef, ExecutionRef: e.Ref})
		return err
	})
	if err != nil {
		r.finish(ctx, e.Ref, ExecutionFailed, err.Error())
		return
	}

	switch start.Path {
	case ingestion.PathSheet:
		if r.aborted(ctx, e.Ref) {
			return
		}
		var out *ingestion.ExtractOutput
		err := r.stage(ctx, "extract_sheet", func(ctx context.Context) (err error) {
			out, err = r.stages.ExtractSheet(ctx, ingestion.ExtractInput{RecordRef: e.RecordRef})
			return err
		})
		r.finishStage(ctx, e.Ref, err, out != nil && out.Cancelled)
	case ingestion.PathOCR:
		if r.aborted(ctx, e.Ref) {
			return
		}
		r.launch(ctx, e)
	default:
		switch start.Status {
		case ingestion.StatusCancelled:
			r.finish(ctx, e.Ref, ExecutionAborted, "record cancelled")
		case ingestion.StatusFailed:
			r.finish(ctx, e.Ref, ExecutionFailed, apperrors.ErrUnsupportedFormat.Error())
		default:
			r.finish(ctx, e.Ref, ExecutionSucceeded, "")
		}
	}
}

// launch parks the execution before submitting the job, so by the time the
// launch stage binds the job to the record its token is already resumable.
func (r *Runner) launch(ctx context.Context, e *Execution) {
	token := uuid.NewString()
	if err := r.registry.ParkToken(ctx, token, e.Ref); err != nil {
		r.finish(ctx, e.Ref, ExecutionFailed, err.Error())
		return
	}
	stopped := false
	err := r.update(ctx, e.Ref, func(cur *Execution) {
		if cur.Status == ExecutionAborted {
			stopped = true
			return
		}
		cur.Status, cur.Token = ExecutionWaiting, token
	})
	if err != nil {
		r.logger.Error("parking execution", "execution_ref", e.Ref, "error", err)
		r.finish(ctx, e.Ref, ExecutionFailed, err.Error())
		return
	}
	if stopped {
		r.release(ctx, e.Ref, token)
		return
	}

	var out *ingestion.LaunchOutput
	err = r.stage(ctx, "launch_ocr", func(ctx context.Context) (err error) {
		out, err = r.stages.LaunchOCR(ctx, ingestion.LaunchInput{RecordRef: e.RecordRef, ContinuationToken: token})
		return err
	})
	if err != nil || out.Cancelled {
		r.release(ctx, e.Ref, token)
		r.finishStage(ctx, e.Ref, err, out != nil && out.Cancelled)
		return
	}
	r.logger.Info("execution waiting for ocr", "execution_ref", e.Ref, "job_id", out.JobID)
}

// release drops a parked token nothing will resume.
func (r *Runner) release(ctx context.Context, ref, token string) {
	if _, err := r.registry.TakeToken(ctx, token); err != nil && !errors.Is(err, apperrors.ErrTaskNotFound) {
		r.logger.Warn("dropping parked token", "execution_ref", ref, "error", err)
	}
}

func (r *Runner) resume(ctx context.Context, e *Execution, in ingestion.RetrieveInput) {
	if in.RecordRef == "" {
		in.RecordRef = e.RecordRef
	}
	ctx = logger.WithRecordID(ctx, in.RecordRef)
	ctx, span := tracing.StartSpan(ctx, "resume", e.Ref)
	defer r.endSpan(ctx, span)
	var out *ingestion.RetrieveOutput
	err := r.stage(ctx, "retrieve_ocr", func(ctx context.Context) (err error) {
		out, err = r.stages.RetrieveOCR(ctx, in)
		return err
	})
	r.finishStage(ctx, e.Ref, err, out != nil && out.Cancelled)
}

func (r *Runner) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.StartChild(ctx, name)
	err := resilience.WithTimeout(ctx, r.stageTimeout, name, fn)
	span.End(err)
	return err
}

func (r *Runner) endSpan(ctx context.Context, span *tracing.Span) {
	span.End(nil)
	span.Log(logger.FromContext(ctx).With("component", "local-orchestrator"))
}

func (r *Runner) aborted(ctx context.Context, ref string) bool {
	e, err := r.registry.GetExecution(ctx, ref)
	return err == nil && e.Status == ExecutionAborted
}

func (r *Runner) finishStage(ctx context.Context, ref string, err error, cancelled bool) {
	switch {
	case err != nil:
		r.finish(ctx, ref, ExecutionFailed, err.Error())
	case cancelled:
		r.finish(ctx, ref, ExecutionAborted, "record cancelled")
	default:
		r.finish(ctx, ref, ExecutionSucceeded, "")
	}
}

// finish records a terminal status. An execution already stopped keeps
// ABORTED.
func (r *Runner) finish(ctx context.Context, ref string, status ExecutionStatus, msg string) {
	err := r.update(ctx, ref, func(cur *Execution) {
		if cur.Status == ExecutionAborted {
			return
		}
		cur.Status, cur.Token, cur.Error = status, "", msg
	})
	log := logger.FromContext(ctx).With("component", "local-orchestrator", "execution_ref", ref)
	if err != nil {
		log.Error("recording execution result", "status", status, "error", err)
		return
	}
	log.Info("execution finished", "status", status, "message", msg)
}

func (r *Runner) update(ctx context.Context, ref string, mutate func(*Execution)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.registry.GetExecution(ctx, ref)
	if err != nil {
		return err
	}
	mutate(e)
	return r.save(ctx, e)
}

// save must be called with r.mu held.
func (r *Runner) save(ctx context.Context, e *Execution) error {
	e.UpdatedAt = time.Now().UTC()
	return r.registry.PutExecution(ctx, e)
}
