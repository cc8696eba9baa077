// Package pipeline implements the text-extraction stages an orchestrator
// invokes one at a time for a record: Start, ExtractSheet, LaunchOCR,
// RetrieveOCR, plus the out-of-band Process and Cancel. Stages hold no state between
// invocations; everything they know lives in the record store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/ocr"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/metrics"
)

const (
	StageStart        = "start"
	StageExtractSheet = "extract_sheet"
	StageLaunchOCR    = "launch_ocr"
	StageRetrieveOCR  = "retrieve_ocr"
	StageCancel       = "cancel"
	StageProcess      = "process"
)

const (
	outcomeOK        = "ok"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
	outcomeError     = "error"
)

const textContentType = "text/plain; charset=utf-8"

type RecordStore interface {
	Get(ctx context.Context, id string) (*ingestion.Record, error)
	Update(ctx context.Context, id string, d ingestion.Delta) error
	UpdateUnlessCancelled(ctx context.Context, id string, d ingestion.Delta) error
	IsCancelled(ctx context.Context, id string) (bool, error)
}

type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type OCREngine interface {
	SubmitJob(ctx context.Context, fileKey, tag string) (string, error)
	GetResult(ctx context.Context, jobID string) (*ocr.Result, error)
}

// Orchestrator is the part of the workflow engine Process and Cancel talk
// to. StopExecution must return an error wrapping
// apperrors.ErrExecutionNotFound when the execution has already finished or
// was never known.
type Orchestrator interface {
	StartExecution(ctx context.Context, recordRef string) (string, error)
	StopExecution(ctx context.Context, executionRef, cause string) error
	Identity() string
}

// Gate is the cooperative cancellation check run before expensive work.
type Gate interface {
	IsCancelled(ctx context.Context, recordRef string) (bool, error)
}

type EventPublisher interface {
	PublishTextReady(ctx context.Context, ev *ingestion.TextReadyEvent) error
}

// Config is everything the stages need to know about their environment.
type Config struct {
	ExtractedPrefix string
	MaxSheetChars   int
}

// Deps are the collaborators handed to New. Gate defaults to a StoreGate
// over Store; Events and Metrics may be nil.
type Deps struct {
	Store        RecordStore
	Objects      ObjectStore
	Engine       OCREngine
	Orchestrator Orchestrator
	Gate         Gate
	Events       EventPublisher
	Metrics      *metrics.Metrics
}

// Stages is the set of pipeline stage handlers.
type Stages struct {
	store   RecordStore
	objects ObjectStore
	engine  OCREngine
	orch    Orchestrator
	gate    Gate
	events  EventPublisher
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(deps Deps, cfg Config) *Stages {
	gate := deps.Gate
	if gate == nil {
		gate = StoreGate{Store: deps.Store}
	}
	return &Stages{
		store:   deps.Store,
		objects: deps.Objects,
		engine:  deps.Engine,
		orch:    deps.Orchestrator,
		gate:    gate,
		events:  deps.Events,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  slog.Default().With("component", "pipeline"),
		now:     time.Now,
	}
}

func (s *Stages) observe(stage, outcome string, started time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.StageInvocations.WithLabelValues(stage, outcome).Inc()
	s.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (s *Stages) stageLogger(ctx context.Context, stage, recordID string) *slog.Logger {
	return logger.FromContext(logger.WithRecordID(ctx, recordID)).With("component", "pipeline", "stage", stage)
}

// load fetches a record and reports a missing one as an integrity
// violation, which is fatal for every stage.
func (s *Stages) load(ctx context.Context, id string) (*ingestion.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrIntegrity, err)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// fail persists FAILED with cause as the diagnostic, then returns cause
// wrapped with the stage name. A record cancelled in the meantime keeps
// its CANCELLED status.
func (s *Stages) fail(ctx context.Context, log *slog.Logger, stage, recordID string, cause error) error {
	msg := cause.Error()
	err := s.store.UpdateUnlessCancelled(ctx, recordID, ingestion.Delta{
		Status:       ingestion.Ptr(ingestion.StatusFailed),
		ErrorMessage: &msg,
	})
	switch {
	case err == nil:
		log.Warn("stage failed", "error", cause)
	case errors.Is(err, apperrors.ErrRecordCancelled):
		log.Info("stage failed after cancellation", "error", cause)
	case errors.Is(err, apperrors.ErrRecordNotFound):
		log.Warn("stage failed for unknown record", "error", cause)
	default:
		log.Error("persisting failure status", "error", err, "cause", cause)
	}
	return fmt.Errorf("%s %s: %w", stage, recordID, cause)
}

// publishTextReady never fails the stage: the record is already
// TEXT_READY and the event is advisory.
func (s *Stages) publishTextReady(ctx context.Context, log *slog.Logger, rec *ingestion.Record, ref string, truncated bool) {
	if s.events == nil {
		return
	}
	ev := &ingestion.TextReadyEvent{
		RecordID:         rec.ID,
		Parents:          rec.Parents,
		Format:           rec.Format,
		ExtractedTextRef: ref,
		Truncated:        truncated,
		ReadyAt:          s.now().UTC(),
	}
	if err := s.events.PublishTextReady(ctx, ev); err != nil {
		log.Error("publishing text ready event", "error", err)
	}
}
