// Package notify turns OCR completion notifications into workflow
// resumptions. Notifications are delivered at least once; a job id is
// resumed at most once per dedupe window.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/metrics"
)

const dedupePrefix = "docingest:ocr-done:"

// ErrLaunchInFlight reports a completion that arrived before the launch
// stage bound its job to the record. The message is redelivered.
var ErrLaunchInFlight = errors.New("ocr job not yet bound to its record")

type RecordFinder interface {
	FindByJobID(ctx context.Context, jobID string) (*ingestion.Record, error)
	Get(ctx context.Context, id string) (*ingestion.Record, error)
}

// Resumer completes the task an execution is parked on.
type Resumer interface {
	ResumeTask(ctx context.Context, token string, output any) error
}

type Deduper interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

type Handler struct {
	records RecordFinder
	resumer Resumer
	dedupe  Deduper
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Handler. dedupe and m may be nil.
func New(records RecordFinder, resumer Resumer, dedupe Deduper, ttl time.Duration, m *metrics.Metrics) *Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handler{
		records: records,
		resumer: resumer,
		dedupe:  dedupe,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "ocr-notifications"),
	}
}

// snsEnvelope wraps the notification when the SNS subscription feeding
// Kafka does not use raw message delivery.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Handle is a kafka.MessageHandler. Undecodable messages are dropped;
// failures to resume are returned so the message is redelivered.
func (h *Handler) Handle(ctx context.Context, _ []byte, value []byte) error {
	n, err := decode(value)
	if err != nil {
		h.logger.Error("dropping undecodable notification", "error", err)
		h.count("dropped")
		return nil
	}
	log := h.logger.With("job_id", n.JobID, "job_status", n.Status, "job_tag", n.JobTag)

	if h.dedupe != nil {
		first, err := h.dedupe.SetNX(ctx, dedupePrefix+n.JobID, n.Status, h.ttl)
		if err != nil {
			h.count("error")
			return fmt.Errorf("deduplicating job %s: %w", n.JobID, err)
		}
		if !first {
			log.Debug("duplicate notification")
			h.count("duplicate")
			return nil
		}
	}

	outcome, err := h.resume(ctx, log, n)
	if err != nil {
		h.forget(ctx, log, n.JobID)
		if errors.Is(err, ErrLaunchInFlight) {
			h.count("pending")
		} else {
			h.count("error")
		}
		return err
	}
	h.count(outcome)
	return nil
}

func (h *Handler) resume(ctx context.Context, log *slog.Logger, n ingestion.OCRCompletion) (string, error) {
	rec, err := h.records.FindByJobID(ctx, n.JobID)
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		return h.unbound(ctx, log, n)
	}
	if err != nil {
		return "", fmt.Errorf("finding record for job %s: %w", n.JobID, err)
	}
	log = logger.FromContext(logger.WithRecordID(ctx, rec.ID)).With("component", "ocr-notifications", "job_id", n.JobID)
	if rec.Status != ingestion.StatusOCRStarted || rec.ContinuationToken == "" {
		log.Info("record no longer waiting for ocr, ignoring", "status", rec.Status)
		return "stale", nil
	}

	err = h.resumer.ResumeTask(ctx, rec.ContinuationToken, ingestion.RetrieveInput{
		RecordRef: rec.ID,
		JobID:     n.JobID,
	})
	if errors.Is(err, apperrors.ErrTaskNotFound) {
		log.Info("execution no longer waiting, dropping notification", "error", err)
		return "dropped", nil
	}
	if err != nil {
		return "", fmt.Errorf("resuming record %s: %w", rec.ID, err)
	}
	log.Info("execution resumed")
	return "resumed", nil
}

// unbound handles a job no record points at. The job tag names the record
// the job was submitted for; while that record is still STARTED its launch
// has not written the job id yet.
func (h *Handler) unbound(ctx context.Context, log *slog.Logger, n ingestion.OCRCompletion) (string, error) {
	if n.JobTag == "" {
		log.Info("no record bound to job, ignoring")
		return "stale", nil
	}
	rec, err := h.records.Get(ctx, n.JobTag)
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		log.Info("no record bound to job, ignoring")
		return "stale", nil
	}
	if err != nil {
		return "", fmt.Errorf("finding record %s for job %s: %w", n.JobTag, n.JobID, err)
	}
	if rec.Status == ingestion.StatusStarted {
		log.Info("launch still binding job, redelivering", "record_id", rec.ID)
		return "", fmt.Errorf("job %s for record %s: %w", n.JobID, rec.ID, ErrLaunchInFlight)
	}
	log.Info("job superseded or record finished, ignoring", "record_id", rec.ID, "status", rec.Status)
	return "stale", nil
}

func (h *Handler) forget(ctx context.Context, log *slog.Logger, jobID string) {
	if h.dedupe == nil {
		return
	}
	if err := h.dedupe.Del(ctx, dedupePrefix+jobID); err != nil {
		log.Warn("clearing dedupe key", "error", err)
	}
}

func (h *Handler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.Notifications.WithLabelValues(outcome).Inc()
	}
}

func decode(value []byte) (ingestion.OCRCompletion, error) {
	n, err := kafka.DecodeJSON[ingestion.OCRCompletion](value)
	if err != nil {
		return n, err
	}
	if n.JobID == "" {
		env, err := kafka.DecodeJSON[snsEnvelope](value)
		if err == nil && env.Message != "" {
			if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
				return n, fmt.Errorf("decoding sns message: %w", err)
			}
		}
	}
	if n.JobID == "" {
		return n, errors.New("notification has no job id")
	}
	return n, nil
}
