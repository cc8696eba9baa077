package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/objectstore"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/sheet"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
)

// ExtractSheet serializes a spreadsheet to text inside the invocation.
func (s *Stages) ExtractSheet(ctx context.Context, in ingestion.ExtractInput) (*ingestion.ExtractOutput, error) {
	started := time.Now()
	out, err := s.extractSheet(ctx, in)
	s.observe(StageExtractSheet, outcomeOf(err, out != nil && out.Cancelled), started)
	return out, err
}

func (s *Stages) extractSheet(ctx context.Context, in ingestion.ExtractInput) (*ingestion.ExtractOutput, error) {
	log := s.stageLogger(ctx, StageExtractSheet, in.RecordRef)

	cancelled, err := s.checkGate(ctx, in.RecordRef)
	if err != nil {
		return nil, fmt.Errorf("extract sheet %s: %w", in.RecordRef, err)
	}
	if cancelled {
		log.Info("record cancelled, skipping extraction")
		return &ingestion.ExtractOutput{Cancelled: true}, nil
	}

	rec, err := s.load(ctx, in.RecordRef)
	if err != nil {
		return nil, fmt.Errorf("extract sheet %s: %w", in.RecordRef, err)
	}
	rawRef := in.RawFileRef
	if rawRef == "" {
		rawRef = rec.RawFileRef
	}
	if rawRef == "" {
		return nil, s.fail(ctx, log, StageExtractSheet, rec.ID,
			fmt.Errorf("%w: raw file reference missing", apperrors.ErrIntegrity))
	}

	body, err := s.objects.Get(ctx, rawRef)
	if err != nil {
		return nil, s.fail(ctx, log, StageExtractSheet, rec.ID, fmt.Errorf("reading %s: %w", rawRef, err))
	}
	res, err := sheet.Extract(body, s.cfg.MaxSheetChars)
	body.Close()
	if err != nil {
		return nil, s.fail(ctx, log, StageExtractSheet, rec.ID, err)
	}

	key := objectstore.ExtractedTextKey(s.cfg.ExtractedPrefix, rec)
	if err := s.objects.Put(ctx, key, []byte(res.Text), textContentType); err != nil {
		return nil, s.fail(ctx, log, StageExtractSheet, rec.ID, fmt.Errorf("writing %s: %w", key, err))
	}

	err = s.store.UpdateUnlessCancelled(ctx, rec.ID, ingestion.Delta{
		Status:           ingestion.Ptr(ingestion.StatusTextReady),
		ExtractedTextRef: &key,
		ClearError:       true,
	})
	if errors.Is(err, apperrors.ErrRecordCancelled) {
		log.Info("record cancelled during extraction", "key", key)
		return &ingestion.ExtractOutput{Cancelled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extract sheet %s: %w", rec.ID, err)
	}

	if s.metrics != nil {
		s.metrics.ExtractedChars.WithLabelValues(string(ingestion.PathSheet)).Observe(float64(utf8.RuneCountInString(res.Text)))
		if res.Truncated {
			s.metrics.SheetTruncations.Inc()
		}
	}
	log.Info("spreadsheet extracted",
		"key", key,
		"sheets", res.Sheets,
		"rows", res.Rows,
		"truncated", res.Truncated,
	)
	s.publishTextReady(ctx, log, rec, key, res.Truncated)
	return &ingestion.ExtractOutput{ExtractedTextRef: key}, nil
}

// checkGate runs the cancellation gate. A record the gate cannot find is
// an integrity violation.
func (s *Stages) checkGate(ctx context.Context, id string) (bool, error) {
	cancelled, err := s.gate.IsCancelled(ctx, id)
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		return false, fmt.Errorf("%w: %w", apperrors.ErrIntegrity, err)
	}
	return cancelled, err
}

func outcomeOf(err error, cancelled bool) string {
	switch {
	case errors.Is(err, apperrors.ErrJobFailed):
		return outcomeFailed
	case err != nil:
		return outcomeError
	case cancelled:
		return outcomeCancelled
	default:
		return outcomeOK
	}
}
