// Package store persists ingestion records in PostgreSQL. Updates are
// expressed as typed ingestion.Delta values and applied as whole-field
// writes; stage writes can be guarded so a cancelled record stays cancelled.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_records (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL DEFAULT '',
	opportunity_id     TEXT NOT NULL DEFAULT '',
	knowledge_base_id  TEXT NOT NULL DEFAULT '',
	raw_file_ref       TEXT NOT NULL DEFAULT '',
	content_type       TEXT NOT NULL DEFAULT '',
	extracted_text_ref TEXT,
	format             TEXT,
	status             TEXT NOT NULL,
	job_id             TEXT,
	continuation_token TEXT,
	error_message      TEXT,
	execution_ref      TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT job_token_paired CHECK ((job_id IS NULL) = (continuation_token IS NULL)),
	CONSTRAINT text_ready_has_ref CHECK (status <> 'TEXT_READY' OR extracted_text_ref IS NOT NULL)
);
CREATE UNIQUE INDEX IF NOT EXISTS ingestion_records_job_id ON ingestion_records (job_id) WHERE job_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS ingestion_records_project ON ingestion_records (project_id);
`

const selectColumns = `id, project_id, opportunity_id, knowledge_base_id, raw_file_ref, content_type,
	extracted_text_ref, format, status, job_id, continuation_token, error_message, execution_ref,
	created_at, updated_at`

// Store reads and writes ingestion_records.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// New creates a Store on top of an open Postgres client.
func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "record-store"),
	}
}

// EnsureSchema creates the table and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying ingestion schema: %w", err)
	}
	return nil
}

// Create inserts a freshly uploaded record.
func (s *Store) Create(ctx context.Context, rec *ingestion.Record) error {
	if rec.Status == "" {
		rec.Status = ingestion.StatusUploaded
	}
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO ingestion_records
			(id, project_id, opportunity_id, knowledge_base_id, raw_file_ref, content_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		rec.ID, rec.Parents.ProjectID, rec.Parents.OpportunityID, rec.Parents.KnowledgeBaseID,
		rec.RawFileRef, rec.ContentType, string(rec.Status),
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return apperrors.Newf(apperrors.ErrInvalidInput, 409, "record %s already exists", rec.ID)
		}
		return fmt.Errorf("inserting record %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (*ingestion.Record, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM ingestion_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, apperrors.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", id, err)
	}
	return rec, nil
}

// FindByJobID loads the record currently bound to an OCR job.
func (s *Store) FindByJobID(ctx context.Context, jobID string) (*ingestion.Record, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM ingestion_records WHERE job_id = $1`, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, apperrors.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading record for job %s: %w", jobID, err)
	}
	return rec, nil
}

// IsCancelled is the cancellation gate read.
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT status FROM ingestion_records WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("record %s: %w", id, apperrors.ErrRecordNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("reading status of %s: %w", id, err)
	}
	return ingestion.Status(status) == ingestion.StatusCancelled, nil
}

// Update applies d unconditionally.
func (s *Store) Update(ctx context.Context, id string, d ingestion.Delta) error {
	return s.update(ctx, id, d, false)
}

// UpdateUnlessCancelled applies d only while the record is not CANCELLED
// and returns ErrRecordCancelled otherwise.
func (s *Store) UpdateUnlessCancelled(ctx context.Context, id string, d ingestion.Delta) error {
	return s.update(ctx, id, d, true)
}

func (s *Store) update(ctx context.Context, id string, d ingestion.Delta, guarded bool) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("updating record %s: %w", id, err)
	}
	query, args := buildUpdate(id, d, guarded)
	res, err := s.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating record %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if !guarded {
		return fmt.Errorf("record %s: %w", id, apperrors.ErrRecordNotFound)
	}
	// Zero rows under the guard: either missing or cancelled.
	cancelled, err := s.IsCancelled(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		s.logger.Info("stage write skipped, record cancelled", "record_id", id)
		return fmt.Errorf("record %s: %w", id, apperrors.ErrRecordCancelled)
	}
	return fmt.Errorf("record %s: %w", id, apperrors.ErrRecordNotFound)
}

// buildUpdate renders d as a single UPDATE statement.
func buildUpdate(id string, d ingestion.Delta, guarded bool) (string, []any) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if d.Status != nil {
		set("status", string(*d.Status))
	}
	if d.Format != nil {
		set("format", string(*d.Format))
	}
	if d.ExtractedTextRef != nil {
		set("extracted_text_ref", *d.ExtractedTextRef)
	}
	if d.ErrorMessage != nil {
		set("error_message", *d.ErrorMessage)
	}
	if d.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if d.ExecutionRef != nil {
		set("execution_ref", nullable(*d.ExecutionRef))
	}
	if d.Job != nil {
		set("job_id", d.Job.JobID)
		set("continuation_token", d.Job.ContinuationToken)
	}
	if d.ClearJob {
		sets = append(sets, "job_id = NULL", "continuation_token = NULL")
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE ingestion_records SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if guarded {
		query += " AND status <> 'CANCELLED'"
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ingestion.Record, error) {
	var (
		rec                                              ingestion.Record
		extracted, format, jobID, token, errMsg, execRef sql.NullString
		status                                           string
	)
	err := row.Scan(
		&rec.ID, &rec.Parents.ProjectID, &rec.Parents.OpportunityID, &rec.Parents.KnowledgeBaseID,
		&rec.RawFileRef, &rec.ContentType,
		&extracted, &format, &status, &jobID, &token, &errMsg, &execRef,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ExtractedTextRef = extracted.String
	rec.Format = ingestion.Format(format.String)
	rec.Status = ingestion.Status(status)
	rec.JobID = jobID.String
	rec.ContinuationToken = token.String
	rec.ErrorMessage = errMsg.String
	rec.ExecutionRef = execRef.String
	return &rec, nil
}

// nullable converts a Go string to a sql.NullString, treating the empty
// string as NULL.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
