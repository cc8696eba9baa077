// Package validator checks stage and cancel requests before they reach the
// pipeline and reports every offending field at once.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
)

const (
	maxRecordRefLength   = 128
	maxRequestedByLength = 256
	maxJobIDLength       = 64
	maxFileRefLength     = 1024
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

type fields map[string]string

func (f fields) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: f}
}

func (f fields) recordRef(ref string) {
	switch {
	case strings.TrimSpace(ref) == "":
		f["record_ref"] = "record_ref is required"
	case len(ref) > maxRecordRefLength:
		f["record_ref"] = fmt.Sprintf("record_ref must be at most %d characters", maxRecordRefLength)
	case strings.ContainsAny(ref, "/?#"):
		f["record_ref"] = "record_ref must not contain '/', '?' or '#'"
	}
}

func (f fields) fileRef(ref string) {
	if len(ref) > maxFileRefLength {
		f["raw_file_ref"] = fmt.Sprintf("raw_file_ref must be at most %d characters", maxFileRefLength)
	}
}

func ValidateStart(in *ingestion.StartInput) error {
	f := fields{}
	f.recordRef(in.RecordRef)
	return f.err()
}

func ValidateExtract(in *ingestion.ExtractInput) error {
	f := fields{}
	f.recordRef(in.RecordRef)
	f.fileRef(in.RawFileRef)
	return f.err()
}

// ValidateLaunch leaves the continuation token alone: a missing token is a
// stage failure that must be recorded on the record, not a bad request.
func ValidateLaunch(in *ingestion.LaunchInput) error {
	f := fields{}
	f.recordRef(in.RecordRef)
	f.fileRef(in.RawFileRef)
	return f.err()
}

func ValidateRetrieve(in *ingestion.RetrieveInput) error {
	f := fields{}
	f.recordRef(in.RecordRef)
	switch {
	case strings.TrimSpace(in.JobID) == "":
		f["job_id"] = "job_id is required"
	case len(in.JobID) > maxJobIDLength:
		f["job_id"] = fmt.Sprintf("job_id must be at most %d characters", maxJobIDLength)
	}
	return f.err()
}

func ValidateCancel(in *ingestion.CancelInput) error {
	f := fields{}
	f.recordRef(in.RecordRef)
	by := strings.TrimSpace(in.RequestedBy)
	switch {
	case by == "":
		f["requested_by"] = "requested_by is required"
	case len(by) > maxRequestedByLength:
		f["requested_by"] = fmt.Sprintf("requested_by must be at most %d characters", maxRequestedByLength)
	}
	return f.err()
}
