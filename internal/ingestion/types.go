// Package ingestion defines the ingestion record, its status state machine,
// the typed deltas stages apply to it, the stage request/response types and
// the Kafka event schemas used by the text-extraction pipeline.
package ingestion

import (
	"errors"
	"time"
)

// Format is the classified document format of an uploaded file.
type Format string

const (
	FormatPDF     Format = "PDF"
	FormatDOCX    Format = "DOCX"
	FormatXLSX    Format = "XLSX"
	FormatUnknown Format = "UNKNOWN"
)

// Status is the position of a record in the extraction state machine.
//
//	UPLOADED -> STARTED -> TEXT_READY                  (spreadsheet path)
//	UPLOADED -> STARTED -> OCR_STARTED -> TEXT_READY   (OCR path)
//	any -> FAILED, any -> CANCELLED
//
// CANCELLED is terminal: no stage moves a record out of it.
type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusStarted    Status = "STARTED"
	StatusOCRStarted Status = "OCR_STARTED"
	StatusTextReady  Status = "TEXT_READY"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further stage work is expected.
func (s Status) Terminal() bool {
	return s == StatusTextReady || s == StatusFailed || s == StatusCancelled
}

// Path is the branch the orchestrator takes after the start stage.
type Path string

const (
	PathSheet Path = "sheet"
	PathOCR   Path = "ocr"
	PathNone  Path = "none"
)

// Parents are the identifiers of the work items owning a record.
type Parents struct {
	ProjectID       string `json:"project_id,omitempty"`
	OpportunityID   string `json:"opportunity_id,omitempty"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
}

// Record is the persisted per-file ingestion state. JobID and
// ContinuationToken are either both set or both empty.
type Record struct {
	ID                string    `json:"id"`
	Parents           Parents   `json:"parents"`
	RawFileRef        string    `json:"raw_file_ref"`
	ContentType       string    `json:"content_type,omitempty"`
	ExtractedTextRef  string    `json:"extracted_text_ref,omitempty"`
	Format            Format    `json:"format,omitempty"`
	Status            Status    `json:"status"`
	JobID             string    `json:"job_id,omitempty"`
	ContinuationToken string    `json:"-"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	ExecutionRef      string    `json:"execution_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// JobBinding ties an OCR job to the continuation token the orchestrator
// parked the workflow on. The two are only ever written together.
type JobBinding struct {
	JobID             string
	ContinuationToken string
}

// Delta is a typed partial update of a Record. Nil fields are left as they
// are; ClearJob removes the job binding and ClearError the error message.
type Delta struct {
	Status           *Status
	Format           *Format
	ExtractedTextRef *string
	ErrorMessage     *string
	ExecutionRef     *string
	Job              *JobBinding
	ClearJob         bool
	ClearError       bool
}

var errConflictingDelta = errors.New("delta both sets and clears the same field")

// Validate rejects deltas that would break the job/token pairing or are
// self-contradictory.
func (d Delta) Validate() error {
	if d.Job != nil && d.ClearJob {
		return errConflictingDelta
	}
	if d.ErrorMessage != nil && d.ClearError {
		return errConflictingDelta
	}
	if d.Job != nil && (d.Job.JobID == "" || d.Job.ContinuationToken == "") {
		return errors.New("job binding needs both job id and continuation token")
	}
	return nil
}

// Empty reports whether applying d would change nothing.
func (d Delta) Empty() bool {
	return d.Status == nil && d.Format == nil && d.ExtractedTextRef == nil &&
		d.ErrorMessage == nil && d.ExecutionRef == nil && d.Job == nil &&
		!d.ClearJob && !d.ClearError
}

// Apply returns a copy of r with d applied. Stores use it to keep in-memory
// state in step with what they persisted.
func (d Delta) Apply(r Record) Record {
	if d.Status != nil {
		r.Status = *d.Status
	}
	if d.Format != nil {
		r.Format = *d.Format
	}
	if d.ExtractedTextRef != nil {
		r.ExtractedTextRef = *d.ExtractedTextRef
	}
	if d.ErrorMessage != nil {
		r.ErrorMessage = *d.ErrorMessage
	}
	if d.ClearError {
		r.ErrorMessage = ""
	}
	if d.ExecutionRef != nil {
		r.ExecutionRef = *d.ExecutionRef
	}
	if d.Job != nil {
		r.JobID = d.Job.JobID
		r.ContinuationToken = d.Job.ContinuationToken
	}
	if d.ClearJob {
		r.JobID = ""
		r.ContinuationToken = ""
	}
	return r
}

// Ptr is a small helper for building deltas from literals.
func Ptr[T any](v T) *T {
	return &v
}

// StartInput is the request accepted by the start stage.
type StartInput struct {
	RecordRef    string `json:"record_ref"`
	ExecutionRef string `json:"execution_ref,omitempty"`
}

// StartOutput tells the orchestrator which branch to take.
type StartOutput struct {
	Format Format `json:"format"`
	Ext    string `json:"ext"`
	Status Status `json:"status"`
	Path   Path   `json:"path"`
}

// ExtractInput is the request accepted by the spreadsheet extraction stage.
type ExtractInput struct {
	RecordRef  string `json:"record_ref"`
	RawFileRef string `json:"raw_file_ref"`
}

// ExtractOutput is returned by the spreadsheet extraction stage.
type ExtractOutput struct {
	ExtractedTextRef string `json:"extracted_text_ref,omitempty"`
	Cancelled        bool   `json:"cancelled"`
}

// LaunchInput is the request accepted by the OCR launch stage. The
// orchestrator supplies the token it will wait on.
type LaunchInput struct {
	RecordRef         string `json:"record_ref"`
	RawFileRef        string `json:"raw_file_ref"`
	ContinuationToken string `json:"continuation_token"`
}

// LaunchOutput is returned by the OCR launch stage.
type LaunchOutput struct {
	JobID     string `json:"job_id,omitempty"`
	Status    Status `json:"status"`
	Cancelled bool   `json:"cancelled"`
}

// RetrieveInput is the request accepted by the OCR result stage. It is also
// the payload the orchestrator is resumed with.
type RetrieveInput struct {
	RecordRef string `json:"record_ref"`
	JobID     string `json:"job_id"`
}

// RetrieveOutput is returned by the OCR result stage.
type RetrieveOutput struct {
	ExtractedTextRef string `json:"extracted_text_ref,omitempty"`
	Cancelled        bool   `json:"cancelled"`
}

// ProcessOutput identifies the execution started for a record.
type ProcessOutput struct {
	RecordID     string `json:"record_id"`
	ExecutionRef string `json:"execution_ref"`
}

// CancelInput is the user-facing stop request.
type CancelInput struct {
	RecordRef   string `json:"record_ref"`
	RequestedBy string `json:"requested_by"`
}

// CancelOutput always reports OK unless the request was rejected.
type CancelOutput struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// OCRCompletion is the completion notification the OCR engine publishes
// (relayed onto Kafka) when an asynchronous job reaches a terminal state.
type OCRCompletion struct {
	JobID            string           `json:"JobId"`
	Status           string           `json:"Status"`
	API              string           `json:"API"`
	JobTag           string           `json:"JobTag"`
	Timestamp        int64            `json:"Timestamp"`
	DocumentLocation DocumentLocation `json:"DocumentLocation"`
}

// DocumentLocation identifies the object the OCR job read.
type DocumentLocation struct {
	S3ObjectName string `json:"S3ObjectName"`
	S3Bucket     string `json:"S3Bucket"`
}

// TextReadyEvent is published once a record reaches TEXT_READY so
// downstream chunking can pick the text up.
type TextReadyEvent struct {
	RecordID         string    `json:"record_id"`
	Parents          Parents   `json:"parents"`
	Format           Format    `json:"format"`
	ExtractedTextRef string    `json:"extracted_text_ref"`
	Truncated        bool      `json:"truncated,omitempty"`
	ReadyAt          time.Time `json:"ready_at"`
}
