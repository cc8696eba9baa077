// Package handler exposes the pipeline over HTTP: one endpoint per stage for
// an orchestrator that calls tasks over HTTP, plus record status, cancel
// and process endpoints for users.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/logger"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

type Stages interface {
	Start(ctx context.Context, in ingestion.StartInput) (*ingestion.StartOutput, error)
	ExtractSheet(ctx context.Context, in ingestion.ExtractInput) (*ingestion.ExtractOutput, error)
	LaunchOCR(ctx context.Context, in ingestion.LaunchInput) (*ingestion.LaunchOutput, error)
	RetrieveOCR(ctx context.Context, in ingestion.RetrieveInput) (*ingestion.RetrieveOutput, error)
	Cancel(ctx context.Context, in ingestion.CancelInput) (*ingestion.CancelOutput, error)
	Process(ctx context.Context, in ingestion.StartInput) (*ingestion.ProcessOutput, error)
}

type RecordReader interface {
	Get(ctx context.Context, id string) (*ingestion.Record, error)
}

type Handler struct {
	stages  Stages
	records RecordReader
	logger  *slog.Logger
}

func New(stages Stages, records RecordReader) *Handler {
	return &Handler{
		stages:  stages,
		records: records,
		logger:  slog.Default().With("component", "ingestion-handler"),
	}
}

type cancelRequest struct {
	RequestedBy string `json:"requested_by"`
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	runStage(h, w, r, validator.ValidateStart, h.stages.Start)
}

func (h *Handler) ExtractSheet(w http.ResponseWriter, r *http.Request) {
	runStage(h, w, r, validator.ValidateExtract, h.stages.ExtractSheet)
}

func (h *Handler) LaunchOCR(w http.ResponseWriter, r *http.Request) {
	runStage(h, w, r, validator.ValidateLaunch, h.stages.LaunchOCR)
}

func (h *Handler) RetrieveOCR(w http.ResponseWriter, r *http.Request) {
	runStage(h, w, r, validator.ValidateRetrieve, h.stages.RetrieveOCR)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ingestion.CancelInput{RecordRef: chi.URLParam(r, "recordID"), RequestedBy: req.RequestedBy}
	if !h.validate(w, validator.ValidateCancel(&in)) {
		return
	}
	out, err := h.stages.Cancel(logger.WithRecordID(r.Context(), in.RecordRef), in)
	if err != nil {
		h.writeAppError(w, r, "cancel", err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recordID")
	rec, err := h.records.Get(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, "get record", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// Process starts an execution for the record and answers 202 with its ref.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	in := ingestion.StartInput{RecordRef: chi.URLParam(r, "recordID")}
	if !h.validate(w, validator.ValidateStart(&in)) {
		return
	}
	out, err := h.stages.Process(logger.WithRecordID(r.Context(), in.RecordRef), in)
	if err != nil {
		h.writeAppError(w, r, "process", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, out)
}

// runStage decodes In, validates it, runs the stage and writes Out.
func runStage[In, Out any](h *Handler, w http.ResponseWriter, r *http.Request, validate func(*In) error, run func(context.Context, In) (*Out, error)) {
	var in In
	if !h.decode(w, r, &in) {
		return
	}
	if !h.validate(w, validate(&in)) {
		return
	}
	out, err := run(r.Context(), in)
	if err != nil {
		h.writeAppError(w, r, "stage", err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) validate(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return false
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
	return false
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, op string, err error) {
	statusCode := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	msg := err.Error()
	if statusCode >= http.StatusInternalServerError && statusCode != http.StatusBadGateway {
		log.Error(op+" failed", "error", err, "status_code", statusCode)
		if statusCode == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		log.Warn(op+" rejected", "error", err, "status_code", statusCode)
	}
	h.writeError(w, statusCode, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
