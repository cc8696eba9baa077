package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/ocr"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const (
	machineARN = "arn:aws:states:us-east-1:123456789012:stateMachine:ingest"
	execARN    = "arn:aws:states:us-east-1:123456789012:execution:ingest:run-1"
)

type harness struct {
	store   *memStore
	objects *memObjects
	engine  *fakeEngine
	orch    *fakeOrchestrator
	events  *recordingEvents
	metrics *metrics.Metrics
	stages  *Stages
}

func newHarness(t *testing.T, recs ...ingestion.Record) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(recs...),
		objects: newMemObjects(),
		engine:  &fakeEngine{jobID: "job-1"},
		orch:    &fakeOrchestrator{identity: machineARN, execRef: execARN},
		events:  &recordingEvents{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.stages = New(Deps{
		Store:        h.store,
		Objects:      h.objects,
		Engine:       h.engine,
		Orchestrator: h.orch,
		Events:       h.events,
		Metrics:      h.metrics,
	}, Config{ExtractedPrefix: "extracted"})
	return h
}

func record(id, key, contentType string) ingestion.Record {
	return ingestion.Record{
		ID:          id,
		Parents:     ingestion.Parents{ProjectID: "p1"},
		RawFileRef:  key,
		ContentType: contentType,
		Status:      ingestion.StatusUploaded,
	}
}

func xlsx(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func assertPaired(t *testing.T, rec ingestion.Record) {
	t.Helper()
	assert.Equal(t, rec.JobID == "", rec.ContinuationToken == "", "job id %q and token %q must be paired", rec.JobID, rec.ContinuationToken)
}

func TestStartClassifiesAndClearsStaleJob(t *testing.T) {
	rec := record("r1", "raw/p1/RFP.PDF?X-Amz-Signature=abc", "application/pdf")
	rec.Status = ingestion.StatusFailed
	rec.JobID, rec.ContinuationToken = "old-job", "old-token"
	rec.ErrorMessage = "previous attempt"
	h := newHarness(t, rec)

	out, err := h.stages.Start(context.Background(), ingestion.StartInput{RecordRef: "r1", ExecutionRef: execARN})
	require.NoError(t, err)
	assert.Equal(t, ingestion.FormatPDF, out.Format)
	assert.Equal(t, "pdf", out.Ext)
	assert.Equal(t, ingestion.StatusStarted, out.Status)
	assert.Equal(t, ingestion.PathOCR, out.Path)

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusStarted, got.Status)
	assert.Equal(t, ingestion.FormatPDF, got.Format)
	assert.Equal(t, execARN, got.ExecutionRef)
	assert.Empty(t, got.JobID)
	assert.Empty(t, got.ErrorMessage)
	assertPaired(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StageInvocations.WithLabelValues(StageStart, outcomeOK)))
}

func TestStartUnknownFormatFailsWithoutError(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/notes.txt", "text/plain"))

	out, err := h.stages.Start(context.Background(), ingestion.StartInput{RecordRef: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.FormatUnknown, out.Format)
	assert.Equal(t, ingestion.StatusFailed, out.Status)
	assert.Equal(t, ingestion.PathNone, out.Path)

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusFailed, got.Status)
	assert.Equal(t, apperrors.ErrUnsupportedFormat.Error(), got.ErrorMessage)
	assert.Empty(t, h.engine.submitted)
	assert.Zero(t, h.objects.puts)
}

func TestStartKeepsExistingFormat(t *testing.T) {
	rec := record("r1", "raw/p1/file.bin", "")
	rec.Format = ingestion.FormatDOCX
	h := newHarness(t, rec)

	out, err := h.stages.Start(context.Background(), ingestion.StartInput{RecordRef: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.FormatDOCX, out.Format)
	assert.Equal(t, ingestion.PathOCR, out.Path)
	assert.Equal(t, ingestion.FormatDOCX, h.store.record("r1").Format)
}

func TestStartIntegrityFailures(t *testing.T) {
	h := newHarness(t, record("no-raw", "", "application/pdf"))

	_, err := h.stages.Start(context.Background(), ingestion.StartInput{RecordRef: "missing"})
	assert.ErrorIs(t, err, apperrors.ErrIntegrity)
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)

	_, err = h.stages.Start(context.Background(), ingestion.StartInput{RecordRef: "no-raw"})
	assert.ErrorIs(t, err, apperrors.ErrIntegrity)
	assert.Equal(t, ingestion.StatusFailed, h.store.record("no-raw").Status)
}

func TestStartLeavesCancelledRecordAlone(t *testing.T) {
	rec := record("r1", "raw/p1/a.pdf", "application/pdf")
	rec.Status = ingestion.StatusCancelled
	h := newHarness(t, rec)

	out, err := h.stages.Start(context.Background(), ingestion.StartInput{RecordRef: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusCancelled, out.Status)
	assert.Equal(t, ingestion.PathNone, out.Path)
	assert.Zero(t, h.store.updates)
}

func TestExtractSheetHappyPath(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/pricing.xlsx", ""))
	h.objects.objects["raw/p1/pricing.xlsx"] = xlsx(t, []any{"a", "b"}, []any{"c", "d"})
	ctx := context.Background()

	start, err := h.stages.Start(ctx, ingestion.StartInput{RecordRef: "r1"})
	require.NoError(t, err)
	require.Equal(t, ingestion.PathSheet, start.Path)

	out, err := h.stages.ExtractSheet(ctx, ingestion.ExtractInput{RecordRef: "r1", RawFileRef: "raw/p1/pricing.xlsx"})
	require.NoError(t, err)
	assert.False(t, out.Cancelled)
	assert.Equal(t, "extracted/p1/r1.txt", out.ExtractedTextRef)
	assert.Equal(t, "=== Sheet: Sheet1 ===\na\tb\nc\td", string(h.objects.objects[out.ExtractedTextRef]))

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusTextReady, got.Status)
	assert.Equal(t, out.ExtractedTextRef, got.ExtractedTextRef)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, "r1", h.events.events[0].RecordID)
	assert.Equal(t, ingestion.FormatXLSX, h.events.events[0].Format)
	assert.Equal(t, "p1", h.events.events[0].Parents.ProjectID)
}

func TestExtractSheetTruncatesAtBudget(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/big.xlsx", ""))
	h.stages.cfg.MaxSheetChars = 30
	h.objects.objects["raw/p1/big.xlsx"] = xlsx(t,
		[]any{strings.Repeat("x", 20)},
		[]any{strings.Repeat("y", 20)},
	)

	out, err := h.stages.ExtractSheet(context.Background(), ingestion.ExtractInput{RecordRef: "r1"})
	require.NoError(t, err)

	text := string(h.objects.objects[out.ExtractedTextRef])
	assert.True(t, strings.HasSuffix(text, "\n[TRUNCATED: output exceeded 30 characters]"), text)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SheetTruncations))
	assert.True(t, h.events.events[0].Truncated)
}

func TestExtractSheetCancelledBeforeWork(t *testing.T) {
	rec := record("r1", "raw/p1/pricing.xlsx", "")
	rec.Status = ingestion.StatusCancelled
	h := newHarness(t, rec)

	out, err := h.stages.ExtractSheet(context.Background(), ingestion.ExtractInput{RecordRef: "r1", RawFileRef: "raw/p1/pricing.xlsx"})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Zero(t, h.objects.puts)
	assert.Zero(t, h.store.updates)
	assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
}

func TestExtractSheetUsesInjectedGate(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/pricing.xlsx", ""))
	h.stages.gate = fakeGate{"r1": true}

	out, err := h.stages.ExtractSheet(context.Background(), ingestion.ExtractInput{RecordRef: "r1"})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Zero(t, h.objects.puts)
}

func TestExtractSheetParseFailureMarksFailed(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/legacy.xls", ""))
	h.objects.objects["raw/p1/legacy.xls"] = []byte("not a workbook")

	_, err := h.stages.ExtractSheet(context.Background(), ingestion.ExtractInput{RecordRef: "r1"})
	require.Error(t, err)

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Empty(t, got.ExtractedTextRef)
	assert.Zero(t, h.objects.puts)
}

func TestLaunchOCRRequiresContinuationToken(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/a.pdf", "application/pdf"))

	_, err := h.stages.LaunchOCR(context.Background(), ingestion.LaunchInput{RecordRef: "r1", ContinuationToken: "   "})
	assert.ErrorIs(t, err, apperrors.ErrMissingContinuationToken)
	assert.Empty(t, h.engine.submitted)

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusFailed, got.Status)
	assertPaired(t, got)
}

func TestLaunchOCRWithoutJobIDFails(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/a.pdf", "application/pdf"))
	h.engine.submitErr = apperrors.ErrNoJobID

	_, err := h.stages.LaunchOCR(context.Background(), ingestion.LaunchInput{RecordRef: "r1", ContinuationToken: "tok"})
	assert.ErrorIs(t, err, apperrors.ErrNoJobID)

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusFailed, got.Status)
	assert.Empty(t, got.JobID)
	assertPaired(t, got)
}

func TestLaunchOCRSkipsCancelledRecord(t *testing.T) {
	rec := record("r1", "raw/p1/a.pdf", "application/pdf")
	rec.Status = ingestion.StatusCancelled
	h := newHarness(t, rec)

	out, err := h.stages.LaunchOCR(context.Background(), ingestion.LaunchInput{RecordRef: "r1", ContinuationToken: "tok"})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Empty(t, h.engine.submitted)
}

func TestOCRHappyPath(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/rfp.pdf", "application/pdf"))
	h.engine.result = &ocr.Result{State: ocr.StateSucceeded, Text: "hello", Pages: 1}
	ctx := context.Background()

	start, err := h.stages.Start(ctx, ingestion.StartInput{RecordRef: "r1", ExecutionRef: execARN})
	require.NoError(t, err)
	assert.Equal(t, ingestion.FormatPDF, start.Format)
	assert.Equal(t, ingestion.StatusStarted, start.Status)

	launch, err := h.stages.LaunchOCR(ctx, ingestion.LaunchInput{RecordRef: "r1", RawFileRef: "raw/p1/rfp.pdf", ContinuationToken: " tok-1 "})
	require.NoError(t, err)
	assert.Equal(t, "job-1", launch.JobID)
	assert.Equal(t, ingestion.StatusOCRStarted, launch.Status)
	assert.Equal(t, []string{"raw/p1/rfp.pdf#r1"}, h.engine.submitted)

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusOCRStarted, got.Status)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "tok-1", got.ContinuationToken)

	out, err := h.stages.RetrieveOCR(ctx, ingestion.RetrieveInput{RecordRef: "r1", JobID: "job-1"})
	require.NoError(t, err)
	assert.False(t, out.Cancelled)
	assert.Equal(t, "hello", string(h.objects.objects[out.ExtractedTextRef]))

	got = h.store.record("r1")
	assert.Equal(t, ingestion.StatusTextReady, got.Status)
	assert.Equal(t, out.ExtractedTextRef, got.ExtractedTextRef)
	assert.Empty(t, got.JobID)
	assertPaired(t, got)
	require.Len(t, h.events.events, 1)
}

func TestRetrieveOCRIsIdempotent(t *testing.T) {
	rec := record("r1", "raw/p1/rfp.pdf", "application/pdf")
	rec.Status = ingestion.StatusOCRStarted
	rec.JobID, rec.ContinuationToken = "job-1", "tok-1"
	h := newHarness(t, rec)
	h.engine.result = &ocr.Result{State: ocr.StateSucceeded, Text: "hello"}
	in := ingestion.RetrieveInput{RecordRef: "r1", JobID: "job-1"}

	first, err := h.stages.RetrieveOCR(context.Background(), in)
	require.NoError(t, err)
	second, err := h.stages.RetrieveOCR(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.ExtractedTextRef, second.ExtractedTextRef)
	assert.Len(t, h.objects.objects, 1)
	assert.Equal(t, "hello", string(h.objects.objects[first.ExtractedTextRef]))
	assert.Equal(t, ingestion.StatusTextReady, h.store.record("r1").Status)
}

func TestRetrieveOCRFailurePath(t *testing.T) {
	rec := record("r1", "raw/p1/rfp.pdf", "application/pdf")
	rec.Status = ingestion.StatusOCRStarted
	rec.JobID, rec.ContinuationToken = "job-1", "tok-1"
	h := newHarness(t, rec)
	h.engine.result = &ocr.Result{State: "FAILED", Message: "unsupported document"}

	_, err := h.stages.RetrieveOCR(context.Background(), ingestion.RetrieveInput{RecordRef: "r1", JobID: "job-1"})
	require.ErrorIs(t, err, apperrors.ErrJobFailed)
	assert.Contains(t, err.Error(), "FAILED")

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "unsupported document")
	assert.Empty(t, got.ExtractedTextRef)
	assert.Zero(t, h.objects.puts)
	assertPaired(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StageInvocations.WithLabelValues(StageRetrieveOCR, outcomeFailed)))
}

func TestCancelWithoutExecution(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/a.pdf", "application/pdf"))

	for i := 0; i < 2; i++ {
		out, err := h.stages.Cancel(context.Background(), ingestion.CancelInput{RecordRef: "r1", RequestedBy: "alice"})
		require.NoError(t, err)
		assert.True(t, out.OK)
		assert.Equal(t, msgNoExecution, out.Message)
		assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
	}
	assert.Empty(t, h.orch.stopped)
}

func TestCancelStopsMatchingExecution(t *testing.T) {
	rec := record("r1", "raw/p1/a.pdf", "application/pdf")
	rec.Status = ingestion.StatusOCRStarted
	rec.ExecutionRef = execARN
	rec.JobID, rec.ContinuationToken = "job-1", "tok-1"
	h := newHarness(t, rec)

	out, err := h.stages.Cancel(context.Background(), ingestion.CancelInput{RecordRef: "r1", RequestedBy: "alice"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, msgStopped, out.Message)
	assert.Equal(t, []string{execARN}, h.orch.stopped)
	assert.Equal(t, []string{"cancelled by alice"}, h.orch.causes)
	assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
	assertPaired(t, h.store.record("r1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cancellations.WithLabelValues("stopped")))
}

func TestCancelIsIdempotentOnceExecutionIsGone(t *testing.T) {
	rec := record("r1", "raw/p1/a.pdf", "application/pdf")
	rec.ExecutionRef = execARN
	h := newHarness(t, rec)
	ctx := context.Background()

	_, err := h.stages.Cancel(ctx, ingestion.CancelInput{RecordRef: "r1", RequestedBy: "alice"})
	require.NoError(t, err)

	h.orch.stopErr = apperrors.ErrExecutionNotFound
	out, err := h.stages.Cancel(ctx, ingestion.CancelInput{RecordRef: "r1", RequestedBy: "alice"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, msgAlreadyFinished, out.Message)
	assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
}

func TestCancelConvergesWhenStopFails(t *testing.T) {
	rec := record("r1", "raw/p1/a.pdf", "application/pdf")
	rec.Status = ingestion.StatusTextReady
	rec.ExtractedTextRef = "extracted/p1/r1.txt"
	rec.ExecutionRef = execARN
	h := newHarness(t, rec)
	h.orch.stopErr = errors.New("throttled")

	out, err := h.stages.Cancel(context.Background(), ingestion.CancelInput{RecordRef: "r1", RequestedBy: "bob"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, msgStopFailed, out.Message)
	assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
}

func TestCancelRejectsForeignExecution(t *testing.T) {
	rec := record("r1", "raw/p1/a.pdf", "application/pdf")
	rec.Status = ingestion.StatusOCRStarted
	rec.ExecutionRef = "arn:aws:states:us-east-1:999999999999:execution:other:run-9"
	h := newHarness(t, rec)

	_, err := h.stages.Cancel(context.Background(), ingestion.CancelInput{RecordRef: "r1", RequestedBy: "mallory"})
	require.ErrorIs(t, err, apperrors.ErrExecutionMismatch)
	assert.Equal(t, 400, apperrors.HTTPStatusCode(err))
	assert.Empty(t, h.orch.stopped)
	assert.Equal(t, ingestion.StatusOCRStarted, h.store.record("r1").Status)
	assert.Zero(t, h.store.updates)
}

func TestCancelUnknownRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.stages.Cancel(context.Background(), ingestion.CancelInput{RecordRef: "nope", RequestedBy: "alice"})
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)
}

func TestLateRetrieveAfterCancelTouchesNothing(t *testing.T) {
	rec := record("r1", "raw/p1/rfp.pdf", "application/pdf")
	rec.Status = ingestion.StatusOCRStarted
	rec.ExecutionRef = execARN
	rec.JobID, rec.ContinuationToken = "job-1", "tok-1"
	h := newHarness(t, rec)
	h.engine.result = &ocr.Result{State: ocr.StateSucceeded, Text: "hello"}
	ctx := context.Background()

	_, err := h.stages.Cancel(ctx, ingestion.CancelInput{RecordRef: "r1", RequestedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{execARN}, h.orch.stopped)

	out, err := h.stages.RetrieveOCR(ctx, ingestion.RetrieveInput{RecordRef: "r1", JobID: "job-1"})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Zero(t, h.engine.gets)
	assert.Zero(t, h.objects.puts)
	assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
}

func TestGuardedWriteKeepsCancelledTerminal(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/pricing.xlsx", ""))
	h.objects.objects["raw/p1/pricing.xlsx"] = xlsx(t, []any{"a"})
	h.stages.gate = fakeGate{}
	h.store.setStatus("r1", ingestion.StatusCancelled)

	out, err := h.stages.ExtractSheet(context.Background(), ingestion.ExtractInput{RecordRef: "r1"})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
	assert.Empty(t, h.events.events)
}

func TestPublishFailureDoesNotFailStage(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/pricing.xlsx", ""))
	h.objects.objects["raw/p1/pricing.xlsx"] = xlsx(t, []any{"a"})
	h.events.err = errors.New("broker down")

	_, err := h.stages.ExtractSheet(context.Background(), ingestion.ExtractInput{RecordRef: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusTextReady, h.store.record("r1").Status)
}

func TestProcessRecordsExecutionSoCancelStopsIt(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/rfp.pdf", "application/pdf"))
	h.engine.result = &ocr.Result{State: ocr.StateSucceeded, Text: "hello"}
	ctx := context.Background()

	out, err := h.stages.Process(ctx, ingestion.StartInput{RecordRef: "r1"})
	require.NoError(t, err)
	assert.Equal(t, &ingestion.ProcessOutput{RecordID: "r1", ExecutionRef: execARN}, out)
	assert.Equal(t, []string{"r1"}, h.orch.started)

	// A state machine passes only the record ref to the stages.
	_, err = h.stages.Start(ctx, ingestion.StartInput{RecordRef: "r1"})
	require.NoError(t, err)
	_, err = h.stages.LaunchOCR(ctx, ingestion.LaunchInput{RecordRef: "r1", ContinuationToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, execARN, h.store.record("r1").ExecutionRef)

	cancel, err := h.stages.Cancel(ctx, ingestion.CancelInput{RecordRef: "r1", RequestedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, msgStopped, cancel.Message)
	assert.Equal(t, []string{execARN}, h.orch.stopped)
	assert.Equal(t, ingestion.StatusCancelled, h.store.record("r1").Status)
}

func TestProcessStopsExecutionWhenCancelWins(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/rfp.pdf", "application/pdf"))
	h.orch.onStart = func() { h.store.setStatus("r1", ingestion.StatusCancelled) }

	_, err := h.stages.Process(context.Background(), ingestion.StartInput{RecordRef: "r1"})
	require.ErrorIs(t, err, apperrors.ErrRecordCancelled)
	assert.Equal(t, []string{execARN}, h.orch.stopped)
	assert.Empty(t, h.store.record("r1").ExecutionRef)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StageInvocations.WithLabelValues(StageProcess, outcomeCancelled)))
}

func TestProcessRejectsCancelledAndUnknownRecords(t *testing.T) {
	rec := record("r1", "raw/p1/rfp.pdf", "application/pdf")
	rec.Status = ingestion.StatusCancelled
	h := newHarness(t, rec)

	_, err := h.stages.Process(context.Background(), ingestion.StartInput{RecordRef: "r1"})
	assert.ErrorIs(t, err, apperrors.ErrRecordCancelled)
	_, err = h.stages.Process(context.Background(), ingestion.StartInput{RecordRef: "missing"})
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)
	assert.Empty(t, h.orch.started)
}

func TestProcessWithoutOrchestrator(t *testing.T) {
	stages := New(Deps{Store: newMemStore(record("r1", "raw/p1/rfp.pdf", "application/pdf"))}, Config{})

	_, err := stages.Process(context.Background(), ingestion.StartInput{RecordRef: "r1"})
	assert.ErrorIs(t, err, apperrors.ErrNotImplemented)
	assert.Equal(t, 501, apperrors.HTTPStatusCode(err))
}

func TestLaunchOCRBindingFailureMarksFailed(t *testing.T) {
	h := newHarness(t, record("r1", "raw/p1/rfp.pdf", "application/pdf"))
	errDB := errors.New("connection reset")
	h.store.updateErr, h.store.failUpdates = errDB, 1

	_, err := h.stages.LaunchOCR(context.Background(), ingestion.LaunchInput{RecordRef: "r1", ContinuationToken: "tok-1"})
	require.ErrorIs(t, err, errDB)

	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "binding job job-1")
	assert.Empty(t, got.JobID)
	assertPaired(t, got)
}

func TestRetrieveOCRIgnoresSupersededJob(t *testing.T) {
	rec := record("r1", "raw/p1/rfp.pdf", "application/pdf")
	rec.Status = ingestion.StatusOCRStarted
	rec.JobID, rec.ContinuationToken = "job-2", "tok-2"
	h := newHarness(t, rec)
	h.engine.result = &ocr.Result{State: ocr.StateSucceeded, Text: "old attempt"}

	_, err := h.stages.RetrieveOCR(context.Background(), ingestion.RetrieveInput{RecordRef: "r1", JobID: "job-1"})
	require.ErrorIs(t, err, apperrors.ErrStaleJob)

	assert.Zero(t, h.engine.gets)
	assert.Zero(t, h.objects.puts)
	got := h.store.record("r1")
	assert.Equal(t, ingestion.StatusOCRStarted, got.Status)
	assert.Equal(t, "job-2", got.JobID)
	assert.Empty(t, got.ErrorMessage)
}
