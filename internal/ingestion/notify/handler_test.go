package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// finder indexes records by job id; records with no job yet sit under "".
type finder map[string]*ingestion.Record

func (f finder) FindByJobID(_ context.Context, jobID string) (*ingestion.Record, error) {
	rec, ok := f[jobID]
	if !ok || jobID == "" {
		return nil, apperrors.ErrRecordNotFound
	}
	return rec, nil
}

func (f finder) Get(_ context.Context, id string) (*ingestion.Record, error) {
	for _, rec := range f {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, apperrors.ErrRecordNotFound
}

type resumeCall struct {
	token  string
	output any
}

type fakeResumer struct {
	calls []resumeCall
	err   error
}

func (r *fakeResumer) ResumeTask(_ context.Context, token string, output any) error {
	r.calls = append(r.calls, resumeCall{token, output})
	return r.err
}

type memDedupe struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (d *memDedupe) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

func (d *memDedupe) Del(_ context.Context, keys ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.keys, k)
	}
	return nil
}

func waiting() finder {
	return finder{"job-1": {
		ID:                "r1",
		Status:            ingestion.StatusOCRStarted,
		JobID:             "job-1",
		ContinuationToken: "tok-1",
	}}
}

func message(t *testing.T, jobID, status string) []byte {
	t.Helper()
	b, err := json.Marshal(ingestion.OCRCompletion{
		JobID:  jobID,
		Status: status,
		API:    "StartDocumentTextDetection",
		JobTag: "r1",
	})
	require.NoError(t, err)
	return b
}

func TestHandleResumesOnce(t *testing.T) {
	resumer := &fakeResumer{}
	m := metrics.New(prometheus.NewRegistry())
	h := New(waiting(), resumer, &memDedupe{keys: map[string]bool{}}, time.Hour, m)
	msg := message(t, "job-1", "SUCCEEDED")

	require.NoError(t, h.Handle(context.Background(), nil, msg))
	require.NoError(t, h.Handle(context.Background(), nil, msg))

	require.Len(t, resumer.calls, 1)
	assert.Equal(t, "tok-1", resumer.calls[0].token)
	assert.Equal(t, ingestion.RetrieveInput{RecordRef: "r1", JobID: "job-1"}, resumer.calls[0].output)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("resumed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("duplicate")))
}

func TestHandleFailedJobStillResumes(t *testing.T) {
	resumer := &fakeResumer{}
	h := New(waiting(), resumer, nil, 0, nil)

	require.NoError(t, h.Handle(context.Background(), nil, message(t, "job-1", "FAILED")))
	assert.Len(t, resumer.calls, 1)
}

func TestHandleSkipsStaleNotifications(t *testing.T) {
	records := waiting()
	records["job-2"] = &ingestion.Record{ID: "r2", Status: ingestion.StatusCancelled, JobID: "job-2", ContinuationToken: "tok-2"}
	resumer := &fakeResumer{}
	h := New(records, resumer, nil, 0, nil)

	require.NoError(t, h.Handle(context.Background(), nil, message(t, "unknown", "SUCCEEDED")))
	require.NoError(t, h.Handle(context.Background(), nil, message(t, "job-2", "SUCCEEDED")))
	assert.Empty(t, resumer.calls)
}

func TestHandleDropsStoppedExecutions(t *testing.T) {
	resumer := &fakeResumer{err: apperrors.ErrTaskNotFound}
	h := New(waiting(), resumer, nil, 0, nil)
	assert.NoError(t, h.Handle(context.Background(), nil, message(t, "job-1", "SUCCEEDED")))
}

func TestHandleReturnsResumeErrorsForRedelivery(t *testing.T) {
	dedupe := &memDedupe{keys: map[string]bool{}}
	resumer := &fakeResumer{err: errors.New("throttled")}
	h := New(waiting(), resumer, dedupe, time.Hour, nil)
	msg := message(t, "job-1", "SUCCEEDED")

	require.Error(t, h.Handle(context.Background(), nil, msg))
	assert.Empty(t, dedupe.keys)

	resumer.err = nil
	require.NoError(t, h.Handle(context.Background(), nil, msg))
	assert.Len(t, resumer.calls, 2)
}

func TestHandleDecodesSNSEnvelope(t *testing.T) {
	resumer := &fakeResumer{}
	h := New(waiting(), resumer, nil, 0, nil)
	env, err := json.Marshal(snsEnvelope{Type: "Notification", Message: string(message(t, "job-1", "SUCCEEDED"))})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), nil, env))
	assert.Len(t, resumer.calls, 1)
}

func TestHandleDropsPoisonMessages(t *testing.T) {
	resumer := &fakeResumer{}
	h := New(waiting(), resumer, nil, 0, nil)

	assert.NoError(t, h.Handle(context.Background(), nil, []byte("{not json")))
	assert.NoError(t, h.Handle(context.Background(), nil, []byte(`{"Status":"SUCCEEDED"}`)))
	assert.Empty(t, resumer.calls)
}

func TestHandleRedeliversCompletionThatBeatsJobBinding(t *testing.T) {
	records := finder{"": {ID: "r1", Status: ingestion.StatusStarted}}
	dedupe := &memDedupe{keys: map[string]bool{}}
	resumer := &fakeResumer{}
	m := metrics.New(prometheus.NewRegistry())
	h := New(records, resumer, dedupe, time.Hour, m)
	msg := message(t, "job-1", "SUCCEEDED")

	err := h.Handle(context.Background(), nil, msg)
	require.ErrorIs(t, err, ErrLaunchInFlight)
	assert.Empty(t, resumer.calls)
	assert.Empty(t, dedupe.keys)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("pending")))

	delete(records, "")
	records["job-1"] = &ingestion.Record{ID: "r1", Status: ingestion.StatusOCRStarted, JobID: "job-1", ContinuationToken: "tok-1"}

	require.NoError(t, h.Handle(context.Background(), nil, msg))
	require.Len(t, resumer.calls, 1)
	assert.Equal(t, "tok-1", resumer.calls[0].token)
}

func TestHandleIgnoresUnboundJobOfSettledRecord(t *testing.T) {
	for _, status := range []ingestion.Status{ingestion.StatusOCRStarted, ingestion.StatusFailed, ingestion.StatusCancelled} {
		records := finder{"job-2": {ID: "r1", Status: status, JobID: "job-2", ContinuationToken: "tok-2"}}
		resumer := &fakeResumer{}
		h := New(records, resumer, nil, 0, nil)

		assert.NoError(t, h.Handle(context.Background(), nil, message(t, "job-1", "SUCCEEDED")), status)
		assert.Empty(t, resumer.calls, status)
	}
}
