package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/ocr"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
)

// memStore fails the next failUpdates writes with updateErr.
type memStore struct {
	mu          sync.Mutex
	records     map[string]ingestion.Record
	updates     int
	updateErr   error
	failUpdates int
}

func newMemStore(recs ...ingestion.Record) *memStore {
	s := &memStore{records: make(map[string]ingestion.Record)}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *memStore) Get(_ context.Context, id string) (*ingestion.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, apperrors.ErrRecordNotFound)
	}
	return &r, nil
}

func (s *memStore) Update(_ context.Context, id string, d ingestion.Delta) error {
	return s.update(id, d, false)
}

func (s *memStore) UpdateUnlessCancelled(_ context.Context, id string, d ingestion.Delta) error {
	return s.update(id, d, true)
}

func (s *memStore) update(id string, d ingestion.Delta, guarded bool) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return s.updateErr
	}
	r, ok := s.records[id]
	if !ok {
		return apperrors.ErrRecordNotFound
	}
	if guarded && r.Status == ingestion.StatusCancelled {
		return apperrors.ErrRecordCancelled
	}
	s.records[id] = d.Apply(r)
	s.updates++
	return nil
}

func (s *memStore) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, apperrors.ErrRecordNotFound
	}
	return r.Status == ingestion.StatusCancelled, nil
}

func (s *memStore) record(id string) ingestion.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memStore) setStatus(id string, status ingestion.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	r.Status = status
	s.records[id] = r
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	getErr  error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (o *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.getErr != nil {
		return nil, o.getErr
	}
	b, ok := o.objects[key]
	if !ok {
		return nil, apperrors.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (o *memObjects) Put(_ context.Context, key string, body []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = append([]byte(nil), body...)
	o.puts++
	return nil
}

type fakeEngine struct {
	jobID     string
	submitErr error
	submitted []string
	result    *ocr.Result
	gets      int
}

func (e *fakeEngine) SubmitJob(_ context.Context, fileKey, tag string) (string, error) {
	e.submitted = append(e.submitted, fileKey+"#"+tag)
	if e.submitErr != nil {
		return "", e.submitErr
	}
	return e.jobID, nil
}

func (e *fakeEngine) GetResult(_ context.Context, _ string) (*ocr.Result, error) {
	e.gets++
	return e.result, nil
}

type fakeOrchestrator struct {
	identity string
	execRef  string
	startErr error
	onStart  func()
	started  []string
	stopErr  error
	stopped  []string
	causes   []string
}

func (o *fakeOrchestrator) StartExecution(_ context.Context, recordRef string) (string, error) {
	o.started = append(o.started, recordRef)
	if o.onStart != nil {
		o.onStart()
	}
	if o.startErr != nil {
		return "", o.startErr
	}
	return o.execRef, nil
}

func (o *fakeOrchestrator) StopExecution(_ context.Context, ref, cause string) error {
	o.stopped = append(o.stopped, ref)
	o.causes = append(o.causes, cause)
	return o.stopErr
}

func (o *fakeOrchestrator) Identity() string { return o.identity }

type fakeGate map[string]bool

func (g fakeGate) IsCancelled(_ context.Context, id string) (bool, error) {
	return g[id], nil
}

type recordingEvents struct {
	events []*ingestion.TextReadyEvent
	err    error
}

func (r *recordingEvents) PublishTextReady(_ context.Context, ev *ingestion.TextReadyEvent) error {
	r.events = append(r.events, ev)
	return r.err
}
