package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/storage"
)

type mockConfirmer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockConfirmer) ConfirmAction(_ context.Context, channelID, exchangeID string, index int, _ action.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, channelID+"/"+action.Key(exchangeID, index))
	return m.err
}

type mockRecorder struct {
	got []Request
}

func (m *mockRecorder) RecordConfirmed(req Request) { m.got = append(m.got, req) }

var errPermanent = errors.New("gone")

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRequest() Request {
	return Request{
		ChannelID:  "ch1",
		ExchangeID: "e1",
		Index:      1,
		Action:     action.Action{Kind: action.KindCreatePaper, Type: "create_paper", Payload: json.RawMessage(`{"title":"T"}`)},
	}
}

func TestWorker_ConfirmsAndRecords(t *testing.T) {
	store := openTestStore(t)
	q := NewQueue(store)
	if _, err := q.Enqueue(testRequest()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	inflight, err := q.InFlight()
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if !inflight["e1:1"] {
		t.Errorf("InFlight = %v, want e1:1", inflight)
	}

	conf := &mockConfirmer{}
	rec := &mockRecorder{}
	w := NewWorker(store, conf, rec, 0, nil, nil)

	worked, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !worked {
		t.Fatal("RunOnce did not process the job")
	}
	if len(conf.calls) != 1 || conf.calls[0] != "ch1/e1:1" {
		t.Errorf("calls = %v", conf.calls)
	}
	if len(rec.got) != 1 || rec.got[0].Action.Kind != action.KindCreatePaper {
		t.Errorf("recorded = %+v", rec.got)
	}

	inflight, _ = q.InFlight()
	if len(inflight) != 0 {
		t.Errorf("InFlight after completion = %v", inflight)
	}

	worked, err = w.RunOnce(context.Background())
	if err != nil || worked {
		t.Errorf("RunOnce on empty queue = (%v, %v), want (false, nil)", worked, err)
	}
}

func TestWorker_FailureIsRetriedNotRecorded(t *testing.T) {
	store := openTestStore(t)
	NewQueue(store).Enqueue(testRequest())

	rec := &mockRecorder{}
	w := NewWorker(store, &mockConfirmer{err: errors.New("502")}, rec, 0, nil, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(rec.got) != 0 {
		t.Error("failed confirmation must not be recorded")
	}

	jobs, err := store.ListJobs(JobType, storage.JobPending)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 1 {
		t.Errorf("jobs = %+v, want one pending retry", jobs)
	}
}

func TestWorker_PermanentFailureStops(t *testing.T) {
	store := openTestStore(t)
	NewQueue(store).Enqueue(testRequest())

	isPermanent := func(err error) bool { return errors.Is(err, errPermanent) }
	w := NewWorker(store, &mockConfirmer{err: errPermanent}, nil, 0, isPermanent, nil)
	w.RunOnce(context.Background())

	failed, _ := store.ListJobs(JobType, storage.JobFailed)
	if len(failed) != 1 {
		t.Errorf("failed jobs = %+v, want 1", failed)
	}
}

func TestQueue_DedupesActiveConfirmation(t *testing.T) {
	store := openTestStore(t)
	q := NewQueue(store)
	id1, _ := q.Enqueue(testRequest())
	id2, _ := q.Enqueue(testRequest())
	if id1 != id2 {
		t.Errorf("second enqueue created %s, want existing %s", id2, id1)
	}
}
