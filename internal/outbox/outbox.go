package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/storage"
)

// JobType is the job queue type of action confirmations.
const JobType = "action_confirm"

// Request is a queued confirmation of one suggested action.
type Request struct {
	ChannelID  string        `json:"channel_id"`
	ExchangeID string        `json:"exchange_id"`
	Index      int           `json:"index"`
	Action     action.Action `json:"action"`
}

func (r Request) Key() string {
	return action.Key(r.ExchangeID, r.Index)
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) (string, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id, errMsg string, permanent bool) error
	ListJobs(jobType string, statuses ...string) ([]storage.Job, error)
}

// Confirmer sends a confirmation to the server.
type Confirmer interface {
	ConfirmAction(ctx context.Context, channelID, exchangeID string, index int, a action.Action) error
}

// Recorder is told about confirmations the server accepted.
type Recorder interface {
	RecordConfirmed(req Request)
}

// Queue enqueues confirmations.
type Queue struct {
	store JobStore
}

func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

// Enqueue queues a confirmation. Confirming the same action twice while the
// first job is still active returns the existing job id.
func (q *Queue) Enqueue(req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling confirmation: %w", err)
	}
	id, err := q.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		DedupeKey:   req.Key(),
		PayloadJSON: string(payload),
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing confirmation: %w", err)
	}
	return id, nil
}

// InFlight returns the keys of confirmations that are queued or running.
func (q *Queue) InFlight() (map[string]bool, error) {
	jobs, err := q.store.ListJobs(JobType, storage.JobPending, storage.JobRunning)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		keys[j.DedupeKey] = true
	}
	return keys, nil
}

// Worker delivers queued confirmations to the server.
type Worker struct {
	store     JobStore
	confirmer Confirmer
	recorder  Recorder
	poll      time.Duration
	logger    *zap.Logger

	isPermanent func(error) bool
}

// NewWorker creates a Worker. If poll is <= 0 it defaults to one second.
// isPermanent classifies errors that must not be retried; nil retries every
// failure.
func NewWorker(store JobStore, confirmer Confirmer, recorder Recorder, poll time.Duration, isPermanent func(error) bool, logger *zap.Logger) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if isPermanent == nil {
		isPermanent = func(error) bool { return false }
	}
	return &Worker{
		store:       store,
		confirmer:   confirmer,
		recorder:    recorder,
		poll:        poll,
		logger:      logger.Named("outbox"),
		isPermanent: isPermanent,
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		worked, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox iteration failed", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes one confirmation. It reports whether a job
// was processed, successfully or not.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	req, err := w.process(ctx, job)
	if err != nil {
		permanent := w.isPermanent(err)
		w.logger.Warn("confirmation failed", zap.String("job", job.ID), zap.Bool("permanent", permanent), zap.Error(err))
		if ferr := w.store.FailJob(job.ID, err.Error(), permanent); ferr != nil {
			w.logger.Error("marking job failed", zap.String("job", job.ID), zap.Error(ferr))
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	if w.recorder != nil {
		w.recorder.RecordConfirmed(req)
	}
	w.logger.Info("action confirmed", zap.String("key", req.Key()))
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
		return Request{}, fmt.Errorf("parsing payload: %w", err)
	}
	if err := w.confirmer.ConfirmAction(ctx, req.ChannelID, req.ExchangeID, req.Index, req.Action); err != nil {
		return Request{}, fmt.Errorf("confirming %s: %w", req.Key(), err)
	}
	return req, nil
}
