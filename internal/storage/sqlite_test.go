package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)
	for _, table := range []string{"applied_actions", "channel_sessions", "jobs"} {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count); err != nil {
			t.Fatalf("querying sqlite_master: %v", err)
		}
		if count != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestLedger(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"e1:0", "e1:1", "e1:0"} {
		if err := s.MarkActionApplied("ch1", "e1", k); err != nil {
			t.Fatalf("MarkActionApplied(%s): %v", k, err)
		}
	}
	if err := s.MarkActionApplied("ch2", "e9", "e9:0"); err != nil {
		t.Fatalf("MarkActionApplied: %v", err)
	}

	got, err := s.AppliedActionKeys("ch1")
	if err != nil {
		t.Fatalf("AppliedActionKeys: %v", err)
	}
	if len(got) != 1 || len(got["e1"]) != 2 {
		t.Errorf("keys = %v, want e1 with two keys", got)
	}
	if _, ok := got["e9"]; ok {
		t.Error("keys of another channel leaked")
	}
}

func TestSessionState(t *testing.T) {
	s := openTestStore(t)

	data, err := s.LoadSessionState("ch1")
	if err != nil {
		t.Fatalf("LoadSessionState: %v", err)
	}
	if data != nil {
		t.Errorf("expected nil for missing session, got %s", data)
	}

	if err := s.SaveSessionState("ch1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("SaveSessionState: %v", err)
	}
	if err := s.SaveSessionState("ch1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("SaveSessionState overwrite: %v", err)
	}
	data, err = s.LoadSessionState("ch1")
	if err != nil {
		t.Fatalf("LoadSessionState: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("state = %s, want {\"v\":2}", data)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	id, err := s.EnqueueJob(Job{ID: "j1", Type: "action_confirm", PayloadJSON: `{"k":"e1:0"}`})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id != "j1" {
		t.Errorf("id = %q, want j1", id)
	}

	got, err := s.ClaimNextJob([]string{"action_confirm"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j1" || got.Status != JobRunning || got.MaxAttempts != defaultMaxAttempts {
		t.Errorf("claimed = %+v", got)
	}
	if got.PayloadJSON != `{"k":"e1:0"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}

	again, err := s.ClaimNextJob([]string{"action_confirm"})
	if err != nil {
		t.Fatalf("ClaimNextJob again: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestEnqueueJob_Dedupe(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j1", Type: "x", DedupeKey: "e1:0", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	id, err := s.EnqueueJob(Job{ID: "j2", Type: "x", DedupeKey: "e1:0", PayloadJSON: `{}`})
	if err != nil {
		t.Fatalf("EnqueueJob duplicate: %v", err)
	}
	if id != "j1" {
		t.Errorf("duplicate enqueue returned %q, want existing j1", id)
	}

	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	id, err = s.EnqueueJob(Job{ID: "j3", Type: "x", DedupeKey: "e1:0", PayloadJSON: `{}`})
	if err != nil {
		t.Fatalf("EnqueueJob after completion: %v", err)
	}
	if id != "j3" {
		t.Errorf("id = %q, want j3 once the first job finished", id)
	}
}

func TestClaimNextJob_RespectsRunAfterAndType(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "future", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.EnqueueJob(Job{ID: "other", Type: "y", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("claimed %+v, want nothing runnable", got)
	}
}

func TestFailJob(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.EnqueueJob(Job{ID: "j", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2})
	s.ClaimNextJob([]string{"x"})

	if err := s.FailJob("j", "server said 502", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	jobs, err := s.ListJobs("x")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	j := jobs[0]
	if j.Status != JobPending || j.Attempts != 1 || j.LastError != "server said 502" {
		t.Errorf("after first failure = %+v", j)
	}
	if want := base.Add(baseBackoff); !j.RunAfter.Equal(want) {
		t.Errorf("RunAfter = %v, want %v", j.RunAfter, want)
	}

	s.now = func() time.Time { return base.Add(time.Minute) }
	s.ClaimNextJob([]string{"x"})
	if err := s.FailJob("j", "again", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	active, err := s.ListJobs("x", JobPending, JobRunning)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("job should be failed after max attempts, active = %+v", active)
	}
}

func TestFailJob_Permanent(t *testing.T) {
	s := openTestStore(t)
	s.EnqueueJob(Job{ID: "j", Type: "x", PayloadJSON: `{}`})
	s.ClaimNextJob([]string{"x"})

	if err := s.FailJob("j", "404", true); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	jobs, _ := s.ListJobs("x", JobFailed)
	if len(jobs) != 1 {
		t.Errorf("permanent failure should mark the job failed, got %+v", jobs)
	}
}

func TestCompleteJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.CompleteJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.FailJob("missing", "x", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	if got := backoff(1); got != baseBackoff {
		t.Errorf("backoff(1) = %v, want %v", got, baseBackoff)
	}
	if got := backoff(40); got != maxBackoff {
		t.Errorf("backoff(40) = %v, want %v", got, maxBackoff)
	}
}
