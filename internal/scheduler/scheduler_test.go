package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/crewmate/crewmate/internal/auth"
	"github.com/crewmate/crewmate/internal/database/databasetest"
)

func waitIdle(t *testing.T, s *Scheduler, name string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, st := range s.Status() {
			if st.Name == name && !st.Running && st.LastRun != nil {
				return st
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not finish", name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_AddValidates(t *testing.T) {
	s := New()
	defer s.Stop()

	noop := func(context.Context) error { return nil }
	if err := s.Add(Job{Name: "bad", Schedule: "every tuesday", Run: noop}); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if err := s.Add(Job{Name: "ok", Schedule: "@hourly", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "ok", Schedule: "@daily", Run: noop}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestScheduler_RunNowRecordsOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	runs := make(chan struct{}, 4)
	_ = s.Add(Job{Name: "fails", Schedule: "@hourly", Run: func(context.Context) error {
		runs <- struct{}{}
		return errors.New("disk full")
	}})
	_ = s.Add(Job{Name: "panics", Schedule: "@hourly", Run: func(context.Context) error {
		panic("boom")
	}})
	failed := make(chan string, 4)
	s.OnFailure(func(job string, err error) { failed <- job + ": " + err.Error() })
	s.Start()
	defer s.Stop()

	if err := s.RunNow("fails"); err != nil {
		t.Fatal(err)
	}
	<-runs
	st := waitIdle(t, s, "fails")
	if st.LastError != "disk full" {
		t.Fatalf("LastError = %q", st.LastError)
	}
	if st.NextRun == nil || st.Schedule != "@hourly" {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := <-failed; got != "fails: disk full" {
		t.Fatalf("unexpected failure callback %q", got)
	}

	if err := s.RunNow("panics"); err != nil {
		t.Fatal(err)
	}
	if st := waitIdle(t, s, "panics"); st.LastError != "panic: boom" {
		t.Fatalf("LastError = %q", st.LastError)
	}
	if got := <-failed; got != "panics: panic: boom" {
		t.Fatalf("unexpected failure callback %q", got)
	}
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	started := make(chan struct{})
	_ = s.Add(Job{Name: "slow", Schedule: "@daily", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	s.Start()

	if err := s.RunNow("slow"); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.RunNow("slow"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	s.Stop()

	st := s.Status()[0]
	if st.Running || st.LastError != context.Canceled.Error() {
		t.Fatalf("unexpected status after stop %+v", st)
	}
}

type countingCleaner struct{ calls int }

func (c *countingCleaner) Cleanup() (int64, error) { c.calls++; return 2, nil }

type countingReminder struct{ calls int }

func (c *countingReminder) SendReminders() (int, error) { c.calls++; return 0, nil }

func TestMaintenanceJobs(t *testing.T) {
	db, clk := databasetest.New(t)
	user := databasetest.CreateUser(t, db, "alice", nil)
	if _, err := db.CreateSession("old", user.ID, clk.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateSession("live", user.ID, clk.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	cleaner := &countingCleaner{}
	reminder := &countingReminder{}
	jobs := map[string]Job{}
	for _, j := range MaintenanceJobs(db, clk, auth.NewService(db, clk), cleaner, reminder) {
		jobs[j.Name] = j
	}

	ctx := context.Background()
	for _, name := range []string{"verification_cleanup", "session_cleanup", "plan_reminders", "layover_cleanup", "notification_log_cleanup", "database_optimize", "database_vacuum"} {
		job, ok := jobs[name]
		if !ok {
			t.Fatalf("missing job %s", name)
		}
		if err := job.Run(ctx); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	if cleaner.calls != 1 || reminder.calls != 1 {
		t.Fatalf("cleaner=%d reminder=%d", cleaner.calls, reminder.calls)
	}
	if s, _ := db.GetSession("old"); s != nil {
		t.Fatal("expired session survived cleanup")
	}
	if s, _ := db.GetSession("live"); s == nil {
		t.Fatal("live session was removed")
	}

	sch := New()
	defer sch.Stop()
	for _, j := range MaintenanceJobs(db, clk, auth.NewService(db, clk), cleaner, reminder) {
		if err := sch.Add(j); err != nil {
			t.Fatalf("schedule for %s rejected: %v", j.Name, err)
		}
	}
}
