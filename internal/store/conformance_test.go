package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/coderun/internal/model"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func makeTestJob(priority model.Priority) *model.Job {
	req := model.ExecutionRequest{Language: model.LanguagePython, Code: "print('hi')"}
	return &model.Job{
		ID:          model.NewID(),
		Fingerprint: req.Fingerprint(),
		Priority:    priority,
		State:       model.StateWaiting,
		MaxAttempts: 3,
		TimeoutMS:   5000,
		Request:     req,
		CreatedAt:   testEpoch,
		UpdatedAt:   testEpoch,
		ReadyAt:     testEpoch,
	}
}

// runStoreConformance exercises the behaviour every Store implementation
// must share.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := makeTestJob(model.PriorityHigh)
		j.Request.Stdin = "in"
		j.Request.Files = []model.File{{Name: "a.txt", Content: "b"}}

		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		got, err := s.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.ID != j.ID || got.State != model.StateWaiting || got.Priority != model.PriorityHigh {
			t.Errorf("got %+v", got)
		}
		if got.Fingerprint != j.Fingerprint || got.MaxAttempts != 3 || got.TimeoutMS != 5000 {
			t.Errorf("got %+v", got)
		}
		if got.Request.Stdin != "in" || len(got.Request.Files) != 1 || got.Request.Files[0].Name != "a.txt" {
			t.Errorf("request = %+v", got.Request)
		}
		if !got.CreatedAt.Equal(testEpoch) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testEpoch)
		}
		if got.Result != nil {
			t.Errorf("Result = %+v, want nil", got.Result)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), "nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetJob error = %v, want ErrNotFound", err)
		}
	})

	t.Run("CreateRejectsActive", func(t *testing.T) {
		s := newStore(t)
		j := makeTestJob(model.PriorityNormal)
		j.State = model.StateActive
		if err := s.CreateJob(context.Background(), j); err == nil {
			t.Error("CreateJob accepted an active job")
		}
	})

	t.Run("CreateTerminalIsNotClaimable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := 0
		j := makeTestJob(model.PriorityNormal)
		j.State = model.StateCompleted
		j.Cached = true
		j.Result = &model.ExecutionResult{Stdout: "hi\n", ExitCode: &code}

		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if _, err := s.ClaimJob(ctx, testEpoch.Add(time.Hour)); !errors.Is(err, ErrQueueEmpty) {
			t.Errorf("ClaimJob error = %v, want ErrQueueEmpty", err)
		}
		got, err := s.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if !got.Cached || got.Result == nil || got.Result.Stdout != "hi\n" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("ClaimEmpty", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.ClaimJob(context.Background(), testEpoch); !errors.Is(err, ErrQueueEmpty) {
			t.Errorf("ClaimJob error = %v, want ErrQueueEmpty", err)
		}
	})

	t.Run("ClaimPriorityThenFIFO", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j1 := makeTestJob(model.PriorityLow)
		j2 := makeTestJob(model.PriorityHigh)
		j3 := makeTestJob(model.PriorityNormal)
		j4 := makeTestJob(model.PriorityHigh)
		for _, j := range []*model.Job{j1, j2, j3, j4} {
			if err := s.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
		}

		want := []string{j2.ID, j4.ID, j3.ID, j1.ID}
		for i, id := range want {
			got, err := s.ClaimJob(ctx, testEpoch)
			if err != nil {
				t.Fatalf("ClaimJob #%d: %v", i, err)
			}
			if got.ID != id {
				t.Errorf("claim #%d = %s, want %s", i, got.ID, id)
			}
			if got.State != model.StateActive || got.Attempts != 1 {
				t.Errorf("claim #%d state = %s attempts = %d", i, got.State, got.Attempts)
			}
		}
		if _, err := s.ClaimJob(ctx, testEpoch); !errors.Is(err, ErrQueueEmpty) {
			t.Errorf("ClaimJob after drain = %v, want ErrQueueEmpty", err)
		}
	})

	t.Run("ClaimRespectsReadyAt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := makeTestJob(model.PriorityNormal)
		j.ReadyAt = testEpoch.Add(time.Minute)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		if _, err := s.ClaimJob(ctx, testEpoch); !errors.Is(err, ErrQueueEmpty) {
			t.Fatalf("ClaimJob before ready = %v, want ErrQueueEmpty", err)
		}
		got, err := s.ClaimJob(ctx, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("ClaimJob when ready: %v", err)
		}
		if got.ID != j.ID {
			t.Errorf("claimed %s, want %s", got.ID, j.ID)
		}
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const jobs = 20
		for range jobs {
			if err := s.CreateJob(ctx, makeTestJob(model.PriorityNormal)); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]int)
			wg      sync.WaitGroup
		)
		for range 8 {
			wg.Go(func() {
				for {
					j, err := s.ClaimJob(ctx, testEpoch)
					if errors.Is(err, ErrQueueEmpty) {
						return
					}
					if err != nil {
						t.Errorf("ClaimJob: %v", err)
						return
					}
					mu.Lock()
					claimed[j.ID]++
					mu.Unlock()
				}
			})
		}
		wg.Wait()

		if len(claimed) != jobs {
			t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
		}
		for id, n := range claimed {
			if n != 1 {
				t.Errorf("job %s claimed %d times", id, n)
			}
		}
	})

	t.Run("UpdateCompleted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := makeTestJob(model.PriorityNormal)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		claimed, err := s.ClaimJob(ctx, testEpoch)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}

		code := 3
		claimed.State = model.StateCompleted
		claimed.Result = &model.ExecutionResult{Stdout: "out", Stderr: "err", ExitCode: &code, DurationMS: 12}
		claimed.UpdatedAt = testEpoch.Add(time.Second)
		if err := s.UpdateJob(ctx, claimed, model.StateActive); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}

		got, err := s.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State != model.StateCompleted || got.Attempts != 1 {
			t.Errorf("state = %s attempts = %d", got.State, got.Attempts)
		}
		if got.Result == nil || got.Result.Stdout != "out" || *got.Result.ExitCode != 3 || got.Result.DurationMS != 12 {
			t.Errorf("result = %+v", got.Result)
		}
	})

	t.Run("TerminalStateIsFinal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := makeTestJob(model.PriorityNormal)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		claimed, err := s.ClaimJob(ctx, testEpoch)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		claimed.State = model.StateTimedOut
		if err := s.UpdateJob(ctx, claimed, model.StateActive); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}

		for _, to := range []model.State{model.StateCompleted, model.StateFailed, model.StateWaiting} {
			claimed.State = to
			err := s.UpdateJob(ctx, claimed, model.StateActive)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("UpdateJob to %s from stale active = %v, want ErrInvalidTransition", to, err)
			}
			err = s.UpdateJob(ctx, claimed, model.StateTimedOut)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("UpdateJob %s -> %s = %v, want ErrInvalidTransition", model.StateTimedOut, to, err)
			}
		}

		got, _ := s.GetJob(ctx, j.ID)
		if got.State != model.StateTimedOut {
			t.Errorf("state = %s, want timed_out", got.State)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		j := makeTestJob(model.PriorityNormal)
		j.State = model.StateCompleted
		err := s.UpdateJob(context.Background(), j, model.StateActive)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateJob error = %v, want ErrNotFound", err)
		}
	})

	t.Run("RetryReturnsToQueue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := makeTestJob(model.PriorityNormal)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		for attempt := 1; attempt <= 3; attempt++ {
			now := testEpoch.Add(time.Duration(attempt) * time.Minute)
			claimed, err := s.ClaimJob(ctx, now)
			if err != nil {
				t.Fatalf("ClaimJob attempt %d: %v", attempt, err)
			}
			if claimed.Attempts != attempt {
				t.Errorf("attempts = %d, want %d", claimed.Attempts, attempt)
			}
			claimed.State = model.StateWaiting
			claimed.Error = fmt.Sprintf("attempt %d failed", attempt)
			claimed.ReadyAt = now.Add(30 * time.Second)
			if err := s.UpdateJob(ctx, claimed, model.StateActive); err != nil {
				t.Fatalf("UpdateJob: %v", err)
			}
			if _, err := s.ClaimJob(ctx, now); !errors.Is(err, ErrQueueEmpty) {
				t.Errorf("job claimable during backoff: %v", err)
			}
		}

		got, _ := s.GetJob(ctx, j.ID)
		if got.Attempts != 3 || got.Error != "attempt 3 failed" {
			t.Errorf("attempts = %d error = %q", got.Attempts, got.Error)
		}
	})

	t.Run("StaleAttemptIsFenced", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.CreateJob(ctx, makeTestJob(model.PriorityNormal)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		first, err := s.ClaimJob(ctx, testEpoch)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		retry := *first
		retry.State = model.StateWaiting
		retry.ReadyAt = testEpoch
		if err := s.UpdateJob(ctx, &retry, model.StateActive); err != nil {
			t.Fatalf("UpdateJob to waiting: %v", err)
		}
		second, err := s.ClaimJob(ctx, testEpoch)
		if err != nil {
			t.Fatalf("second ClaimJob: %v", err)
		}
		if second.Attempts != 2 {
			t.Fatalf("second attempt = %d, want 2", second.Attempts)
		}

		// The first attempt is still active in the store's eyes but on a
		// different attempt number, so its outcome must be rejected.
		first.State = model.StateCompleted
		if err := s.UpdateJob(ctx, first, model.StateActive); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("stale UpdateJob = %v, want ErrInvalidTransition", err)
		}
		second.State = model.StateCompleted
		if err := s.UpdateJob(ctx, second, model.StateActive); err != nil {
			t.Errorf("current UpdateJob: %v", err)
		}
	})

	t.Run("ReleaseGivesAttemptBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := makeTestJob(model.PriorityNormal)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		claimed, err := s.ClaimJob(ctx, testEpoch)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}

		released := *claimed
		released.State = model.StateWaiting
		released.ReadyAt = testEpoch
		if err := s.ReleaseJob(ctx, &released); err != nil {
			t.Fatalf("ReleaseJob: %v", err)
		}
		if err := s.ReleaseJob(ctx, &released); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second ReleaseJob = %v, want ErrInvalidTransition", err)
		}

		again, err := s.ClaimJob(ctx, testEpoch)
		if err != nil {
			t.Fatalf("ClaimJob after release: %v", err)
		}
		if again.ID != j.ID || again.Attempts != 1 {
			t.Errorf("reclaimed %s on attempt %d, want %s on attempt 1", again.ID, again.Attempts, j.ID)
		}

		again.State = model.StateCompleted
		if err := s.ReleaseJob(ctx, again); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("ReleaseJob to completed = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("RecoverOnlyExpiredClaims", func(t *testing.T) {
		s := newStore(t)
		r, ok := s.(Recoverer)
		if !ok {
			t.Skip("store does not recover claims")
		}
		ctx := context.Background()
		const grace = time.Minute

		fresh := makeTestJob(model.PriorityNormal)
		exhausted := makeTestJob(model.PriorityHigh)
		exhausted.MaxAttempts = 1
		for _, j := range []*model.Job{exhausted, fresh} {
			if err := s.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
		}
		for range 2 {
			if _, err := s.ClaimJob(ctx, testEpoch); err != nil {
				t.Fatalf("ClaimJob: %v", err)
			}
		}

		// Still within timeout (5s) plus grace: both claims are live.
		n, err := r.RecoverActive(ctx, testEpoch.Add(30*time.Second), grace)
		if err != nil {
			t.Fatalf("RecoverActive: %v", err)
		}
		if n != 0 {
			t.Fatalf("recovered %d live claims", n)
		}
		if _, err := s.ClaimJob(ctx, testEpoch.Add(30*time.Second)); !errors.Is(err, ErrQueueEmpty) {
			t.Fatalf("ClaimJob during live claims = %v, want ErrQueueEmpty", err)
		}

		later := testEpoch.Add(5*time.Second + grace)
		n, err = r.RecoverActive(ctx, later, grace)
		if err != nil {
			t.Fatalf("RecoverActive: %v", err)
		}
		if n != 2 {
			t.Errorf("recovered = %d, want 2", n)
		}

		got, _ := s.GetJob(ctx, fresh.ID)
		if got.State != model.StateWaiting || got.Attempts != 1 || got.Error != ClaimExpiredError {
			t.Errorf("fresh job state = %s attempts = %d error = %q", got.State, got.Attempts, got.Error)
		}
		got, _ = s.GetJob(ctx, exhausted.ID)
		if got.State != model.StateFailed || got.Error != ClaimExpiredError {
			t.Errorf("exhausted job state = %s error = %q, want failed", got.State, got.Error)
		}

		reclaimed, err := s.ClaimJob(ctx, later)
		if err != nil {
			t.Fatalf("ClaimJob after recovery: %v", err)
		}
		if reclaimed.ID != fresh.ID || reclaimed.Attempts != 2 {
			t.Errorf("reclaimed %s attempt %d", reclaimed.ID, reclaimed.Attempts)
		}
		if n, _ := r.RecoverActive(ctx, later, grace); n != 0 {
			t.Errorf("recovered the new claim immediately: %d", n)
		}
	})
}
