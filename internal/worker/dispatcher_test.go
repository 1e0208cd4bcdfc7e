package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/models"
	"commerce-outbox/internal/retry"
)

// memStore mimics the Postgres job store's leasing semantics in memory so
// the dispatcher loop can be exercised without a database.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  time.Time
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*models.Job), now: time.Now()}
}

func (s *memStore) add(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	if j.Status == "" {
		j.Status = models.StatusPending
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now
	}
	s.jobs[j.ID] = &j
}

func (s *memStore) get(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *memStore) LeaseBatch(_ context.Context, limit int, leaseDuration time.Duration, owner string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && !j.NextRunAt.After(s.now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextRunAt.Before(due[k].NextRunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Job, 0, len(due))
	for _, j := range due {
		j.Status = models.StatusLeased
		j.LeaseOwner = &owner
		expiry := s.now.Add(leaseDuration)
		j.LeaseExpiresAt = &expiry
		out = append(out, *j)
	}
	return out, nil
}

func (s *memStore) Complete(_ context.Context, id string) error {
	return s.transition(id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	})
}

func (s *memStore) Reschedule(_ context.Context, id string, nextRun time.Time, lastError string) error {
	return s.transition(id, func(j *models.Job) {
		j.Status = models.StatusPending
		j.Attempts++
		j.NextRunAt = nextRun
		j.LastError = &lastError
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	})
}

func (s *memStore) DeadLetter(_ context.Context, id string, lastError string) error {
	return s.transition(id, func(j *models.Job) {
		j.Status = models.StatusDeadLetter
		j.LastError = &lastError
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	})
}

func (s *memStore) MarkFailed(_ context.Context, id string, lastError string) error {
	return s.transition(id, func(j *models.Job) {
		j.Status = models.StatusFailed
		j.LastError = &lastError
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	})
}

func (s *memStore) ReapExpiredLeases(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for _, j := range s.jobs {
		if j.Status == models.StatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(s.now) {
			j.Status = models.StatusPending
			j.LeaseOwner, j.LeaseExpiresAt = nil, nil
			reaped++
		}
	}
	return reaped, nil
}

func (s *memStore) CountDue(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && !j.NextRunAt.After(s.now) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) transition(id string, mutate func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	mutate(j)
	return nil
}

func testDispatcher(store JobStore, registry *Registry) *Dispatcher {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	policy := retry.NewPolicy(time.Second, time.Hour, 24*time.Hour)
	return NewDispatcher(store, registry, policy, DispatcherConfig{
		PollInterval:  10 * time.Millisecond,
		BatchSize:     10,
		LeaseDuration: time.Minute,
		Concurrency:   4,
		WorkerID:      "test-worker",
	}, log)
}

func countingHandler(out models.Outcome) (*int32, Handler) {
	var calls int32
	var mu sync.Mutex
	return &calls, HandlerFunc(func(context.Context, models.Job) models.Outcome {
		mu.Lock()
		calls++
		mu.Unlock()
		return out
	})
}

func runTick(t *testing.T, d *Dispatcher) {
	t.Helper()
	d.tick(context.Background())
	d.wg.Wait()
}

func TestDispatcherCompletesSuccessfulJob(t *testing.T) {
	store := newMemStore()
	store.add(models.Job{ID: "j1", MerchantID: "m1", Type: models.JobTypeSendMessage})

	registry := NewRegistry()
	calls, h := countingHandler(models.Success())
	registry.Register(models.JobTypeSendMessage, h)

	runTick(t, testDispatcher(store, registry))

	if got := store.get("j1"); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if *calls != 1 {
		t.Fatalf("expected 1 handler call, got %d", *calls)
	}
}

func TestDispatcherReschedulesRetryableFailure(t *testing.T) {
	store := newMemStore()
	store.add(models.Job{ID: "j1", MerchantID: "m1", Type: models.JobTypeCatalogSync, MaxAttempts: 5})

	registry := NewRegistry()
	_, h := countingHandler(models.Retryable(errors.New("upstream timeout")))
	registry.Register(models.JobTypeCatalogSync, h)

	runTick(t, testDispatcher(store, registry))

	got := store.get("j1")
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Fatal("expected next run in the future")
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatal("expected last error recorded")
	}
}

func TestDispatcherDeadLettersAfterExhaustion(t *testing.T) {
	store := newMemStore()
	store.add(models.Job{ID: "j1", MerchantID: "m1", Type: models.JobTypeCatalogSync, MaxAttempts: 3})

	registry := NewRegistry()
	calls, h := countingHandler(models.Retryable(errors.New("upstream down")))
	registry.Register(models.JobTypeCatalogSync, h)
	d := testDispatcher(store, registry)

	for i := 0; i < 5; i++ {
		runTick(t, d)
		// Make any rescheduled job immediately due again.
		store.advance(3 * time.Hour)
	}

	got := store.get("j1")
	if got.Status != models.StatusDeadLetter {
		t.Fatalf("expected dead_lettered, got %s", got.Status)
	}
	if *calls != 3 {
		t.Fatalf("expected exactly max_attempts=3 executions, got %d", *calls)
	}
}

func TestDispatcherPermanentFailureSkipsRetries(t *testing.T) {
	store := newMemStore()
	store.add(models.Job{ID: "j1", MerchantID: "m1", Type: models.JobTypeCatalogSync, MaxAttempts: 5})

	registry := NewRegistry()
	calls, h := countingHandler(models.Permanent(errors.New("malformed payload")))
	registry.Register(models.JobTypeCatalogSync, h)
	d := testDispatcher(store, registry)

	runTick(t, d)
	store.advance(time.Hour)
	runTick(t, d)

	got := store.get("j1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if *calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", *calls)
	}
}

func TestDispatcherAtLeastOnceAfterCrash(t *testing.T) {
	store := newMemStore()
	store.add(models.Job{ID: "j1", MerchantID: "m1", Type: models.JobTypeSendMessage})

	// A worker leases the job and crashes before finishing.
	leased, err := store.LeaseBatch(context.Background(), 1, time.Minute, "crashed-worker")
	if err != nil || len(leased) != 1 {
		t.Fatalf("expected one leased job, got %d err=%v", len(leased), err)
	}

	registry := NewRegistry()
	calls, h := countingHandler(models.Success())
	registry.Register(models.JobTypeSendMessage, h)
	d := testDispatcher(store, registry)

	// While the lease is live nothing is picked up.
	runTick(t, d)
	if *calls != 0 {
		t.Fatal("leased job must not be executed by another worker")
	}

	// After expiry the reaper reverts it and the next tick executes it.
	store.advance(2 * time.Minute)
	runTick(t, d)

	if got := store.get("j1"); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed after reap and retry, got %s", got.Status)
	}
	if *calls != 1 {
		t.Fatalf("expected 1 execution, got %d", *calls)
	}
}

func TestDispatcherUnknownTypeFailsPermanently(t *testing.T) {
	store := newMemStore()
	store.add(models.Job{ID: "j1", MerchantID: "m1", Type: models.JobType("mystery")})

	runTick(t, testDispatcher(store, NewRegistry()))

	if got := store.get("j1"); got.Status != models.StatusFailed {
		t.Fatalf("expected failed for unknown type, got %s", got.Status)
	}
}

func TestDispatcherRateLimitedUsesRetryAfter(t *testing.T) {
	store := newMemStore()
	store.add(models.Job{ID: "j1", MerchantID: "m1", Type: models.JobTypeCatalogSync, MaxAttempts: 2})

	registry := NewRegistry()
	_, h := countingHandler(models.RateLimited(errors.New("throttled"), 30*time.Second))
	registry.Register(models.JobTypeCatalogSync, h)
	d := testDispatcher(store, registry)

	before := time.Now()
	runTick(t, d)

	got := store.get("j1")
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	delta := got.NextRunAt.Sub(before)
	// 30s plus at most 10% jitter.
	if delta < 30*time.Second || delta > 34*time.Second {
		t.Fatalf("expected next run ~30s out, got %s", delta)
	}
}
