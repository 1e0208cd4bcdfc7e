package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/models"
	"commerce-outbox/internal/store"
)

type fakeRunStore struct {
	mu       sync.Mutex
	runs     []*models.ReconRun
	drift    []models.DriftRecord
	products []models.Product
	creds    models.MerchantCredentials
}

func (s *fakeRunStore) CreateRun(_ context.Context, merchantID, runType string) (models.ReconRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := models.ReconRun{
		ID:         uuid.New().String(),
		MerchantID: merchantID,
		RunType:    runType,
		Status:     models.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	s.runs = append(s.runs, &run)
	return run, nil
}

func (s *fakeRunStore) SetRunTotal(_ context.Context, runID string, total int) error {
	return s.mutateRun(runID, func(r *models.ReconRun) { r.ProductsTotal = total })
}

func (s *fakeRunStore) BumpRunCounters(_ context.Context, runID string, checked, drift, syncs, errs int) error {
	return s.mutateRun(runID, func(r *models.ReconRun) {
		if r.Status != models.RunStatusRunning {
			return
		}
		r.ProductsChecked += checked
		r.DriftDetected += drift
		r.SyncsTriggered += syncs
		r.ErrorsCount += errs
	})
}

func (s *fakeRunStore) FinishRun(_ context.Context, runID, status string, lastError *string) error {
	return s.mutateRun(runID, func(r *models.ReconRun) {
		if r.Status != models.RunStatusRunning {
			return
		}
		r.Status = status
		r.LastError = lastError
		now := time.Now().UTC()
		r.CompletedAt = &now
	})
}

func (s *fakeRunStore) LatestRun(_ context.Context, merchantID string) (models.ReconRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ReconRun
	for _, r := range s.runs {
		if r.MerchantID != merchantID {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return models.ReconRun{}, false, nil
	}
	return *latest, true, nil
}

func (s *fakeRunStore) InsertDrift(_ context.Context, d models.DriftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = append(s.drift, d)
	return nil
}

func (s *fakeRunStore) ListSyncedProducts(_ context.Context, _ string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Product(nil), s.products...), nil
}

func (s *fakeRunStore) MerchantCredentials(_ context.Context, _ string) (models.MerchantCredentials, error) {
	return s.creds, nil
}

func (s *fakeRunStore) mutateRun(runID string, mutate func(*models.ReconRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == runID {
			mutate(r)
			return nil
		}
	}
	return errors.New("run not found")
}

func (s *fakeRunStore) run(t *testing.T, id string) models.ReconRun {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == id {
			return *r
		}
	}
	t.Fatalf("run %s not found", id)
	return models.ReconRun{}
}

// fakeEnqueuer mimics the outbox dedupe contract: one active job per
// (merchant, dedupe key).
type fakeEnqueuer struct {
	mu     sync.Mutex
	params []store.EnqueueParams
	active map[string]bool
	err    error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, p store.EnqueueParams) (models.Job, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return models.Job{}, false, e.err
	}
	if e.active == nil {
		e.active = make(map[string]bool)
	}
	key := p.MerchantID + "|" + p.DedupeKey
	if p.DedupeKey != "" && e.active[key] {
		return models.Job{ID: "existing"}, true, nil
	}
	e.active[key] = true
	e.params = append(e.params, p)
	return models.Job{ID: uuid.New().String()}, false, nil
}

type fakeRemote struct {
	items map[string]catalog.Item
	err   error
}

func (r *fakeRemote) FetchByRetailerIDs(context.Context, models.MerchantCredentials, []string) (map[string]catalog.Item, error) {
	return r.items, r.err
}

func usableCreds() models.MerchantCredentials {
	return models.MerchantCredentials{
		MerchantID:  "m1",
		CatalogID:   "cat-1",
		AccessToken: "tok",
		SyncEnabled: true,
	}
}

func newTestEngine(runStore *fakeRunStore, jobs *fakeEnqueuer, remote *fakeRemote) *Engine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEngine(runStore, jobs, remote, Config{
		BatchSize:    2,
		BatchDelay:   time.Millisecond,
		DedupeWindow: time.Hour,
		RunTimeout:   time.Minute,
	}, log)
}

func TestEnginePriceDriftTriggersSync(t *testing.T) {
	item := matchingItem()
	item.Price = "140.00 NGN"

	runStore := &fakeRunStore{products: []models.Product{baseProduct()}, creds: usableCreds()}
	jobs := &fakeEnqueuer{}
	engine := newTestEngine(runStore, jobs, &fakeRemote{items: map[string]catalog.Item{"sku-1": item}})

	run, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	final := runStore.run(t, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.ProductsTotal != 1 || final.ProductsChecked != 1 || final.DriftDetected != 1 || final.SyncsTriggered != 1 {
		t.Fatalf("unexpected counters: %+v", final)
	}

	if len(runStore.drift) != 1 {
		t.Fatalf("expected one drift record, got %d", len(runStore.drift))
	}
	d := runStore.drift[0]
	if d.FieldName != "price_kobo" || d.ActionTaken != models.DriftActionSyncTriggered {
		t.Fatalf("unexpected drift record: %+v", d)
	}

	if len(jobs.params) != 1 {
		t.Fatalf("expected one repair job, got %d", len(jobs.params))
	}
	p := jobs.params[0]
	if p.Type != models.JobTypeCatalogSync {
		t.Fatalf("expected catalog_sync job, got %s", p.Type)
	}
	if p.DedupeKey != "recon:m1:p1:update" {
		t.Fatalf("unexpected dedupe key %q", p.DedupeKey)
	}
}

func TestEngineNoDriftNoJobs(t *testing.T) {
	runStore := &fakeRunStore{products: []models.Product{baseProduct()}, creds: usableCreds()}
	jobs := &fakeEnqueuer{}
	engine := newTestEngine(runStore, jobs, &fakeRemote{items: map[string]catalog.Item{"sku-1": matchingItem()}})

	run, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	final := runStore.run(t, run.ID)
	if final.Status != models.RunStatusCompleted || final.DriftDetected != 0 {
		t.Fatalf("expected clean completed run, got %+v", final)
	}
	if len(jobs.params) != 0 || len(runStore.drift) != 0 {
		t.Fatal("expected no jobs and no drift records")
	}
}

func TestEngineSecondPassDedupesRepairJob(t *testing.T) {
	item := matchingItem()
	item.Price = "140.00 NGN"

	runStore := &fakeRunStore{products: []models.Product{baseProduct()}, creds: usableCreds()}
	jobs := &fakeEnqueuer{}
	engine := newTestEngine(runStore, jobs, &fakeRemote{items: map[string]catalog.Item{"sku-1": item}})

	if _, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	second, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	if len(jobs.params) != 1 {
		t.Fatalf("expected a single outstanding repair job, got %d", len(jobs.params))
	}
	final := runStore.run(t, second.ID)
	if final.SyncsTriggered != 0 {
		t.Fatalf("second pass must not count a new sync, got %d", final.SyncsTriggered)
	}
	if got := runStore.drift[len(runStore.drift)-1].ActionTaken; got != models.DriftActionSkipped {
		t.Fatalf("expected second-pass drift marked skipped, got %s", got)
	}
}

func TestEngineMissingRemotelyTriggersCreate(t *testing.T) {
	runStore := &fakeRunStore{products: []models.Product{baseProduct()}, creds: usableCreds()}
	jobs := &fakeEnqueuer{}
	engine := newTestEngine(runStore, jobs, &fakeRemote{items: map[string]catalog.Item{}})

	if _, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if len(jobs.params) != 1 {
		t.Fatalf("expected one repair job, got %d", len(jobs.params))
	}
	if jobs.params[0].DedupeKey != "recon:m1:p1:create" {
		t.Fatalf("expected create repair, got key %q", jobs.params[0].DedupeKey)
	}
	if len(runStore.drift) != 1 || runStore.drift[0].FieldName != "presence" {
		t.Fatalf("expected presence drift, got %+v", runStore.drift)
	}
}

func TestEngineOverlapGuard(t *testing.T) {
	runStore := &fakeRunStore{creds: usableCreds()}
	engine := newTestEngine(runStore, &fakeEnqueuer{}, &fakeRemote{})

	// Simulate an in-flight run.
	if _, err := runStore.CreateRun(context.Background(), "m1", models.RunTypeManual); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestEngineScheduledDedupeWindow(t *testing.T) {
	runStore := &fakeRunStore{creds: usableCreds()}
	engine := newTestEngine(runStore, &fakeEnqueuer{}, &fakeRemote{})

	// A completed run inside the window blocks scheduled passes only.
	first, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if runStore.run(t, first.ID).Status != models.RunStatusCompleted {
		t.Fatal("expected first run completed")
	}

	if _, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeScheduled); !errors.Is(err, ErrRecentRun) {
		t.Fatalf("expected ErrRecentRun for scheduled pass, got %v", err)
	}
	if _, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual); err != nil {
		t.Fatalf("manual pass inside the window should be allowed, got %v", err)
	}
}

func TestEngineSyncDisabled(t *testing.T) {
	creds := usableCreds()
	creds.SyncEnabled = false
	runStore := &fakeRunStore{creds: creds}
	engine := newTestEngine(runStore, &fakeEnqueuer{}, &fakeRemote{})

	if _, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual); !errors.Is(err, ErrSyncDisabled) {
		t.Fatalf("expected ErrSyncDisabled, got %v", err)
	}
	if len(runStore.runs) != 0 {
		t.Fatal("no run row should be created for a disabled merchant")
	}
}

func TestEngineFetchFailureCountsError(t *testing.T) {
	runStore := &fakeRunStore{products: []models.Product{baseProduct()}, creds: usableCreds()}
	engine := newTestEngine(runStore, &fakeEnqueuer{}, &fakeRemote{err: errors.New("upstream 500")})

	run, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	final := runStore.run(t, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("a skipped batch must not fail the run, got %s", final.Status)
	}
	if final.ErrorsCount != 1 || final.ProductsChecked != 0 {
		t.Fatalf("unexpected counters: %+v", final)
	}
}

func TestEngineEnqueueFailureMarksDriftFailed(t *testing.T) {
	item := matchingItem()
	item.Price = "140.00 NGN"

	runStore := &fakeRunStore{products: []models.Product{baseProduct()}, creds: usableCreds()}
	jobs := &fakeEnqueuer{err: errors.New("db down")}
	engine := newTestEngine(runStore, jobs, &fakeRemote{items: map[string]catalog.Item{"sku-1": item}})

	run, err := engine.TriggerRun(context.Background(), "m1", models.RunTypeManual)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if len(runStore.drift) != 1 || runStore.drift[0].ActionTaken != models.DriftActionFailed {
		t.Fatalf("expected drift marked failed, got %+v", runStore.drift)
	}
	final := runStore.run(t, run.ID)
	if final.ErrorsCount != 1 || final.SyncsTriggered != 0 {
		t.Fatalf("unexpected counters: %+v", final)
	}
}
