package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/models"
	"commerce-outbox/internal/store"
	"commerce-outbox/internal/telemetry"
)

// Trigger rejections surfaced to callers; the API maps them to 409.
var (
	ErrRunInProgress = errors.New("reconciliation run already in progress")
	ErrRecentRun     = errors.New("reconciliation already ran inside the dedupe window")
	ErrSyncDisabled  = errors.New("merchant has catalog sync disabled")
)

// RunStore is the persistence slice the engine drives.
type RunStore interface {
	CreateRun(ctx context.Context, merchantID, runType string) (models.ReconRun, error)
	SetRunTotal(ctx context.Context, runID string, total int) error
	BumpRunCounters(ctx context.Context, runID string, checked, drift, syncs, errs int) error
	FinishRun(ctx context.Context, runID, status string, lastError *string) error
	LatestRun(ctx context.Context, merchantID string) (models.ReconRun, bool, error)
	InsertDrift(ctx context.Context, d models.DriftRecord) error
	ListSyncedProducts(ctx context.Context, merchantID string) ([]models.Product, error)
	MerchantCredentials(ctx context.Context, merchantID string) (models.MerchantCredentials, error)
}

// Enqueuer is the producer contract the engine uses for repair jobs. Repairs
// flow through the same outbox path as every other producer.
type Enqueuer interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, bool, error)
}

// RemoteCatalog fetches the remote representation of local products.
type RemoteCatalog interface {
	FetchByRetailerIDs(ctx context.Context, creds models.MerchantCredentials, retailerIDs []string) (map[string]catalog.Item, error)
}

// Config tunes a reconciliation pass.
type Config struct {
	BatchSize    int
	BatchDelay   time.Duration
	DedupeWindow time.Duration
	RunTimeout   time.Duration
}

// Engine scans a merchant's synced products for drift against the remote
// catalog, records what it finds, and enqueues repair syncs.
type Engine struct {
	store   RunStore
	jobs    Enqueuer
	remote  RemoteCatalog
	cfg     Config
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewEngine builds an engine. BatchDelay throttles remote fetches so long
// scans stay under the upstream rate limit.
func NewEngine(runStore RunStore, jobs Enqueuer, remote RemoteCatalog, cfg Config, log *logrus.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	return &Engine{
		store:   runStore,
		jobs:    jobs,
		remote:  remote,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.BatchDelay), 1),
		log:     log.WithField("component", "reconcile"),
	}
}

// TriggerRun starts a run and scans synchronously. Scheduled runs are
// additionally deduplicated against the rolling window, so a restarted
// scheduler does not rescan a merchant it already covered.
func (e *Engine) TriggerRun(ctx context.Context, merchantID, runType string) (models.ReconRun, error) {
	run, creds, err := e.begin(ctx, merchantID, runType)
	if err != nil {
		return models.ReconRun{}, err
	}
	e.scan(ctx, run, creds)
	return run, nil
}

// TriggerRunAsync starts a run, then scans in the background. The returned
// run is already persisted, so callers can poll it immediately.
func (e *Engine) TriggerRunAsync(ctx context.Context, merchantID, runType string) (models.ReconRun, error) {
	run, creds, err := e.begin(ctx, merchantID, runType)
	if err != nil {
		return models.ReconRun{}, err
	}
	// Detached from the request context; the scan outlives the HTTP call.
	go e.scan(context.Background(), run, creds)
	return run, nil
}

func (e *Engine) begin(ctx context.Context, merchantID, runType string) (models.ReconRun, models.MerchantCredentials, error) {
	latest, found, err := e.store.LatestRun(ctx, merchantID)
	if err != nil {
		return models.ReconRun{}, models.MerchantCredentials{}, err
	}
	if found {
		if latest.Status == models.RunStatusRunning {
			return models.ReconRun{}, models.MerchantCredentials{}, ErrRunInProgress
		}
		if runType == models.RunTypeScheduled && e.cfg.DedupeWindow > 0 &&
			time.Since(latest.StartedAt) < e.cfg.DedupeWindow {
			return models.ReconRun{}, models.MerchantCredentials{}, ErrRecentRun
		}
	}

	creds, err := e.store.MerchantCredentials(ctx, merchantID)
	if err != nil {
		return models.ReconRun{}, models.MerchantCredentials{}, err
	}
	if !creds.SyncEnabled || !creds.Usable() {
		return models.ReconRun{}, models.MerchantCredentials{}, ErrSyncDisabled
	}

	run, err := e.store.CreateRun(ctx, merchantID, runType)
	if err != nil {
		return models.ReconRun{}, models.MerchantCredentials{}, err
	}
	return run, creds, nil
}

func (e *Engine) scan(ctx context.Context, run models.ReconRun, creds models.MerchantCredentials) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	log := e.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"merchant": run.MerchantID,
		"run_type": run.RunType,
	})
	log.Info("reconciliation run started")

	err := e.scanProducts(ctx, run, creds, log)

	// Finalization runs on a fresh context so a timed-out run still gets
	// its terminal status written.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()

	status := models.RunStatusCompleted
	var lastError *string
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = models.RunStatusCancelled
		msg := err.Error()
		lastError = &msg
	default:
		status = models.RunStatusFailed
		msg := err.Error()
		lastError = &msg
	}

	if ferr := e.store.FinishRun(finCtx, run.ID, status, lastError); ferr != nil {
		log.WithError(ferr).Error("finalize run failed")
	}
	telemetry.ReconRunsTotal.WithLabelValues(status).Inc()
	log.WithField("status", status).Info("reconciliation run finished")
}

func (e *Engine) scanProducts(ctx context.Context, run models.ReconRun, creds models.MerchantCredentials, log *logrus.Entry) error {
	products, err := e.store.ListSyncedProducts(ctx, run.MerchantID)
	if err != nil {
		return fmt.Errorf("list synced products: %w", err)
	}
	if err := e.store.SetRunTotal(ctx, run.ID, len(products)); err != nil {
		return fmt.Errorf("set run total: %w", err)
	}

	for start := 0; start < len(products); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(products) {
			end = len(products)
		}
		if err := e.scanBatch(ctx, run, creds, products[start:end], log); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) scanBatch(ctx context.Context, run models.ReconRun, creds models.MerchantCredentials, batch []models.Product, log *logrus.Entry) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	ids := make([]string, 0, len(batch))
	for _, p := range batch {
		ids = append(ids, p.RetailerID)
	}

	remote, err := e.remote.FetchByRetailerIDs(ctx, creds, ids)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A failed batch is skipped, not fatal; the counters record it and
		// the next scheduled run covers the gap.
		log.WithError(err).Warn("remote fetch failed, skipping batch")
		if berr := e.store.BumpRunCounters(ctx, run.ID, 0, 0, 0, 1); berr != nil {
			return fmt.Errorf("bump counters: %w", berr)
		}
		return nil
	}

	var drift, syncs, errs int
	for _, p := range batch {
		item, found := remote[p.RetailerID]

		var diffs []FieldDiff
		if found {
			diffs = CompareProduct(p, item)
			if len(diffs) == 0 {
				continue
			}
		} else {
			diffs = []FieldDiff{{Field: "presence", Local: p.RetailerID, Remote: "missing"}}
		}

		action := RepairAction(diffs, !found)
		taken, enqErr := e.enqueueRepair(ctx, run, p, action)
		if enqErr != nil {
			errs++
			log.WithError(enqErr).WithField("product_id", p.ID).Warn("repair enqueue failed")
		} else if taken == models.DriftActionSyncTriggered {
			syncs++
		}

		for _, d := range diffs {
			drift++
			record := models.DriftRecord{
				RunID:       run.ID,
				MerchantID:  run.MerchantID,
				ProductID:   p.ID,
				FieldName:   d.Field,
				LocalValue:  d.Local,
				RemoteValue: d.Remote,
				ActionTaken: taken,
			}
			if ierr := e.store.InsertDrift(ctx, record); ierr != nil {
				errs++
				log.WithError(ierr).WithField("product_id", p.ID).Warn("drift insert failed")
			}
		}
	}

	if err := e.store.BumpRunCounters(ctx, run.ID, len(batch), drift, syncs, errs); err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	telemetry.ReconProductsChecked.Add(float64(len(batch)))
	telemetry.ReconDriftDetected.Add(float64(drift))
	telemetry.ReconSyncsTriggered.Add(float64(syncs))
	return nil
}

// enqueueRepair enqueues exactly one catalog sync per drifted product. The
// deterministic dedupe key makes back-to-back passes converge on a single
// outstanding repair job.
func (e *Engine) enqueueRepair(ctx context.Context, run models.ReconRun, p models.Product, action string) (string, error) {
	key := DedupeKey(run.MerchantID, p.ID, action)
	_, deduped, err := e.jobs.Enqueue(ctx, store.EnqueueParams{
		MerchantID: run.MerchantID,
		Type:       models.JobTypeCatalogSync,
		Payload: map[string]any{
			"action":          action,
			"product_id":      p.ID,
			"retailer_id":     p.RetailerID,
			"idempotency_key": key,
		},
		DedupeKey: key,
	})
	if err != nil {
		return models.DriftActionFailed, err
	}
	if deduped {
		return models.DriftActionSkipped, nil
	}
	return models.DriftActionSyncTriggered, nil
}

// DedupeKey derives the deterministic repair-job key for one drifted
// product and action.
func DedupeKey(merchantID, productID, action string) string {
	return fmt.Sprintf("recon:%s:%s:%s", merchantID, productID, action)
}
