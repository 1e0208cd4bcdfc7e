package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/models"
)

// catalogSyncHandler pushes a local product change to the remote catalog
// and writes the sync outcome back onto the product.
type catalogSyncHandler struct {
	deps HandlerDeps
	log  *logrus.Entry
}

func newCatalogSyncHandler(deps HandlerDeps) Handler {
	return &catalogSyncHandler{deps: deps, log: deps.Log.WithField("handler", "catalog_sync")}
}

func (h *catalogSyncHandler) Execute(ctx context.Context, job models.Job) models.Outcome {
	var p models.CatalogSyncPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return models.Permanent(fmt.Errorf("malformed catalog_sync payload: %w", err))
	}

	creds, err := h.deps.Entities.MerchantCredentials(ctx, job.MerchantID)
	if err != nil {
		return loadOutcome(err, "credentials")
	}
	if !creds.Usable() {
		return models.Permanent(fmt.Errorf("merchant %s has no usable catalog credentials", job.MerchantID))
	}

	out := h.perform(ctx, creds, p)
	h.writeBack(ctx, p, out)
	return out
}

func (h *catalogSyncHandler) perform(ctx context.Context, creds models.MerchantCredentials, p models.CatalogSyncPayload) models.Outcome {
	switch p.Action {
	case models.CatalogActionDelete:
		if p.RetailerID == "" {
			return models.Permanent(fmt.Errorf("delete without retailer_id for product %s", p.ProductID))
		}
		return guarded(ctx, h.deps.Breakers, h.deps.Classifier, ServiceCatalog, func(ctx context.Context) error {
			return h.deps.Catalog.DeleteProduct(ctx, creds, p.RetailerID)
		})

	case models.CatalogActionUpdateImage:
		product, err := h.deps.Entities.GetProduct(ctx, p.ProductID)
		if err != nil {
			return loadOutcome(err, "product")
		}
		return guarded(ctx, h.deps.Breakers, h.deps.Classifier, ServiceCatalog, func(ctx context.Context) error {
			return h.deps.Catalog.UpdateImages(ctx, creds, []catalog.ImageUpdate{
				{RetailerID: product.RetailerID, ImageURL: product.ImageURL},
			})
		})

	case models.CatalogActionCreate, models.CatalogActionUpdate:
		product, err := h.deps.Entities.GetProduct(ctx, p.ProductID)
		if err != nil {
			return loadOutcome(err, "product")
		}
		item := itemFromProduct(product)
		return guarded(ctx, h.deps.Breakers, h.deps.Classifier, ServiceCatalog, func(ctx context.Context) error {
			if p.Action == models.CatalogActionCreate {
				return h.deps.Catalog.CreateProduct(ctx, creds, item)
			}
			return h.deps.Catalog.UpdateProduct(ctx, creds, item)
		})

	default:
		return models.Permanent(fmt.Errorf("unknown catalog action %q", p.Action))
	}
}

// writeBack records the sync outcome on the owning product so observers
// never see a stale in-progress state. Delete jobs may refer to a product
// row that is already gone; that is not an error.
func (h *catalogSyncHandler) writeBack(ctx context.Context, p models.CatalogSyncPayload, out models.Outcome) {
	if p.ProductID == "" {
		return
	}
	status := models.SyncStatusSynced
	var syncErr *string
	if out.Kind != models.ErrorKindNone {
		status = models.SyncStatusError
		text := out.ErrorText()
		syncErr = &text
	}
	if err := h.deps.Entities.UpdateProductSyncStatus(ctx, p.ProductID, status, syncErr); err != nil {
		h.log.WithError(err).WithField("product_id", p.ProductID).Warn("sync status write-back failed")
	}
}

func itemFromProduct(p models.Product) catalog.Item {
	availability := "out of stock"
	if p.Stock > 0 {
		availability = "in stock"
	}
	return catalog.Item{
		RetailerID:   p.RetailerID,
		Name:         p.Title,
		Description:  p.Description,
		Price:        catalog.FormatPrice(p.PriceKobo, p.Currency),
		Availability: availability,
		ImageURL:     p.ImageURL,
	}
}
