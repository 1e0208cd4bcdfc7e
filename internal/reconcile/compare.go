package reconcile

import (
	"strings"

	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/models"
)

// FieldDiff is one normalized mismatch between local and remote state.
type FieldDiff struct {
	Field  string
	Local  string
	Remote string
}

// CompareProduct diffs the fixed synchronized field set of a local product
// against its remote item. Both sides are normalized first; only real
// differences survive.
func CompareProduct(p models.Product, item catalog.Item) []FieldDiff {
	var diffs []FieldDiff

	localPrice := catalog.FormatPrice(p.PriceKobo, p.Currency)
	remoteKobo, remoteCur, err := catalog.ParsePrice(item.Price)
	switch {
	case err != nil:
		diffs = append(diffs, FieldDiff{Field: "price_kobo", Local: localPrice, Remote: item.Price})
	case remoteKobo != p.PriceKobo,
		remoteCur != "" && remoteCur != strings.ToUpper(p.Currency):
		diffs = append(diffs, FieldDiff{Field: "price_kobo", Local: localPrice, Remote: item.Price})
	}

	localAvail := AvailabilityFromStock(p.Stock)
	if remoteAvail := NormalizeAvailability(item.Availability); remoteAvail != localAvail {
		diffs = append(diffs, FieldDiff{Field: "availability", Local: localAvail, Remote: remoteAvail})
	}

	if NormalizeTitle(p.Title) != NormalizeTitle(item.Name) {
		diffs = append(diffs, FieldDiff{Field: "title", Local: p.Title, Remote: item.Name})
	}

	if CanonicalImageURL(p.ImageURL) != CanonicalImageURL(item.ImageURL) {
		diffs = append(diffs, FieldDiff{Field: "image_url", Local: p.ImageURL, Remote: item.ImageURL})
	}

	return diffs
}

// RepairAction picks the catalog-sync action that fixes a diffed product.
// A product missing remotely needs a create; an image-only drift needs only
// the image pushed; anything else is a full field update.
func RepairAction(diffs []FieldDiff, missingRemotely bool) string {
	if missingRemotely {
		return models.CatalogActionCreate
	}
	if len(diffs) == 1 && diffs[0].Field == "image_url" {
		return models.CatalogActionUpdateImage
	}
	return models.CatalogActionUpdate
}
