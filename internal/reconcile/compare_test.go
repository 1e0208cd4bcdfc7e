package reconcile

import (
	"testing"

	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/models"
)

func TestCanonicalImageURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips transformation params", "https://cdn.example.com/img/p1.jpg?w=640&q=80", "https://cdn.example.com/img/p1.jpg"},
		{"lowercases scheme and host", "HTTPS://CDN.Example.com/img/P1.jpg", "https://cdn.example.com/img/P1.jpg"},
		{"drops fragment", "https://cdn.example.com/p1.jpg#main", "https://cdn.example.com/p1.jpg"},
		{"empty stays empty", "", ""},
		{"unparseable returned as-is", "not a url", "not a url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanonicalImageURL(tc.in); got != tc.want {
				t.Fatalf("CanonicalImageURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	if NormalizeTitle("  Blue   Sneakers ") != NormalizeTitle("blue sneakers") {
		t.Fatal("expected whitespace and case to be ignored")
	}
	if NormalizeTitle("Blue Sneakers") == NormalizeTitle("Red Sneakers") {
		t.Fatal("expected different titles to stay different")
	}
}

func baseProduct() models.Product {
	return models.Product{
		ID:         "p1",
		MerchantID: "m1",
		Title:      "Blue Sneakers",
		PriceKobo:  15000,
		Currency:   "NGN",
		Stock:      3,
		RetailerID: "sku-1",
		ImageURL:   "https://cdn.example.com/p1.jpg",
	}
}

func matchingItem() catalog.Item {
	return catalog.Item{
		RetailerID:   "sku-1",
		Name:         "blue  sneakers",
		Price:        "150.00 NGN",
		Availability: "In Stock",
		ImageURL:     "HTTPS://cdn.example.com/p1.jpg?w=640",
	}
}

func TestCompareProductNoDriftWhenNormalizedEqual(t *testing.T) {
	diffs := CompareProduct(baseProduct(), matchingItem())
	if len(diffs) != 0 {
		t.Fatalf("expected no drift, got %v", diffs)
	}
}

func TestCompareProductPriceDrift(t *testing.T) {
	item := matchingItem()
	item.Price = "140.00 NGN"

	diffs := CompareProduct(baseProduct(), item)
	if len(diffs) != 1 {
		t.Fatalf("expected exactly one diff, got %v", diffs)
	}
	if diffs[0].Field != "price_kobo" {
		t.Fatalf("expected price_kobo drift, got %s", diffs[0].Field)
	}
	if diffs[0].Local != "150.00 NGN" || diffs[0].Remote != "140.00 NGN" {
		t.Fatalf("unexpected diff values: %+v", diffs[0])
	}
}

func TestCompareProductCurrencyDrift(t *testing.T) {
	item := matchingItem()
	item.Price = "150.00 USD"
	diffs := CompareProduct(baseProduct(), item)
	if len(diffs) != 1 || diffs[0].Field != "price_kobo" {
		t.Fatalf("expected price_kobo drift on currency mismatch, got %v", diffs)
	}
}

func TestCompareProductAvailabilityDrift(t *testing.T) {
	p := baseProduct()
	p.Stock = 0
	diffs := CompareProduct(p, matchingItem())
	if len(diffs) != 1 || diffs[0].Field != "availability" {
		t.Fatalf("expected availability drift, got %v", diffs)
	}
	if diffs[0].Local != "out of stock" || diffs[0].Remote != "in stock" {
		t.Fatalf("unexpected diff values: %+v", diffs[0])
	}
}

func TestCompareProductMultipleDrifts(t *testing.T) {
	item := matchingItem()
	item.Price = "99.99 NGN"
	item.Name = "Red Sneakers"
	item.ImageURL = "https://cdn.example.com/other.jpg"

	diffs := CompareProduct(baseProduct(), item)
	if len(diffs) != 3 {
		t.Fatalf("expected 3 diffs, got %v", diffs)
	}
}

func TestRepairAction(t *testing.T) {
	if got := RepairAction(nil, true); got != models.CatalogActionCreate {
		t.Fatalf("missing remotely should repair with create, got %s", got)
	}
	imageOnly := []FieldDiff{{Field: "image_url"}}
	if got := RepairAction(imageOnly, false); got != models.CatalogActionUpdateImage {
		t.Fatalf("image-only drift should repair with update_image, got %s", got)
	}
	mixed := []FieldDiff{{Field: "image_url"}, {Field: "title"}}
	if got := RepairAction(mixed, false); got != models.CatalogActionUpdate {
		t.Fatalf("mixed drift should repair with update, got %s", got)
	}
}
