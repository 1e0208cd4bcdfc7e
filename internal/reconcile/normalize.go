package reconcile

import (
	"net/url"
	"strings"
)

// Normalization before comparison. Representation differences between the
// local projection and the remote catalog (price formatting, CDN
// transformation parameters, whitespace) must never register as drift.

// NormalizeTitle collapses internal whitespace and ignores case.
func NormalizeTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// CanonicalImageURL reduces an image URL to its stable identity: lowercase
// scheme and host, path kept verbatim, query string and fragment dropped.
// CDNs append transformation parameters (resize, quality) that change per
// render without the underlying image changing.
func CanonicalImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// AvailabilityFromStock maps a local stock count to the remote
// availability vocabulary.
func AvailabilityFromStock(stock int) string {
	if stock > 0 {
		return "in stock"
	}
	return "out of stock"
}

// NormalizeAvailability maps remote availability spellings onto the same
// two-value vocabulary.
func NormalizeAvailability(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in stock", "instock", "available", "available for order":
		return "in stock"
	default:
		return "out of stock"
	}
}
