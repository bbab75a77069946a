package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Vendor identifies the software provider behind a transparency portal.
type Vendor string

const (
	VendorTectrilha Vendor = "tectrilha"
	VendorPortalTP  Vendor = "portaltp"
	VendorAgape     Vendor = "agape"
	VendorAlphatec  Vendor = "alphatec"
	VendorGeneric   Vendor = "generic"
)

// Vendors returns every supported vendor in a stable order.
func Vendors() []Vendor {
	return []Vendor{VendorTectrilha, VendorPortalTP, VendorAgape, VendorAlphatec, VendorGeneric}
}

// ParseVendor converts a catalog or flag value into a Vendor. Matching is
// case-insensitive so "Tectrilha" and "tectrilha" name the same vendor.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Vendors() {
		if v == known {
			return v, nil
		}
	}
	return "", eris.Errorf("unknown vendor: %q (valid: tectrilha, portaltp, agape, alphatec, generic)", s)
}

// String returns the vendor tag.
func (v Vendor) String() string {
	return string(v)
}
