// Package request turns crawl coordinates into portal URLs and back.
package request

import (
	"time"

	"github.com/sells-group/portal-sync/internal/model"
)

// Envelope describes how a vendor wraps its JSON body.
type Envelope int

const (
	EnvelopeNone      Envelope = iota
	EnvelopeXMLString          // ASMX web services: <string xmlns="http://tempuri.org/">[...]</string>
)

// Profile captures the per-vendor request conventions.
type Profile struct {
	Vendor model.Vendor

	// APISegment is appended to the base URL exactly once, e.g. "api".
	APISegment string

	// SubjectPrefix is prepended to every subject path, e.g. "json_".
	SubjectPrefix string

	// DefaultTemplate is used when a subject has no template of its own.
	DefaultTemplate string

	Envelope Envelope

	// Pagination cursor fields, set only for paginated vendors.
	Paginated       bool
	RecordsField    string
	NextPageField   string
	TotalPagesField string

	Timeout time.Duration
}

var profiles = map[model.Vendor]Profile{
	model.VendorTectrilha: {
		Vendor:     model.VendorTectrilha,
		APISegment: "api",
		Timeout:    60 * time.Second,
	},
	model.VendorPortalTP: {
		Vendor:        model.VendorPortalTP,
		APISegment:    "api/transparencia.asmx",
		SubjectPrefix: "json_",
		Envelope:      EnvelopeXMLString,
		Timeout:       30 * time.Second,
	},
	model.VendorAgape:    paginated(model.VendorAgape),
	model.VendorAlphatec: paginated(model.VendorAlphatec),
	model.VendorGeneric: {
		Vendor:  model.VendorGeneric,
		Timeout: 30 * time.Second,
	},
}

func paginated(v model.Vendor) Profile {
	return Profile{
		Vendor:          v,
		DefaultTemplate: "?page_size=100&page={page}",
		Paginated:       true,
		RecordsField:    "registros",
		NextPageField:   "pagina_proxima",
		TotalPagesField: "pagina_total",
		Timeout:         30 * time.Second,
	}
}

// ProfileFor returns the profile of a vendor. Unknown vendors get the
// generic profile.
func ProfileFor(v model.Vendor) Profile {
	if p, ok := profiles[v]; ok {
		return p
	}
	p := profiles[model.VendorGeneric]
	p.Vendor = v
	return p
}

// Template returns the subject's template, falling back to the profile default.
func (p Profile) Template(s model.Subject) string {
	if s.Template != "" {
		return s.Template
	}
	return p.DefaultTemplate
}
