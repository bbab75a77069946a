package model

import "strconv"

// Municipality is one portal entry from the municipality catalog.
type Municipality struct {
	ID      string `json:"id"`
	Name    string `json:"name"` // portal display name, e.g. "Prefeitura de Vitória"
	City    string `json:"city"`
	BaseURL string `json:"base_url"`
	Vendor  Vendor `json:"vendor"`
	UnitID  *int64 `json:"unit_id,omitempty"` // vendor-specific managing unit
}

// UnitIDText renders the unit id as plain integer text, or "" when unset.
func (m Municipality) UnitIDText() string {
	if m.UnitID == nil {
		return ""
	}
	return strconv.FormatInt(*m.UnitID, 10)
}
