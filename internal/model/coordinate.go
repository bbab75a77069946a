package model

import "fmt"

// Coordinate is one unit of crawl work. Year and Period are zero when the
// subject has no such axis.
type Coordinate struct {
	Municipality Municipality `json:"municipality"`
	Subject      Subject      `json:"subject"`
	Year         int          `json:"year,omitempty"`
	Period       int          `json:"period,omitempty"`
	Page         int          `json:"page,omitempty"` // paginated vendors only, 1-based
}

// HasYear reports whether the coordinate is bound to a year.
func (c Coordinate) HasYear() bool { return c.Year != 0 }

// HasPeriod reports whether the coordinate is bound to a month.
func (c Coordinate) HasPeriod() bool { return c.Period != 0 }

// WithPage returns a copy of the coordinate pointing at the given page.
func (c Coordinate) WithPage(page int) Coordinate {
	c.Page = page
	return c
}

// String renders a compact label for logs, e.g. "vix/contratos/2023-05".
func (c Coordinate) String() string {
	s := c.Municipality.ID + "/" + c.Subject.Name
	switch {
	case c.HasPeriod():
		s += fmt.Sprintf("/%04d-%02d", c.Year, c.Period)
	case c.HasYear():
		s += fmt.Sprintf("/%04d", c.Year)
	}
	if c.Page > 0 {
		s += fmt.Sprintf("#p%d", c.Page)
	}
	return s
}
