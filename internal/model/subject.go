package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Granularity is the time axis a subject is published on.
type Granularity string

const (
	GranularityNone    Granularity = "NONE"    // single snapshot, no time axis
	GranularityYearly  Granularity = "YEARLY"  // one request per year
	GranularityMonthly Granularity = "MONTHLY" // one request per (year, month)
)

// ParseGranularity converts a catalog value into a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "SNAPSHOT":
		return GranularityNone, nil
	case "YEARLY", "ANNUAL":
		return GranularityYearly, nil
	case "MONTHLY":
		return GranularityMonthly, nil
	default:
		return "", eris.Errorf("unknown granularity: %q (valid: NONE, YEARLY, MONTHLY)", s)
	}
}

// Subject is a named data category exposed by a vendor's API.
type Subject struct {
	Name        string      `json:"name"`
	Path        string      `json:"path,omitempty"`
	Template    string      `json:"template,omitempty"`
	Granularity Granularity `json:"granularity"`
	Keys        []string    `json:"keys,omitempty"`
}

// PathSegment returns the URL segment for the subject, defaulting to its name.
func (s Subject) PathSegment() string {
	if p := strings.Trim(strings.TrimSpace(s.Path), "/"); p != "" {
		return p
	}
	return strings.TrimSpace(s.Name)
}

// Table returns the destination table name for the subject.
func (s Subject) Table() string {
	return strings.ToLower(strings.TrimSpace(s.Name))
}

// InferGranularity guesses the granularity from the placeholders used in a
// template. Used when the catalog leaves the granularity column blank.
func InferGranularity(template string) Granularity {
	t := strings.ToLower(template)
	switch {
	case strings.Contains(t, "{period}"), strings.Contains(t, "{periodo}"), strings.Contains(t, "{month}"), strings.Contains(t, "{mes}"):
		return GranularityMonthly
	case strings.Contains(t, "{year}"), strings.Contains(t, "{exercicio}"):
		return GranularityYearly
	default:
		return GranularityNone
	}
}
