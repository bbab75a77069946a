package request

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/sells-group/portal-sync/internal/model"
)

// NormalizeBase cleans a catalog base URL: whitespace removed, https scheme
// added when missing, trailing slashes dropped and the profile's API segment
// appended exactly once. Normalizing an already normalized URL is a no-op.
func NormalizeBase(raw string, p Profile) string {
	u := stripSpace(raw)
	if u == "" {
		return ""
	}
	if !hasScheme(u) {
		u = "https://" + strings.TrimLeft(u, "/")
	}
	u = strings.TrimRight(u, "/")

	seg := strings.Trim(p.APISegment, "/")
	if seg == "" {
		return u
	}
	lower := strings.ToLower(seg)
	for {
		trimmed := strings.TrimRight(u, "/")
		if !strings.HasSuffix(strings.ToLower(trimmed), "/"+lower) {
			u = trimmed
			break
		}
		rest := trimmed[:len(trimmed)-len(seg)-1]
		if strings.HasSuffix(rest, ":/") {
			u = trimmed
			break
		}
		u = rest
	}
	return u + "/" + seg
}

// Build renders the URL for a coordinate. The builder never adds a query
// separator; templates carry their own "?" when the vendor needs one.
func Build(c model.Coordinate, p Profile) string {
	base := NormalizeBase(c.Municipality.BaseURL, p)
	path := p.SubjectPrefix + c.Subject.PathSegment()
	u := base + "/" + path + Render(p.Template(c.Subject), c)
	return collapseSlashes(stripSpace(u))
}

// Render substitutes the placeholders of a template. Absent values render
// as empty text.
func Render(template string, c model.Coordinate) string {
	if template == "" {
		return ""
	}
	return placeholderReplacer(values(c)).Replace(template)
}

type placeholderValues struct {
	year, period, month, unit, page string
}

func values(c model.Coordinate) placeholderValues {
	var v placeholderValues
	if c.HasYear() {
		v.year = strconv.Itoa(c.Year)
	}
	if c.HasPeriod() {
		v.period = strconv.Itoa(c.Period)
		v.month = twoDigits(c.Period)
	}
	v.unit = c.Municipality.UnitIDText()
	page := c.Page
	if page == 0 {
		page = 1
	}
	v.page = strconv.Itoa(page)
	return v
}

func placeholderReplacer(v placeholderValues) *strings.Replacer {
	return strings.NewReplacer(
		"{year}", v.year,
		"{exercicio}", v.year,
		"{period}", v.period,
		"{periodo}", v.period,
		"{month}", v.month,
		"{mes}", v.month,
		"{unitId}", v.unit,
		"{unidadeGestoraId}", v.unit,
		"{page}", v.page,
	)
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func hasScheme(u string) bool {
	l := strings.ToLower(u)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// collapseSlashes removes duplicate slashes in the path, leaving the
// scheme separator and the query string alone.
func collapseSlashes(u string) string {
	scheme := ""
	if i := strings.Index(u, "://"); i >= 0 {
		scheme, u = u[:i+3], u[i+3:]
	}
	query := ""
	if i := strings.IndexByte(u, '?'); i >= 0 {
		query, u = u[i:], u[:i]
	}
	for strings.Contains(u, "//") {
		u = strings.ReplaceAll(u, "//", "/")
	}
	return scheme + u + query
}
