package request

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-sync/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// Parse recovers the coordinate behind a URL produced by Build. It matches
// the URL against every municipality base and subject template; the ledger
// is the primary source of coordinates and this is only the fallback for
// error-log lines the ledger does not know. When several municipalities
// share the matching base, the unit id rendered into the URL picks one.
func Parse(rawURL string, municipalities []model.Municipality, subjects []model.Subject, p Profile) (model.Coordinate, error) {
	u := collapseSlashes(stripSpace(rawURL))
	if !hasScheme(u) {
		u = "https://" + strings.TrimLeft(u, "/")
	}
	lower := strings.ToLower(u)

	var (
		candidates []model.Municipality
		rest       string
		bestLen    = -1
	)
	for _, m := range municipalities {
		base := NormalizeBase(m.BaseURL, p)
		if base == "" || len(base) < bestLen {
			continue
		}
		if !strings.HasPrefix(lower, strings.ToLower(base)+"/") {
			continue
		}
		if len(base) > bestLen {
			candidates, rest, bestLen = nil, u[len(base)+1:], len(base)
		}
		candidates = append(candidates, m)
	}
	if bestLen < 0 {
		return model.Coordinate{}, eris.Errorf("request: no municipality matches %s", rawURL)
	}

	if prefix := p.SubjectPrefix; prefix != "" {
		if !strings.HasPrefix(strings.ToLower(rest), strings.ToLower(prefix)) {
			return model.Coordinate{}, eris.Errorf("request: %s lacks subject prefix %q", rawURL, prefix)
		}
		rest = rest[len(prefix):]
	}

	var (
		found   bool
		best    model.Coordinate
		unit    string
		bestSeg = -1
	)
	for _, s := range subjects {
		seg := s.PathSegment()
		if len(seg) <= bestSeg || !strings.HasPrefix(strings.ToLower(rest), strings.ToLower(seg)) {
			continue
		}
		c, captured, ok := matchTemplate(p.Template(s), rest[len(seg):])
		if !ok {
			continue
		}
		c.Subject = s
		best, unit, bestSeg, found = c, captured, len(seg), true
	}
	if !found {
		return model.Coordinate{}, eris.Errorf("request: no subject matches %s", rawURL)
	}

	muni, err := pickMunicipality(candidates, unit)
	if err != nil {
		return model.Coordinate{}, eris.Wrapf(err, "request: %s", rawURL)
	}
	best.Municipality = muni
	return best, nil
}

// pickMunicipality chooses among municipalities sharing one base URL by the
// unit id captured from the URL.
func pickMunicipality(candidates []model.Municipality, unit string) (model.Municipality, error) {
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if unit == "" {
		return model.Municipality{}, eris.Errorf("%d municipalities share the base and the URL carries no unit id", len(candidates))
	}
	var match []model.Municipality
	for _, m := range candidates {
		if m.UnitIDText() == unit {
			match = append(match, m)
		}
	}
	if len(match) != 1 {
		return model.Municipality{}, eris.Errorf("unit id %s matches %d of the municipalities sharing the base", unit, len(match))
	}
	return match[0], nil
}

// matchTemplate matches the rendered tail of a URL against a template and
// extracts the time axis, the page and the unit id text.
func matchTemplate(template, tail string) (model.Coordinate, string, bool) {
	template = stripSpace(template)
	var (
		pattern strings.Builder
		names   []string
		last    int
	)
	pattern.WriteString("(?i)^")
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(template, -1) {
		pattern.WriteString(regexp.QuoteMeta(template[last:loc[0]]))
		pattern.WriteString(`([^/?&]*)`)
		names = append(names, template[loc[2]:loc[3]])
		last = loc[1]
	}
	pattern.WriteString(regexp.QuoteMeta(template[last:]))
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return model.Coordinate{}, "", false
	}
	m := re.FindStringSubmatch(collapseSlashes(tail))
	if m == nil {
		return model.Coordinate{}, "", false
	}

	var (
		c    model.Coordinate
		unit string
	)
	for i, name := range names {
		v := m[i+1]
		if v == "" {
			continue
		}
		if name == "unitId" || name == "unidadeGestoraId" {
			unit = strings.TrimSuffix(v, ".0")
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.Coordinate{}, "", false
		}
		switch name {
		case "year", "exercicio":
			c.Year = n
		case "period", "periodo", "month", "mes":
			c.Period = n
		case "page":
			c.Page = n
		}
	}
	return c, unit, true
}
