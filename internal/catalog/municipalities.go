package catalog

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/portal-sync/internal/model"
)

type municipalityRow struct {
	ID     string `csv:"id"`
	Name   string `csv:"name"`
	City   string `csv:"city"`
	URL    string `csv:"url"`
	Vendor string `csv:"vendor"`
	UnitID string `csv:"unit_id"`
}

var municipalityAliases = map[string]string{
	"prefeitura":       "name",
	"municipio":        "city",
	"município":        "city",
	"cidade":           "city",
	"empresa":          "vendor",
	"unidadegestora":   "unit_id",
	"unidadegestoraid": "unit_id",
	"link":             "url",
}

// LoadMunicipalities reads the municipality catalog. Rows without a URL are
// skipped; a blank vendor means generic; a blank ID is derived from the city.
func LoadMunicipalities(path string) ([]model.Municipality, error) {
	rows, err := decodeFile[municipalityRow](path, municipalityAliases)
	if err != nil {
		return nil, err
	}

	var out []model.Municipality
	seen := map[string]bool{}
	for i, r := range rows {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		m := model.Municipality{
			ID:      strings.TrimSpace(r.ID),
			Name:    strings.TrimSpace(r.Name),
			City:    strings.TrimSpace(r.City),
			BaseURL: strings.TrimSpace(r.URL),
			Vendor:  model.VendorGeneric,
		}
		if v := strings.TrimSpace(r.Vendor); v != "" {
			vendor, err := model.ParseVendor(v)
			if err != nil {
				return nil, eris.Wrapf(err, "catalog: %s line %d", path, i+2)
			}
			m.Vendor = vendor
		}
		if u := strings.TrimSpace(r.UnitID); u != "" {
			id, err := parseUnitID(u)
			if err != nil {
				return nil, eris.Wrapf(err, "catalog: %s line %d", path, i+2)
			}
			m.UnitID = &id
		}
		if m.ID == "" {
			m.ID = Slug(firstNonEmpty(m.City, m.Name, m.BaseURL))
		}
		key := string(m.Vendor) + "/" + strings.ToLower(m.ID)
		if seen[key] {
			return nil, eris.Errorf("catalog: duplicate municipality %q for %s in %s", m.ID, m.Vendor, path)
		}
		seen[key] = true
		out = append(out, m)
	}
	return out, nil
}

// parseUnitID accepts "12" and the "12.0" spreadsheets tend to write.
func parseUnitID(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || f != math.Trunc(f) {
		return 0, eris.Errorf("invalid unit id %q", s)
	}
	return int64(f), nil
}

// Slug lower-cases s, strips accents and joins words with "-":
// "São José dos Campos" becomes "sao-jose-dos-campos".
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(plain) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
