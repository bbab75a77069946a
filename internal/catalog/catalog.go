// Package catalog loads the municipality and subject catalogs that drive a
// crawl.
package catalog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/portal-sync/internal/model"
)

// Catalog is the explicit input of a crawl: which portals, which subjects.
type Catalog struct {
	Vendor         model.Vendor
	Municipalities []model.Municipality
	Subjects       []model.Subject
}

// Load reads both catalog files and keeps the municipalities of vendor.
// Either file missing is an error.
func Load(vendor model.Vendor, municipalitiesPath, subjectsPath string) (*Catalog, error) {
	munis, err := LoadMunicipalities(municipalitiesPath)
	if err != nil {
		return nil, err
	}
	subjects, err := LoadSubjects(subjectsPath)
	if err != nil {
		return nil, err
	}
	c := &Catalog{Vendor: vendor, Subjects: subjects}
	for _, m := range munis {
		if m.Vendor == vendor {
			c.Municipalities = append(c.Municipalities, m)
		}
	}
	if len(c.Municipalities) == 0 {
		return nil, eris.Errorf("catalog: no municipalities for vendor %s in %s", vendor, municipalitiesPath)
	}
	if len(c.Subjects) == 0 {
		return nil, eris.Errorf("catalog: no subjects in %s", subjectsPath)
	}
	return c, nil
}

// Filter narrows the catalog to the named subjects and municipality IDs.
// Empty lists keep everything; unknown names are an error.
func (c *Catalog) Filter(subjects, municipalityIDs []string) (*Catalog, error) {
	out := &Catalog{Vendor: c.Vendor, Municipalities: c.Municipalities, Subjects: c.Subjects}

	if len(subjects) > 0 {
		out.Subjects = nil
		for _, name := range subjects {
			s, ok := c.Subject(name)
			if !ok {
				return nil, eris.Errorf("catalog: unknown subject %q", name)
			}
			out.Subjects = append(out.Subjects, s)
		}
	}
	if len(municipalityIDs) > 0 {
		out.Municipalities = nil
		for _, id := range municipalityIDs {
			m, ok := c.Municipality(id)
			if !ok {
				return nil, eris.Errorf("catalog: unknown municipality %q", id)
			}
			out.Municipalities = append(out.Municipalities, m)
		}
	}
	return out, nil
}

// Subject looks a subject up by name, case-insensitively.
func (c *Catalog) Subject(name string) (model.Subject, bool) {
	for _, s := range c.Subjects {
		if strings.EqualFold(s.Name, strings.TrimSpace(name)) {
			return s, true
		}
	}
	return model.Subject{}, false
}

// Municipality looks a municipality up by ID, case-insensitively.
func (c *Catalog) Municipality(id string) (model.Municipality, bool) {
	for _, m := range c.Municipalities {
		if strings.EqualFold(m.ID, strings.TrimSpace(id)) {
			return m, true
		}
	}
	return model.Municipality{}, false
}

// decodeFile decodes every row of a delimited file into T. Header names are
// lower-cased and mapped through aliases; a UTF-8 BOM and ';' delimiters
// are accepted.
func decodeFile[T any](path string, aliases map[string]string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	br := bufio.NewReader(transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(first)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read header of %s", path)
	}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if canon, ok := aliases[h]; ok {
			h = canon
		}
		header[i] = h
	}

	dec, err := csvutil.NewDecoder(cr, header...)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: decoder for %s", path)
	}

	var out []T
	for {
		var row T
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, eris.Wrapf(err, "catalog: decode %s line %d", path, len(out)+2)
		}
		out = append(out, row)
	}
	return out, nil
}

func sniffDelimiter(head []byte) rune {
	line := string(head)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}
