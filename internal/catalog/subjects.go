package catalog

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-sync/internal/model"
)

type subjectRow struct {
	Subject     string `csv:"subject"`
	Path        string `csv:"path"`
	Template    string `csv:"template"`
	Granularity string `csv:"granularity"`
	Keys        string `csv:"keys"`
}

var subjectAliases = map[string]string{
	"assunto":    "subject",
	"endpoint":   "path",
	"parametros": "template",
	"parâmetros": "template",
	"chaves":     "keys",
}

// LoadSubjects reads a vendor's subject catalog. A blank granularity is
// inferred from the template placeholders.
func LoadSubjects(path string) ([]model.Subject, error) {
	rows, err := decodeFile[subjectRow](path, subjectAliases)
	if err != nil {
		return nil, err
	}

	var out []model.Subject
	seen := map[string]bool{}
	for i, r := range rows {
		name := strings.TrimSpace(r.Subject)
		if name == "" {
			continue
		}
		s := model.Subject{
			Name:     name,
			Path:     strings.TrimSpace(r.Path),
			Template: strings.TrimSpace(r.Template),
			Keys:     splitKeys(r.Keys),
		}
		if g := strings.TrimSpace(r.Granularity); g != "" {
			gran, err := model.ParseGranularity(g)
			if err != nil {
				return nil, eris.Wrapf(err, "catalog: %s line %d", path, i+2)
			}
			s.Granularity = gran
		} else {
			s.Granularity = model.InferGranularity(s.Template)
		}
		if seen[s.Table()] {
			return nil, eris.Errorf("catalog: duplicate subject %q in %s", name, path)
		}
		seen[s.Table()] = true
		out = append(out, s)
	}
	return out, nil
}

func splitKeys(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ',' || r == '|' || r == ' '
	})
}
