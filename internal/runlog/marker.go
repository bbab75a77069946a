package runlog

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Marker remembers the last period a crawl completed so a later run can
// continue from there.
type Marker struct {
	Year        int       `yaml:"year"`
	Month       int       `yaml:"month,omitempty"`
	CompletedAt time.Time `yaml:"completed_at"`
}

// LoadMarker reads the marker at path. A missing file returns nil, nil.
func LoadMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: read marker %s", path)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "runlog: parse marker %s", path)
	}
	if m.Year <= 0 {
		return nil, eris.Errorf("runlog: marker %s has no year", path)
	}
	return &m, nil
}

// SaveMarker writes the marker atomically.
func SaveMarker(path string, m Marker) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "runlog: encode marker")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "runlog: create dir for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "runlog: write %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "runlog: replace %s", path)
}
