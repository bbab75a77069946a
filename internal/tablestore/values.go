package tablestore

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Affinity is the storage class a column accepts.
type Affinity string

const (
	AffinityInteger Affinity = "INTEGER"
	AffinityReal    Affinity = "REAL"
	AffinityText    Affinity = "TEXT"
	AffinityAny     Affinity = "" // NUMERIC, BLOB or undeclared: no checks
)

// AffinityOf maps a declared column type to its affinity following SQLite's
// rules, so tables created by other tools (BIGINT, FLOAT, VARCHAR) are
// understood too.
func AffinityOf(declared string) Affinity {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityAny
	}
}

// normalize turns a decoded payload value into a scalar: lists and objects
// become JSON text and booleans become 0/1.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case []any, map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, eris.Wrap(err, "serialize composite value")
		}
		return string(b), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return v, nil
	}
}

// kindOf classifies a normalized value for type inference.
func kindOf(v any) Affinity {
	switch x := v.(type) {
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return AffinityInteger
		}
		return AffinityReal
	case int, int32, int64:
		return AffinityInteger
	case float32, float64:
		return AffinityReal
	default:
		return AffinityText
	}
}

// infer picks the narrowest affinity holding every non-null value. An
// all-null column is TEXT.
func infer(values []any) Affinity {
	seen := false
	result := AffinityInteger
	for _, v := range values {
		if v == nil {
			continue
		}
		seen = true
		switch kindOf(v) {
		case AffinityText:
			return AffinityText
		case AffinityReal:
			result = AffinityReal
		}
	}
	if !seen {
		return AffinityText
	}
	return result
}

// storageValue converts a normalized value into what gets bound for a column of
// the given affinity. Values that do not fit are rejected rather than
// stored corrupted.
func storageValue(v any, aff Affinity) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case json.Number:
		return numberFor(string(x), aff)
	case int:
		return numberFor(strconv.FormatInt(int64(x), 10), aff)
	case int32:
		return numberFor(strconv.FormatInt(int64(x), 10), aff)
	case int64:
		return numberFor(strconv.FormatInt(x, 10), aff)
	case float32:
		return numberFor(strconv.FormatFloat(float64(x), 'g', -1, 32), aff)
	case float64:
		return numberFor(strconv.FormatFloat(x, 'g', -1, 64), aff)
	case string:
		switch aff {
		case AffinityInteger:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, eris.Errorf("text %q does not fit INTEGER", x)
			}
			return n, nil
		case AffinityReal:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, eris.Errorf("text %q does not fit REAL", x)
			}
			return f, nil
		default:
			return x, nil
		}
	default:
		return nil, eris.Errorf("unsupported value type %T", v)
	}
}

func numberFor(text string, aff Affinity) (any, error) {
	switch aff {
	case AffinityInteger:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
		return nil, eris.Errorf("number %s does not fit INTEGER", text)
	case AffinityReal:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsInf(f, 0) {
			return nil, eris.Errorf("number %s does not fit REAL", text)
		}
		return f, nil
	case AffinityText:
		return text, nil
	default:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return text, nil
		}
		return f, nil
	}
}
