package fetcher

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/resilience"
)

// Shape is the top-level layout of a decoded portal body.
type Shape int

const (
	ShapeRecordList     Shape = iota // [{...}, {...}]
	ShapeColumnarObject              // {"a": [1, 2], "b": [3, 4]}
	ShapeSingleRecord                // {"a": 1, "b": 2}
)

func (s Shape) String() string {
	switch s {
	case ShapeRecordList:
		return "record_list"
	case ShapeColumnarObject:
		return "columnar_object"
	case ShapeSingleRecord:
		return "single_record"
	default:
		return "unknown"
	}
}

// Object is a JSON object with its keys in wire order.
type Object struct {
	Keys   []string
	Values map[string]any
}

// Payload is one decoded body. Records is used by the list and single-record
// shapes; Columns by the columnar shape.
type Payload struct {
	Shape   Shape
	Records []Object
	Columns *Object // each value is a []any
}

// Len returns the number of records the payload carries.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	if p.Shape == ShapeColumnarObject {
		if len(p.Columns.Keys) == 0 {
			return 0
		}
		return len(p.Columns.Values[p.Columns.Keys[0]].([]any))
	}
	return len(p.Records)
}

// Batch normalizes the payload into uniform rows. Columnar objects are
// transposed; their arrays must all have the same length.
func (p *Payload) Batch() (*model.Batch, error) {
	switch p.Shape {
	case ShapeRecordList, ShapeSingleRecord:
		records := make([]map[string]any, len(p.Records))
		order := make([][]string, len(p.Records))
		for i, r := range p.Records {
			records[i], order[i] = r.Values, r.Keys
		}
		return model.NewBatch(records, order), nil

	case ShapeColumnarObject:
		n := -1
		for _, k := range p.Columns.Keys {
			col := p.Columns.Values[k].([]any)
			if n >= 0 && len(col) != n {
				return nil, resilience.NewError(resilience.KindShape,
					eris.Errorf("columnar payload: column %q has %d values, expected %d", k, len(col), n))
			}
			n = len(col)
		}
		records := make([]map[string]any, max(n, 0))
		order := make([][]string, len(records))
		for i := range records {
			rec := make(map[string]any, len(p.Columns.Keys))
			for _, k := range p.Columns.Keys {
				rec[k] = p.Columns.Values[k].([]any)[i]
			}
			records[i], order[i] = rec, p.Columns.Keys
		}
		return model.NewBatch(records, order), nil

	default:
		return nil, resilience.NewError(resilience.KindShape, eris.Errorf("unknown payload shape %d", p.Shape))
	}
}
