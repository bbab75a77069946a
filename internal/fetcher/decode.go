package fetcher

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/portal-sync/internal/request"
	"github.com/sells-group/portal-sync/internal/resilience"
)

// Decode turns a raw response body into a Page. The vendor profile decides
// whether an XML envelope is unwrapped and whether a pagination envelope is
// expected.
func Decode(body []byte, p request.Profile) (*Page, error) {
	data := bytes.TrimSpace(body)
	if p.Envelope == request.EnvelopeXMLString {
		unwrapped, err := unwrapXMLString(data)
		if err != nil {
			return nil, err
		}
		data = unwrapped
	}
	if len(data) == 0 {
		return nil, resilience.NewError(resilience.KindEmpty, nil)
	}

	if !json.Valid(data) {
		stripped, err := stripBOM(data)
		if err != nil || !json.Valid(stripped) {
			return nil, resilience.NewError(resilience.KindDecode, eris.New("response body is not valid JSON"))
		}
		data = stripped
		if len(data) == 0 {
			return nil, resilience.NewError(resilience.KindEmpty, nil)
		}
	}

	page := &Page{}
	if p.Paginated {
		env := gjson.ParseBytes(data)
		if env.IsObject() {
			records := env.Get(p.RecordsField)
			if !records.Exists() {
				return nil, resilience.NewError(resilience.KindShape,
					eris.Errorf("paginated payload lacks %q", p.RecordsField))
			}
			page.NextPage = int(env.Get(p.NextPageField).Int())
			page.TotalPages = int(env.Get(p.TotalPagesField).Int())
			data = []byte(records.Raw)
		}
	}

	payload, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	page.Payload = payload
	return page, nil
}

func stripBOM(data []byte) ([]byte, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, resilience.NewError(resilience.KindDecode, eris.Wrap(err, "strip bom"))
	}
	return bytes.TrimSpace(out), nil
}

type xmlString struct {
	XMLName xml.Name `xml:"string"`
	Value   string   `xml:",chardata"`
}

// unwrapXMLString extracts the JSON text an ASMX service wraps in a
// <string> element. Bodies that are not XML are returned unchanged.
func unwrapXMLString(data []byte) ([]byte, error) {
	probe := data
	if s, err := stripBOM(data); err == nil {
		probe = s
	}
	if len(probe) == 0 || probe[0] != '<' {
		return data, nil
	}

	dec := xml.NewDecoder(bytes.NewReader(probe))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	var env xmlString
	if err := dec.Decode(&env); err != nil {
		return nil, resilience.NewError(resilience.KindDecode, eris.Wrap(err, "xml envelope"))
	}
	return bytes.TrimSpace([]byte(env.Value)), nil
}

// decodePayload classifies a JSON document, keeping object keys in wire order.
func decodePayload(data []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, resilience.NewError(resilience.KindDecode, eris.Wrap(err, "read first token"))
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		if tok == nil {
			return nil, resilience.NewError(resilience.KindEmpty, nil)
		}
		return nil, resilience.NewError(resilience.KindShape, eris.Errorf("scalar payload %v", tok))
	}

	switch delim {
	case '[':
		var records []Object
		for dec.More() {
			t, err := dec.Token()
			if err != nil {
				return nil, resilience.NewError(resilience.KindDecode, eris.Wrap(err, "read element"))
			}
			if d, ok := t.(json.Delim); !ok || d != '{' {
				return nil, resilience.NewError(resilience.KindShape, eris.New("array element is not an object"))
			}
			obj, err := readObject(dec)
			if err != nil {
				return nil, err
			}
			records = append(records, obj)
		}
		if len(records) == 0 {
			return nil, resilience.NewError(resilience.KindEmpty, nil)
		}
		return &Payload{Shape: ShapeRecordList, Records: records}, nil

	case '{':
		obj, err := readObject(dec)
		if err != nil {
			return nil, err
		}
		if len(obj.Keys) == 0 {
			return nil, resilience.NewError(resilience.KindEmpty, nil)
		}
		if isColumnar(obj) {
			return &Payload{Shape: ShapeColumnarObject, Columns: &obj}, nil
		}
		return &Payload{Shape: ShapeSingleRecord, Records: []Object{obj}}, nil
	}
	return nil, resilience.NewError(resilience.KindShape, eris.Errorf("unexpected token %v", delim))
}

// readObject reads the members of an object whose '{' was already consumed.
func readObject(dec *json.Decoder) (Object, error) {
	obj := Object{Values: make(map[string]any)}
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return obj, resilience.NewError(resilience.KindDecode, eris.Wrap(err, "read key"))
		}
		key, ok := t.(string)
		if !ok {
			return obj, resilience.NewError(resilience.KindDecode, eris.Errorf("object key %v", t))
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return obj, resilience.NewError(resilience.KindDecode, eris.Wrapf(err, "decode %q", key))
		}
		if _, dup := obj.Values[key]; !dup {
			obj.Keys = append(obj.Keys, key)
		}
		obj.Values[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return obj, resilience.NewError(resilience.KindDecode, eris.Wrap(err, "read object end"))
	}
	return obj, nil
}

func isColumnar(obj Object) bool {
	for _, k := range obj.Keys {
		if _, ok := obj.Values[k].([]any); !ok {
			return false
		}
	}
	return true
}
