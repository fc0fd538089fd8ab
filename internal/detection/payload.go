package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValidationError reports a detection payload that does not have the
// expected shape. It is returned before any detection is used.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid detection payload: " + e.Reason
	}
	return "invalid detection payload: " + e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// wireDetection mirrors one element of the service's "detections" list.
type wireDetection struct {
	Class      *json.Number    `json:"class"`
	Name       *string         `json:"name"`
	Confidence *json.Number    `json:"confidence"`
	BBox       json.RawMessage `json:"bbox"`
}

// Parse decodes a single-frame result of the form {"detections": [...]}.
func Parse(payload []byte) (Set, error) {
	return parseResult(payload, "")
}

// ParseBatch decodes a batched result: an ordered JSON array holding one
// {"detections": [...]} object per submitted frame.
func ParseBatch(payload []byte) ([]Set, error) {
	var results []json.RawMessage
	if !isJSONArray(payload) {
		return nil, invalid("", "batched result is not a list")
	}
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, invalid("", "malformed JSON: %v", err)
	}

	sets := make([]Set, 0, len(results))
	for i, raw := range results {
		set, err := parseResult(raw, "["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func parseResult(payload []byte, prefix string) (Set, error) {
	var result map[string]json.RawMessage
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, invalid(prefix, "malformed JSON: %v", err)
	}
	if result == nil {
		return nil, invalid(prefix, "result is null")
	}

	field := prefix + "detections"
	raw, ok := result["detections"]
	if !ok {
		return nil, invalid(field, "missing")
	}
	if !isJSONArray(raw) {
		return nil, invalid(field, "not a list")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, invalid(field, "malformed list: %v", err)
	}

	set := make(Set, 0, len(items))
	for i, item := range items {
		d, err := parseDetection(item, field+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		set = append(set, d)
	}
	return set, nil
}

func parseDetection(raw json.RawMessage, field string) (Detection, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var w wireDetection
	if err := dec.Decode(&w); err != nil {
		return Detection{}, invalid(field, "not an object: %v", err)
	}

	if w.Class == nil {
		return Detection{}, invalid(field+".class", "missing")
	}
	class, err := integral(*w.Class)
	if err != nil {
		return Detection{}, invalid(field+".class", "%v", err)
	}

	if w.Confidence == nil {
		return Detection{}, invalid(field+".confidence", "missing")
	}
	conf, err := w.Confidence.Float64()
	if err != nil {
		return Detection{}, invalid(field+".confidence", "not a number")
	}

	box, err := parseBox(w.BBox)
	if err != nil {
		return Detection{}, invalid(field+".bbox", "%v", err)
	}

	name := strconv.Itoa(class)
	if w.Name != nil {
		name = *w.Name
	}

	return Detection{
		ClassID:    class,
		ClassName:  name,
		Confidence: conf,
		Box:        box,
	}, nil
}

// parseBox accepts [x1, y1, x2, y2] as well as the nested [[x1, y1, x2, y2]]
// form, in which case the first box is used.
func parseBox(raw json.RawMessage) (BoundingBox, error) {
	if len(raw) == 0 {
		return BoundingBox{}, fmt.Errorf("missing")
	}

	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		return boxFromCoords(flat)
	}

	var nested [][]float64
	if err := json.Unmarshal(raw, &nested); err != nil {
		return BoundingBox{}, fmt.Errorf("not a list of coordinates")
	}
	if len(nested) == 0 {
		return BoundingBox{}, fmt.Errorf("empty")
	}
	return boxFromCoords(nested[0])
}

func boxFromCoords(c []float64) (BoundingBox, error) {
	if len(c) != 4 {
		return BoundingBox{}, fmt.Errorf("expected 4 coordinates, got %d", len(c))
	}
	return BoundingBox{XMin: c[0], YMin: c[1], XMax: c[2], YMax: c[3]}, nil
}

func integral(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("not an integer: %s", n)
	}
	return int(f), nil
}

func isJSONArray(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
