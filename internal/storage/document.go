package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

type header struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func encode(doc any) ([]byte, header, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, header{}, fmt.Errorf("encode document: %w", err)
	}
	var h header
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, header{}, fmt.Errorf("decode document header: %w", err)
	}
	if h.ID == "" {
		return nil, header{}, fmt.Errorf("document has no id")
	}
	return body, h, nil
}

// normalize round-trips v through JSON so typed values compare like stored ones.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizePatch returns the patch as plain JSON values plus its status
// change, if any.
func normalizePatch(p Patch) (map[string]any, string, error) {
	out := make(map[string]any, len(p))
	for k, v := range p {
		n, err := normalize(v)
		if err != nil {
			return nil, "", fmt.Errorf("patch field %s: %w", k, err)
		}
		out[k] = n
	}
	status, _ := out["status"].(string)
	return out, status, nil
}

func applyPatch(body []byte, p map[string]any) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	for k, v := range p {
		m[k] = v
	}
	return json.Marshal(m)
}

type matcher struct {
	fields    map[string]any
	statuses  map[string]struct{}
	excludeID string
}

func newMatcher(f Filter) (*matcher, error) {
	m := &matcher{fields: make(map[string]any, len(f.Fields)), excludeID: f.ExcludeID}
	for k, v := range f.Fields {
		n, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("filter field %s: %w", k, err)
		}
		m.fields[k] = n
	}
	if len(f.StatusIn) > 0 {
		m.statuses = make(map[string]struct{}, len(f.StatusIn))
		for _, s := range f.StatusIn {
			m.statuses[s] = struct{}{}
		}
	}
	return m, nil
}

func (m *matcher) match(body []byte) (bool, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, err
	}
	if m.excludeID != "" && doc["id"] == m.excludeID {
		return false, nil
	}
	if m.statuses != nil {
		s, _ := doc["status"].(string)
		if _, ok := m.statuses[s]; !ok {
			return false, nil
		}
	}
	for k, want := range m.fields {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false, nil
		}
	}
	return true, nil
}

// decodeList unmarshals bodies into out, which must point to a slice.
func decodeList(bodies [][]byte, out any) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range bodies {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return json.Unmarshal(buf.Bytes(), out)
}
