package storage

import (
	"context"
	"encoding/json"
	"sync"
)

type memDoc struct {
	id     string
	status string
	body   []byte
}

// MemoryStore keeps documents in process memory. Every call holds one lock,
// so the conditional and unique writes are trivially atomic.
type MemoryStore struct {
	mu    sync.RWMutex
	colls map[string]*memCollection
}

type memCollection struct {
	order []*memDoc
	byID  map[string]*memDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{colls: make(map[string]*memCollection)}
}

func (m *MemoryStore) coll(name string) *memCollection {
	c, ok := m.colls[name]
	if !ok {
		c = &memCollection{byID: make(map[string]*memDoc)}
		m.colls[name] = c
	}
	return c
}

func (m *MemoryStore) Get(_ context.Context, coll, id string, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.colls[coll]
	if !ok {
		return ErrNotFound
	}
	d, ok := c.byID[id]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(d.body, out)
}

func (m *MemoryStore) Find(_ context.Context, coll string, f Filter, out any) error {
	mt, err := newMatcher(f)
	if err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bodies [][]byte
	if c, ok := m.colls[coll]; ok {
		for _, d := range c.order {
			ok, err := mt.match(d.body)
			if err != nil {
				return err
			}
			if ok {
				bodies = append(bodies, d.body)
			}
		}
	}
	return decodeList(bodies, out)
}

func (m *MemoryStore) Insert(_ context.Context, coll string, doc any) error {
	body, h, err := encode(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(coll, body, h)
}

func (m *MemoryStore) InsertUnique(_ context.Context, coll string, doc any, guard Filter) error {
	body, h, err := encode(doc)
	if err != nil {
		return err
	}
	mt, err := newMatcher(guard)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.coll(coll).order {
		ok, err := mt.match(d.body)
		if err != nil {
			return err
		}
		if ok {
			return ErrDuplicate
		}
	}
	return m.insertLocked(coll, body, h)
}

func (m *MemoryStore) insertLocked(coll string, body []byte, h header) error {
	c := m.coll(coll)
	if _, exists := c.byID[h.ID]; exists {
		return ErrDuplicate
	}
	d := &memDoc{id: h.ID, status: h.Status, body: body}
	c.byID[h.ID] = d
	c.order = append(c.order, d)
	return nil
}

func (m *MemoryStore) UpdateConditional(_ context.Context, coll, id, expectedStatus string, p Patch) error {
	patch, status, err := normalizePatch(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.colls[coll]
	if !ok {
		return ErrNotFound
	}
	d, ok := c.byID[id]
	if !ok {
		return ErrNotFound
	}
	if expectedStatus != "" && d.status != expectedStatus {
		return ErrConflict
	}
	return d.apply(patch, status)
}

func (m *MemoryStore) UpdateMany(_ context.Context, coll string, f Filter, p Patch) (int, error) {
	patch, status, err := normalizePatch(p)
	if err != nil {
		return 0, err
	}
	mt, err := newMatcher(f)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.colls[coll]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, d := range c.order {
		ok, err := mt.match(d.body)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := d.apply(patch, status); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (d *memDoc) apply(patch map[string]any, status string) error {
	body, err := applyPatch(d.body, patch)
	if err != nil {
		return err
	}
	d.body = body
	if status != "" {
		d.status = status
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
