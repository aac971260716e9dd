package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

type badgerDoc struct {
	Seq    uint64          `json:"seq"`
	Status string          `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// BadgerStore is an embedded document store. Keys are "collection/id" and
// values wrap the document with its insertion sequence.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	// writes are serialised so guard checks and CAS see a stable view
	mu sync.Mutex
}

// NewBadgerStore opens a store at path. An empty path keeps data in memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("!seq/documents"), 128)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func docKey(coll, id string) []byte { return []byte(coll + "/" + id) }

func readDoc(item *badger.Item) (badgerDoc, error) {
	var d badgerDoc
	err := item.Value(func(v []byte) error { return json.Unmarshal(v, &d) })
	return d, err
}

func (b *BadgerStore) Get(_ context.Context, coll, id string, out any) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(coll, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		d, err := readDoc(item)
		if err != nil {
			return err
		}
		return json.Unmarshal(d.Body, out)
	})
}

type keyedDoc struct {
	key []byte
	doc badgerDoc
}

// scan returns the documents of coll matching mt in insertion order.
func scan(txn *badger.Txn, coll string, mt *matcher) ([]keyedDoc, error) {
	prefix := []byte(coll + "/")
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var out []keyedDoc
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		d, err := readDoc(item)
		if err != nil {
			return nil, err
		}
		ok, err := mt.match(d.Body)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, keyedDoc{key: item.KeyCopy(nil), doc: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].doc.Seq < out[j].doc.Seq })
	return out, nil
}

func (b *BadgerStore) Find(_ context.Context, coll string, f Filter, out any) error {
	mt, err := newMatcher(f)
	if err != nil {
		return err
	}
	var bodies [][]byte
	err = b.db.View(func(txn *badger.Txn) error {
		docs, err := scan(txn, coll, mt)
		if err != nil {
			return err
		}
		for _, d := range docs {
			bodies = append(bodies, d.doc.Body)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return decodeList(bodies, out)
}

func (b *BadgerStore) Insert(ctx context.Context, coll string, doc any) error {
	return b.InsertUnique(ctx, coll, doc, Filter{})
}

func (b *BadgerStore) InsertUnique(_ context.Context, coll string, doc any, guard Filter) error {
	body, h, err := encode(doc)
	if err != nil {
		return err
	}
	var mt *matcher
	if len(guard.Fields) > 0 || len(guard.StatusIn) > 0 {
		if mt, err = newMatcher(guard); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.update(func(txn *badger.Txn) error {
		key := docKey(coll, h.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if mt != nil {
			existing, err := scan(txn, coll, mt)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return ErrDuplicate
			}
		}
		n, err := b.seq.Next()
		if err != nil {
			return err
		}
		return putDoc(txn, key, badgerDoc{Seq: n, Status: h.Status, Body: body})
	})
}

func (b *BadgerStore) UpdateConditional(_ context.Context, coll, id, expectedStatus string, p Patch) error {
	patch, status, err := normalizePatch(p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.update(func(txn *badger.Txn) error {
		key := docKey(coll, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		d, err := readDoc(item)
		if err != nil {
			return err
		}
		if expectedStatus != "" && d.Status != expectedStatus {
			return ErrConflict
		}
		return patchDoc(txn, key, d, patch, status)
	})
}

func (b *BadgerStore) UpdateMany(_ context.Context, coll string, f Filter, p Patch) (int, error) {
	patch, status, err := normalizePatch(p)
	if err != nil {
		return 0, err
	}
	mt, err := newMatcher(f)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	err = b.update(func(txn *badger.Txn) error {
		n = 0
		docs, err := scan(txn, coll, mt)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if err := patchDoc(txn, d.key, d.doc, patch, status); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := b.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func patchDoc(txn *badger.Txn, key []byte, d badgerDoc, patch map[string]any, status string) error {
	body, err := applyPatch(d.Body, patch)
	if err != nil {
		return err
	}
	d.Body = body
	if status != "" {
		d.Status = status
	}
	return putDoc(txn, key, d)
}

func putDoc(txn *badger.Txn, key []byte, d badgerDoc) error {
	v, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return txn.Set(key, v)
}

func (b *BadgerStore) Close() error {
	return errors.Join(b.seq.Release(), b.db.Close())
}
