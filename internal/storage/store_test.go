package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type testDoc struct {
	ID      string  `json:"id"`
	LoadID  string  `json:"load_id"`
	Owner   string  `json:"owner"`
	Amount  float64 `json:"amount"`
	Deleted bool    `json:"deleted"`
	Status  string  `json:"status"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := NewBadgerStore("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	return map[string]Store{"memory": NewMemoryStore(), "badger": bs}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			docs := []testDoc{
				{ID: "b1", LoadID: "l1", Owner: "t1", Amount: 100, Status: "ACTIVE"},
				{ID: "b2", LoadID: "l1", Owner: "t2", Amount: 120, Status: "ACTIVE"},
				{ID: "b3", LoadID: "l2", Owner: "t1", Amount: 90, Status: "WITHDRAWN"},
			}
			for _, d := range docs {
				if err := s.Insert(ctx, "bids", d); err != nil {
					t.Fatalf("insert %s: %v", d.ID, err)
				}
			}
			if err := s.Insert(ctx, "bids", docs[0]); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("expected duplicate id error, got %v", err)
			}

			var got testDoc
			if err := s.Get(ctx, "bids", "b2", &got); err != nil || got.Amount != 120 {
				t.Fatalf("get b2: %+v err=%v", got, err)
			}
			if err := s.Get(ctx, "bids", "missing", &got); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			var list []testDoc
			if err := s.Find(ctx, "bids", Filter{Fields: map[string]any{"load_id": "l1"}, StatusIn: []string{"ACTIVE"}}, &list); err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(list) != 2 || list[0].ID != "b1" || list[1].ID != "b2" {
				t.Fatalf("expected b1,b2 in insertion order, got %+v", list)
			}

			list = nil
			if err := s.Find(ctx, "bids", Filter{Fields: map[string]any{"amount": 90, "deleted": false}}, &list); err != nil || len(list) != 1 {
				t.Fatalf("numeric/bool filter: %+v err=%v", list, err)
			}

			if err := s.UpdateConditional(ctx, "bids", "b1", "ACTIVE", Patch{"status": "WON"}); err != nil {
				t.Fatalf("cas: %v", err)
			}
			if err := s.UpdateConditional(ctx, "bids", "b1", "ACTIVE", Patch{"status": "LOST"}); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict on stale status, got %v", err)
			}
			if err := s.UpdateConditional(ctx, "bids", "nope", "ACTIVE", Patch{"status": "LOST"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			n, err := s.UpdateMany(ctx, "bids", Filter{Fields: map[string]any{"load_id": "l1"}, StatusIn: []string{"ACTIVE"}, ExcludeID: "b1"}, Patch{"status": "LOST"})
			if err != nil || n != 1 {
				t.Fatalf("update many: n=%d err=%v", n, err)
			}
			if err := s.Get(ctx, "bids", "b2", &got); err != nil || got.Status != "LOST" {
				t.Fatalf("expected b2 LOST, got %+v err=%v", got, err)
			}
			// the indexed status follows the patch
			if err := s.UpdateConditional(ctx, "bids", "b2", "LOST", Patch{"amount": 1}); err != nil {
				t.Fatalf("cas on patched status: %v", err)
			}

			empty := []testDoc{}
			if err := s.Find(ctx, "nothing", Filter{}, &empty); err != nil || len(empty) != 0 {
				t.Fatalf("empty collection: %+v err=%v", empty, err)
			}
		})
	}
}

func TestInsertUniqueIsAtomic(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			guard := Filter{Fields: map[string]any{"load_id": "l1", "owner": "t1"}, StatusIn: []string{"ACTIVE"}}
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, dups := 0, 0
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					d := testDoc{ID: string(rune('a' + i)), LoadID: "l1", Owner: "t1", Status: "ACTIVE"}
					err := s.InsertUnique(ctx, "bids", d, guard)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, ErrDuplicate):
						dups++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 || dups != 15 {
				t.Fatalf("expected exactly one insert, got wins=%d dups=%d", wins, dups)
			}

			// a guard match in another status does not block
			var list []testDoc
			if err := s.Find(ctx, "bids", Filter{}, &list); err != nil || len(list) != 1 {
				t.Fatalf("find all: %v %v", list, err)
			}
			if err := s.UpdateConditional(ctx, "bids", list[0].ID, "ACTIVE", Patch{"status": "WITHDRAWN"}); err != nil {
				t.Fatalf("withdraw: %v", err)
			}
			if err := s.InsertUnique(ctx, "bids", testDoc{ID: "z", LoadID: "l1", Owner: "t1", Status: "ACTIVE"}, guard); err != nil {
				t.Fatalf("insert after withdraw: %v", err)
			}
		})
	}
}

func TestConcurrentCASSingleWinner(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Insert(ctx, "loads", testDoc{ID: "l1", Status: "ACTIVE"}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.UpdateConditional(ctx, "loads", "l1", "ACTIVE", Patch{"status": "ASSIGNED"}); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected one winner, got %d", wins)
			}
		})
	}
}
