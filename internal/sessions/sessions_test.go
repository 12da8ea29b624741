package sessions

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_CreateLookupDestroy(t *testing.T) {
	r := NewRegistry()

	r.Create(&Session{ID: "sbx-1", Kind: KindContainer, RunID: "run-1", BatchID: "a"})

	s := r.Lookup("sbx-1")
	if s == nil {
		t.Fatal("session not found after Create")
	}
	if s.Kind != KindContainer || s.BatchID != "a" {
		t.Errorf("session = %+v", s)
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}

	r.Destroy("sbx-1")
	if r.Lookup("sbx-1") != nil {
		t.Error("session still present after Destroy")
	}

	// Destroying an unknown id must not panic.
	r.Destroy("ghost")
}

func TestRegistry_DestroyRun(t *testing.T) {
	r := NewRegistry()
	r.Create(&Session{ID: "sbx-1", Kind: KindContainer, RunID: "run-1"})
	r.Create(&Session{ID: "sess-1", Kind: KindBackend, RunID: "run-1"})
	r.Create(&Session{ID: "sbx-2", Kind: KindContainer, RunID: "run-2"})

	removed := r.DestroyRun("run-1")
	if len(removed) != 2 {
		t.Fatalf("removed %d sessions, want 2", len(removed))
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if r.Lookup("sbx-2") == nil {
		t.Error("unrelated session removed")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("sbx-%d", n)
			r.Create(&Session{ID: id, Kind: KindContainer, RunID: "run-1"})
			r.Lookup(id)
			r.Destroy(id)
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0 after all destroys", r.Count())
	}
}
