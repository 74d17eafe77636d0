package pmm

import (
	"testing"

	"obos/defs"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(64, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAllocReturnsZeroedRefcountOne(t *testing.T) {
	r := newTestRegistry(t)
	pg, status := r.Alloc(AllocFlags{})
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	if pg.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", pg.Refcount())
	}
	for _, b := range r.Bytes(pg.Phys) {
		if b != 0 {
			t.Fatalf("freshly allocated frame not zeroed")
		}
	}
}

func TestRefDerefReturnsToFreeList(t *testing.T) {
	r := newTestRegistry(t)
	pg, _ := r.Alloc(AllocFlags{})
	r.Ref(pg)
	if pg.Refcount() != 2 {
		t.Fatalf("refcount = %d, want 2", pg.Refcount())
	}
	r.Deref(pg)
	if pg.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", pg.Refcount())
	}
	r.Deref(pg)
	if pg.Refcount() != 0 {
		t.Fatalf("refcount = %d, want 0", pg.Refcount())
	}

	pg2, status := r.Alloc(AllocFlags{})
	if defs.IsError(status) {
		t.Fatalf("Alloc after free: %s", status)
	}
	if pg2.Phys != pg.Phys {
		t.Fatalf("expected freed frame to be reused")
	}
}

func TestAnonPageIsPinned(t *testing.T) {
	r := newTestRegistry(t)
	before := r.AnonPage.Refcount()
	r.Deref(r.AnonPage)
	if r.AnonPage.Refcount() != before {
		t.Fatalf("pinned anon page's refcount changed after Deref")
	}
}

func TestAllocExhaustion(t *testing.T) {
	r := newTestRegistry(t)
	allocated := 0
	for {
		_, status := r.Alloc(AllocFlags{})
		if defs.IsError(status) {
			if status != defs.StatusNotEnoughMemory {
				t.Fatalf("unexpected status at exhaustion: %s", status)
			}
			break
		}
		allocated++
		if allocated > 1000 {
			t.Fatalf("registry never exhausted")
		}
	}
	if allocated != 63 { // 64 frames minus the pinned anon page
		t.Fatalf("allocated %d frames, want 63", allocated)
	}
}

func TestLookupOutOfRange(t *testing.T) {
	r := newTestRegistry(t)
	if _, ok := r.Lookup(Phys(1 << 40)); ok {
		t.Fatalf("Lookup of out-of-range address should fail")
	}
}
