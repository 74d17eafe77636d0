// Package pmm implements the physical page registry (PPR, §4.1): a
// catalogue of physical frames indexed by physical address, with
// reference counts and allocation of fresh frames. Grounded on
// biscuit's src/mem package (Physmem_t, Refaddr, Refup/Refdown,
// Refpg_new), adapted to the obos spec's explicit alloc/ref/deref/
// lookup surface and the distinction between pinned (anon/swap) and
// ordinary frames.
package pmm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"obos/defs"
)

// Phys is a physical frame address: an offset into the registry's
// backing arena, always a multiple of PageSize.
type Phys uintptr

// AllocFlags mirror the flags alloc() accepts.
type AllocFlags struct {
	Phys32 bool // constrain the frame to the low 4GiB
	Huge   bool // accepted but not consulted: every frame is pageSize bytes
}

// Page is the PhysicalPage record: a frame's address, reference count
// and pinned flag. It keeps no back-references to the virtual
// locations mapping it (swap-out, their only consumer, is out of scope).
type Page struct {
	Phys     Phys
	refcount int32
	pinned   bool
}

// Refcount returns the page's current reference count.
func (p *Page) Refcount() int { return int(p.refcount) }

// Registry is the process-global PPR: one per kernel image in the
// original, one per test/process here. It owns a single mmap'd arena
// that stands in for physical memory, so frames are backed by real,
// kernel-demand-zeroed pages rather than a Go slice the garbage
// collector might relocate or that never touched the OS.
type Registry struct {
	mu        sync.Mutex
	arena     []byte
	pageSize  uintptr
	pages     []Page // indexed by frame number, grounded on Physmem_t.Pgs
	freeList  []uint32
	low4GLimit uint32 // first frame index at or beyond 4GiB, for Phys32

	// AnonPage is the single well-known zero frame shared by every
	// demand-zero anonymous mapping until first write (§3, "Frame
	// sharing model"). It is pinned: deref never frees it.
	AnonPage *Page
}

// New allocates a registry backed by nframes frames of pageSize bytes
// each, obtained from one unix.Mmap call.
func New(nframes int, pageSize uintptr) (*Registry, error) {
	size := int(pageSize) * nframes
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap arena: %w", err)
	}
	r := &Registry{
		arena:    arena,
		pageSize: pageSize,
		pages:    make([]Page, nframes),
		low4GLimit: uint32(min64(int64(nframes), int64((uint64(4)<<30)/uint64(pageSize)))),
	}
	for i := range r.pages {
		r.pages[i] = Page{Phys: Phys(uintptr(i) * pageSize)}
	}
	for i := len(r.pages) - 1; i >= 0; i-- {
		r.freeList = append(r.freeList, uint32(i))
	}
	// Reserve frame 0 (the tail of the free list) as the pinned anon zero page so index math
	// in tests stays stable regardless of allocation order.
	anonIdx := r.freeList[len(r.freeList)-1]
	r.freeList = r.freeList[:len(r.freeList)-1]
	r.pages[anonIdx].refcount = 1
	r.pages[anonIdx].pinned = true
	r.AnonPage = &r.pages[anonIdx]
	return r, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Close releases the backing arena.
func (r *Registry) Close() error {
	if r.arena == nil {
		return nil
	}
	err := unix.Munmap(r.arena)
	r.arena = nil
	return err
}

func (r *Registry) idx(p Phys) int { return int(uintptr(p) / r.pageSize) }

// Bytes returns the frame's backing memory, sized PageSize.
func (r *Registry) Bytes(p Phys) []byte {
	i := r.idx(p)
	off := i * int(r.pageSize)
	return r.arena[off : off+int(r.pageSize)]
}

// Alloc allocates a fresh frame with refcount 1, optionally
// constrained to the low 4GiB window. The returned frame's content is
// zeroed (real anonymous memory is demand-zeroed by the OS; we zero
// explicitly since the arena is reused across Alloc/deref cycles).
func (r *Registry) Alloc(flags AllocFlags) (*Page, defs.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.freeList) == 0 {
		return nil, defs.StatusNotEnoughMemory
	}
	idx := -1
	if flags.Phys32 {
		for i := len(r.freeList) - 1; i >= 0; i-- {
			if r.freeList[i] < r.low4GLimit {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, defs.StatusNotEnoughMemory
		}
	} else {
		idx = len(r.freeList) - 1
	}
	fn := r.freeList[idx]
	r.freeList = append(r.freeList[:idx], r.freeList[idx+1:]...)
	pg := &r.pages[fn]
	pg.refcount = 1
	clear(r.Bytes(pg.Phys))
	return pg, defs.StatusSuccess
}

// Ref increments a frame's reference count.
func (r *Registry) Ref(p *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.refcount++
}

// Deref decrements a frame's reference count, returning it to the
// free pool once it reaches zero. Pinned frames (the anon page, and
// any future swap-header frame) are never freed.
func (r *Registry) Deref(p *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.pinned {
		return
	}
	p.refcount--
	if p.refcount < 0 {
		panic("pmm: refcount underflow")
	}
	if p.refcount == 0 {
		r.freeList = append(r.freeList, uint32(r.idx(p.Phys)))
	}
}

// Lookup finds the Page for a physical address, or reports false if
// it is out of range.
func (r *Registry) Lookup(p Phys) (*Page, bool) {
	i := r.idx(p)
	if i < 0 || i >= len(r.pages) {
		return nil, false
	}
	return &r.pages[i], true
}
