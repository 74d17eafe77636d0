// Package ptb is the page-table backend (§4.2): architecture-specific
// map/unmap/query at a single virtual address. Grounded on the
// portable PTE bit vocabulary in mem/mem.go (PTE_P, PTE_W, PTE_U,
// PTE_PCD, PTE_PS) and on oboskrnl/mm/context.h's
// MmS_SetPageMapping/MmS_QueryPageInfo/MmS_GetCurrentPageTable
// contract. Real obos runs this in ring 0 against a hardware table;
// this rendition is the architecture-neutral shape of that contract,
// backed by an ordinary map so the rest of the VMM never needs to
// know it isn't real silicon.
package ptb

import (
	"sync"

	"obos/defs"
	"obos/pmm"
)

// Protection mirrors PageProtection: bits every page in a range
// nominally shares, plus the per-page present bit the fault handler
// and ASC flip independently of the owning range's nominal protection.
type Protection struct {
	Present    bool
	RW         bool
	Executable bool
	User       bool
	RO         bool
	UC         bool
	HugePage   bool
	IsSwapPhys bool
}

// PageInfo is what Query returns and SetMapping consumes: the virtual
// address, its physical backing (meaningless when !Prot.Present), and
// its protection.
type PageInfo struct {
	Virt uintptr
	Phys pmm.Phys
	Prot Protection
}

// PageTable is one architecture page table: either a kernel table
// shared by the kernel ASC, or a per-process table owned by a user
// ASC. It is intentionally a flat map rather than a multi-level radix
// structure — the obos spec describes the portable contract at this
// level, and a real architecture's actual page-table walk is exactly
// the part the spec delegates to "the architecture," per §4.2.
type PageTable struct {
	mu      sync.RWMutex
	entries map[uintptr]PageInfo
}

// NewPageTable creates an empty page table.
func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[uintptr]PageInfo)}
}

// Query populates info with the protection and backing at addr. If
// addr was never mapped, info.Prot.Present is false and the rest of
// info is zeroed, matching a not-present PTE.
func (pt *PageTable) Query(addr uintptr) PageInfo {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if info, ok := pt.entries[addr]; ok {
		return info
	}
	return PageInfo{Virt: addr}
}

// SetMapping installs (or clears, when !prot.Present) the mapping at
// addr. invalidate is accepted for interface fidelity with the
// original's TLB-shootdown parameter; a map-backed table has no stale
// TLB entries to shoot down, so it is a no-op here. Creation paths
// pass false and Protect passes true; frees clear entries through
// Unmap, which takes no such parameter.
func (pt *PageTable) SetMapping(addr uintptr, phys pmm.Phys, prot Protection, invalidate bool) defs.Status {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if !prot.Present {
		delete(pt.entries, addr)
		return defs.StatusSuccess
	}
	pt.entries[addr] = PageInfo{Virt: addr, Phys: phys, Prot: prot}
	return defs.StatusSuccess
}

// Unmap clears any mapping at addr.
func (pt *PageTable) Unmap(addr uintptr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.entries, addr)
}

// kernelTable is the one table shared by every kernel-space context
// (Mm_KernelContext's pt in the original); MmS_GetCurrentPageTable
// always returns it regardless of the calling thread's process.
var kernelTable = NewPageTable()

// GetCurrentPageTable returns the kernel page table, matching
// MmS_GetCurrentPageTable's documented behavior: it always returns the
// kernel table, never the calling process's.
func GetCurrentPageTable() *PageTable { return kernelTable }
