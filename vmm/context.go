// Package vmm is the virtual memory manager: address-space contexts
// (ASC, §4.3), the page-range tree (PRT, §4.5) each context owns, and
// the fault handler (§4.4, in fault.go — kept in this package rather
// than a separate one so it can reach Context's unexported page table,
// registry and lock, mirroring Sys_pgfault living alongside Vm_t in
// biscuit's vm package). Grounded on oboskrnl/mm/context.h and
// oboskrnl/mm/alloc.c.
package vmm

import (
	"sort"

	"obos/accnt"
	"obos/defs"
	"obos/locks"
	"obos/pagecache"
	"obos/pmm"
	"obos/ptb"
	"obos/util"
	"obos/vfs"
)

// PageSize is the only page size this rendition supports; huge pages
// are recognized in the flag vocabulary but fold back to PageSize,
// the same simplification context.h documents for architectures where
// OBOS_HUGE_PAGE_SIZE == OBOS_PAGE_SIZE.
const PageSize = 4096

// CowType distinguishes the two copy-on-write disciplines a private
// mapping can use (§3, "Frame sharing model").
type CowType int

const (
	// CowNone: the range is not copy-on-write.
	CowNone CowType = iota
	// CowSymmetric: a private file-backed mapping. Both the mapping
	// and the backing page-cache entry start out pointing at the same
	// frame and read-only; either side's first write peels a private
	// copy (alloc.c: "Moooo (CoW)").
	CowSymmetric
	// CowAsymmetric: a private anonymous mapping. Every page starts
	// not-present and backed by the shared, pinned AnonPage; a first
	// read maps AnonPage read-only, and the first write installs a
	// private frame, so the sharing is one-way (peeled once, never
	// re-shared).
	CowAsymmetric
)

// Range is one contiguous reservation or commitment in a context's
// address space, grounded on page_range in mm/context.h.
type Range struct {
	Virt          uintptr
	Size          uintptr
	SizeCommitted uintptr
	Prot          defs.ProtFlags
	Pageable      bool
	Reserved      bool
	HasGuardPage  bool
	Cow           CowType

	// File-backed ranges point at the vnode and the byte offset the
	// range's first page corresponds to.
	File       *vfs.Vnode
	FileOffset uintptr
	MappedHere *pagecache.MappedRegion

	ctx *Context
}

// Contains reports whether addr falls within the range, guard page
// included (the guard page is unmapped but still "owned" by the
// range for free/protect purposes).
func (r *Range) Contains(addr uintptr) bool {
	return addr >= r.Virt && addr < r.Virt+r.Size
}

// MemStat mirrors context.h's memstat: the working-set accounting a
// context keeps for reporting (consumed by the accnt package).
type MemStat struct {
	Pageable        uintptr
	NonPaged        uintptr
	Reserved        uintptr
	CommittedMemory uintptr
	Paged           uintptr
}

// Context is an address-space context (ASC, §4.3): the owner of a
// page table and the page-range tree describing what is mapped where.
// Grounded on mm/context.h's context struct.
type Context struct {
	lock locks.Spinlock

	pt     *ptb.PageTable
	ppr    *pmm.Registry
	ranges []*Range // the PRT, kept sorted by Virt (§4.5)

	IsKernel bool
	Owner    defs.Tid
	Stat     MemStat

	base, limit uintptr
}

// addressSpace bounds mirror OBOS_KERNEL_ADDRESS_SPACE_{BASE,LIMIT}
// and OBOS_USER_ADDRESS_SPACE_{BASE,LIMIT}; arbitrary but page-aligned
// values stand in for the real architecture constants.
const (
	kernelBase  = 0xffff800000000000
	kernelLimit = 0xffffffffffffe000
	userBase    = 0x0000000000400000
	userLimit   = 0x00007ffffffff000
)

// NewContext creates an empty address-space context backed by ppr.
func NewContext(ppr *pmm.Registry, isKernel bool, owner defs.Tid) *Context {
	c := &Context{pt: ptb.NewPageTable(), ppr: ppr, IsKernel: isKernel, Owner: owner}
	if isKernel {
		c.base, c.limit = kernelBase, kernelLimit
	} else {
		c.base, c.limit = userBase, userLimit
	}
	return c
}

// PageTable exposes the context's page table to the fault handler.
func (c *Context) PageTable() *ptb.PageTable { return c.pt }

// MemStatSnapshot implements accnt.Stater: it returns a point-in-time
// copy of the context's accounting record.
func (c *Context) MemStatSnapshot() accnt.Snapshot {
	oldIrql := c.lock.Acquire()
	defer c.lock.Release(oldIrql)
	return accnt.Snapshot{
		Pageable:        c.Stat.Pageable,
		NonPaged:        c.Stat.NonPaged,
		Reserved:        c.Stat.Reserved,
		CommittedMemory: c.Stat.CommittedMemory,
		Paged:           c.Stat.Paged,
	}
}

// PageSize implements pagecache.KernelAllocator.
func (c *Context) PageSize() uintptr { return PageSize }

// BytesAt implements pagecache.KernelAllocator: it resolves addr's
// physical frame through the page table and returns its bytes.
func (c *Context) BytesAt(addr uintptr) []byte {
	info := c.pt.Query(addr - addr%PageSize)
	if !info.Prot.Present {
		return nil
	}
	return c.ppr.Bytes(info.Phys)
}

// ReserveNonPaged implements pagecache.KernelAllocator: it reserves a
// span with no frames behind it yet.
func (c *Context) ReserveNonPaged(size uintptr) (uintptr, defs.Status) {
	return c.Alloc(0, size, 0, defs.VMAReserve|defs.VMANonPaged, nil, 0)
}

// CommitPage implements pagecache.KernelAllocator: it commits a
// single page against an existing reservation, returning InUse if the
// page was already committed (alloc.c's "rng && !rng.reserved" path).
func (c *Context) CommitPage(addr uintptr) defs.Status {
	oldIrql := c.lock.Acquire()
	rng := c.findExactLocked(addr, PageSize)
	alreadyCommitted := rng != nil && (!rng.Reserved || c.pt.Query(addr).Prot.Present)
	c.lock.Release(oldIrql)
	if alreadyCommitted {
		return defs.StatusInUse
	}
	_, status := c.Alloc(addr, PageSize, 0, defs.VMANonPaged, nil, 0)
	if status == defs.StatusInUse {
		return defs.StatusInUse
	}
	return status
}

// findExactLocked returns the range exactly spanning [virt, virt+size)
// if one is already registered, grounded on alloc.c's
// `page_range what = {virt, size}; RB_FIND(...)` idiom: the original's
// red-black tree comparator treats two ranges as equal whenever they
// overlap, so this mirrors "the range overlapping virt" rather than a
// byte-exact match.
func (c *Context) findExactLocked(virt, size uintptr) *Range {
	for _, r := range c.ranges {
		if virt < r.Virt+r.Size && virt+size > r.Virt {
			return r
		}
	}
	return nil
}

// findContainingLocked returns the range containing addr, or nil.
func (c *Context) findContainingLocked(addr uintptr) *Range {
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].Virt+c.ranges[i].Size > addr })
	if i < len(c.ranges) && c.ranges[i].Contains(addr) {
		return c.ranges[i]
	}
	return nil
}

// FindContaining is the exported, locked form of findContainingLocked,
// used by the fault handler.
func (c *Context) FindContaining(addr uintptr) *Range {
	oldIrql := c.lock.Acquire()
	defer c.lock.Release(oldIrql)
	return c.findContainingLocked(addr)
}

func (c *Context) insertLocked(r *Range) {
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].Virt >= r.Virt })
	c.ranges = append(c.ranges, nil)
	copy(c.ranges[i+1:], c.ranges[i:])
	c.ranges[i] = r
}

func (c *Context) removeLocked(r *Range) {
	for i, x := range c.ranges {
		if x == r {
			c.ranges = append(c.ranges[:i], c.ranges[i+1:]...)
			return
		}
	}
}

// FindAvailable walks the PRT for the first gap of at least size plus
// one page at or above the context's base, grounded exactly on
// MmH_FindAvailableAddress's linear RB-tree walk.
func (c *Context) FindAvailable(size uintptr, flags defs.VMAFlags) (uintptr, defs.Status) {
	pgSize := uintptr(PageSize)
	base, limit := c.base, c.limit
	if flags.Has(defs.VMA32Bit) {
		base, limit = 0x1000, 0xfffff000
	}
	size = util.Roundup(size, pgSize)

	var lastNode *Range
	lastAddress := base
	var found uintptr
	for _, node := range c.ranges {
		if node.Virt < base {
			continue
		}
		if node.Virt >= limit {
			break
		}
		if node.Virt-lastAddress >= size+pgSize {
			if lastNode == nil {
				continue
			}
			found = lastAddress
			break
		}
		lastAddress = node.Virt + node.Size
		lastNode = node
	}
	if found == 0 {
		if lastNode != nil {
			found = lastNode.Virt + lastNode.Size
		} else {
			found = base
		}
	}
	if found == 0 || found+size > limit {
		return 0, defs.StatusNotEnoughMemory
	}
	return found, defs.StatusSuccess
}
