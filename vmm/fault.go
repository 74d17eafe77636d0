package vmm

import (
	"obos/defs"
	"obos/pmm"
	"obos/ptb"
)

// HandleFault resolves a page fault at virt caused by cause, per §4.4.
// It is the software-checked analogue of Sys_pgfault: there is no
// hardware trap here, so whatever calls this (a test harness, or a
// syscall implementation doing an explicit Userdmap8-style check)
// must itself have detected the not-present-or-mismatched-protection
// condition and supply the faulting address and access kind.
//
// The ASC's own spinlock is held only long enough to locate and
// validate the range (§4.4, "the affected ASC spinlock is acquired
// around the transition"); it is released before any call into the
// page cache, which may need to take the kernel context's own lock to
// populate its backing span. Holding it across a page-cache call would
// self-deadlock whenever the faulting context and the kernel page
// cache allocator are the same context.
func (c *Context) HandleFault(virt uintptr, cause defs.Cause) defs.Status {
	pgAddr := virt - virt%PageSize

	oldIrql := c.lock.Acquire()
	rng := c.findContainingLocked(pgAddr)
	valid := rng != nil && !rng.Reserved
	c.lock.Release(oldIrql)
	if !valid {
		return defs.StatusAccessDenied
	}

	info := c.pt.Query(pgAddr)
	if !info.Prot.Present {
		return c.resolveNotPresent(rng, pgAddr, cause)
	}
	if cause == defs.CauseWrite && !info.Prot.RW {
		if rng.Cow != CowNone {
			return c.peelCow(rng, pgAddr, info)
		}
		if rng.File != nil && !rng.Prot.Has(defs.ProtReadOnly) {
			// Not a CoW peel: this is a shared, non-private file
			// mapping whose PTE was installed read-only purely so the
			// first write would trap here and get tracked as dirty,
			// not to deny writes permanently.
			return c.upgradeSharedFileWrite(rng, pgAddr, info)
		}
		return defs.StatusAccessDenied
	}
	if cause == defs.CauseExecute && !info.Prot.Executable {
		return defs.StatusAccessDenied
	}
	return defs.StatusSuccess
}

// resolveNotPresent handles §4.4 step 3: populating a not-yet-present
// page, branching on whether the range is anonymous or file-backed.
func (c *Context) resolveNotPresent(rng *Range, pgAddr uintptr, cause defs.Cause) defs.Status {
	switch {
	case rng.File == nil:
		return c.resolveAnonFault(rng, pgAddr, cause)
	case rng.Cow == CowSymmetric:
		return c.resolveSymmetricFault(rng, pgAddr, cause)
	default:
		return c.resolveSharedFileFault(rng, pgAddr, cause)
	}
}

// resolveAnonFault: first touch of an anonymous page. A read shares
// the pinned zero frame read-only; a write installs a fresh zeroed
// frame directly (no point sharing then immediately peeling).
func (c *Context) resolveAnonFault(rng *Range, pgAddr uintptr, cause defs.Cause) defs.Status {
	if cause != defs.CauseWrite {
		c.ppr.Ref(c.ppr.AnonPage)
		prot := rangeProtection(rng, true)
		c.pt.SetMapping(pgAddr, c.ppr.AnonPage.Phys, prot, false)
		return defs.StatusSuccess
	}
	pg, status := c.ppr.Alloc(pmm.AllocFlags{})
	if defs.IsError(status) {
		return status
	}
	prot := rangeProtection(rng, false)
	c.pt.SetMapping(pgAddr, pg.Phys, prot, false)
	c.ppr.Deref(c.ppr.AnonPage)
	return defs.StatusSuccess
}

// resolveSharedFileFault: a non-private file-backed range. The page
// cache owns the frame; we just ref it into this mapping. Writes mark
// the cache's dirty-region tracker.
func (c *Context) resolveSharedFileFault(rng *Range, pgAddr uintptr, cause defs.Cause) defs.Status {
	fileOff := rng.FileOffset + (pgAddr - rng.Virt)
	addr, _, status := rng.File.PageCache.GetEntry(c, rng.File.FileInfo(), fileOff, PageSize)
	if defs.IsError(status) {
		return status
	}
	info := c.pt.Query(addr - addr%PageSize)
	c.ppr.Ref(mustLookup(c.ppr, info.Phys))
	prot := rangeProtection(rng, cause != defs.CauseWrite)
	c.pt.SetMapping(pgAddr, info.Phys, prot, false)
	if cause == defs.CauseWrite {
		rng.File.PageCache.DirtyCreate(fileOff, PageSize)
	}
	return defs.StatusSuccess
}

// resolveSymmetricFault: a private (CoW-SYMMETRIC) file mapping. A
// read installs the cache frame read-only, shared with every other
// reader; a write peels a private copy immediately.
func (c *Context) resolveSymmetricFault(rng *Range, pgAddr uintptr, cause defs.Cause) defs.Status {
	fileOff := rng.FileOffset + (pgAddr - rng.Virt)
	addr, _, status := rng.File.PageCache.GetEntry(c, rng.File.FileInfo(), fileOff, PageSize)
	if defs.IsError(status) {
		return status
	}
	cacheInfo := c.pt.Query(addr - addr%PageSize)
	cachedPage := mustLookup(c.ppr, cacheInfo.Phys)

	if cause != defs.CauseWrite {
		c.ppr.Ref(cachedPage)
		prot := rangeProtection(rng, true)
		c.pt.SetMapping(pgAddr, cacheInfo.Phys, prot, false)
		return defs.StatusSuccess
	}
	pg, status := c.ppr.Alloc(pmm.AllocFlags{})
	if defs.IsError(status) {
		return status
	}
	copy(c.ppr.Bytes(pg.Phys), c.ppr.Bytes(cacheInfo.Phys))
	prot := rangeProtection(rng, false)
	c.pt.SetMapping(pgAddr, pg.Phys, prot, false)
	return defs.StatusSuccess
}

// peelCow handles §4.4 step 4: a present, CoW-marked, read-only page
// being written. Both disciplines peel identically (allocate, copy,
// install writable, deref old); only the accounting differs in the
// original, which this rendition does not track per-page refcounts
// finely enough to distinguish (see DESIGN.md).
func (c *Context) peelCow(rng *Range, pgAddr uintptr, info ptb.PageInfo) defs.Status {
	oldPage := mustLookup(c.ppr, info.Phys)
	pg, status := c.ppr.Alloc(pmm.AllocFlags{})
	if defs.IsError(status) {
		return status
	}
	copy(c.ppr.Bytes(pg.Phys), c.ppr.Bytes(info.Phys))
	prot := rangeProtection(rng, false)
	c.pt.SetMapping(pgAddr, pg.Phys, prot, false)
	c.ppr.Deref(oldPage)
	return defs.StatusSuccess
}

// upgradeSharedFileWrite handles a write fault against an already
// present, read-only page of a shared (non-CoW) file-backed range:
// the page was mapped read-only on its first access only to force
// this trap, so the fix is to upgrade the PTE to writable and mark
// the backing region dirty, not to deny the write.
func (c *Context) upgradeSharedFileWrite(rng *Range, pgAddr uintptr, info ptb.PageInfo) defs.Status {
	fileOff := rng.FileOffset + (pgAddr - rng.Virt)
	prot := rangeProtection(rng, false)
	c.pt.SetMapping(pgAddr, info.Phys, prot, false)
	rng.File.PageCache.DirtyCreate(fileOff, PageSize)
	return defs.StatusSuccess
}

func rangeProtection(rng *Range, readOnly bool) ptb.Protection {
	return ptb.Protection{
		Present:    true,
		RW:         !readOnly && !rng.Prot.Has(defs.ProtReadOnly),
		Executable: rng.Prot.Has(defs.ProtExecutable),
		User:       rng.Prot.Has(defs.ProtUserPage),
		RO:         rng.Prot.Has(defs.ProtReadOnly),
		UC:         rng.Prot.Has(defs.ProtCacheDisable),
	}
}

func mustLookup(ppr *pmm.Registry, phys pmm.Phys) *pmm.Page {
	pg, ok := ppr.Lookup(phys)
	if !ok {
		panic("vmm: dangling physical address in a present PTE")
	}
	return pg
}
