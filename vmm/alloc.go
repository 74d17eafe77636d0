package vmm

import (
	"obos/defs"
	"obos/pagecache"
	"obos/pmm"
	"obos/ptb"
	"obos/util"
	"obos/vfs"
)

// physResult is a (Phys, present) pair used while resolving each
// page's backing frame during Alloc, standing in for the original's
// `page* phys` pointer (nil meaning "no frame yet").
type physResult struct {
	Phys pmm.Phys
	Ok   bool
}

// Alloc reserves or commits a range of the context's address space,
// grounded on Mm_VirtualMemoryAlloc. base==0 requests any address;
// fd!=nil requests a file-backed mapping starting at fileOff, opened
// through fd rather than a bare vnode so Alloc can consult the open
// file's own read/write capability (FD_FLAGS_READ/WRITE in the
// original) rather than just the vnode's permission bits.
//
// The private/shared split decides the CoW discipline: a private
// file-backed mapping gets CowSymmetric (shared frame until either
// side writes); a private anonymous commit gets CowAsymmetric (every
// page starts backed by the pinned zero frame); VMAReserve never
// installs a mapping at all.
func (c *Context) Alloc(base, size uintptr, prot defs.ProtFlags, flags defs.VMAFlags, fd *vfs.File, fileOff uintptr) (uintptr, defs.Status) {
	if size == 0 {
		return 0, defs.StatusInvalidArgument
	}
	if flags.Has(defs.VMAReserve) {
		fd = nil
	}
	if fd != nil && flags.Has(defs.VMANonPaged) {
		return 0, defs.StatusInvalidArgument
	}
	if fd != nil && fd.Vnode == nil {
		return 0, defs.StatusUninitialized
	}
	pgSize := uintptr(PageSize)
	if base%pgSize != 0 {
		return 0, defs.StatusInvalidArgument
	}
	if flags.Has(defs.VMA32BitPhys) {
		fd = nil
	}

	var file *vfs.Vnode
	var filesize uintptr
	if fd != nil {
		if !fd.Flags.Has(vfs.FileFlagRead) {
			return 0, defs.StatusAccessDenied
		}
		if !fd.Flags.Has(vfs.FileFlagWrite) && !flags.Has(defs.VMAPrivate) {
			prot |= defs.ProtReadOnly
		}
		file = fd.Vnode
		if fileOff+size > file.FileSize {
			size = file.FileSize - fileOff
		}
		filesize = size
		size = util.Roundup(size, pgSize)
	}
	if flags.Has(defs.VMAGuardPage) {
		size += pgSize
	}

	oldIrql := c.lock.Acquire()
	defer c.lock.Release(oldIrql)

	var rng *Range
	isNew := false
	for {
		if base == 0 {
			found, status := c.FindAvailable(size, flags&^defs.VMAGuardPage)
			if defs.IsError(status) {
				return 0, status
			}
			base = found
		}
		rng = c.findExactLocked(base, size)
		isNew = rng == nil
		if rng != nil && !rng.Reserved {
			if flags.Has(defs.VMAHint) {
				base = 0
				continue
			}
			return 0, defs.StatusInUse
		}
		break
	}

	var mapped *pagecache.MappedRegion
	if file != nil {
		mapped = &pagecache.MappedRegion{FileOff: fileOff, Size: filesize, Virt: base, Ctx: c}
		file.PageCache.AppendMappedRegion(mapped)
	}

	present := !flags.Has(defs.VMAReserve)
	if isNew {
		rng = &Range{
			Virt:         base,
			Size:         size,
			Prot:         prot,
			Reserved:     flags.Has(defs.VMAReserve),
			Pageable:     !flags.Has(defs.VMANonPaged),
			HasGuardPage: flags.Has(defs.VMAGuardPage),
			File:         file,
			FileOffset:   fileOff,
			MappedHere:   mapped,
			ctx:          c,
		}
	} else {
		rng.SizeCommitted += size
		if rng.SizeCommitted >= rng.Size {
			rng.Reserved = false
		}
		present = true
	}

	currFileOff := fileOff
	for addr := base; addr < base+size; addr += pgSize {
		isPresent := present && !(rng.HasGuardPage && addr == base)
		var phys physResult
		cow := false
		switch {
		case !isPresent:
			// nothing to map.
		case file != nil:
			info := c.pt.Query(uintptr(file.PageCache.Data()) + currFileOff)
			if flags.Has(defs.VMAPrivate) {
				cow = true
				rng.Cow = CowSymmetric
			}
			isPresent = info.Prot.Present
			if isPresent {
				if pg, ok := c.ppr.Lookup(info.Phys); ok {
					c.ppr.Ref(pg)
					phys = physResult{Phys: pg.Phys, Ok: true}
				}
				if cow {
					info.Prot.RW = false
					c.pt.SetMapping(uintptr(file.PageCache.Data())+currFileOff, info.Phys, info.Prot, false)
				}
			}
		case flags.Has(defs.VMANonPaged):
			pg, status := c.ppr.Alloc(pmm.AllocFlags{Phys32: flags.Has(defs.VMA32BitPhys), Huge: flags.Has(defs.VMAHugePage)})
			if defs.IsError(status) {
				return 0, status
			}
			phys = physResult{Phys: pg.Phys, Ok: true}
		default:
			rng.Cow = CowAsymmetric
			cow = true
			c.ppr.Ref(c.ppr.AnonPage)
			phys = physResult{Phys: c.ppr.AnonPage.Phys, Ok: true}
		}

		p := ptb.Protection{
			Present:    isPresent && phys.Ok,
			RW:         !cow && !prot.Has(defs.ProtReadOnly),
			Executable: prot.Has(defs.ProtExecutable),
			User:       prot.Has(defs.ProtUserPage),
			RO:         prot.Has(defs.ProtReadOnly),
			UC:         prot.Has(defs.ProtCacheDisable),
		}
		if rng.Cow == CowAsymmetric {
			p.Present = false
		}
		c.pt.SetMapping(addr, phys.Phys, p, false)
		currFileOff += pgSize
	}

	if !flags.Has(defs.VMAReserve) {
		effSize := size
		if flags.Has(defs.VMAGuardPage) {
			effSize -= pgSize
		}
		if !flags.Has(defs.VMANonPaged) {
			c.Stat.Pageable += effSize
		} else {
			c.Stat.NonPaged += effSize
		}
		if !isNew {
			c.Stat.Reserved -= effSize
		} else {
			c.Stat.CommittedMemory += effSize
		}
	} else {
		c.Stat.Reserved += size
	}

	if isNew {
		c.insertLocked(rng)
	}
	if flags.Has(defs.VMAGuardPage) {
		base += pgSize
	}
	return base, defs.StatusSuccess
}

// Free unmaps [base, base+size), splitting the owning range when the
// freed span is a strict subset, grounded on Mm_VirtualMemoryFree.
func (c *Context) Free(base, size uintptr) defs.Status {
	pgSize := uintptr(PageSize)
	base = util.Rounddown(base, pgSize)
	if base == 0 || size == 0 {
		return defs.StatusInvalidArgument
	}
	size = util.Roundup(size, pgSize)

	oldIrql := c.lock.Acquire()
	defer c.lock.Release(oldIrql)

	rng := c.findExactLocked(base, size)
	if rng == nil {
		return defs.StatusNotFound
	}

	if rng.HasGuardPage {
		base -= pgSize
		if size == rng.Size-pgSize {
			size += pgSize
		}
	}

	full := true
	if rng.Virt != base || rng.Size != size {
		full = false
		switch {
		case rng.Virt != base && rng.Size != size:
			if base+size > rng.Virt+rng.Size {
				return defs.StatusInvalidArgument
			}
			if base+size == rng.Virt+rng.Size {
				// The freed span is the range's tail: shrink in place.
				rng.Size -= size
				break
			}
			before := *rng
			after := *rng
			before.Size = base - rng.Virt
			after.Virt = before.Virt + before.Size + size
			after.Size = (rng.Virt + rng.Size) - after.Virt
			after.HasGuardPage = false
			c.removeLocked(rng)
			b, a := before, after
			c.insertLocked(&b)
			c.insertLocked(&a)
			rng = nil
		default:
			rng.Size -= size
			rng.Virt += size
		}
	}

	for addr := base; addr < base+size; addr += pgSize {
		info := c.pt.Query(addr)
		if info.Prot.Present {
			if pg, ok := c.ppr.Lookup(info.Phys); ok {
				c.ppr.Deref(pg)
			}
		}
		c.pt.Unmap(addr)
	}

	if rng != nil {
		if rng.Reserved {
			c.Stat.Reserved -= size
		} else {
			c.Stat.CommittedMemory -= size
		}
		if rng.Pageable {
			c.Stat.Pageable -= size
		} else {
			c.Stat.NonPaged -= size
		}
	}

	if full && rng != nil {
		c.removeLocked(rng)
		if rng.MappedHere != nil && rng.File != nil {
			rng.File.PageCache.RemoveMappedRegion(rng.MappedHere)
		}
	}
	return defs.StatusSuccess
}

// Protect updates protection over [base, base+size), splitting the
// owning range into up to three pieces when the protected span is a
// strict subset, grounded on Mm_VirtualMemoryProtect.
func (c *Context) Protect(base, size uintptr, prot defs.ProtFlags) defs.Status {
	pgSize := uintptr(PageSize)
	base = util.Rounddown(base, pgSize)
	size = util.Roundup(size, pgSize)

	oldIrql := c.lock.Acquire()
	defer c.lock.Release(oldIrql)

	rng := c.findExactLocked(base, size)
	if rng == nil {
		return defs.StatusNotFound
	}

	// SAME_AS_BEFORE alone means "keep every bit"; combined with
	// individual bits it means "start from the old protection and
	// overwrite only the bits the caller set", mirroring
	// Mm_VirtualMemoryProtect's two branches (full replace vs. the
	// per-bit `if (prot & OBOS_PROTECTION_EXECUTABLE) new_prot.executable = ...`
	// merge).
	newProt := prot
	if prot.Has(defs.ProtSameAsBefore) {
		merged := rng.Prot
		if prot.Has(defs.ProtExecutable) {
			merged |= defs.ProtExecutable
		}
		if prot.Has(defs.ProtUserPage) {
			merged |= defs.ProtUserPage
		}
		if prot.Has(defs.ProtReadOnly) {
			merged |= defs.ProtReadOnly
		}
		if prot.Has(defs.ProtCacheDisable) {
			merged |= defs.ProtCacheDisable
		}
		if prot.Has(defs.ProtCacheEnable) {
			merged &^= defs.ProtCacheDisable
		}
		newProt = merged
	}

	var pieces []*Range
	switch {
	case rng.Virt == base && rng.Size == size:
		rng.Prot = newProt
		pieces = []*Range{rng}
	case rng.Virt == base:
		head := *rng
		head.Size = size
		head.Prot = newProt
		tail := *rng
		tail.Virt = base + size
		tail.Size = rng.Size - size
		c.removeLocked(rng)
		h, t := head, tail
		c.insertLocked(&h)
		c.insertLocked(&t)
		pieces = []*Range{&h}
	case rng.Virt+rng.Size == base+size:
		head := *rng
		head.Size = base - rng.Virt
		tail := *rng
		tail.Virt = base
		tail.Size = size
		tail.Prot = newProt
		c.removeLocked(rng)
		h, t := head, tail
		c.insertLocked(&h)
		c.insertLocked(&t)
		pieces = []*Range{&t}
	default:
		before := *rng
		before.Size = base - rng.Virt
		mid := *rng
		mid.Virt = base
		mid.Size = size
		mid.Prot = newProt
		after := *rng
		after.Virt = base + size
		after.Size = (rng.Virt + rng.Size) - after.Virt
		c.removeLocked(rng)
		b, m, a := before, mid, after
		c.insertLocked(&b)
		c.insertLocked(&m)
		c.insertLocked(&a)
		pieces = []*Range{&m}
	}

	for addr := base; addr < base+size; addr += pgSize {
		info := c.pt.Query(addr)
		if !info.Prot.Present {
			continue
		}
		info.Prot.RW = !newProt.Has(defs.ProtReadOnly)
		info.Prot.Executable = newProt.Has(defs.ProtExecutable)
		info.Prot.User = newProt.Has(defs.ProtUserPage)
		info.Prot.RO = newProt.Has(defs.ProtReadOnly)
		info.Prot.UC = newProt.Has(defs.ProtCacheDisable)
		c.pt.SetMapping(addr, info.Phys, info.Prot, true)
	}
	_ = pieces
	return defs.StatusSuccess
}
