// Package pagecache implements the page cache (PC, §4.6): a
// per-vnode mapping from byte offset to cached frame, a dirty-region
// tracker, and the mapped-region back-index the ASC consults on free.
// Grounded on oboskrnl/vfs/pagecache.c
// (VfsH_PageCacheGetEntry/PCDirtyRegionCreate/PCDirtyRegionLookup/
// PageCacheFlush/Ref/Unref).
package pagecache

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"obos/defs"
	"obos/driver"
	"obos/locks"
	"obos/util"
)

// FaultType reports whether PageCache.GetEntry had to read from the
// driver (HardFault) or every requested page was already resident
// (SoftFault).
type FaultType int

const (
	SoftFault FaultType = iota
	HardFault
)

// FileInfo is the subset of a vnode the page cache needs per call:
// its size, and how to reach the driver backing it. It is supplied by
// the caller (the vfs package) rather than held by PageCache, exactly
// as the original passes vn_ into VfsH_PageCacheGetEntry/Flush rather
// than storing a vnode pointer inside pagecache.
type FileInfo struct {
	FileSize        uintptr
	Driver          driver.Device
	Desc            driver.DevDesc
	PartitionOffset uintptr
}

// KernelAllocator is the slice of the VMM's allocator the page cache
// needs to reserve and commit the kernel-side span backing its bytes
// (§4.6: "stores its bytes in the kernel ASC... as a reserved,
// non-paged allocation; individual pages are committed on demand").
// Implemented by *vmm.Context; declared here so pagecache never imports
// vmm, breaking what would otherwise be a PageRange<->PageCache
// import cycle (§9, "cyclic back-references").
type KernelAllocator interface {
	// ReserveNonPaged reserves (address-space only, no backing) size
	// bytes in the kernel context and returns the base address.
	ReserveNonPaged(size uintptr) (uintptr, defs.Status)
	// CommitPage commits a single page at addr against an existing
	// reservation. It returns StatusInUse if the page was already
	// committed (soft fault) or StatusSuccess if it was freshly
	// committed (hard fault, caller must populate its contents).
	CommitPage(addr uintptr) defs.Status
	// BytesAt returns the backing bytes for a committed page at addr.
	BytesAt(addr uintptr) []byte
	PageSize() uintptr
}

// DirtyRegion is a byte-range of a vnode modified since the last
// flush. Regions may touch but never overlap (§3).
type DirtyRegion struct {
	FileOff uintptr
	Size    uintptr
}

// MappedRegion is the reverse index from a page cache entry to every
// virtual mapping consuming it, consulted when an ASC tears down a
// range (§3, §9). PageRange holds a non-owning pointer to one of
// these; PageCache owns the slice.
type MappedRegion struct {
	FileOff uintptr
	Size    uintptr
	Virt    uintptr
	Owner   *PageCache
	// Ctx identifies the owning address-space context. It is an any
	// rather than *vmm.Context to keep this package free of a vmm
	// import; vmm type-asserts it back when it needs to.
	Ctx any
}

// PageCache is one per file-like vnode.
type PageCache struct {
	data     uintptr
	refcount int

	dirtyLock    locks.Mutex
	dirtyRegions []*DirtyRegion

	mu            locks.Mutex
	mappedRegions []*MappedRegion

	faultGroup singleflight.Group
}

// Data returns the reserved kernel virtual base backing this cache,
// or 0 if GetEntry has never been called.
func (pc *PageCache) Data() uintptr { return pc.data }

// Ref increments the cache's reference count.
func (pc *PageCache) Ref() {
	pc.mu.Acquire()
	pc.refcount++
	pc.mu.Release()
}

// Unref decrements the cache's reference count; at zero it forgets the
// reserved kernel span (Data returns 0 afterwards) and reports freed.
// It does not release the span itself, and it leaves the mapped-region
// list as it is: the caller is responsible for having already
// unmapped/freed the underlying virtual memory allocation beforehand
// (pagecache does not call back into the VMM to do so, to avoid the
// import cycle noted on MappedRegion).
func (pc *PageCache) Unref() (freed bool) {
	pc.mu.Acquire()
	defer pc.mu.Release()
	pc.refcount--
	if pc.refcount == 0 {
		pc.data = 0
		return true
	}
	return false
}

// AppendMappedRegion records a new mapping consuming this cache.
func (pc *PageCache) AppendMappedRegion(r *MappedRegion) {
	r.Owner = pc
	pc.mu.Acquire()
	pc.mappedRegions = append(pc.mappedRegions, r)
	pc.mu.Release()
}

// RemoveMappedRegion unlinks r, e.g. when the owning ASC frees the
// range that held it.
func (pc *PageCache) RemoveMappedRegion(r *MappedRegion) {
	pc.mu.Acquire()
	defer pc.mu.Release()
	for i, m := range pc.mappedRegions {
		if m == r {
			pc.mappedRegions = append(pc.mappedRegions[:i], pc.mappedRegions[i+1:]...)
			return
		}
	}
}

// GetEntry ensures every page of [data+offset, data+offset+size) is
// committed, reading from the driver when a page was not already
// present. It reports HardFault if any page required a read, SoftFault
// if every page was already resident. Concurrent callers faulting the
// same page are coalesced through a singleflight group so exactly one
// read_sync is issued per page per race.
func (pc *PageCache) GetEntry(alloc KernelAllocator, info FileInfo, offset, size uintptr) (uintptr, FaultType, defs.Status) {
	if pc.data == 0 {
		base, status := alloc.ReserveNonPaged(info.FileSize)
		if defs.IsError(status) {
			return 0, SoftFault, status
		}
		pc.data = base
	}
	pageSize := alloc.PageSize()
	base := (pc.data + offset) - (pc.data+offset)%pageSize
	top := pc.data + offset + size

	blkSize, status := info.Driver.GetBlkSize(info.Desc)
	if defs.IsError(status) {
		return 0, SoftFault, status
	}

	ft := SoftFault
	for addr := base; addr < top; addr += pageSize {
		key := fmt.Sprintf("%p:%d", pc, addr)
		_, err, _ := pc.faultGroup.Do(key, func() (any, error) {
			commitStatus := alloc.CommitPage(addr)
			switch commitStatus {
			case defs.StatusInUse:
				return nil, nil
			case defs.StatusSuccess:
				currentOffset := ((addr - pc.data) + info.PartitionOffset) / blkSize
				buf := alloc.BytesAt(addr)
				readStatus := info.Driver.ReadSync(info.Desc, buf[:pageSize], pageSize/blkSize, currentOffset)
				if defs.IsError(readStatus) {
					return nil, fmt.Errorf("pagecache: read_sync: %s", readStatus)
				}
				ft = HardFault
				return nil, nil
			default:
				return nil, fmt.Errorf("pagecache: commit: %s", commitStatus)
			}
		})
		if err != nil {
			return 0, ft, defs.StatusInternalError
		}
	}
	return pc.data + offset, ft, defs.StatusSuccess
}

// DirtyLookup finds the dirty region containing off, or nil.
func (pc *PageCache) DirtyLookup(off uintptr) *DirtyRegion {
	pc.dirtyLock.Acquire()
	defer pc.dirtyLock.Release()
	return pc.dirtyLookupLocked(off)
}

func (pc *PageCache) dirtyLookupLocked(off uintptr) *DirtyRegion {
	for _, r := range pc.dirtyRegions {
		if off >= r.FileOff && off < r.FileOff+r.Size {
			return r
		}
	}
	return nil
}

func (pc *PageCache) contiguousLocked(off uintptr) *DirtyRegion {
	for _, r := range pc.dirtyRegions {
		if off == r.FileOff+r.Size {
			return r
		}
	}
	return nil
}

// DirtyCreate is an idempotent upsert: if an existing region already
// covers off, it is reused (and grown to reach off+size if it ends
// short of that); if a region abuts off, it is grown; else a new
// region is appended. Serialized by the dirty-list mutex.
func (pc *PageCache) DirtyCreate(off, size uintptr) *DirtyRegion {
	pc.dirtyLock.Acquire()
	defer pc.dirtyLock.Release()

	if r := pc.dirtyLookupLocked(off); r != nil {
		if off+size > r.FileOff+r.Size {
			r.Size = off + size - r.FileOff
		}
		return r
	}
	if r := pc.contiguousLocked(off); r != nil {
		r.Size += size
		return r
	}
	r := &DirtyRegion{FileOff: off, Size: size}
	pc.dirtyRegions = append(pc.dirtyRegions, r)
	return r
}

// Flush writes every dirty region back through the driver and clears
// the dirty list.
func (pc *PageCache) Flush(alloc KernelAllocator, info FileInfo) defs.Status {
	pc.dirtyLock.Acquire()
	defer pc.dirtyLock.Release()

	blkSize, status := info.Driver.GetBlkSize(info.Desc)
	if defs.IsError(status) {
		return status
	}
	for _, r := range pc.dirtyRegions {
		// Block devices write in whole blocks: round the dirty span out
		// to block boundaries rather than truncating r.Size/blkSize,
		// which would silently drop any sub-block remainder. The extra
		// bytes this pulls in on either side come from the already
		// wholly-resident page cache (§4.6), not from the dirty region
		// itself, so no stale or uninitialized data is written back.
		begin := util.Rounddown(r.FileOff, blkSize)
		end := util.Roundup(r.FileOff+r.Size, blkSize)
		size := end - begin
		buf := make([]byte, size)

		remaining := size
		off := uintptr(0)
		for remaining > 0 {
			pageSize := alloc.PageSize()
			addr := (pc.data + begin + off)
			addr -= addr % pageSize
			chunk := pageSize - (pc.data+begin+off)%pageSize
			if chunk > remaining {
				chunk = remaining
			}
			src := alloc.BytesAt(addr)
			start := (pc.data + begin + off) % pageSize
			copy(buf[off:off+chunk], src[start:start+chunk])
			off += chunk
			remaining -= chunk
		}
		blkOffset := (begin + info.PartitionOffset) / blkSize
		if ws := info.Driver.WriteSync(info.Desc, buf, size/blkSize, blkOffset); defs.IsError(ws) {
			return ws
		}
	}
	pc.dirtyRegions = nil
	return defs.StatusSuccess
}
