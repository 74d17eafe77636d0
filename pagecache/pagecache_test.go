package pagecache

import (
	"sync"
	"testing"

	"obos/defs"
	"obos/driver"
)

// fakeAllocator is a minimal KernelAllocator backed by plain Go memory,
// standing in for a *vmm.Context in isolation from the rest of the VMM.
type fakeAllocator struct {
	mu        sync.Mutex
	base      uintptr
	pageSize  uintptr
	committed map[uintptr]bool
	bytes     map[uintptr][]byte
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{pageSize: 4096, committed: map[uintptr]bool{}, bytes: map[uintptr][]byte{}}
}

func (a *fakeAllocator) ReserveNonPaged(size uintptr) (uintptr, defs.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.base += 0x100000
	return a.base, defs.StatusSuccess
}

func (a *fakeAllocator) CommitPage(addr uintptr) defs.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committed[addr] {
		return defs.StatusInUse
	}
	a.committed[addr] = true
	a.bytes[addr] = make([]byte, a.pageSize)
	return defs.StatusSuccess
}

func (a *fakeAllocator) BytesAt(addr uintptr) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes[addr]
}

func (a *fakeAllocator) PageSize() uintptr { return a.pageSize }

type fakeDriver struct {
	blkSize uintptr
	content []byte
	writes  int
}

func (d *fakeDriver) GetBlkSize(driver.DevDesc) (uintptr, defs.Status)     { return d.blkSize, defs.StatusSuccess }
func (d *fakeDriver) GetMaxBlkCount(driver.DevDesc) (uintptr, defs.Status) { return 0, defs.StatusSuccess }
func (d *fakeDriver) ReadSync(_ driver.DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status {
	off := blkOffset * d.blkSize
	n := blkCount * d.blkSize
	copy(buf, d.content[off:off+n])
	return defs.StatusSuccess
}
func (d *fakeDriver) WriteSync(_ driver.DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status {
	d.writes++
	off := blkOffset * d.blkSize
	n := blkCount * d.blkSize
	copy(d.content[off:off+n], buf[:n])
	return defs.StatusSuccess
}

func TestGetEntryFirstCallIsHardFault(t *testing.T) {
	alloc := newFakeAllocator()
	drv := &fakeDriver{blkSize: 512, content: make([]byte, 4096)}
	copy(drv.content, "page cache contents")
	var pc PageCache

	addr, ft, status := pc.GetEntry(alloc, FileInfo{FileSize: 4096, Driver: drv}, 0, 4096)
	if defs.IsError(status) {
		t.Fatalf("GetEntry: %s", status)
	}
	if ft != HardFault {
		t.Fatalf("first GetEntry should be a hard fault")
	}
	if string(alloc.BytesAt(addr)[:19]) != "page cache contents" {
		t.Fatalf("GetEntry did not read through the driver")
	}
}

func TestGetEntrySecondCallIsSoftFault(t *testing.T) {
	alloc := newFakeAllocator()
	drv := &fakeDriver{blkSize: 512, content: make([]byte, 4096)}
	var pc PageCache

	if _, _, status := pc.GetEntry(alloc, FileInfo{FileSize: 4096, Driver: drv}, 0, 4096); defs.IsError(status) {
		t.Fatalf("first GetEntry: %s", status)
	}
	_, ft, status := pc.GetEntry(alloc, FileInfo{FileSize: 4096, Driver: drv}, 0, 4096)
	if defs.IsError(status) {
		t.Fatalf("second GetEntry: %s", status)
	}
	if ft != SoftFault {
		t.Fatalf("repeated GetEntry over an already-committed page should be a soft fault")
	}
}

func TestDirtyCreateIsIdempotent(t *testing.T) {
	var pc PageCache
	r1 := pc.DirtyCreate(0, 100)
	r2 := pc.DirtyCreate(10, 50)
	if r1 != r2 {
		t.Fatalf("overlapping DirtyCreate should reuse the existing region")
	}
	if len(pc.dirtyRegions) != 1 {
		t.Fatalf("expected exactly one dirty region, got %d", len(pc.dirtyRegions))
	}
}

func TestDirtyCreateGrowsContiguousRegion(t *testing.T) {
	var pc PageCache
	pc.DirtyCreate(0, 100)
	pc.DirtyCreate(100, 50)
	if len(pc.dirtyRegions) != 1 {
		t.Fatalf("expected the second region to merge into the first, got %d regions", len(pc.dirtyRegions))
	}
	if pc.dirtyRegions[0].Size != 150 {
		t.Fatalf("merged region size = %d, want 150", pc.dirtyRegions[0].Size)
	}
}

func TestFlushWritesDirtyRegionsAndClearsThem(t *testing.T) {
	alloc := newFakeAllocator()
	drv := &fakeDriver{blkSize: 512, content: make([]byte, 4096)}
	var pc PageCache

	addr, _, status := pc.GetEntry(alloc, FileInfo{FileSize: 4096, Driver: drv}, 0, 4096)
	if defs.IsError(status) {
		t.Fatalf("GetEntry: %s", status)
	}
	copy(alloc.BytesAt(addr), "new bytes")
	pc.DirtyCreate(0, 9)

	if status := pc.Flush(alloc, FileInfo{FileSize: 4096, Driver: drv}); defs.IsError(status) {
		t.Fatalf("Flush: %s", status)
	}
	if drv.writes == 0 {
		t.Fatalf("Flush did not write through the driver")
	}
	if string(drv.content[:9]) != "new bytes" {
		t.Fatalf("driver content = %q, want %q", drv.content[:9], "new bytes")
	}
	if len(pc.dirtyRegions) != 0 {
		t.Fatalf("Flush should clear the dirty list")
	}
}

func TestRefUnrefTracksLifetime(t *testing.T) {
	var pc PageCache
	pc.Ref()
	pc.Ref()
	if freed := pc.Unref(); freed {
		t.Fatalf("Unref should not report freed while refcount > 0")
	}
	if freed := pc.Unref(); !freed {
		t.Fatalf("Unref should report freed when refcount reaches 0")
	}
}
