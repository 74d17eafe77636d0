package vmm

import (
	"testing"

	"obos/defs"
	"obos/driver"
	"obos/pmm"
	"obos/vfs"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	ppr, err := pmm.New(256, PageSize)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	t.Cleanup(func() { ppr.Close() })
	return NewContext(ppr, true, defs.Tid(1))
}

func TestAllocNonPagedThenFree(t *testing.T) {
	c := newTestContext(t)
	base, status := c.Alloc(0, 3*PageSize, 0, defs.VMANonPaged, nil, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	if base == 0 {
		t.Fatalf("Alloc returned zero base")
	}
	if c.Stat.NonPaged != 3*PageSize {
		t.Fatalf("NonPaged stat = %d, want %d", c.Stat.NonPaged, 3*PageSize)
	}
	if status := c.Free(base, 3*PageSize); defs.IsError(status) {
		t.Fatalf("Free: %s", status)
	}
	if c.Stat.NonPaged != 0 {
		t.Fatalf("NonPaged stat after Free = %d, want 0", c.Stat.NonPaged)
	}
	if rng := c.FindContaining(base); rng != nil {
		t.Fatalf("range still present after full Free")
	}
}

func TestAllocRejectsZeroSize(t *testing.T) {
	c := newTestContext(t)
	if _, status := c.Alloc(0, 0, 0, 0, nil, 0); status != defs.StatusInvalidArgument {
		t.Fatalf("Alloc(size=0) = %s, want InvalidArgument", status)
	}
}

func TestAnonFaultReadThenWritePeelsCow(t *testing.T) {
	c := newTestContext(t)
	base, status := c.Alloc(0, PageSize, 0, 0, nil, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}

	// First touch: a read shares the pinned anon page read-only.
	if status := c.HandleFault(base, defs.CauseRead); defs.IsError(status) {
		t.Fatalf("HandleFault(read): %s", status)
	}
	info := c.pt.Query(base)
	if !info.Prot.Present || info.Phys != c.ppr.AnonPage.Phys {
		t.Fatalf("expected shared anon page mapping after read fault")
	}
	if info.Prot.RW {
		t.Fatalf("anon page shared read-only should not be writable")
	}

	// Second touch: a write peels a private copy off the shared frame.
	if status := c.HandleFault(base, defs.CauseWrite); defs.IsError(status) {
		t.Fatalf("HandleFault(write): %s", status)
	}
	info2 := c.pt.Query(base)
	if !info2.Prot.Present || !info2.Prot.RW {
		t.Fatalf("expected a present, writable private page after CoW peel")
	}
	if info2.Phys == c.ppr.AnonPage.Phys {
		t.Fatalf("write fault should have peeled off the shared anon frame")
	}
}

func TestFindAvailableSkipsExistingRanges(t *testing.T) {
	c := newTestContext(t)
	first, status := c.Alloc(c.base, 2*PageSize, 0, defs.VMANonPaged, nil, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	found, status := c.FindAvailable(PageSize, 0)
	if defs.IsError(status) {
		t.Fatalf("FindAvailable: %s", status)
	}
	if found < first+2*PageSize {
		t.Fatalf("FindAvailable returned %#x, want something at/after %#x", found, first+2*PageSize)
	}
}

func TestProtectSplitsMiddleOfRange(t *testing.T) {
	c := newTestContext(t)
	base, status := c.Alloc(0, 4*PageSize, 0, defs.VMANonPaged, nil, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	mid := base + PageSize
	if status := c.Protect(mid, PageSize, defs.ProtReadOnly); defs.IsError(status) {
		t.Fatalf("Protect: %s", status)
	}
	if rng := c.FindContaining(mid); rng == nil || !rng.Prot.Has(defs.ProtReadOnly) {
		t.Fatalf("middle page not re-protected read-only")
	}
	if rng := c.FindContaining(base); rng == nil || rng.Prot.Has(defs.ProtReadOnly) {
		t.Fatalf("head page should retain its original protection")
	}
	if rng := c.FindContaining(base + 3*PageSize); rng == nil || rng.Prot.Has(defs.ProtReadOnly) {
		t.Fatalf("tail page should retain its original protection")
	}
}

// stubDriver is a minimal driver.Device backed by an in-memory byte
// slice, standing in for a disk driver in file-backed fault tests.
type stubDriver struct {
	blkSize uintptr
	data    []byte
}

func (d *stubDriver) GetBlkSize(driver.DevDesc) (uintptr, defs.Status)     { return d.blkSize, defs.StatusSuccess }
func (d *stubDriver) GetMaxBlkCount(driver.DevDesc) (uintptr, defs.Status) { return uintptr(len(d.data)) / d.blkSize, defs.StatusSuccess }
func (d *stubDriver) ReadSync(_ driver.DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status {
	off := blkOffset * d.blkSize
	n := blkCount * d.blkSize
	copy(buf, d.data[off:off+n])
	return defs.StatusSuccess
}
func (d *stubDriver) WriteSync(_ driver.DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status {
	off := blkOffset * d.blkSize
	n := blkCount * d.blkSize
	copy(d.data[off:off+n], buf[:n])
	return defs.StatusSuccess
}

func newFileBackedVnode(private bool, contents []byte) *vfs.Vnode {
	drv := &stubDriver{blkSize: 512, data: make([]byte, PageSize)}
	copy(drv.data, contents)
	return &vfs.Vnode{
		Type:     vfs.TypeRegular,
		FileSize: uintptr(len(contents)),
		Driver:   drv,
	}
}

func TestSharedFileFaultReadsThroughPageCache(t *testing.T) {
	c := newTestContext(t)
	contents := []byte("hello, obos")
	vn := newFileBackedVnode(false, contents)
	fd := &vfs.File{Vnode: vn, Flags: vfs.FileFlagRead | vfs.FileFlagWrite}

	base, status := c.Alloc(0, PageSize, 0, 0, fd, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	if status := c.HandleFault(base, defs.CauseRead); defs.IsError(status) {
		t.Fatalf("HandleFault: %s", status)
	}
	info := c.pt.Query(base)
	if !info.Prot.Present {
		t.Fatalf("expected present mapping after shared-file fault")
	}
	got := c.ppr.Bytes(info.Phys)[:len(contents)]
	if string(got) != string(contents) {
		t.Fatalf("mapped bytes = %q, want %q", got, contents)
	}
}

func TestSymmetricCowFaultPeelsOnWrite(t *testing.T) {
	c := newTestContext(t)
	contents := []byte("private copy target")
	vn := newFileBackedVnode(true, contents)
	fd := &vfs.File{Vnode: vn, Flags: vfs.FileFlagRead | vfs.FileFlagWrite}

	base, status := c.Alloc(0, PageSize, 0, defs.VMAPrivate, fd, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	if status := c.HandleFault(base, defs.CauseRead); defs.IsError(status) {
		t.Fatalf("HandleFault(read): %s", status)
	}
	readInfo := c.pt.Query(base)
	if readInfo.Prot.RW {
		t.Fatalf("symmetric CoW read mapping should be read-only")
	}

	if status := c.HandleFault(base, defs.CauseWrite); defs.IsError(status) {
		t.Fatalf("HandleFault(write): %s", status)
	}
	writeInfo := c.pt.Query(base)
	if !writeInfo.Prot.RW {
		t.Fatalf("expected writable private page after symmetric CoW peel")
	}
	if writeInfo.Phys == readInfo.Phys {
		t.Fatalf("write fault should have peeled a private copy off the cache frame")
	}
}

// TestSharedFileWriteAfterReadUpgradesToWritable covers spec scenario
// S3: a shared (non-private, non-CoW) file mapping that has already
// been read-faulted once must still accept a write, upgrading the PTE
// to writable and marking the backing region dirty, rather than
// returning AccessDenied forever because the first fault installed a
// read-only PTE.
func TestSharedFileWriteAfterReadUpgradesToWritable(t *testing.T) {
	c := newTestContext(t)
	contents := []byte("hello, obos")
	vn := newFileBackedVnode(false, contents)
	fd := &vfs.File{Vnode: vn, Flags: vfs.FileFlagRead | vfs.FileFlagWrite}

	base, status := c.Alloc(0, PageSize, 0, 0, fd, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	if status := c.HandleFault(base, defs.CauseRead); defs.IsError(status) {
		t.Fatalf("HandleFault(read): %s", status)
	}
	if info := c.pt.Query(base); info.Prot.RW {
		t.Fatalf("first read fault should install a read-only PTE")
	}

	if status := c.HandleFault(base, defs.CauseWrite); defs.IsError(status) {
		t.Fatalf("HandleFault(write) after a prior read should succeed, got %s", status)
	}
	info := c.pt.Query(base)
	if !info.Prot.RW {
		t.Fatalf("write fault should have upgraded the PTE to writable")
	}
	if vn.PageCache.DirtyLookup(0) == nil {
		t.Fatalf("write fault should have marked the file offset dirty")
	}
}

func TestAllocRejectsFileWithoutReadCapability(t *testing.T) {
	c := newTestContext(t)
	vn := newFileBackedVnode(false, []byte("no read for you"))
	fd := &vfs.File{Vnode: vn, Flags: vfs.FileFlagWrite}
	if _, status := c.Alloc(0, PageSize, 0, 0, fd, 0); status != defs.StatusAccessDenied {
		t.Fatalf("Alloc with a write-only fd = %s, want AccessDenied", status)
	}
}

func TestAllocRejectsFileWithNoVnode(t *testing.T) {
	c := newTestContext(t)
	fd := &vfs.File{Flags: vfs.FileFlagRead}
	if _, status := c.Alloc(0, PageSize, 0, 0, fd, 0); status != defs.StatusUninitialized {
		t.Fatalf("Alloc with a vnode-less fd = %s, want Uninitialized", status)
	}
}

func TestProtectSameAsBeforeMergesOnlySetBits(t *testing.T) {
	c := newTestContext(t)
	base, status := c.Alloc(0, PageSize, defs.ProtUserPage, defs.VMANonPaged, nil, 0)
	if defs.IsError(status) {
		t.Fatalf("Alloc: %s", status)
	}
	// Ask only for the executable bit, combined with SAME_AS_BEFORE:
	// the pre-existing User bit must survive, and Executable must be
	// newly set, rather than the whole protection being replaced.
	if status := c.Protect(base, PageSize, defs.ProtSameAsBefore|defs.ProtExecutable); defs.IsError(status) {
		t.Fatalf("Protect: %s", status)
	}
	rng := c.FindContaining(base)
	if rng == nil {
		t.Fatalf("range missing after Protect")
	}
	if !rng.Prot.Has(defs.ProtExecutable) {
		t.Fatalf("Executable bit should have been merged in")
	}
	if !rng.Prot.Has(defs.ProtUserPage) {
		t.Fatalf("User bit from the old protection should have been preserved")
	}
}
