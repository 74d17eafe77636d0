// Package vfs provides the vnode/dirent layer consumed by the fault
// handler and the page cache's callers, grounded on
// oboskrnl/vfs/vnode.h and oboskrnl/vfs/dirent.h. It depends on
// driver and pagecache but never on vmm, keeping the dependency graph
// driver <- pagecache <- vfs <- vmm one-directional (§9).
package vfs

import (
	"obos/defs"
	"obos/driver"
	"obos/hashtable"
	"obos/pagecache"
	"obos/ustr"
)

// Type mirrors the vtype enum from vnode.h.
type Type uint32

const (
	TypeNone Type = iota
	TypeRegular
	TypeDirectory
	TypeBlock
	TypeChar
	TypeSymlink
	TypeSocket
	TypeFifo
	TypeBad
)

// Flags mirrors vnode.h's VFLAGS_*.
type Flags uint32

const (
	FlagMountpoint Flags = 1 << iota
	FlagIsTTY
)

// Perm mirrors file_perm: the classic owner/group/other rwx bits.
type Perm uint16

const (
	PermOtherExec Perm = 1 << iota
	PermOtherWrite
	PermOtherRead
	PermGroupExec
	PermGroupWrite
	PermGroupRead
	PermOwnerExec
	PermOwnerWrite
	PermOwnerRead
)

// Vnode is the in-memory representation of a filesystem object. A
// regular file's contents are reached only through its PageCache;
// Vnode never stores the bytes directly, mirroring the original's
// "pagecache pagecache" embedded field.
type Vnode struct {
	Type      Type
	Flags     Flags
	Perm      Perm
	Refs      int
	FileSize  uintptr
	OwnerUID  uint32
	GroupGID  uint32
	Desc      driver.DevDesc
	Driver    driver.Device
	PageCache pagecache.PageCache

	// PartitionOffset is added to every block offset derived from
	// this vnode before it reaches the driver, letting one disk
	// driver back several partitions' worth of vnodes.
	PartitionOffset uintptr
}

// FileInfo adapts the vnode to the pagecache.FileInfo contract the
// page cache's GetEntry/Flush calls need.
func (v *Vnode) FileInfo() pagecache.FileInfo {
	return pagecache.FileInfo{
		FileSize:        v.FileSize,
		Driver:          v.Driver,
		Desc:            v.Desc,
		PartitionOffset: v.PartitionOffset,
	}
}

// Ref/Unref mirror the vnode's own refs counter (distinct from the
// page cache's refcount, which tracks virtual mappings rather than
// directory-entry references).
func (v *Vnode) Ref()   { v.Refs++ }
func (v *Vnode) Unref() { v.Refs-- }

// FileFlags mirrors fd_t's FD_FLAGS_*: the read/write capability a
// file was opened with, independent of the vnode's own owner/group/
// other permission bits.
type FileFlags uint32

const (
	FileFlagRead FileFlags = 1 << iota
	FileFlagWrite
)

func (f FileFlags) Has(bit FileFlags) bool { return f&bit != 0 }

// File is an open file description: a vnode plus a cursor, grounded
// on the fd package's fd_t minus the parts specific to process
// descriptor tables.
type File struct {
	Vnode  *Vnode
	Offset uintptr
	Flags  FileFlags
}

// Read copies up to len(buf) bytes starting at the file's current
// offset through the vnode's page cache, advancing the offset.
func (f *File) Read(buf []byte, alloc pagecache.KernelAllocator) (int, defs.Status) {
	if f.Offset >= f.Vnode.FileSize {
		return 0, defs.StatusSuccess
	}
	n := uintptr(len(buf))
	if f.Offset+n > f.Vnode.FileSize {
		n = f.Vnode.FileSize - f.Offset
	}
	addr, _, status := f.Vnode.PageCache.GetEntry(alloc, f.Vnode.FileInfo(), f.Offset, n)
	if defs.IsError(status) {
		return 0, status
	}
	ps := alloc.PageSize()
	for done := uintptr(0); done < n; {
		a := addr + done
		done += uintptr(copy(buf[done:n], alloc.BytesAt(a-a%ps)[a%ps:]))
	}
	f.Offset += n
	return int(n), defs.StatusSuccess
}

// Write marks [offset, offset+len(buf)) dirty in the vnode's page
// cache and copies buf into the cached bytes, advancing the offset.
// It does not itself call Flush; callers decide the write-back policy.
func (f *File) Write(buf []byte, alloc pagecache.KernelAllocator) (int, defs.Status) {
	n := uintptr(len(buf))
	addr, _, status := f.Vnode.PageCache.GetEntry(alloc, f.Vnode.FileInfo(), f.Offset, n)
	if defs.IsError(status) {
		return 0, status
	}
	ps := alloc.PageSize()
	for done := uintptr(0); done < n; {
		a := addr + done
		done += uintptr(copy(alloc.BytesAt(a-a%ps)[a%ps:], buf[done:n]))
	}
	f.Vnode.PageCache.DirtyCreate(f.Offset, n)
	f.Offset += n
	if f.Offset > f.Vnode.FileSize {
		f.Vnode.FileSize = f.Offset
	}
	return int(n), defs.StatusSuccess
}

// Dirent is a node in the directory tree, grounded on
// oboskrnl/vfs/dirent.h's intrusive tree_info/children list, rebuilt
// here as plain slices since Go has no equivalent to the original's
// LIST_HEAD/LIST_NODE macros.
type Dirent struct {
	Name     ustr.Ustr
	Vnode    *Vnode
	Parent   *Dirent
	Children []*Dirent
}

// AppendChild links child under parent.
func AppendChild(parent, child *Dirent) {
	child.Parent = parent
	parent.Children = append(parent.Children, child)
}

// RemoveChild unlinks what from parent's child list.
func RemoveChild(parent, what *Dirent) {
	for i, c := range parent.Children {
		if c == what {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			what.Parent = nil
			return
		}
	}
}

// NameCache speeds up repeated lookups of the same path, grounded on
// the hint in dirent.h that paths "shouldn't have unneeded slashes...
// this way there is a higher chance of a name cache hit."
type NameCache struct {
	table *hashtable.Table
}

// NewNameCache creates an empty path -> *Dirent cache.
func NewNameCache() *NameCache {
	return &NameCache{table: hashtable.New(256)}
}

func (nc *NameCache) Lookup(path ustr.Ustr) (*Dirent, bool) {
	v, ok := nc.table.Get(path)
	if !ok {
		return nil, false
	}
	return v.(*Dirent), true
}

func (nc *NameCache) Insert(path ustr.Ustr, d *Dirent) {
	nc.table.Set(path, d)
}

// Lookup walks the child list under root looking for name, the
// uncached fallback behind NameCache, grounded on VfsH_DirentLookupFrom.
func Lookup(root *Dirent, name ustr.Ustr) *Dirent {
	if name.Isdot() {
		return root
	}
	if name.Isdotdot() {
		if root.Parent != nil {
			return root.Parent
		}
		return root
	}
	for _, c := range root.Children {
		if c.Name.Eq(name) {
			return c
		}
	}
	return nil
}
