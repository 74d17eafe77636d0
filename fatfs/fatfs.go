// Package fatfs is a minimal FAT16 block driver, implementing
// driver.Device so the VMM's fault handler and page cache can treat a
// FAT volume exactly like any other file-backed store. Grounded on
// the block-device idiom in biscuit's src/fs package (Bdev_block_t:
// one in-memory buffer per disk block, a fixed block size, read/write
// through a Disk_i-shaped seam) adapted to the externally documented
// FAT16 on-disk layout, since no corpus repo implements FAT.
package fatfs

import (
	"encoding/binary"
	"fmt"

	"obos/defs"
	"obos/driver"
)

const (
	blockSize   = 512
	dirEntrySz  = 32
	fatEntryEnd = 0xFFF8
)

// bootSector is the subset of the FAT BIOS Parameter Block this
// driver needs: bytes-per-sector, sectors-per-cluster, reserved
// sectors, FAT count/size, root entry count — enough to locate the
// FAT, the root directory, and the data region.
type bootSector struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16
	sectorsPerFAT     uint16
	totalSectors      uint32
}

func parseBootSector(buf []byte) (bootSector, error) {
	if len(buf) < blockSize {
		return bootSector{}, fmt.Errorf("fatfs: boot sector short read")
	}
	bs := bootSector{
		bytesPerSector:    binary.LittleEndian.Uint16(buf[11:13]),
		sectorsPerCluster: buf[13],
		reservedSectors:   binary.LittleEndian.Uint16(buf[14:16]),
		numFATs:           buf[16],
		rootEntryCount:    binary.LittleEndian.Uint16(buf[17:19]),
		sectorsPerFAT:     binary.LittleEndian.Uint16(buf[22:24]),
		totalSectors:      uint32(binary.LittleEndian.Uint16(buf[19:21])),
	}
	if bs.totalSectors == 0 {
		bs.totalSectors = binary.LittleEndian.Uint32(buf[32:36])
	}
	if bs.bytesPerSector == 0 || bs.sectorsPerCluster == 0 {
		return bootSector{}, fmt.Errorf("fatfs: malformed boot sector")
	}
	return bs, nil
}

func (bs bootSector) fatRegionStart() uint32 { return uint32(bs.reservedSectors) }
func (bs bootSector) rootDirStart() uint32 {
	return bs.fatRegionStart() + uint32(bs.numFATs)*uint32(bs.sectorsPerFAT)
}
func (bs bootSector) rootDirSectors() uint32 {
	bytes := uint32(bs.rootEntryCount) * dirEntrySz
	return (bytes + uint32(bs.bytesPerSector) - 1) / uint32(bs.bytesPerSector)
}
func (bs bootSector) dataRegionStart() uint32 {
	return bs.rootDirStart() + bs.rootDirSectors()
}
func (bs bootSector) clusterToSector(cluster uint32) uint32 {
	return bs.dataRegionStart() + (cluster-2)*uint32(bs.sectorsPerCluster)
}

// Entry is a parsed 8.3 directory entry.
type Entry struct {
	Name         string
	FirstCluster uint32
	Size         uint32
	IsDir        bool
}

func parseDirEntry(buf []byte) (Entry, bool) {
	if buf[0] == 0x00 || buf[0] == 0xE5 {
		return Entry{}, false
	}
	attr := buf[11]
	if attr == 0x0F {
		return Entry{}, false // long-name fragment, unsupported
	}
	name := trimFCB(buf[0:8])
	ext := trimFCB(buf[8:11])
	if ext != "" {
		name = name + "." + ext
	}
	return Entry{
		Name:         name,
		FirstCluster: uint32(binary.LittleEndian.Uint16(buf[26:28])),
		Size:         binary.LittleEndian.Uint32(buf[28:32]),
		IsDir:        attr&0x10 != 0,
	}, true
}

func trimFCB(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == ' ' {
		i--
	}
	return string(b[:i])
}

// Disk is the block-level seam a FAT volume reads/writes through,
// mirroring Disk_i's role in biscuit's fs package.
type Disk interface {
	ReadSector(n uint32, buf []byte) error
	WriteSector(n uint32, buf []byte) error
}

// Volume is a mounted FAT16 volume: a Disk plus the derived layout.
type Volume struct {
	disk Disk
	boot bootSector
	fat  []uint16
}

// Mount reads the boot sector and FAT into memory and returns a ready
// Volume.
func Mount(disk Disk) (*Volume, error) {
	buf := make([]byte, blockSize)
	if err := disk.ReadSector(0, buf); err != nil {
		return nil, err
	}
	bs, err := parseBootSector(buf)
	if err != nil {
		return nil, err
	}
	v := &Volume{disk: disk, boot: bs}
	fatBytes := make([]byte, uint32(bs.sectorsPerFAT)*uint32(bs.bytesPerSector))
	for i := uint32(0); i < uint32(bs.sectorsPerFAT); i++ {
		sec := make([]byte, blockSize)
		if err := disk.ReadSector(bs.fatRegionStart()+i, sec); err != nil {
			return nil, err
		}
		copy(fatBytes[i*blockSize:], sec)
	}
	v.fat = make([]uint16, len(fatBytes)/2)
	for i := range v.fat {
		v.fat[i] = binary.LittleEndian.Uint16(fatBytes[i*2 : i*2+2])
	}
	return v, nil
}

// RootDir returns every valid entry in the volume's root directory.
func (v *Volume) RootDir() ([]Entry, error) {
	var entries []Entry
	for i := uint32(0); i < v.boot.rootDirSectors(); i++ {
		buf := make([]byte, blockSize)
		if err := v.disk.ReadSector(v.boot.rootDirStart()+i, buf); err != nil {
			return nil, err
		}
		for off := 0; off+dirEntrySz <= len(buf); off += dirEntrySz {
			if e, ok := parseDirEntry(buf[off : off+dirEntrySz]); ok {
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

// clusterChain walks the FAT starting at cluster, returning every
// cluster number in the file, in order.
func (v *Volume) clusterChain(cluster uint32) []uint32 {
	var chain []uint32
	for cluster >= 2 && cluster < fatEntryEnd {
		chain = append(chain, cluster)
		cluster = uint32(v.fat[cluster])
	}
	return chain
}

// Driver adapts a Volume to driver.Device: DevDesc selects a file by
// first-cluster number (unique per directory entry, matching
// header.h's "must be unique per-driver" contract for dev_desc).
type Driver struct {
	vol   *Volume
	files map[driver.DevDesc]Entry
}

// NewDriver wraps vol and indexes its root directory by first cluster.
func NewDriver(vol *Volume) (*Driver, error) {
	entries, err := vol.RootDir()
	if err != nil {
		return nil, err
	}
	d := &Driver{vol: vol, files: make(map[driver.DevDesc]Entry)}
	for _, e := range entries {
		if !e.IsDir {
			d.files[driver.DevDesc(e.FirstCluster)] = e
		}
	}
	return d, nil
}

// Lookup finds a root-directory file by name and returns its descriptor.
func (d *Driver) Lookup(name string) (driver.DevDesc, uint32, bool) {
	for desc, e := range d.files {
		if e.Name == name {
			return desc, e.Size, true
		}
	}
	return 0, 0, false
}

func (d *Driver) clusterBytes() uint32 {
	return uint32(d.vol.boot.sectorsPerCluster) * uint32(d.vol.boot.bytesPerSector)
}

// GetBlkSize implements driver.Device: FAT's natural "block" for the
// page cache is one cluster, not one disk sector.
func (d *Driver) GetBlkSize(desc driver.DevDesc) (uintptr, defs.Status) {
	return uintptr(d.clusterBytes()), defs.StatusSuccess
}

// GetMaxBlkCount implements driver.Device: the file's size in clusters.
func (d *Driver) GetMaxBlkCount(desc driver.DevDesc) (uintptr, defs.Status) {
	e, ok := d.files[desc]
	if !ok {
		return 0, defs.StatusNotFound
	}
	cb := d.clusterBytes()
	return uintptr((e.Size + cb - 1) / cb), defs.StatusSuccess
}

// ReadSync implements driver.Device: reads blkCount clusters starting
// at cluster index blkOffset into buf, following the FAT chain.
func (d *Driver) ReadSync(desc driver.DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status {
	e, ok := d.files[desc]
	if !ok {
		return defs.StatusNotFound
	}
	chain := d.vol.clusterChain(e.FirstCluster)
	cb := d.clusterBytes()
	secPerCluster := uint32(d.vol.boot.sectorsPerCluster)
	for i := uintptr(0); i < blkCount; i++ {
		ci := int(blkOffset) + int(i)
		if ci >= len(chain) {
			return defs.StatusInvalidArgument
		}
		firstSector := d.vol.boot.clusterToSector(chain[ci])
		dst := buf[uintptr(i)*uintptr(cb):]
		for s := uint32(0); s < secPerCluster; s++ {
			sec := make([]byte, blockSize)
			if err := d.vol.disk.ReadSector(firstSector+s, sec); err != nil {
				return defs.StatusInternalError
			}
			copy(dst[s*blockSize:], sec)
		}
	}
	return defs.StatusSuccess
}

// WriteSync implements driver.Device: writes blkCount clusters
// starting at cluster index blkOffset from buf, following the FAT
// chain. It does not grow the chain; writing past the current file
// size is a caller error.
func (d *Driver) WriteSync(desc driver.DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status {
	e, ok := d.files[desc]
	if !ok {
		return defs.StatusNotFound
	}
	chain := d.vol.clusterChain(e.FirstCluster)
	cb := d.clusterBytes()
	secPerCluster := uint32(d.vol.boot.sectorsPerCluster)
	for i := uintptr(0); i < blkCount; i++ {
		ci := int(blkOffset) + int(i)
		if ci >= len(chain) {
			return defs.StatusInvalidArgument
		}
		firstSector := d.vol.boot.clusterToSector(chain[ci])
		src := buf[uintptr(i)*uintptr(cb):]
		for s := uint32(0); s < secPerCluster; s++ {
			if err := d.vol.disk.WriteSector(firstSector+s, src[s*blockSize:(s+1)*blockSize]); err != nil {
				return defs.StatusInternalError
			}
		}
	}
	return defs.StatusSuccess
}
