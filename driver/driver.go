// Package driver defines the contract consumed by the page cache and
// the fault handler (§6): block-indexed read/write plus block-size
// discovery, grounded on oboskrnl/driver_interface/header.h's
// driver_ftable (get_blk_size, get_max_blk_count, read_sync,
// write_sync), trimmed to the generic functions the VMM's page cache
// actually calls.
package driver

import "obos/defs"

// DevDesc identifies a driver-specific object (a disk, partition,
// file): "This must be unique per-driver," per header.h.
type DevDesc int

// Device is the subset of driver_ftable the page cache depends on.
// Every filesystem and block driver implements it.
type Device interface {
	// GetBlkSize reports the device's block size in bytes.
	GetBlkSize(desc DevDesc) (size uintptr, status defs.Status)
	// GetMaxBlkCount reports the device's block count (get_filesize's
	// equivalent for non-fs block devices).
	GetMaxBlkCount(desc DevDesc) (count uintptr, status defs.Status)
	// ReadSync reads blkCount blocks starting at blkOffset into buf.
	ReadSync(desc DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status
	// WriteSync writes blkCount blocks starting at blkOffset from buf.
	WriteSync(desc DevDesc, buf []byte, blkCount, blkOffset uintptr) defs.Status
}

// HeaderFlags mirrors driver_header_flags: detection and loading
// hints carried in a driver's header, consumed by registration.
type HeaderFlags uint32

const (
	DetectViaACPI HeaderFlags = 1 << iota
	DetectViaPCI
	NoEntry
	RequestStackSize
	HasStandardInterfaces
	PipeStyleDevice
)

// Header is the ABI-relevant subset of driver_header: enough for the
// registry to validate a driver before trusting its function table.
type Header struct {
	Magic   uint64
	Flags   HeaderFlags
	Version string // semver, validated by the driver package's registry
}

// Magic is the expected header.Magic, mirroring OBOS_DRIVER_MAGIC.
const Magic uint64 = 0x00116d868ac84e59
