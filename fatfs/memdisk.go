package fatfs

import "fmt"

// MemDisk is a RAM-backed Disk, used by tests and by tooling that
// needs a FAT volume without a real block device underneath.
type MemDisk struct {
	sectors [][blockSize]byte
}

// NewMemDisk allocates a disk of n sectors, all zeroed.
func NewMemDisk(n int) *MemDisk {
	return &MemDisk{sectors: make([][blockSize]byte, n)}
}

func (d *MemDisk) ReadSector(n uint32, buf []byte) error {
	if int(n) >= len(d.sectors) {
		return fmt.Errorf("fatfs: read sector %d out of range", n)
	}
	copy(buf, d.sectors[n][:])
	return nil
}

func (d *MemDisk) WriteSector(n uint32, buf []byte) error {
	if int(n) >= len(d.sectors) {
		return fmt.Errorf("fatfs: write sector %d out of range", n)
	}
	copy(d.sectors[n][:], buf)
	return nil
}
