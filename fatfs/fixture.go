package fatfs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/tools/txtar"
)

// LoadFixture builds a MemDisk from a txtar archive: one file named
// "boot" supplies the 512-byte boot sector, one file named "fat"
// supplies the raw FAT region, and every other file becomes a root
// directory entry whose data occupies whole clusters starting right
// after the FAT and root directory regions, in file order, starting
// at cluster 2. This lets a test fixture be an ordinary checked-in
// .txtar file rather than a binary disk image; the fixture's "fat"
// bytes must chain clusters 2.. consistently with that assignment.
func LoadFixture(archive []byte) (*MemDisk, error) {
	ar := txtar.Parse(archive)
	var boot, fat []byte
	var files []txtar.File
	for _, f := range ar.Files {
		switch f.Name {
		case "boot":
			boot = f.Data
		case "fat":
			fat = f.Data
		default:
			files = append(files, f)
		}
	}
	if len(boot) < blockSize {
		return nil, fmt.Errorf("fatfs: fixture missing a full boot sector")
	}
	bs, err := parseBootSector(boot)
	if err != nil {
		return nil, err
	}

	totalSectors := int(bs.totalSectors)
	if totalSectors == 0 {
		totalSectors = 2048
	}
	disk := NewMemDisk(totalSectors)
	copy(disk.sectors[0][:], boot[:blockSize])
	for i := 0; i*blockSize < len(fat); i++ {
		sec := int(bs.fatRegionStart()) + i
		if sec >= len(disk.sectors) {
			break
		}
		end := (i + 1) * blockSize
		if end > len(fat) {
			end = len(fat)
		}
		copy(disk.sectors[sec][:], fat[i*blockSize:end])
	}

	if err := writeRootDirAndData(disk, bs, files); err != nil {
		return nil, err
	}
	return disk, nil
}

// writeRootDirAndData lays out one 8.3 directory entry plus the
// cluster-aligned data for each fixture file, cluster numbering
// starting at 2 (clusters 0 and 1 are reserved, matching real FAT).
func writeRootDirAndData(disk *MemDisk, bs bootSector, files []txtar.File) error {
	clusterBytes := uint32(bs.sectorsPerCluster) * uint32(bs.bytesPerSector)
	secPerCluster := uint32(bs.sectorsPerCluster)
	nextCluster := uint32(2)
	dirSec := bs.rootDirStart()
	dirOff := 0

	for _, f := range files {
		data := []byte(strings.TrimSuffix(string(f.Data), "\n"))
		entry := make([]byte, dirEntrySz)
		name, ext := splitFCBName(f.Name)
		copy(entry[0:8], padFCB(name, 8))
		copy(entry[8:11], padFCB(ext, 3))
		binary.LittleEndian.PutUint16(entry[26:28], uint16(nextCluster))
		binary.LittleEndian.PutUint32(entry[28:32], uint32(len(data)))

		if dirOff+dirEntrySz > blockSize {
			dirSec++
			dirOff = 0
		}
		if int(dirSec) >= len(disk.sectors) {
			return fmt.Errorf("fatfs: fixture root directory overflows the disk")
		}
		sec := make([]byte, blockSize)
		if err := disk.ReadSector(dirSec, sec); err != nil {
			return err
		}
		copy(sec[dirOff:dirOff+dirEntrySz], entry)
		if err := disk.WriteSector(dirSec, sec); err != nil {
			return err
		}
		dirOff += dirEntrySz

		nClusters := (uint32(len(data)) + clusterBytes - 1) / clusterBytes
		if nClusters == 0 {
			nClusters = 1
		}
		for c := uint32(0); c < nClusters; c++ {
			firstSector := bs.clusterToSector(nextCluster + c)
			for s := uint32(0); s < secPerCluster; s++ {
				buf := make([]byte, blockSize)
				start := int(c*clusterBytes) + int(s*uint32(bs.bytesPerSector))
				if start < len(data) {
					end := start + int(bs.bytesPerSector)
					if end > len(data) {
						end = len(data)
					}
					copy(buf, data[start:end])
				}
				sector := firstSector + s
				if int(sector) >= len(disk.sectors) {
					return fmt.Errorf("fatfs: fixture file %q overflows the disk", f.Name)
				}
				if err := disk.WriteSector(sector, buf); err != nil {
					return err
				}
			}
		}
		nextCluster += nClusters
	}
	return nil
}

// splitFCBName splits "name.ext" into its 8.3 components, uppercased.
func splitFCBName(name string) (string, string) {
	base, ext, _ := strings.Cut(name, ".")
	return strings.ToUpper(base), strings.ToUpper(ext)
}

// padFCB right-pads s with spaces to n bytes, truncating if longer.
func padFCB(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s[:min(len(s), n)])
	return b
}
