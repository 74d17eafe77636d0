// Package bootconfig parses the kernel command line handed to the
// loader, grounded on the attribute walk in
// oboskrnl/arch/x86_64/entry.c (Arch_ParseBootContext), which scans a
// list of boot-loader attributes and extracts OBOS_KernelCmdLine, a
// single "key=value key2=value2" string later tokenized by the rest
// of the kernel.
package bootconfig

import "strconv"
import "strings"

// Config carries the VMM-relevant settings read from the command
// line: page geometry and the address-space spans the ASC's
// find_available algorithm (§4.3) walks within.
type Config struct {
	PageSize          uintptr
	HugePageSize      uintptr
	PhysicalFrames    uintptr
	KernelSpaceBase   uintptr
	KernelSpaceLimit  uintptr
	UserSpaceBase     uintptr
	UserSpaceLimit    uintptr
	HugePagesEnabled  bool
}

// Default mirrors a typical x86_64 obos boot: 4KiB pages, no huge
// pages unless the command line says otherwise, and the canonical
// higher-half kernel split.
func Default() Config {
	const pageSize = 1 << 12
	return Config{
		PageSize:         pageSize,
		HugePageSize:     1 << 21,
		PhysicalFrames:   1 << 18, // 1GiB of simulated physical memory
		KernelSpaceBase:  0xffff800000000000,
		KernelSpaceLimit: 0xffffffffffffe000,
		UserSpaceBase:    pageSize,
		UserSpaceLimit:   0x00007ffffffff000,
		HugePagesEnabled: false,
	}
}

// Parse tokenizes a command line of whitespace-separated key=value
// pairs and overlays recognized keys onto the default configuration.
// Unrecognized tokens are ignored, matching the original kernel's
// leniency toward attributes it does not understand.
func Parse(cmdline string) Config {
	cfg := Default()
	for _, tok := range strings.Fields(cmdline) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch k {
		case "obos.pagesize":
			if n, err := strconv.ParseUint(v, 0, 64); err == nil {
				cfg.PageSize = uintptr(n)
			}
		case "obos.hugepagesize":
			if n, err := strconv.ParseUint(v, 0, 64); err == nil {
				cfg.HugePageSize = uintptr(n)
			}
		case "obos.physframes":
			if n, err := strconv.ParseUint(v, 0, 64); err == nil {
				cfg.PhysicalFrames = uintptr(n)
			}
		case "obos.hugepages":
			cfg.HugePagesEnabled = v == "1" || v == "true"
		}
	}
	if cfg.HugePageSize == cfg.PageSize {
		cfg.HugePagesEnabled = false
	}
	return cfg
}
