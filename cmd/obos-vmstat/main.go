// Command obos-vmstat prints a locale-formatted memory accounting
// report for a freshly constructed kernel address-space context, the
// Go-native stand-in for a `vmstat`-style diagnostic tool one would
// run against a live obos kernel.
package main

import (
	"flag"
	"fmt"
	"os"

	"obos/accnt"
	"obos/defs"
	"obos/klog"
	"obos/pmm"
	"obos/vmm"
)

func main() {
	nframes := flag.Int("frames", 4096, "number of physical frames to simulate")
	allocBytes := flag.Uint64("alloc", 1<<20, "bytes to allocate non-paged in the kernel context before reporting")
	flag.Parse()

	ppr, err := pmm.New(*nframes, vmm.PageSize)
	if err != nil {
		klog.Error("obos-vmstat: %s", err)
		os.Exit(1)
	}
	defer ppr.Close()

	ctx := vmm.NewContext(ppr, true, defs.Tid(1))
	if *allocBytes > 0 {
		if _, status := ctx.Alloc(0, uintptr(*allocBytes), 0, defs.VMANonPaged, nil, 0); defs.IsError(status) {
			klog.Error("obos-vmstat: alloc: %s", status)
			os.Exit(1)
		}
	}

	fmt.Print(accnt.Report(ctx.MemStatSnapshot()))
}
