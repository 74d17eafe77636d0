// Command obos-memprofile dumps the physical page registry's frame
// table as a pprof heap profile: one sample per currently-referenced
// frame, weighted by refcount, so `go tool pprof` can be pointed at a
// running (or, here, simulated) obos kernel the same way it inspects
// a Go process's heap.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"obos/defs"
	"obos/klog"
	"obos/pmm"
	"obos/vmm"
)

func main() {
	nframes := flag.Int("frames", 4096, "number of physical frames to simulate")
	out := flag.String("o", "obos.heap.pb.gz", "output profile path")
	flag.Parse()

	ppr, err := pmm.New(*nframes, vmm.PageSize)
	if err != nil {
		klog.Error("obos-memprofile: %s", err)
		os.Exit(1)
	}
	defer ppr.Close()

	// Touch a handful of frames so the dump has something other than
	// the always-pinned anon page to show.
	for i := 0; i < 8; i++ {
		if _, status := ppr.Alloc(pmm.AllocFlags{}); defs.IsError(status) {
			break
		}
	}

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "frames", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     int64(vmm.PageSize),
		TimeNanos:  0,
	}
	refLoc := &profile.Location{ID: 1}
	refFn := &profile.Function{ID: 1, Name: "pmm.Registry.frame"}
	refLoc.Line = []profile.Line{{Function: refFn}}
	prof.Function = []*profile.Function{refFn}
	prof.Location = []*profile.Location{refLoc}

	for phys := pmm.Phys(0); int(phys)/vmm.PageSize < *nframes; phys += vmm.PageSize {
		pg, ok := ppr.Lookup(phys)
		if !ok || pg.Refcount() == 0 {
			continue
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Value:    []int64{int64(pg.Refcount())},
			Location: []*profile.Location{refLoc},
		})
	}

	f, err := os.Create(*out)
	if err != nil {
		klog.Error("obos-memprofile: %s", err)
		os.Exit(1)
	}
	defer f.Close()
	prof.DurationNanos = int64(time.Second)
	if err := prof.Write(f); err != nil {
		klog.Error("obos-memprofile: write: %s", err)
		os.Exit(1)
	}
}
