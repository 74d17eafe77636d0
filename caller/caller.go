// Package caller provides stack-dump helpers used by klog's panic
// path, grounded on biscuit's src/caller package.
package caller

import (
	"fmt"
	"runtime"
)

// Dump formats the call stack starting at the given skip depth, one
// frame per line, innermost first.
func Dump(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// DistinctPaths tracks whether a given call chain has already been
// reported, so a noisy fault path only logs its backtrace once per
// distinct caller rather than once per fault.
type DistinctPaths struct {
	Enabled bool
	did     map[uintptr]bool
}

func (d *DistinctPaths) hash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Seen reports whether the current call chain (as of 3 frames up) has
// already been recorded, recording it if not, and returns a formatted
// trace the first time it is seen.
func (d *DistinctPaths) Seen() (fresh bool, trace string) {
	if !d.Enabled {
		return false, ""
	}
	if d.did == nil {
		d.did = make(map[uintptr]bool)
	}
	pcs := make([]uintptr, 30)
	got := runtime.Callers(3, pcs)
	if got == 0 {
		return false, ""
	}
	pcs = pcs[:got]
	h := d.hash(pcs)
	if d.did[h] {
		return false, ""
	}
	d.did[h] = true
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if trace == "" {
			trace = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			trace += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, trace
}
