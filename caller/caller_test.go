package caller

import (
	"strings"
	"testing"
)

func TestDumpIncludesCallerFrame(t *testing.T) {
	d := Dump(0)
	if !strings.Contains(d, "caller_test.go") {
		t.Fatalf("Dump() = %q, want it to mention caller_test.go", d)
	}
}

func TestDistinctPathsDisabledNeverReports(t *testing.T) {
	var d DistinctPaths
	fresh, _ := d.Seen()
	if fresh {
		t.Fatalf("a disabled DistinctPaths should never report fresh")
	}
}

func TestDistinctPathsReportsOnceThenSuppresses(t *testing.T) {
	d := DistinctPaths{Enabled: true}
	var results []bool
	var traces []string
	for i := 0; i < 2; i++ {
		fresh, trace := d.Seen() // same call site both iterations
		results = append(results, fresh)
		traces = append(traces, trace)
	}
	if !results[0] || traces[0] == "" {
		t.Fatalf("first Seen() from a given call site should be fresh with a trace")
	}
	if results[1] {
		t.Fatalf("second Seen() from the same call site should be suppressed")
	}
}
