package accnt

import (
	"strings"
	"testing"
)

type fakeContext struct{ snap Snapshot }

func (f fakeContext) MemStatSnapshot() Snapshot { return f.snap }

func TestAddAccumulatesAcrossContexts(t *testing.T) {
	var a Accnt
	a.Add(fakeContext{Snapshot{CommittedMemory: 100, Pageable: 40}})
	a.Add(fakeContext{Snapshot{CommittedMemory: 50, NonPaged: 10}})

	got := a.Fetch()
	if got.CommittedMemory != 150 {
		t.Fatalf("CommittedMemory = %d, want 150", got.CommittedMemory)
	}
	if got.Pageable != 40 || got.NonPaged != 10 {
		t.Fatalf("Fetch = %+v, want Pageable=40 NonPaged=10", got)
	}
}

func TestReportIncludesAllFields(t *testing.T) {
	s := Snapshot{Pageable: 1, NonPaged: 2, Reserved: 3, CommittedMemory: 4, Paged: 5}
	r := Report(s)
	for _, want := range []string{"pageable", "non-paged", "reserved", "committed", "paged out"} {
		if !strings.Contains(r, want) {
			t.Fatalf("Report() missing %q:\n%s", want, r)
		}
	}
}

func TestReportOneLineIsCompact(t *testing.T) {
	s := Snapshot{CommittedMemory: 1000000}
	line := ReportOneLine("ctx0", s)
	if !strings.HasPrefix(line, "ctx0:") {
		t.Fatalf("ReportOneLine = %q, want prefix ctx0:", line)
	}
	if strings.Contains(line, "\n") {
		t.Fatalf("ReportOneLine should be a single line")
	}
}
