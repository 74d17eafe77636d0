// Package accnt accumulates and reports per-context memory accounting,
// grounded on biscuit's src/accnt package (Accnt_t's mutex-guarded
// snapshot-then-format pattern, Fetch/To_rusage), retargeted from
// process CPU time onto the VMM's own accounting record
// (MemStat: pageable/nonPaged/reserved/committedMemory/paged, §4.3)
// since that is the accounting obos actually keeps.
package accnt

import (
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Snapshot is memory accounting figures as Report formats them. It is
// a plain copy, not a pointer into a live vmm.Context.Stat, so a
// caller can safely hold it after the context's lock is released.
type Snapshot struct {
	Pageable        uintptr
	NonPaged        uintptr
	Reserved        uintptr
	CommittedMemory uintptr
	Paged           uintptr
}

// Stater is satisfied by *vmm.Context; declared here rather than
// imported directly so accnt never depends on vmm (mirroring the
// dependency-direction discipline used throughout this tree).
type Stater interface {
	MemStatSnapshot() Snapshot
}

// Accnt accumulates a running total across multiple contexts — one
// global instance tracks the whole system's committed/reserved bytes,
// the way Accnt_t.Add merges a finishing process's usage into its
// parent's.
type Accnt struct {
	mu   sync.Mutex
	total Snapshot
}

// Add merges ctx's current snapshot into the running total.
func (a *Accnt) Add(ctx Stater) {
	s := ctx.MemStatSnapshot()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total.Pageable += s.Pageable
	a.total.NonPaged += s.NonPaged
	a.total.Reserved += s.Reserved
	a.total.CommittedMemory += s.CommittedMemory
	a.total.Paged += s.Paged
}

// Fetch returns a locked snapshot of the running total, mirroring
// Accnt_t.Fetch's lock-snapshot-unlock shape.
func (a *Accnt) Fetch() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// printer is an English-locale number formatter; every report goes
// through it so byte counts come out comma-grouped the way a real
// `vmstat`-style tool would print them.
var printer = message.NewPrinter(language.English)

// Report formats s as a human-readable, locale-aware usage report.
func Report(s Snapshot) string {
	return printer.Sprintf(
		"pageable: %d bytes\nnon-paged: %d bytes\nreserved: %d bytes\ncommitted: %d bytes\npaged out: %d bytes\n",
		s.Pageable, s.NonPaged, s.Reserved, s.CommittedMemory, s.Paged,
	)
}

// ReportOneLine is the compact form used by periodic logging.
func ReportOneLine(name string, s Snapshot) string {
	return printer.Sprintf("%s: committed=%d reserved=%d pageable=%d nonpaged=%d paged=%d",
		name, s.CommittedMemory, s.Reserved, s.Pageable, s.NonPaged, s.Paged)
}
