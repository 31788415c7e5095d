package classify

import "sync"

// AcceptList is the user-controlled allow-list, keyed by escaped filename,
// that overrides the default rejection of names carrying too many unlikely
// characters (spec.md §4.C, `--accept NAME` / `--accept-all`). It also
// remembers names it has already warned about once, so a directory scan
// that revisits the same bad name doesn't spam the log (grounded on
// original_source/src/accept.cc's accepted_filenames set, which plays the
// same dual role).
type AcceptList struct {
	mu      sync.Mutex
	decided map[string]bool
}

// NewAcceptList seeds the list with names the user explicitly passed via
// repeated --accept flags; those are always accepted.
func NewAcceptList(names []string) *AcceptList {
	a := &AcceptList{decided: make(map[string]bool)}
	for _, n := range names {
		a.decided[n] = true
	}
	return a
}

// Lookup reports whether name has already been decided, and if so what.
func (a *AcceptList) Lookup(name string) (accepted bool, known bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	accepted, known = a.decided[name]
	return
}

// Remember records a decision (typically "rejected, and we've already
// warned about it") so the next occurrence of the same name in the scan
// doesn't re-warn.
func (a *AcceptList) Remember(name string, accepted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decided[name] = accepted
}
