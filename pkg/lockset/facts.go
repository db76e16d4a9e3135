// Package lockset implements the interprocedural lock-set dataflow analysis.
// It tracks, at every program point, the lock acquire and release events
// that reach it and emits held-before edges into a lock-order graph.
package lockset

import (
	"fmt"
	"go/token"
	"sort"
	"strings"

	"github.com/akerouanton/lockgraph/pkg/lockorder"
)

// LockFact is one acquire or release event. A release fact with Acquire
// unset has no matching acquisition in the same procedure: either the lock
// is held by a caller, or acquire and release are mispaired. Late marks such
// a release when some acquisition of the procedure came before it.
type LockFact struct {
	Lock     lockorder.Lock
	Acquire  bool
	Released bool
	Late     bool
	Pos      token.Pos
}

// Held reports whether the fact is an acquisition that has not been
// released.
func (f LockFact) Held() bool { return f.Acquire && !f.Released }

func (f LockFact) String() string {
	switch {
	case f.Held():
		return fmt.Sprintf("+%s", f.Lock)
	case f.Acquire:
		return fmt.Sprintf("+-%s", f.Lock)
	case f.Late:
		return fmt.Sprintf("~-%s", f.Lock)
	default:
		return fmt.Sprintf("-%s", f.Lock)
	}
}

func factLess(a, b LockFact) bool {
	if a.Lock != b.Lock {
		return a.Lock.Less(b.Lock)
	}
	if a.Acquire != b.Acquire {
		return a.Acquire
	}
	if a.Released != b.Released {
		return !a.Released
	}
	if a.Late != b.Late {
		return !a.Late
	}
	return a.Pos < b.Pos
}

// compareSets orders sets by their sorted facts.
func compareSets(a, b LockSetFact) int {
	fa, fb := a.Sorted(), b.Sorted()
	for i := 0; i < len(fa) && i < len(fb); i++ {
		switch {
		case factLess(fa[i], fb[i]):
			return -1
		case factLess(fb[i], fa[i]):
			return 1
		}
	}
	return len(fa) - len(fb)
}

// LockSetFact is the set of lock facts reaching a program point. The
// lattice is ordered by inclusion and joined by union.
type LockSetFact map[LockFact]struct{}

// NewLockSetFact returns a set holding facts.
func NewLockSetFact(facts ...LockFact) LockSetFact {
	s := make(LockSetFact, len(facts))
	for _, f := range facts {
		s[f] = struct{}{}
	}
	return s
}

// Add inserts f.
func (s LockSetFact) Add(f LockFact) { s[f] = struct{}{} }

// Has reports whether f is in s.
func (s LockSetFact) Has(f LockFact) bool {
	_, ok := s[f]
	return ok
}

// Clone returns a copy of s.
func (s LockSetFact) Clone() LockSetFact {
	c := make(LockSetFact, len(s))
	for f := range s {
		c[f] = struct{}{}
	}
	return c
}

// Join adds every fact of other to s and reports whether s grew.
func (s LockSetFact) Join(other LockSetFact) bool {
	changed := false
	for f := range other {
		if _, ok := s[f]; !ok {
			s[f] = struct{}{}
			changed = true
		}
	}
	return changed
}

// Union returns a ∪ b without modifying either.
func Union(a, b LockSetFact) LockSetFact {
	u := a.Clone()
	u.Join(b)
	return u
}

// Equal reports whether s and other hold the same facts.
func (s LockSetFact) Equal(other LockSetFact) bool {
	if len(s) != len(other) {
		return false
	}
	for f := range s {
		if _, ok := other[f]; !ok {
			return false
		}
	}
	return true
}

// acquired reports whether s holds an acquisition, released or not.
func (s LockSetFact) acquired() bool {
	for f := range s {
		if f.Acquire {
			return true
		}
	}
	return false
}

// Held returns the unreleased acquisitions in s, sorted.
func (s LockSetFact) Held() []LockFact {
	var held []LockFact
	for f := range s {
		if f.Held() {
			held = append(held, f)
		}
	}
	sort.Slice(held, func(i, j int) bool { return factLess(held[i], held[j]) })
	return held
}

// Sorted returns the facts of s in a deterministic order.
func (s LockSetFact) Sorted() []LockFact {
	fs := make([]LockFact, 0, len(s))
	for f := range s {
		fs = append(fs, f)
	}
	sort.Slice(fs, func(i, j int) bool { return factLess(fs[i], fs[j]) })
	return fs
}

// release flips the unreleased acquisitions of lock to released. When none
// exists it records a dangling release at pos, late or not, and reports
// false.
func (s LockSetFact) release(lock lockorder.Lock, pos token.Pos, late bool) bool {
	matched := false
	for f := range s {
		if f.Lock == lock && f.Held() {
			delete(s, f)
			f.Released = true
			s[f] = struct{}{}
			matched = true
		}
	}
	if !matched {
		s[LockFact{Lock: lock, Released: true, Late: late, Pos: pos}] = struct{}{}
	}
	return matched
}

func (s LockSetFact) String() string {
	parts := make([]string, 0, len(s))
	for _, f := range s.Sorted() {
		parts = append(parts, f.String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// LockSummary is a procedure's externally visible lock behavior: one set per
// distinct outcome reaching the procedure's exits.
type LockSummary []LockSetFact

// Equal reports whether both summaries hold the same sets in the same order.
func (s LockSummary) Equal(other LockSummary) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !s[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

func (s LockSummary) String() string {
	parts := make([]string, len(s))
	for i, set := range s {
		parts[i] = set.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
