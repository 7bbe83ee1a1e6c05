// Package records provides the record collections the engine shares: a
// set keyed by content hash, and an expiring variant that schedules
// reissue and expiry callbacks from record TTLs.
package records

import (
	"github.com/halcyonnet/foghorn/internal/wire"
)

// Set is a collection of records keyed by content hash. At most one record
// per hash is ever stored; iteration order is unspecified.
type Set struct {
	m map[uint64]*wire.Record
}

// NewSet returns a set holding the given records.
func NewSet(rs ...*wire.Record) *Set {
	s := &Set{m: make(map[uint64]*wire.Record, len(rs))}
	s.AddEach(rs)
	return s
}

func (s *Set) Size() int { return len(s.m) }

// Has reports whether a record with the same content hash is present.
func (s *Set) Has(r *wire.Record) bool {
	_, ok := s.m[r.Hash()]
	return ok
}

// HasEach reports whether every given record is present.
func (s *Set) HasEach(rs []*wire.Record) bool {
	for _, r := range rs {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one of the given records is present.
func (s *Set) HasAny(rs []*wire.Record) bool {
	for _, r := range rs {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// Get returns the stored record content-equal to r, or nil.
func (s *Set) Get(r *wire.Record) *wire.Record { return s.m[r.Hash()] }

func (s *Set) Add(r *wire.Record) { s.m[r.Hash()] = r }

func (s *Set) AddEach(rs []*wire.Record) {
	for _, r := range rs {
		s.Add(r)
	}
}

func (s *Set) Delete(r *wire.Record) { delete(s.m, r.Hash()) }

func (s *Set) Clear() { s.m = make(map[uint64]*wire.Record) }

// ToSlice returns the records in unspecified order.
func (s *Set) ToSlice() []*wire.Record {
	out := make([]*wire.Record, 0, len(s.m))
	for _, r := range s.m {
		out = append(out, r)
	}
	return out
}

// Filter returns a new set of the records satisfying pred.
func (s *Set) Filter(pred func(*wire.Record) bool) *Set {
	out := NewSet()
	for _, r := range s.m {
		if pred(r) {
			out.Add(r)
		}
	}
	return out
}

// Equals reports whether both sets hold exactly the same record hashes.
func (s *Set) Equals(other *Set) bool {
	if len(s.m) != len(other.m) {
		return false
	}
	for h := range s.m {
		if _, ok := other.m[h]; !ok {
			return false
		}
	}
	return true
}

// Difference returns the records in s that are not in other.
func (s *Set) Difference(other *Set) *Set {
	out := NewSet()
	for h, r := range s.m {
		if _, ok := other.m[h]; !ok {
			out.Add(r)
		}
	}
	return out
}

// Intersection returns the records present in both sets.
func (s *Set) Intersection(other *Set) *Set {
	out := NewSet()
	for h, r := range s.m {
		if _, ok := other.m[h]; ok {
			out.Add(r)
		}
	}
	return out
}

// GetConflicts returns the records of other that conflict with records of
// s: a conflict pairs a unique record on our side with a same-rrset record
// on theirs carrying different rdata (RFC 6762 §8.2). Records present on
// both sides are excluded first, so a host legitimately publishing extra
// addresses for a shared name never reads as a conflict.
func (s *Set) GetConflicts(other *Set) []*wire.Record {
	ours := s.Difference(other)
	theirs := other.Difference(s)

	var out []*wire.Record
	for _, their := range theirs.m {
		for _, our := range ours.m {
			if our.ConflictsWith(their) {
				out = append(out, their)
				break
			}
		}
	}
	return out
}

// HasConflictWith reports whether candidate is unique and some stored
// record claims its rrset with different rdata. An identical stored record
// is never a conflict.
func (s *Set) HasConflictWith(candidate *wire.Record) bool {
	if !candidate.IsUnique() {
		return false
	}
	if s.Has(candidate) {
		return false
	}
	for _, r := range s.m {
		if r.SameRRSet(candidate) && r.Hash() != candidate.Hash() {
			return true
		}
	}
	return false
}

// FindAnswers returns the stored records answering q (ANY matches all
// types).
func (s *Set) FindAnswers(q wire.Question) []*wire.Record {
	var out []*wire.Record
	for _, r := range s.m {
		if r.AnswersQuestion(q) {
			out = append(out, r)
		}
	}
	return out
}

