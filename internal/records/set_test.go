package records

import (
	"net"
	"testing"

	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/wire"
)

func srvRecord(name string, port uint16) *wire.Record {
	return wire.NewRecord(name, &wire.SRV{Port: port, Target: "host.local."})
}

func aRecord(name string, last byte) *wire.Record {
	return wire.NewRecord(name, &wire.A{Address: net.IPv4(192, 168, 1, last)})
}

func TestSet_Basics(t *testing.T) {
	r1 := srvRecord("a.local.", 80)
	r2 := srvRecord("b.local.", 80)
	s := NewSet(r1)

	if !s.Has(r1) || s.Has(r2) {
		t.Error("membership wrong after construction")
	}
	s.Add(r1.Clone()) // same content, still one entry
	if s.Size() != 1 {
		t.Errorf("size = %d after duplicate add, want 1", s.Size())
	}
	s.Add(r2)
	if !s.HasEach([]*wire.Record{r1, r2}) {
		t.Error("HasEach failed")
	}
	if !s.HasAny([]*wire.Record{srvRecord("c.local.", 1), r2}) {
		t.Error("HasAny failed")
	}
	s.Delete(r1)
	if s.Has(r1) {
		t.Error("Delete failed")
	}
}

func TestSet_Operations(t *testing.T) {
	r1, r2, r3 := srvRecord("a.local.", 1), srvRecord("b.local.", 2), srvRecord("c.local.", 3)
	s1 := NewSet(r1, r2)
	s2 := NewSet(r2, r3)

	diff := s1.Difference(s2)
	if diff.Size() != 1 || !diff.Has(r1) {
		t.Error("Difference wrong")
	}
	inter := s1.Intersection(s2)
	if inter.Size() != 1 || !inter.Has(r2) {
		t.Error("Intersection wrong")
	}
	if s1.Equals(s2) {
		t.Error("unequal sets reported equal")
	}
	if !s1.Equals(NewSet(r2.Clone(), r1.Clone())) {
		t.Error("content-equal sets reported unequal")
	}
}

// TestSet_GetConflicts exercises RFC 6762 §8.2 conflict detection,
// including the both-sides exclusion that lets another host publish extra
// addresses for a shared name without tripping it.
func TestSet_GetConflicts(t *testing.T) {
	ours := NewSet(srvRecord("x._http._tcp.local.", 80))

	t.Run("different rdata conflicts", func(t *testing.T) {
		theirs := NewSet(srvRecord("x._http._tcp.local.", 8080))
		if got := ours.GetConflicts(theirs); len(got) != 1 {
			t.Fatalf("conflicts = %d, want 1", len(got))
		}
	})

	t.Run("identical records never conflict", func(t *testing.T) {
		theirs := NewSet(srvRecord("x._http._tcp.local.", 80))
		if got := ours.GetConflicts(theirs); len(got) != 0 {
			t.Fatalf("conflicts = %d, want 0", len(got))
		}
	})

	t.Run("shared records never conflict", func(t *testing.T) {
		mine := NewSet(wire.NewRecord("_http._tcp.local.", &wire.PTR{Target: "a._http._tcp.local."}))
		theirs := NewSet(wire.NewRecord("_http._tcp.local.", &wire.PTR{Target: "b._http._tcp.local."}))
		if got := mine.GetConflicts(theirs); len(got) != 0 {
			t.Fatalf("conflicts = %d, want 0", len(got))
		}
	})

	t.Run("records on both sides excluded first", func(t *testing.T) {
		shared := aRecord("host.local.", 10)
		extra := aRecord("host.local.", 11)
		mine := NewSet(shared)
		theirs := NewSet(shared.Clone(), extra)
		// The extra address differs in rdata, but our only record also
		// appears on their side, so after exclusion nothing of ours
		// contradicts it.
		if got := mine.GetConflicts(theirs); len(got) != 0 {
			t.Fatalf("conflicts = %d, want 0", len(got))
		}
	})
}

func TestSet_HasConflictWith(t *testing.T) {
	s := NewSet(srvRecord("x.local.", 80))
	if !s.HasConflictWith(srvRecord("x.local.", 81)) {
		t.Error("different rdata should conflict")
	}
	if s.HasConflictWith(srvRecord("x.local.", 80)) {
		t.Error("own identical record should not conflict")
	}
	if s.HasConflictWith(wire.NewRecord("x.local.", &wire.PTR{Target: "y.local."})) {
		t.Error("shared candidate should not conflict")
	}
}

func TestSet_FindAnswers(t *testing.T) {
	srv := srvRecord("x.local.", 80)
	a := aRecord("x.local.", 5)
	s := NewSet(srv, a)

	if got := s.FindAnswers(wire.NewQuestion("x.local.", protocol.TypeSRV)); len(got) != 1 {
		t.Errorf("SRV answers = %d, want 1", len(got))
	}
	if got := s.FindAnswers(wire.NewQuestion("X.LOCAL.", protocol.TypeANY)); len(got) != 2 {
		t.Errorf("ANY answers = %d, want 2", len(got))
	}
	if got := s.FindAnswers(wire.NewQuestion("y.local.", protocol.TypeANY)); len(got) != 0 {
		t.Errorf("foreign answers = %d, want 0", len(got))
	}
}
