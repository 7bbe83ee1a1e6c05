package wire

import (
	"net"
	"testing"

	"github.com/halcyonnet/foghorn/internal/protocol"
)

// TestHash_Stability exercises the identity rules: hashes ignore name
// case and TXT pair order, and notice everything else.
func TestHash_Stability(t *testing.T) {
	t.Run("name case", func(t *testing.T) {
		a := NewRecord("Printer._ipp._tcp.local.", &SRV{Port: 631, Target: "host.local."})
		b := NewRecord("printer._IPP._tcp.LOCAL.", &SRV{Port: 631, Target: "host.local."})
		if a.Hash() != b.Hash() {
			t.Error("case difference changed the hash")
		}
	})

	t.Run("embedded name case", func(t *testing.T) {
		a := NewRecord("x.local.", &SRV{Port: 1, Target: "Host.Local."})
		b := NewRecord("x.local.", &SRV{Port: 1, Target: "host.local."})
		if a.Hash() != b.Hash() {
			t.Error("rdata name case changed the hash")
		}
	})

	t.Run("txt order", func(t *testing.T) {
		a := NewRecord("x.local.", &TXT{Pairs: []TXTPair{
			{Key: "a", Value: []byte("1"), HasValue: true},
			{Key: "b", Value: []byte("2"), HasValue: true},
		}})
		b := NewRecord("x.local.", &TXT{Pairs: []TXTPair{
			{Key: "b", Value: []byte("2"), HasValue: true},
			{Key: "a", Value: []byte("1"), HasValue: true},
		}})
		if a.Hash() != b.Hash() {
			t.Error("TXT insertion order changed the hash")
		}
	})

	t.Run("rdata difference", func(t *testing.T) {
		a := NewRecord("x.local.", &A{Address: net.IPv4(192, 168, 1, 10)})
		b := NewRecord("x.local.", &A{Address: net.IPv4(192, 168, 1, 11)})
		if a.Hash() == b.Hash() {
			t.Error("different rdata produced equal hashes")
		}
		if a.NameHash() != b.NameHash() {
			t.Error("same name+type+class produced different namehashes")
		}
	})

	t.Run("ttl ignored", func(t *testing.T) {
		a := NewRecord("x.local.", &A{Address: net.IPv4(10, 0, 0, 1)})
		b := a.CloneWithTTL(7)
		if a.Hash() != b.Hash() {
			t.Error("TTL changed the hash")
		}
	})
}

func TestConflictsWith(t *testing.T) {
	srv1 := NewRecord("Web._http._tcp.local.", &SRV{Port: 80, Target: "a.local."})
	srv2 := NewRecord("Web._http._tcp.local.", &SRV{Port: 8080, Target: "a.local."})
	srvSame := NewRecord("web._http._tcp.local.", &SRV{Port: 80, Target: "a.local."})
	ptr := NewRecord("_http._tcp.local.", &PTR{Target: "Web._http._tcp.local."})
	ptr2 := NewRecord("_http._tcp.local.", &PTR{Target: "Other._http._tcp.local."})

	if !srv1.ConflictsWith(srv2) {
		t.Error("same rrset with different rdata should conflict")
	}
	if srv1.ConflictsWith(srvSame) {
		t.Error("identical records should not conflict")
	}
	if ptr.ConflictsWith(ptr2) {
		t.Error("shared records never conflict")
	}
}

// TestCompare_TiebreakOrder verifies the RFC 6762 §8.2.1 ordering: class,
// then type, then raw rdata bytes.
func TestCompare_TiebreakOrder(t *testing.T) {
	aLow := NewRecord("x.local.", &A{Address: net.IPv4(10, 0, 0, 1)})
	aHigh := NewRecord("x.local.", &A{Address: net.IPv4(10, 0, 0, 2)})
	srv := NewRecord("x.local.", &SRV{Port: 1, Target: "t.local."})

	if aLow.Compare(aHigh) >= 0 {
		t.Error("10.0.0.1 should order before 10.0.0.2")
	}
	if aHigh.Compare(aLow) <= 0 {
		t.Error("comparison should be antisymmetric")
	}
	if aLow.Compare(aLow.Clone()) != 0 {
		t.Error("identical records should compare equal")
	}
	// A (1) sorts before SRV (33) on type.
	if aHigh.Compare(srv) >= 0 {
		t.Error("type should dominate rdata")
	}
}

func TestAnswersQuestion(t *testing.T) {
	srv := NewRecord("Web._http._tcp.local.", &SRV{Port: 80, Target: "a.local."})

	tests := []struct {
		name string
		q    Question
		want bool
	}{
		{"exact", NewQuestion("Web._http._tcp.local.", protocol.TypeSRV), true},
		{"case fold", NewQuestion("web._HTTP._tcp.local.", protocol.TypeSRV), true},
		{"ANY type", NewQuestion("Web._http._tcp.local.", protocol.TypeANY), true},
		{"wrong type", NewQuestion("Web._http._tcp.local.", protocol.TypeA), false},
		{"wrong name", NewQuestion("Other._http._tcp.local.", protocol.TypeSRV), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := srv.AnswersQuestion(tt.q); got != tt.want {
				t.Errorf("AnswersQuestion() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestNSEC_Bitmap checks the restricted-form type bitmap of
// RFC 6762 §6.1.
func TestNSEC_Bitmap(t *testing.T) {
	n := &NSEC{Next: "x.local.", Types: []protocol.RRType{protocol.TypeA, protocol.TypeSRV}}
	b := NewBuffer(nil)
	if err := n.writeBody(b); err != nil {
		t.Fatal(err)
	}

	parsed := &NSEC{}
	rb := NewBuffer(b.Bytes())
	if err := parsed.readBody(rb, len(b.Bytes())); err != nil {
		t.Fatal(err)
	}
	if parsed.Next != "x.local." {
		t.Errorf("next = %q", parsed.Next)
	}
	if len(parsed.Types) != 2 || parsed.Types[0] != protocol.TypeA || parsed.Types[1] != protocol.TypeSRV {
		t.Errorf("types = %v", parsed.Types)
	}
}

func TestTXT_BooleanAndEmptyValues(t *testing.T) {
	txt := &TXT{Pairs: []TXTPair{
		{Key: "flag"},                          // bare key, boolean true
		{Key: "empty", HasValue: true},         // "empty="
		{Key: "v", Value: []byte("1"), HasValue: true}, // "v=1"
	}}
	b := NewBuffer(nil)
	if err := txt.writeBody(b); err != nil {
		t.Fatal(err)
	}

	parsed := &TXT{}
	if err := parsed.readBody(NewBuffer(b.Bytes()), len(b.Bytes())); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Pairs) != 3 {
		t.Fatalf("pairs = %d", len(parsed.Pairs))
	}
	if parsed.Pairs[0].Key != "flag" || parsed.Pairs[0].HasValue {
		t.Errorf("bare key parsed as %+v", parsed.Pairs[0])
	}
	if parsed.Pairs[1].Key != "empty" || !parsed.Pairs[1].HasValue || len(parsed.Pairs[1].Value) != 0 {
		t.Errorf("empty value parsed as %+v", parsed.Pairs[1])
	}
	if string(parsed.Pairs[2].Value) != "1" {
		t.Errorf("value parsed as %+v", parsed.Pairs[2])
	}
}

func TestTXT_EmptyRecordIsSingleZeroByte(t *testing.T) {
	txt := &TXT{}
	b := NewBuffer(nil)
	if err := txt.writeBody(b); err != nil {
		t.Fatal(err)
	}
	if len(b.Bytes()) != 1 || b.Bytes()[0] != 0x00 {
		t.Errorf("empty TXT = %v, want [0x00]", b.Bytes())
	}
}
