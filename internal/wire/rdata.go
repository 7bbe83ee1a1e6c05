package wire

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/halcyonnet/foghorn/internal/protocol"
)

// RData is the type-specific payload of a resource record.
//
// Each implementation can write itself twice: once in wire form (name
// compression permitted, original case kept) and once in canonical form
// (no compression, names lowercased) which feeds the content hash and the
// probe-tiebreak comparison of RFC 6762 §8.2.1.
type RData interface {
	RType() protocol.RRType

	writeBody(b *Buffer) error
	writeCanonical(b *Buffer) error
	readBody(b *Buffer, rdlen int) error
}

// A is an IPv4 address record payload (RFC 1035 §3.4.1).
type A struct {
	Address net.IP
}

func (*A) RType() protocol.RRType { return protocol.TypeA }

func (a *A) writeBody(b *Buffer) error {
	ip := a.Address.To4()
	if ip == nil {
		return fmt.Errorf("wire: A record with non-IPv4 address %v", a.Address)
	}
	b.WriteBytes(ip)
	return nil
}

func (a *A) writeCanonical(b *Buffer) error { return a.writeBody(b) }

func (a *A) readBody(b *Buffer, rdlen int) error {
	if rdlen != 4 {
		return fmt.Errorf("wire: A rdata length %d", rdlen)
	}
	raw, err := b.ReadBytes(4)
	if err != nil {
		return err
	}
	a.Address = net.IP(raw)
	return nil
}

// AAAA is an IPv6 address record payload (RFC 3596).
type AAAA struct {
	Address net.IP
}

func (*AAAA) RType() protocol.RRType { return protocol.TypeAAAA }

func (a *AAAA) writeBody(b *Buffer) error {
	ip := a.Address.To16()
	if ip == nil || a.Address.To4() != nil {
		return fmt.Errorf("wire: AAAA record with non-IPv6 address %v", a.Address)
	}
	b.WriteBytes(ip)
	return nil
}

func (a *AAAA) writeCanonical(b *Buffer) error { return a.writeBody(b) }

func (a *AAAA) readBody(b *Buffer, rdlen int) error {
	if rdlen != 16 {
		return fmt.Errorf("wire: AAAA rdata length %d", rdlen)
	}
	raw, err := b.ReadBytes(16)
	if err != nil {
		return err
	}
	a.Address = net.IP(raw)
	return nil
}

// PTR is a pointer record payload (RFC 1035 §3.3.12).
type PTR struct {
	Target string
}

func (*PTR) RType() protocol.RRType { return protocol.TypePTR }

func (p *PTR) writeBody(b *Buffer) error      { return b.WriteName(p.Target) }
func (p *PTR) writeCanonical(b *Buffer) error { return b.WriteNameCanonical(p.Target) }

func (p *PTR) readBody(b *Buffer, rdlen int) error {
	name, err := b.ReadName()
	if err != nil {
		return err
	}
	p.Target = name
	return nil
}

// SRV is a service-location payload (RFC 2782).
type SRV struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func (*SRV) RType() protocol.RRType { return protocol.TypeSRV }

func (s *SRV) writeBody(b *Buffer) error {
	b.WriteUint16(s.Priority)
	b.WriteUint16(s.Weight)
	b.WriteUint16(s.Port)
	return b.WriteName(s.Target)
}

func (s *SRV) writeCanonical(b *Buffer) error {
	b.WriteUint16(s.Priority)
	b.WriteUint16(s.Weight)
	b.WriteUint16(s.Port)
	return b.WriteNameCanonical(s.Target)
}

func (s *SRV) readBody(b *Buffer, rdlen int) error {
	var err error
	if s.Priority, err = b.ReadUint16(); err != nil {
		return err
	}
	if s.Weight, err = b.ReadUint16(); err != nil {
		return err
	}
	if s.Port, err = b.ReadUint16(); err != nil {
		return err
	}
	s.Target, err = b.ReadName()
	return err
}

// TXTPair is one key[=value] entry of a TXT record (RFC 6763 §6.4).
// HasValue distinguishes "key=" (empty value) from bare "key" (boolean
// true, no '=' on the wire).
type TXTPair struct {
	Key      string
	Value    []byte
	HasValue bool
}

// TXT is a text record payload. Pair order is preserved on the wire, but
// identity (the content hash) is order-insensitive.
type TXT struct {
	Pairs []TXTPair
}

func (*TXT) RType() protocol.RRType { return protocol.TypeTXT }

func (t *TXT) entries(sorted bool) [][]byte {
	out := make([][]byte, 0, len(t.Pairs))
	for _, p := range t.Pairs {
		e := []byte(p.Key)
		if p.HasValue {
			e = append(e, '=')
			e = append(e, p.Value...)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		// RFC 6763 §6.1: an empty TXT record is a single zero byte.
		out = append(out, []byte{})
	}
	if sorted {
		sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	}
	return out
}

func writeTXTEntries(b *Buffer, entries [][]byte) error {
	for _, e := range entries {
		if len(e) > 255 {
			return fmt.Errorf("wire: TXT entry of %d bytes", len(e))
		}
		b.WriteUint8(uint8(len(e)))
		b.WriteBytes(e)
	}
	return nil
}

func (t *TXT) writeBody(b *Buffer) error      { return writeTXTEntries(b, t.entries(false)) }
func (t *TXT) writeCanonical(b *Buffer) error { return writeTXTEntries(b, t.entries(true)) }

func (t *TXT) readBody(b *Buffer, rdlen int) error {
	end := b.Pos() + rdlen
	t.Pairs = nil
	for b.Pos() < end {
		n, err := b.ReadUint8()
		if err != nil {
			return err
		}
		if b.Pos()+int(n) > end {
			return ErrTruncatedMessage
		}
		raw, err := b.ReadBytes(int(n))
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}
		if i := bytes.IndexByte(raw, '='); i >= 0 {
			t.Pairs = append(t.Pairs, TXTPair{
				Key:      string(raw[:i]),
				Value:    raw[i+1:],
				HasValue: true,
			})
		} else {
			t.Pairs = append(t.Pairs, TXTPair{Key: string(raw)})
		}
	}
	return nil
}

// Raw returns the wire-form rdata body, the TXT identity used by service
// resolvers to detect metadata changes.
func (t *TXT) Raw() []byte {
	b := NewBuffer(nil)
	_ = t.writeBody(b)
	return b.Bytes()
}

// NSEC is the restricted mDNS form of an NSEC record (RFC 6762 §6.1):
// next-domain equals the owner name and the type bitmap is a single
// window-0 block covering rrtypes 1..255. It asserts which types exist for
// a name, so a negative answer can be cached.
type NSEC struct {
	Next  string
	Types []protocol.RRType
}

func (*NSEC) RType() protocol.RRType { return protocol.TypeNSEC }

func (n *NSEC) bitmap() []byte {
	var bm [32]byte
	max := 0
	for _, t := range n.Types {
		if t == 0 || t > 255 {
			continue
		}
		bm[t/8] |= 0x80 >> (t % 8)
		if int(t/8) >= max {
			max = int(t/8) + 1
		}
	}
	return bm[:max]
}

func (n *NSEC) writeBitmap(b *Buffer) error {
	bm := n.bitmap()
	b.WriteUint8(0) // window block 0
	b.WriteUint8(uint8(len(bm)))
	b.WriteBytes(bm)
	return nil
}

func (n *NSEC) writeBody(b *Buffer) error {
	// The next-domain name is written in canonical form, uncompressed and
	// lowercased, even on the wire (RFC 6762 §18.14 permits compression,
	// but the restricted form always names the owner, and writing it
	// plainly keeps the record self-contained).
	if err := b.WriteNameCanonical(n.Next); err != nil {
		return err
	}
	return n.writeBitmap(b)
}

func (n *NSEC) writeCanonical(b *Buffer) error {
	if err := b.WriteNameCanonical(n.Next); err != nil {
		return err
	}
	return n.writeBitmap(b)
}

func (n *NSEC) readBody(b *Buffer, rdlen int) error {
	end := b.Pos() + rdlen
	next, err := b.ReadName()
	if err != nil {
		return err
	}
	n.Next = next
	n.Types = nil
	for b.Pos() < end {
		window, err := b.ReadUint8()
		if err != nil {
			return err
		}
		length, err := b.ReadUint8()
		if err != nil {
			return err
		}
		bm, err := b.ReadBytes(int(length))
		if err != nil {
			return err
		}
		if window != 0 {
			// Only block 0 is meaningful in the restricted form.
			continue
		}
		for i, octet := range bm {
			for bit := 0; bit < 8; bit++ {
				if octet&(0x80>>bit) != 0 {
					n.Types = append(n.Types, protocol.RRType(i*8+bit))
				}
			}
		}
	}
	return nil
}

// Opaque carries the rdata of any record type the engine does not
// interpret. It is rewritten byte-exact.
type Opaque struct {
	Type protocol.RRType
	Data []byte
}

func (o *Opaque) RType() protocol.RRType { return o.Type }

func (o *Opaque) writeBody(b *Buffer) error {
	b.WriteBytes(o.Data)
	return nil
}

func (o *Opaque) writeCanonical(b *Buffer) error { return o.writeBody(b) }

func (o *Opaque) readBody(b *Buffer, rdlen int) error {
	data, err := b.ReadBytes(rdlen)
	if err != nil {
		return err
	}
	o.Data = data
	return nil
}

func newRData(t protocol.RRType) RData {
	switch t {
	case protocol.TypeA:
		return &A{}
	case protocol.TypeAAAA:
		return &AAAA{}
	case protocol.TypePTR:
		return &PTR{}
	case protocol.TypeSRV:
		return &SRV{}
	case protocol.TypeTXT:
		return &TXT{}
	case protocol.TypeNSEC:
		return &NSEC{}
	}
	return &Opaque{Type: t}
}

func cloneRData(rd RData) RData {
	switch v := rd.(type) {
	case *A:
		return &A{Address: append(net.IP(nil), v.Address...)}
	case *AAAA:
		return &AAAA{Address: append(net.IP(nil), v.Address...)}
	case *PTR:
		return &PTR{Target: v.Target}
	case *SRV:
		c := *v
		return &c
	case *TXT:
		pairs := make([]TXTPair, len(v.Pairs))
		for i, p := range v.Pairs {
			pairs[i] = TXTPair{Key: p.Key, Value: append([]byte(nil), p.Value...), HasValue: p.HasValue}
		}
		return &TXT{Pairs: pairs}
	case *NSEC:
		return &NSEC{Next: v.Next, Types: append([]protocol.RRType(nil), v.Types...)}
	case *Opaque:
		return &Opaque{Type: v.Type, Data: append([]byte(nil), v.Data...)}
	}
	return rd
}

func rdataString(rd RData) string {
	switch v := rd.(type) {
	case *A:
		return v.Address.String()
	case *AAAA:
		return v.Address.String()
	case *PTR:
		return v.Target
	case *SRV:
		return fmt.Sprintf("%d %d %d %s", v.Priority, v.Weight, v.Port, v.Target)
	case *TXT:
		parts := make([]string, 0, len(v.Pairs))
		for _, e := range v.entries(false) {
			parts = append(parts, string(e))
		}
		return strings.Join(parts, " ")
	case *NSEC:
		parts := make([]string, 0, len(v.Types))
		for _, t := range v.Types {
			parts = append(parts, t.String())
		}
		return v.Next + " " + strings.Join(parts, " ")
	case *Opaque:
		return fmt.Sprintf("\\# %d", len(v.Data))
	}
	return "?"
}
