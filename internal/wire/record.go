package wire

import (
	"bytes"
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"

	"github.com/halcyonnet/foghorn/internal/protocol"
)

// Record is one resource record together with the derived attributes the
// engine keys on.
//
// Identity is the content hash: lowercased owner name, type, class, and
// canonical rdata. Two records with equal hashes are interchangeable
// anywhere in the engine. NameHash covers only name+type+class and groups
// the records that cache-flush semantics treat as one rrset
// (RFC 6762 §10.2).
type Record struct {
	Name       string
	Type       protocol.RRType
	Class      protocol.RRClass
	TTL        uint32
	CacheFlush bool
	Data       RData

	// Additionals are records worth shipping alongside this one in a
	// response (RFC 6763 §12: SRV/TXT/addresses follow a PTR answer).
	Additionals []*Record

	hash     uint64
	namehash uint64
}

// NewRecord builds a record with the engine's defaults: class IN, the
// conventional TTL for the type, and the cache-flush bit on unique types.
func NewRecord(name string, data RData) *Record {
	t := data.RType()
	ttl := uint32(protocol.TTLDefault)
	if t == protocol.TypePTR {
		ttl = protocol.TTLPointer
	}
	return &Record{
		Name:       name,
		Type:       t,
		Class:      protocol.ClassIN,
		TTL:        ttl,
		CacheFlush: t.IsUnique(),
		Data:       data,
	}
}

// IsUnique reports whether this record is a member of a unique rrset,
// i.e. subject to probing and cache-flush handling.
func (r *Record) IsUnique() bool { return r.Type.IsUnique() }

// Hash returns the content hash. It depends only on the lowercased name,
// type, 15-bit class, and canonical rdata, so TXT key order and name case
// never affect identity.
func (r *Record) Hash() uint64 {
	if r.hash == 0 {
		d := xxhash.New()
		_, _ = d.WriteString(CanonicalName(r.Name))
		var hdr [4]byte
		hdr[0] = byte(r.Type >> 8)
		hdr[1] = byte(r.Type)
		cls := uint16(r.Class) & protocol.ClassMask
		hdr[2] = byte(cls >> 8)
		hdr[3] = byte(cls)
		_, _ = d.Write(hdr[:])
		b := NewBuffer(nil)
		_ = r.Data.writeCanonical(b)
		_, _ = d.Write(b.Bytes())
		r.hash = d.Sum64()
		if r.hash == 0 {
			r.hash = 1
		}
	}
	return r.hash
}

// NameHash returns the hash of name+type+class.
func (r *Record) NameHash() uint64 {
	if r.namehash == 0 {
		d := xxhash.New()
		_, _ = d.WriteString(CanonicalName(r.Name))
		var hdr [4]byte
		hdr[0] = byte(r.Type >> 8)
		hdr[1] = byte(r.Type)
		cls := uint16(r.Class) & protocol.ClassMask
		hdr[2] = byte(cls >> 8)
		hdr[3] = byte(cls)
		_, _ = d.Write(hdr[:])
		r.namehash = d.Sum64()
		if r.namehash == 0 {
			r.namehash = 1
		}
	}
	return r.namehash
}

// ResetDerived clears the memoized hashes after an in-place mutation of
// the record's name or rdata. Collections key on the hash, so mutate only
// records that are not currently stored in one.
func (r *Record) ResetDerived() {
	r.hash = 0
	r.namehash = 0
}

// Equal reports content equality (hash equality).
func (r *Record) Equal(other *Record) bool {
	return other != nil && r.Hash() == other.Hash()
}

// SameRRSet reports whether other belongs to the same name+type+class set.
func (r *Record) SameRRSet(other *Record) bool {
	return other != nil && r.NameHash() == other.NameHash()
}

// ConflictsWith reports whether other claims the same unique rrset with
// different rdata (RFC 6762 §8.2).
func (r *Record) ConflictsWith(other *Record) bool {
	return r.IsUnique() && r.SameRRSet(other) && r.Hash() != other.Hash()
}

// Clone returns a deep copy. The copy shares no mutable state with the
// original; Additionals are carried over shallowly since they are treated
// as immutable once attached.
func (r *Record) Clone() *Record {
	c := &Record{
		Name:        r.Name,
		Type:        r.Type,
		Class:       r.Class,
		TTL:         r.TTL,
		CacheFlush:  r.CacheFlush,
		Data:        cloneRData(r.Data),
		Additionals: append([]*Record(nil), r.Additionals...),
	}
	return c
}

// CloneWithTTL returns a deep copy carrying a different TTL.
func (r *Record) CloneWithTTL(ttl uint32) *Record {
	c := r.Clone()
	c.TTL = ttl
	return c
}

// CanonicalRData returns the rdata serialized as if being written, with
// embedded names in canonical (uncompressed, lowercased) encoding. This is
// the byte string the probe tiebreak compares (RFC 6762 §8.2.1).
func (r *Record) CanonicalRData() []byte {
	b := NewBuffer(nil)
	_ = r.Data.writeCanonical(b)
	return b.Bytes()
}

// Compare orders two records for the simultaneous-probe tiebreak:
// class (15-bit), then type, then canonical rdata, each compared as
// unsigned values (RFC 6762 §8.2.1). Returns -1, 0, or 1.
func (r *Record) Compare(other *Record) int {
	rc, oc := uint16(r.Class)&protocol.ClassMask, uint16(other.Class)&protocol.ClassMask
	switch {
	case rc < oc:
		return -1
	case rc > oc:
		return 1
	}
	switch {
	case r.Type < other.Type:
		return -1
	case r.Type > other.Type:
		return 1
	}
	return bytes.Compare(r.CanonicalRData(), other.CanonicalRData())
}

// AnswersQuestion reports whether this record is a direct answer to q:
// same name, matching class, and matching type (ANY on either side
// matches everything).
func (r *Record) AnswersQuestion(q Question) bool {
	if !NamesEqual(r.Name, q.Name) {
		return false
	}
	qc := uint16(q.Class) & protocol.ClassMask
	if qc != uint16(protocol.ClassANY) && qc != uint16(r.Class)&protocol.ClassMask {
		return false
	}
	return q.Type == protocol.TypeANY || r.Type == protocol.TypeANY || q.Type == r.Type
}

// writeTo appends the record in wire form, reserving and back-patching the
// RDLENGTH field around the body.
func (r *Record) writeTo(b *Buffer) error {
	if err := b.WriteName(r.Name); err != nil {
		return err
	}
	b.WriteUint16(uint16(r.Type))
	cls := uint16(r.Class) & protocol.ClassMask
	if r.CacheFlush {
		cls |= protocol.FlagBit
	}
	b.WriteUint16(cls)
	b.WriteUint32(r.TTL)

	lenAt := b.Pos()
	b.WriteUint16(0)
	start := b.Pos()
	if err := r.Data.writeBody(b); err != nil {
		return err
	}
	body := b.Pos() - start
	if body > 0xffff {
		return fmt.Errorf("wire: rdata of %d bytes", body)
	}
	b.WriteUint16At(lenAt, uint16(body))
	return nil
}

// readRecord parses one record at the cursor.
func readRecord(b *Buffer) (*Record, error) {
	name, err := b.ReadName()
	if err != nil {
		return nil, err
	}
	t, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	cls, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	ttl, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	rdlen, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	if int(rdlen) > b.Remaining() {
		return nil, ErrTruncatedMessage
	}

	r := &Record{
		Name:       name,
		Type:       protocol.RRType(t),
		Class:      protocol.RRClass(cls & protocol.ClassMask),
		TTL:        ttl,
		CacheFlush: cls&protocol.FlagBit != 0,
		Data:       newRData(protocol.RRType(t)),
	}
	end := b.Pos() + int(rdlen)
	if err := r.Data.readBody(b, int(rdlen)); err != nil {
		return nil, err
	}
	if b.Pos() != end {
		return nil, fmt.Errorf("wire: %s rdata under/overrun (%d vs %d)", r.Type, b.Pos(), end)
	}
	return r, nil
}

// String renders the record in zone-file style for logs.
func (r *Record) String() string {
	flush := ""
	if r.CacheFlush {
		flush = " flush"
	}
	return fmt.Sprintf("%s %d %s%s %s %s", r.Name, r.TTL, r.Class, flush, r.Type, rdataString(r.Data))
}

// IPAddress extracts the IP from an A or AAAA record, or nil.
func (r *Record) IPAddress() net.IP {
	switch v := r.Data.(type) {
	case *A:
		return v.Address
	case *AAAA:
		return v.Address
	}
	return nil
}
