package wire

import (
	"fmt"
	"net"

	"github.com/halcyonnet/foghorn/internal/protocol"
)

// Question is one entry of a packet's question section. The QU flag is the
// top bit of the class field and asks for a unicast response
// (RFC 6762 §5.4).
type Question struct {
	Name  string
	Type  protocol.RRType
	Class protocol.RRClass
	QU    bool
}

// NewQuestion returns a class-IN multicast question.
func NewQuestion(name string, t protocol.RRType) Question {
	return Question{Name: name, Type: t, Class: protocol.ClassIN}
}

// Matches reports whether two questions ask the same thing, ignoring the
// QU flag.
func (q Question) Matches(other Question) bool {
	return q.Type == other.Type &&
		uint16(q.Class)&protocol.ClassMask == uint16(other.Class)&protocol.ClassMask &&
		NamesEqual(q.Name, other.Name)
}

func (q Question) String() string {
	qu := ""
	if q.QU {
		qu = " QU"
	}
	return fmt.Sprintf("%s %s %s%s", q.Name, q.Class, q.Type, qu)
}

// Origin is the source address of a received packet.
type Origin struct {
	Address net.IP
	Port    int
}

// Packet is one DNS message plus its receive metadata.
//
// Header bit layout per RFC 1035 §4.1.1. RFC 6762 §18 requires RD, RA, Z,
// AD, and CD to be written as zero and ignored on read, so the packet does
// not model them.
type Packet struct {
	ID     uint16
	QR     bool
	Opcode uint8
	AA     bool
	TC     bool
	RCode  uint8

	Questions   []Question
	Answers     []*Record
	Authorities []*Record
	Additionals []*Record

	Origin      Origin
	LocalOrigin bool

	parseErr error
}

// NewQueryPacket returns an empty query-form packet.
func NewQueryPacket() *Packet { return &Packet{} }

// NewResponsePacket returns an empty authoritative response
// (RFC 6762 §18.4: responses MUST set AA).
func NewResponsePacket() *Packet { return &Packet{QR: true, AA: true} }

// IsQuery reports a query with an empty authority section.
func (p *Packet) IsQuery() bool { return !p.QR && len(p.Authorities) == 0 }

// IsProbe reports a query carrying proposed records in the authority
// section (RFC 6762 §8.1).
func (p *Packet) IsProbe() bool { return !p.QR && len(p.Authorities) > 0 }

// IsAnswer reports a response packet.
func (p *Packet) IsAnswer() bool { return p.QR }

// IsLegacy reports a packet sent from a port other than 5353, i.e. from a
// one-shot resolver that needs legacy response handling (RFC 6762 §6.7).
func (p *Packet) IsLegacy() bool { return p.Origin.Port != protocol.Port }

// IsLocal reports a packet whose origin address belongs to one of this
// host's interfaces. Set by the network layer on receive.
func (p *Packet) IsLocal() bool { return p.LocalOrigin }

// IsEmpty reports a packet with no questions and no records.
func (p *Packet) IsEmpty() bool {
	return len(p.Questions) == 0 && len(p.Answers) == 0 &&
		len(p.Authorities) == 0 && len(p.Additionals) == 0
}

// IsValid reports a packet worth processing: parsed cleanly, OPCODE and
// RCODE zero, and AA set on answers (RFC 6762 §18).
func (p *Packet) IsValid() bool {
	if p.parseErr != nil {
		return false
	}
	if p.Opcode != 0 || p.RCode != 0 {
		return false
	}
	if p.QR && !p.AA {
		return false
	}
	return true
}

// Records returns answers+additionals, the union that cache merging and
// conflict checks operate on.
func (p *Packet) Records() []*Record {
	out := make([]*Record, 0, len(p.Answers)+len(p.Additionals))
	out = append(out, p.Answers...)
	out = append(out, p.Additionals...)
	return out
}

const headerLen = 12

// ParsePacket decodes a datagram. The returned packet is never nil: on a
// parse failure it reports IsValid() == false permanently, and the error
// describes the failure.
func ParsePacket(data []byte, origin Origin) (*Packet, error) {
	p := &Packet{Origin: origin}
	if err := p.parse(data); err != nil {
		p.parseErr = err
		return p, err
	}
	return p, nil
}

func (p *Packet) parse(data []byte) error {
	if len(data) < headerLen {
		return ErrTruncatedMessage
	}
	if len(data) > protocol.MaxPacketSize {
		return fmt.Errorf("wire: %d byte datagram", len(data))
	}
	b := NewBuffer(data)

	p.ID, _ = b.ReadUint16()
	flags, _ := b.ReadUint16()
	p.QR = flags&0x8000 != 0
	p.Opcode = uint8(flags >> 11 & 0xf)
	p.AA = flags&0x0400 != 0
	p.TC = flags&0x0200 != 0
	p.RCode = uint8(flags & 0xf)

	qd, _ := b.ReadUint16()
	an, _ := b.ReadUint16()
	ns, _ := b.ReadUint16()
	ar, _ := b.ReadUint16()

	for i := 0; i < int(qd); i++ {
		name, err := b.ReadName()
		if err != nil {
			return err
		}
		t, err := b.ReadUint16()
		if err != nil {
			return err
		}
		cls, err := b.ReadUint16()
		if err != nil {
			return err
		}
		p.Questions = append(p.Questions, Question{
			Name:  name,
			Type:  protocol.RRType(t),
			Class: protocol.RRClass(cls & protocol.ClassMask),
			QU:    cls&protocol.FlagBit != 0,
		})
	}
	sections := []struct {
		count int
		dst   *[]*Record
	}{
		{int(an), &p.Answers},
		{int(ns), &p.Authorities},
		{int(ar), &p.Additionals},
	}
	for _, s := range sections {
		for i := 0; i < s.count; i++ {
			r, err := readRecord(b)
			if err != nil {
				return err
			}
			*s.dst = append(*s.dst, r)
		}
	}
	return nil
}

// Encode serializes the packet with name compression.
func (p *Packet) Encode() ([]byte, error) {
	b := NewBuffer(nil)
	b.WriteUint16(p.ID)

	var flags uint16
	if p.QR {
		flags |= 0x8000
	}
	flags |= uint16(p.Opcode&0xf) << 11
	if p.AA {
		flags |= 0x0400
	}
	if p.TC {
		flags |= 0x0200
	}
	flags |= uint16(p.RCode & 0xf)
	b.WriteUint16(flags)

	b.WriteUint16(uint16(len(p.Questions)))
	b.WriteUint16(uint16(len(p.Answers)))
	b.WriteUint16(uint16(len(p.Authorities)))
	b.WriteUint16(uint16(len(p.Additionals)))

	for _, q := range p.Questions {
		if err := b.WriteName(q.Name); err != nil {
			return nil, err
		}
		b.WriteUint16(uint16(q.Type))
		cls := uint16(q.Class) & protocol.ClassMask
		if q.QU {
			cls |= protocol.FlagBit
		}
		b.WriteUint16(cls)
	}
	for _, section := range [][]*Record{p.Answers, p.Authorities, p.Additionals} {
		for _, r := range section {
			if err := r.writeTo(b); err != nil {
				return nil, err
			}
		}
	}
	return b.Bytes(), nil
}

// Split divides an oversized packet into two halves for retransmission
// after EMSGSIZE (RFC 6762 §17).
//
// Queries keep their questions on the first half, set TC there to signal
// that more known answers follow (RFC 6762 §7.2), and spread answers over
// both. Responses spread answers over both halves and rebuild each half's
// additionals from the answers that landed there. Any other shape yields
// two empty packets; the caller drops them.
func (p *Packet) Split() (*Packet, *Packet) {
	first, second := &Packet{}, &Packet{}

	switch {
	case p.IsQuery():
		first.Questions = p.Questions
		first.TC = true
		mid := (len(p.Answers) + 1) / 2
		first.Answers = p.Answers[:mid]
		second.Answers = p.Answers[mid:]

	case p.IsAnswer():
		first.QR, first.AA = true, true
		second.QR, second.AA = true, true
		mid := (len(p.Answers) + 1) / 2
		first.Answers = p.Answers[:mid]
		second.Answers = p.Answers[mid:]
		first.Additionals = rebuildAdditionals(first.Answers)
		second.Additionals = rebuildAdditionals(second.Answers)
	}
	return first, second
}

func rebuildAdditionals(answers []*Record) []*Record {
	seen := make(map[uint64]bool, len(answers))
	for _, a := range answers {
		seen[a.Hash()] = true
	}
	var out []*Record
	for _, a := range answers {
		for _, extra := range a.Additionals {
			if seen[extra.Hash()] {
				continue
			}
			seen[extra.Hash()] = true
			out = append(out, extra)
		}
	}
	return out
}

func (p *Packet) String() string {
	kind := "query"
	if p.IsAnswer() {
		kind = "answer"
	} else if p.IsProbe() {
		kind = "probe"
	}
	return fmt.Sprintf("%s qd=%d an=%d ns=%d ar=%d from=%s:%d",
		kind, len(p.Questions), len(p.Answers), len(p.Authorities), len(p.Additionals),
		p.Origin.Address, p.Origin.Port)
}
