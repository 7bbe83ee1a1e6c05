package netif

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/halcyonnet/foghorn/internal/records"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// MockLink is a Link test double: no sockets, a caller-supplied clock,
// and synchronous Post. State machine tests drive it by delivering
// packets and stepping a mock clock.
type MockLink struct {
	Clk clock.Clock

	// Sent records every packet given to Send, in order.
	Sent []SentPacket

	key     string
	cache   *records.ExpiringSet
	history *records.ExpiringSet

	answers handlerList[*wire.Packet]
	probes  handlerList[*wire.Packet]
	queries handlerList[*wire.Packet]
	errs    handlerList[error]
}

// SentPacket is one captured transmission.
type SentPacket struct {
	Packet *wire.Packet
	Dst    *net.UDPAddr
}

// NewMockLink builds a mock on the given clock.
func NewMockLink(clk clock.Clock) *MockLink {
	m := &MockLink{Clk: clk, key: "mock"}
	m.cache = records.NewExpiringSet(clk, nil)
	m.history = records.NewExpiringSet(clk, nil)
	return m
}

func (m *MockLink) Name() string                { return m.key }
func (m *MockLink) Clock() clock.Clock          { return m.Clk }
func (m *MockLink) Post(fn func())              { fn() }
func (m *MockLink) Cache() *records.ExpiringSet { return m.cache }

func (m *MockLink) OnAnswer(fn func(*wire.Packet)) func() { return m.answers.add(fn) }
func (m *MockLink) OnProbe(fn func(*wire.Packet)) func()  { return m.probes.add(fn) }
func (m *MockLink) OnQuery(fn func(*wire.Packet)) func()  { return m.queries.add(fn) }
func (m *MockLink) OnError(fn func(error)) func()         { return m.errs.add(fn) }

func (m *MockLink) Send(p *wire.Packet, dst *net.UDPAddr) {
	if p == nil || p.IsEmpty() {
		return
	}
	if p.IsAnswer() && dst == nil {
		for _, r := range p.Records() {
			m.history.Add(r.Clone())
		}
	}
	m.Sent = append(m.Sent, SentPacket{Packet: p, Dst: dst})
}

func (m *MockLink) HasRecentlySent(r *wire.Record, within time.Duration) bool {
	return m.history.HasAddedWithin(r, within)
}

// DeliverAnswer mimics an inbound answer: cache merge first, then the
// event, exactly as the real interface orders it.
func (m *MockLink) DeliverAnswer(p *wire.Packet) {
	for _, r := range p.Records() {
		if r.IsUnique() {
			m.cache.FlushRelated(r)
		}
		m.cache.Add(r)
	}
	m.answers.emit(p)
}

// DeliverProbe mimics an inbound probe packet.
func (m *MockLink) DeliverProbe(p *wire.Packet) { m.probes.emit(p) }

// DeliverQuery mimics an inbound query packet.
func (m *MockLink) DeliverQuery(p *wire.Packet) { m.queries.emit(p) }

// FailWith mimics a fatal interface error.
func (m *MockLink) FailWith(err error) { m.errs.emit(err) }

// LastSent returns the most recent transmission, or nil.
func (m *MockLink) LastSent() *SentPacket {
	if len(m.Sent) == 0 {
		return nil
	}
	return &m.Sent[len(m.Sent)-1]
}
