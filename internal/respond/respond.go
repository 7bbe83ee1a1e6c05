// Package respond implements the three response senders of RFC 6762 §6:
// multicast responses with duplicate suppression, goodbye packets, and
// unicast (including legacy one-shot) responses.
package respond

import (
	"math/rand"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/records"
	"github.com/halcyonnet/foghorn/internal/wire"
)

const (
	// minAnswerDelay..maxAnswerDelay is the random spread for responses
	// carrying shared records, so multiple responders do not collide
	// (RFC 6762 §6).
	minAnswerDelay = 20 * time.Millisecond
	maxAnswerDelay = 120 * time.Millisecond

	// suppressWindow is how recently a record must have been multicast
	// for us to leave it out of the next response (RFC 6762 §6).
	suppressWindow = time.Second

	// defensiveSuppressWindow replaces suppressWindow for defensive
	// re-announcements, which must go out even shortly after a routine
	// send.
	defensiveSuppressWindow = 250 * time.Millisecond

	// firstRepeatInterval starts the doubling schedule of repeated
	// announcements (RFC 6762 §8.3).
	firstRepeatInterval = time.Second
)

func answerDelay() time.Duration {
	return minAnswerDelay + time.Duration(rand.Int63n(int64(maxAnswerDelay-minAnswerDelay)))
}

// Multicast sends one or more multicast responses for a set of answers.
// The packet for the next send is kept queued so records a peer multicasts
// in the meantime can be dropped from it (RFC 6762 §7.4).
type Multicast struct {
	link netif.Link
	clk  clock.Clock
	log  *zap.Logger

	answers   *records.Set
	queued    *records.Set
	goodbye   bool
	defensive bool
	repeats   int

	sendCount int
	interval  time.Duration
	timer     *clock.Timer
	stopped   bool

	removeAnswer func()
	detachOff    func()
	onStopped    func()
}

// NewMulticast builds a sender for the given answers.
func NewMulticast(link netif.Link, answers []*wire.Record, log *zap.Logger) *Multicast {
	return &Multicast{
		link:    link,
		clk:     link.Clock(),
		log:     log.Named("respond"),
		answers: records.NewSet(answers...),
		repeats: 1,
	}
}

// NewGoodbye builds a sender announcing the departure of the given
// records: the packets carry TTL-0 clones and no suppression applies
// (RFC 6762 §10.1).
func NewGoodbye(link netif.Link, answers []*wire.Record, log *zap.Logger) *Multicast {
	clones := make([]*wire.Record, 0, len(answers))
	for _, r := range answers {
		clones = append(clones, r.CloneWithTTL(0))
	}
	m := NewMulticast(link, clones, log)
	m.goodbye = true
	return m
}

// Defensive marks this response as a defense of our records: it goes out
// immediately and tolerates a much more recent previous send.
func (m *Multicast) Defensive(on bool) *Multicast {
	m.defensive = on
	return m
}

// Repeat asks for n total sends, spaced 1 s, 2 s, 4 s… apart.
func (m *Multicast) Repeat(n int) *Multicast {
	if n > 0 {
		m.repeats = n
	}
	return m
}

// OnStopped registers a callback fired once the sender is done.
func (m *Multicast) OnStopped(fn func()) *Multicast {
	m.onStopped = fn
	return m
}

// Start begins the send schedule. Must run on the link loop.
func (m *Multicast) Start(off *netif.OffSwitch) {
	if m.stopped {
		return
	}
	m.queued = records.NewSet(m.answers.ToSlice()...)
	m.interval = firstRepeatInterval
	if off != nil {
		m.detachOff = off.Attach(m.Stop)
	}
	if !m.goodbye {
		m.removeAnswer = m.link.OnAnswer(m.handleAnswer)
	}

	delay := time.Duration(0)
	if !m.defensive && !m.goodbye && m.hasSharedAnswer() {
		delay = answerDelay()
	}
	m.schedule(delay)
}

func (m *Multicast) hasSharedAnswer() bool {
	for _, r := range m.answers.ToSlice() {
		if !r.IsUnique() {
			return true
		}
	}
	return false
}

func (m *Multicast) schedule(d time.Duration) {
	m.timer = m.clk.AfterFunc(d, func() {
		m.link.Post(m.send)
	})
}

// handleAnswer drops queued records a non-local peer has just multicast
// itself; TTL-0 goodbyes do not count as coverage.
func (m *Multicast) handleAnswer(pkt *wire.Packet) {
	if m.stopped || pkt.IsLocal() {
		return
	}
	for _, r := range pkt.Records() {
		if r.TTL == 0 {
			continue
		}
		if m.queued.Has(r) {
			m.queued.Delete(r)
		}
	}
}

func (m *Multicast) send() {
	if m.stopped {
		return
	}
	outgoing := m.queued.ToSlice()
	if !m.goodbye {
		window := suppressWindow
		if m.defensive {
			window = defensiveSuppressWindow
		}
		kept := outgoing[:0]
		for _, r := range outgoing {
			if m.link.HasRecentlySent(r, window) {
				continue
			}
			kept = append(kept, r)
		}
		outgoing = kept
	}

	m.link.Send(BuildResponse(outgoing), nil)
	m.sendCount++
	if m.sendCount >= m.repeats {
		m.Stop()
		return
	}
	m.queued = records.NewSet(m.answers.ToSlice()...)
	m.schedule(m.interval)
	m.interval *= 2
}

// Stop tears the sender down and fires OnStopped. Idempotent.
func (m *Multicast) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.removeAnswer != nil {
		m.removeAnswer()
		m.removeAnswer = nil
	}
	if m.detachOff != nil {
		m.detachOff()
		m.detachOff = nil
	}
	if m.onStopped != nil {
		m.onStopped()
	}
}

// BuildResponse assembles an authoritative response packet: the answers,
// plus the union of their additionals minus anything already answered.
func BuildResponse(answers []*wire.Record) *wire.Packet {
	pkt := wire.NewResponsePacket()
	pkt.Answers = answers

	seen := make(map[uint64]bool, len(answers))
	for _, r := range answers {
		seen[r.Hash()] = true
	}
	for _, r := range answers {
		for _, extra := range r.Additionals {
			if seen[extra.Hash()] {
				continue
			}
			seen[extra.Hash()] = true
			pkt.Additionals = append(pkt.Additionals, extra)
		}
	}
	return pkt
}

// Unicast sends one response to a specific querier. For legacy queriers
// (source port not 5353) the packet echoes the query ID and questions,
// caps TTLs at 10 s, clears cache-flush bits, and drops NSEC records
// (RFC 6762 §6.7).
type Unicast struct {
	link netif.Link
	clk  clock.Clock
	log  *zap.Logger

	answers   []*wire.Record
	dest      *net.UDPAddr
	query     *wire.Packet
	defensive bool

	timer     *clock.Timer
	stopped   bool
	detachOff func()
	onStopped func()
}

// NewUnicast builds a unicast sender answering the given query packet.
func NewUnicast(link netif.Link, query *wire.Packet, answers []*wire.Record, log *zap.Logger) *Unicast {
	return &Unicast{
		link:    link,
		clk:     link.Clock(),
		log:     log.Named("respond"),
		answers: answers,
		query:   query,
		dest: &net.UDPAddr{
			IP:   query.Origin.Address,
			Port: query.Origin.Port,
		},
	}
}

// Defensive skips the random answer delay.
func (u *Unicast) Defensive(on bool) *Unicast {
	u.defensive = on
	return u
}

// OnStopped registers a callback fired once the response is out.
func (u *Unicast) OnStopped(fn func()) *Unicast {
	u.onStopped = fn
	return u
}

// Start sends the response, once. Must run on the link loop.
func (u *Unicast) Start(off *netif.OffSwitch) {
	if u.stopped {
		return
	}
	if off != nil {
		u.detachOff = off.Attach(u.Stop)
	}
	delay := time.Duration(0)
	if !u.defensive && !u.query.IsLegacy() {
		delay = answerDelay()
	}
	u.timer = u.clk.AfterFunc(delay, func() {
		u.link.Post(u.send)
	})
}

func (u *Unicast) send() {
	if u.stopped {
		return
	}
	pkt := BuildResponse(u.answers)
	if u.query.IsLegacy() {
		pkt.ID = u.query.ID
		pkt.Questions = u.query.Questions
		pkt.Answers = legacyRecords(pkt.Answers)
		pkt.Additionals = legacyRecords(pkt.Additionals)
	}
	u.link.Send(pkt, u.dest)
	u.Stop()
}

func legacyRecords(rs []*wire.Record) []*wire.Record {
	out := make([]*wire.Record, 0, len(rs))
	for _, r := range rs {
		if r.Type == protocol.TypeNSEC {
			continue
		}
		ttl := r.TTL
		if ttl > protocol.TTLLegacyMax {
			ttl = protocol.TTLLegacyMax
		}
		c := r.CloneWithTTL(ttl)
		c.CacheFlush = false
		out = append(out, c)
	}
	return out
}

// Stop tears the sender down and fires OnStopped. Idempotent.
func (u *Unicast) Stop() {
	if u.stopped {
		return
	}
	u.stopped = true
	if u.timer != nil {
		u.timer.Stop()
	}
	if u.detachOff != nil {
		u.detachOff()
		u.detachOff = nil
	}
	if u.onStopped != nil {
		u.onStopped()
	}
}
