// Package probe implements the RFC 6762 §8.1–§8.2 probing state machine:
// before claiming a set of unique records, ask the link three times
// whether anyone already owns them, and resolve simultaneous claims with
// the lexicographic tiebreak.
package probe

import (
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/platform"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/records"
	"github.com/halcyonnet/foghorn/internal/wire"
)

const (
	// probeInterval separates the three probe packets (RFC 6762 §8.1).
	probeInterval = 250 * time.Millisecond

	// maxInitialDelay bounds the random first-probe delay, which
	// desynchronizes hosts powering on together (RFC 6762 §8.1).
	maxInitialDelay = 250 * time.Millisecond

	// lostTiebreakDelay is how long a losing simultaneous prober waits
	// before trying again (RFC 6762 §8.2).
	lostTiebreakDelay = time.Second

	// probeCount is the number of probe packets sent before success.
	probeCount = 3
)

// Probe claims a set of unique records on one interface. It either
// completes (the records are safe to use) or reports a conflict; the
// owning responder decides what happens next.
type Probe struct {
	link netif.Link
	clk  clock.Clock
	log  *zap.Logger

	authorities *records.Set
	bridgeable  *records.Set

	onComplete func(early bool)
	onConflict func()

	timer        *clock.Timer
	sendCount    int
	stopped      bool
	detachOff    func()
	detachWake   func()
	removeAnswer func()
	removeProbe  func()
}

// New builds a probe for the given unique records. All further calls must
// happen on the link's loop.
func New(link netif.Link, authorities []*wire.Record, log *zap.Logger) *Probe {
	return &Probe{
		link:        link,
		clk:         link.Clock(),
		log:         log.Named("probe"),
		authorities: records.NewSet(authorities...),
		bridgeable:  records.NewSet(),
	}
}

// SetBridgeable supplies the records the owning responder publishes on
// other interfaces. A "conflict" that merely echoes one of those is our
// own traffic reflected back by a bridge and is ignored.
func (p *Probe) SetBridgeable(s *records.Set) *Probe {
	p.bridgeable = s
	return p
}

// OnComplete registers the success callback. early means an incoming
// answer already carried every record we were probing for, so announcing
// is unnecessary.
func (p *Probe) OnComplete(fn func(early bool)) *Probe {
	p.onComplete = fn
	return p
}

// OnConflict registers the failure callback.
func (p *Probe) OnConflict(fn func()) *Probe {
	p.onConflict = fn
	return p
}

// Start begins probing. The off switch cancels the probe along with every
// sibling owned by the same scope; a sleep-wake stops it outright.
func (p *Probe) Start(off *netif.OffSwitch) {
	if p.stopped {
		return
	}
	p.removeAnswer = p.link.OnAnswer(p.handleAnswer)
	p.removeProbe = p.link.OnProbe(p.handleProbe)
	if off != nil {
		p.detachOff = off.Attach(p.Stop)
	}
	p.detachWake = platform.SharedSleepMonitor().OnWake(func() {
		p.link.Post(p.Stop)
	})

	delay := time.Duration(rand.Int63n(int64(maxInitialDelay)))
	p.schedule(delay)
}

func (p *Probe) schedule(d time.Duration) {
	p.timer = p.clk.AfterFunc(d, func() {
		p.link.Post(p.tick)
	})
}

func (p *Probe) tick() {
	if p.stopped {
		return
	}
	if p.sendCount < probeCount {
		p.link.Send(p.buildPacket(), nil)
		p.sendCount++
		p.schedule(probeInterval)
		return
	}
	// Three probes out and a full interval quiet: the records are ours.
	p.finish(false)
}

// buildPacket puts every probe record in the authority section and one
// ANY question per distinct name in the question section, QU set so
// compliant responders answer us directly (RFC 6762 §8.1).
func (p *Probe) buildPacket() *wire.Packet {
	pkt := wire.NewQueryPacket()
	seen := make(map[string]bool)
	auths := p.authorities.ToSlice()
	sort.Slice(auths, func(i, j int) bool {
		return wire.CanonicalName(auths[i].Name) < wire.CanonicalName(auths[j].Name)
	})
	for _, r := range auths {
		name := wire.CanonicalName(r.Name)
		if !seen[name] {
			seen[name] = true
			q := wire.NewQuestion(r.Name, protocol.TypeANY)
			q.QU = true
			pkt.Questions = append(pkt.Questions, q)
		}
		pkt.Authorities = append(pkt.Authorities, r)
	}
	return pkt
}

// handleAnswer reacts to answers seen while probing: an exact echo of our
// whole record set is an early success, a same-name different-rdata
// record is a conflict unless it is bridged traffic.
func (p *Probe) handleAnswer(pkt *wire.Packet) {
	if p.stopped {
		return
	}
	incoming := records.NewSet(pkt.Records()...)

	for _, conflict := range p.authorities.GetConflicts(incoming) {
		if p.bridgeable.Has(conflict) {
			continue
		}
		p.log.Debug("probe conflict", zap.String("record", conflict.String()))
		p.fail()
		return
	}
	if incoming.HasEach(p.authorities.ToSlice()) {
		p.finish(true)
	}
}

// handleProbe runs the §8.2 simultaneous-probe tiebreak against a
// non-local prober. Losing clears the schedule and retries in one second.
func (p *Probe) handleProbe(pkt *wire.Packet) {
	if p.stopped || pkt.IsLocal() {
		return
	}
	if CompareRecordSets(p.authorities.ToSlice(), pkt.Authorities) >= 0 {
		return
	}
	p.log.Debug("lost probe tiebreak")
	if p.timer != nil {
		p.timer.Stop()
	}
	p.sendCount = 0
	p.schedule(lostTiebreakDelay)
}

// CompareRecordSets implements the RFC 6762 §8.2.1 tiebreak between our
// proposed records and a rival prober's authority section. Records are
// grouped by uppercased owner name — names we are not probing for are
// ignored — and each shared group is compared pairwise in ascending
// record order. Returns <0 if ours lose, >0 if ours win, 0 for a dead
// heat (identical proposals, no conflict).
func CompareRecordSets(ours, theirs []*wire.Record) int {
	groups := make(map[string][2][]*wire.Record)
	for _, r := range ours {
		key := strings.ToUpper(wire.CanonicalName(r.Name))
		g := groups[key]
		g[0] = append(g[0], r)
		groups[key] = g
	}
	for _, r := range theirs {
		key := strings.ToUpper(wire.CanonicalName(r.Name))
		g, ok := groups[key]
		if !ok {
			// Only names present on our side participate.
			continue
		}
		g[1] = append(g[1], r)
		groups[key] = g
	}

	for _, g := range groups {
		mine, rival := g[0], g[1]
		if len(rival) == 0 {
			continue
		}
		sortForTiebreak(mine)
		sortForTiebreak(rival)
		for i := 0; ; i++ {
			switch {
			case i >= len(mine) && i >= len(rival):
				// Exhausted together: this name ties, next group.
			case i >= len(mine):
				return -1 // ours ran short: we lose
			case i >= len(rival):
				return 1
			default:
				if c := mine[i].Compare(rival[i]); c != 0 {
					return c
				}
				continue
			}
			break
		}
	}
	return 0
}

func sortForTiebreak(rs []*wire.Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Type != rs[j].Type {
			return rs[i].Type < rs[j].Type
		}
		return rs[i].Compare(rs[j]) < 0
	})
}

func (p *Probe) finish(early bool) {
	fn := p.onComplete
	p.Stop()
	if fn != nil {
		fn(early)
	}
}

func (p *Probe) fail() {
	fn := p.onConflict
	p.Stop()
	if fn != nil {
		fn()
	}
}

// Stop tears the probe down: listeners removed, timers cleared, off
// switch and wake source detached. Idempotent.
func (p *Probe) Stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.removeAnswer != nil {
		p.removeAnswer()
		p.removeAnswer = nil
	}
	if p.removeProbe != nil {
		p.removeProbe()
		p.removeProbe = nil
	}
	if p.detachOff != nil {
		p.detachOff()
		p.detachOff = nil
	}
	if p.detachWake != nil {
		p.detachWake()
		p.detachWake = nil
	}
}
