// Package responder implements the record-ownership state machine of
// RFC 6762 §8: probe a record set, announce it, answer queries for it,
// defend it against conflicts, rename on collision, and say goodbye on
// the way out.
package responder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/platform"
	"github.com/halcyonnet/foghorn/internal/probe"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/records"
	"github.com/halcyonnet/foghorn/internal/respond"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// State is the responder lifecycle position.
type State int

const (
	StateProbing State = iota
	StateResponding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateResponding:
		return "responding"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	// conflictBudget and conflictWindow implement the RFC 6762 §9 rate
	// limit: fifteen conflicts inside ten seconds means someone is
	// fighting us, so the next probe waits five seconds.
	conflictBudget   = 15
	conflictWindow   = 10 * time.Second
	conflictDamper   = 5 * time.Second
	conflictQuietFor = 15 * time.Second

	// answererSuppressWindow is how recently a record must have been
	// multicast for a QU question to be answered by unicast alone
	// (RFC 6762 §5.4).
	answererSuppressWindow = time.Second
)

// Responder owns a record set on one interface.
type Responder struct {
	link netif.Link
	clk  clock.Clock
	log  *zap.Logger

	instance   string // current instance label, "" for host-only sets
	owned      []*wire.Record
	bridgeable *records.Set

	state           State
	started         bool
	announceRepeats int

	probe *probe.Probe
	off   *netif.OffSwitch

	conflicts  []time.Time
	quietTimer *clock.Timer

	removeAnswer func()
	removeQuery  func()
	removeProbeH func()
	detachWake   func()
	detachOff    func()

	onProbingComplete func()
	onRename          func(string)
	onError           func(error)
}

// New builds a responder for a record set. instance is the service
// instance label the rename logic rewrites; pass "" for sets without one
// (bare host records never rename, they error out instead). All further
// calls must happen on the link's loop.
func New(link netif.Link, instance string, owned []*wire.Record, log *zap.Logger) *Responder {
	return &Responder{
		link:            link,
		clk:             link.Clock(),
		log:             log.Named("responder"),
		instance:        instance,
		owned:           owned,
		bridgeable:      records.NewSet(),
		announceRepeats: 1,
		off:             netif.NewOffSwitch(),
	}
}

// SetBridgeable supplies the records this responder's owner publishes on
// other interfaces, so reflected copies of our own traffic are not read
// as conflicts.
func (r *Responder) SetBridgeable(s *records.Set) *Responder {
	r.bridgeable = s
	return r
}

// AnnounceRepeats sets how many times successful probing is announced.
func (r *Responder) AnnounceRepeats(n int) *Responder {
	if n > 0 {
		r.announceRepeats = n
	}
	return r
}

// OnProbingComplete registers the callback fired when the records are
// established on the link.
func (r *Responder) OnProbingComplete(fn func()) *Responder {
	r.onProbingComplete = fn
	return r
}

// OnRename registers the callback fired with the new instance label after
// a conflict forced a rename, before re-probing starts.
func (r *Responder) OnRename(fn func(string)) *Responder {
	r.onRename = fn
	return r
}

// OnError registers the fatal-error callback.
func (r *Responder) OnError(fn func(error)) *Responder {
	r.onError = fn
	return r
}

// Instance returns the current instance label.
func (r *Responder) Instance() string { return r.instance }

// Records returns the owned record set.
func (r *Responder) Records() []*wire.Record { return r.owned }

// CurrentState returns the current lifecycle state.
func (r *Responder) CurrentState() State { return r.state }

// Start enters probing. Starting a stopped responder is a no-op.
func (r *Responder) Start(parentOff *netif.OffSwitch) {
	if r.state == StateStopped || r.started {
		return
	}
	r.started = true
	r.state = StateProbing

	r.removeAnswer = r.link.OnAnswer(r.handleAnswer)
	r.removeQuery = r.link.OnQuery(r.handleQueryPacket)
	r.removeProbeH = r.link.OnProbe(r.handleQueryPacket)
	if parentOff != nil {
		r.detachOff = parentOff.Attach(r.stopNow)
	}
	r.detachWake = platform.SharedSleepMonitor().OnWake(func() {
		r.link.Post(r.handleWake)
	})
	errDetach := r.link.OnError(func(err error) { r.fatal(err) })
	prev := r.detachOff
	r.detachOff = func() {
		if prev != nil {
			prev()
		}
		errDetach()
	}

	r.sendProbe(0)
}

// sendProbe screens the unique records against the cache and probes the
// survivors. Records the cache already holds verbatim need no probing;
// records the cache flatly contradicts are withheld from this round.
func (r *Responder) sendProbe(delay time.Duration) {
	if r.state == StateStopped {
		return
	}
	r.state = StateProbing

	run := func() {
		if r.state != StateProbing {
			return
		}
		cache := r.link.Cache()
		var toProbe []*wire.Record
		allKnown := true
		for _, rec := range r.owned {
			if !rec.IsUnique() {
				continue
			}
			if cache.Has(rec) {
				continue
			}
			allKnown = false
			if cache.HasConflictWith(rec) {
				r.log.Debug("cache conflict, withholding from probe",
					zap.String("record", rec.String()))
				continue
			}
			toProbe = append(toProbe, rec)
		}
		switch {
		case allKnown:
			r.probeSucceeded(true)
		case len(toProbe) == 0:
			r.probeSucceeded(false)
		default:
			r.probe = probe.New(r.link, toProbe, r.log).
				SetBridgeable(r.bridgeable).
				OnComplete(r.probeSucceeded).
				OnConflict(r.probeConflicted)
			r.probe.Start(r.off)
		}
	}

	if delay > 0 {
		r.clk.AfterFunc(delay, func() { r.link.Post(run) })
		return
	}
	run()
}

func (r *Responder) probeSucceeded(early bool) {
	if r.state == StateStopped {
		return
	}
	r.probe = nil
	r.state = StateResponding
	if r.onProbingComplete != nil {
		r.onProbingComplete()
	}
	// An early completion means the link already heard the full record
	// set announced; repeating it adds nothing (RFC 6762 §8.3).
	if !early {
		r.announce(r.owned, false)
	}
}

func (r *Responder) probeConflicted() {
	if r.state == StateStopped {
		return
	}
	r.probe = nil
	delay := r.registerConflict()

	if r.instance == "" {
		r.fatal(fmt.Errorf("responder: record set for %q conflicts and cannot rename", r.describe()))
		return
	}
	newName := Rename(r.instance)
	r.applyRename(newName)
	if r.onRename != nil {
		r.onRename(newName)
	}
	r.sendProbe(delay)
}

func (r *Responder) describe() string {
	if len(r.owned) == 0 {
		return ""
	}
	return r.owned[0].Name
}

// registerConflict records one conflict and returns the probe delay the
// rolling budget imposes.
func (r *Responder) registerConflict() time.Duration {
	now := r.clk.Now()
	kept := r.conflicts[:0]
	for _, t := range r.conflicts {
		if now.Sub(t) <= conflictWindow {
			kept = append(kept, t)
		}
	}
	r.conflicts = append(kept, now)

	if r.quietTimer != nil {
		r.quietTimer.Stop()
	}
	r.quietTimer = r.clk.AfterFunc(conflictQuietFor, func() {
		r.link.Post(func() { r.conflicts = nil })
	})

	if len(r.conflicts) >= conflictBudget {
		return conflictDamper
	}
	return 0
}

// Rename transforms an instance label for the next claim attempt:
// "Name" → "Name (2)", "Name (2)" → "Name (3)" (RFC 6762 §9).
func Rename(name string) string {
	if m := renamePattern.FindStringSubmatch(name); m != nil {
		k, err := strconv.Atoi(m[2])
		if err == nil {
			return fmt.Sprintf("%s (%d)", m[1], k+1)
		}
	}
	return name + " (2)"
}

var renamePattern = regexp.MustCompile(`^(.*) \((\d+)\)$`)

// applyRename rewrites every owned record that names the old instance:
// owner names, PTR targets, and SRV targets.
func (r *Responder) applyRename(newName string) {
	old := r.instance
	r.instance = newName
	for _, rec := range r.owned {
		rec.Name = replaceInstance(rec.Name, old, newName)
		switch data := rec.Data.(type) {
		case *wire.PTR:
			data.Target = replaceInstance(data.Target, old, newName)
		case *wire.SRV:
			data.Target = replaceInstance(data.Target, old, newName)
		case *wire.NSEC:
			data.Next = replaceInstance(data.Next, old, newName)
		}
		rec.ResetDerived()
	}
}

func replaceInstance(name, old, updated string) string {
	prefix := old + "."
	if len(name) >= len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
		return updated + name[len(old):]
	}
	return name
}

func (r *Responder) announce(rs []*wire.Record, defensive bool) {
	if r.state != StateResponding || len(rs) == 0 {
		return
	}
	m := respond.NewMulticast(r.link, rs, r.log).Defensive(defensive)
	if !defensive {
		m.Repeat(r.announceRepeats)
	}
	m.Start(r.off)
}

// handleAnswer watches live traffic for trouble once established:
// same-rrset records with foreign rdata force a reprobe, goodbyes for our
// own records and bridged echoes of them get a defensive re-announcement.
func (r *Responder) handleAnswer(pkt *wire.Packet) {
	if r.state != StateResponding || pkt.IsEmpty() {
		return
	}
	var defend []*wire.Record
	for _, incoming := range pkt.Records() {
		for _, ours := range r.owned {
			switch {
			case ours.ConflictsWith(incoming) && !r.bridgeable.Has(incoming):
				r.log.Debug("live conflict", zap.String("record", incoming.String()))
				r.sendProbe(r.registerConflict())
				return

			case ours.Equal(incoming) && incoming.TTL == 0:
				defend = append(defend, ours)

			case ours.Equal(incoming) && !pkt.IsLocal() && r.bridgeable.Has(incoming):
				defend = append(defend, ours)
			}
		}
	}
	if len(defend) > 0 {
		r.announce(defend, true)
	}
}

// handleQueryPacket answers queries and probes directed at our records
// (RFC 6762 §6). Legacy queriers get a single unicast response with the
// §6.7 fixups; everyone else gets answers partitioned into multicast and
// unicast by the QU bit and recent-send history.
func (r *Responder) handleQueryPacket(pkt *wire.Packet) {
	if r.state != StateResponding {
		return
	}

	var multicast, unicast []*wire.Record
	for _, question := range pkt.Questions {
		answers := r.findAnswers(question)
		if len(answers) == 0 {
			if nsec := r.negativeAnswer(question); nsec != nil {
				answers = append(answers, nsec)
			}
		}
		for _, a := range answers {
			if knownToAsker(pkt, a) {
				continue
			}
			// A QU asker is served unicast, unless the record has not
			// been multicast recently, in which case the whole link
			// gets to refresh its cache (RFC 6762 §5.4).
			if question.QU && r.link.HasRecentlySent(a, answererSuppressWindow) {
				unicast = append(unicast, a)
			} else {
				multicast = append(multicast, a)
			}
		}
	}

	if pkt.IsLegacy() {
		all := append(multicast, unicast...)
		if len(all) == 0 {
			return
		}
		respond.NewUnicast(r.link, pkt, dedupe(all), r.log).Start(r.off)
		return
	}
	if len(multicast) > 0 {
		respond.NewMulticast(r.link, dedupe(multicast), r.log).
			Defensive(true).
			Start(r.off)
	}
	if len(unicast) > 0 {
		respond.NewUnicast(r.link, pkt, dedupe(unicast), r.log).
			Defensive(true).
			Start(r.off)
	}
}

func (r *Responder) findAnswers(q wire.Question) []*wire.Record {
	var out []*wire.Record
	for _, rec := range r.owned {
		if rec.AnswersQuestion(q) {
			out = append(out, rec)
		}
	}
	return out
}

// negativeAnswer builds the NSEC response of RFC 6762 §6.1: the asker
// wants a type we do not have for a name we do own, so assert which types
// exist.
func (r *Responder) negativeAnswer(q wire.Question) *wire.Record {
	var typesAtName []protocol.RRType
	for _, rec := range r.owned {
		if wire.NamesEqual(rec.Name, q.Name) && rec.Type != protocol.TypeNSEC {
			typesAtName = append(typesAtName, rec.Type)
		}
	}
	if len(typesAtName) == 0 {
		return nil
	}
	nsec := wire.NewRecord(q.Name, &wire.NSEC{Next: q.Name, Types: typesAtName})
	nsec.TTL = protocol.TTLDefault
	return nsec
}

// knownToAsker implements known-answer suppression on our side: the asker
// already holds the record with more than half its TTL left
// (RFC 6762 §7.1).
func knownToAsker(pkt *wire.Packet, r *wire.Record) bool {
	for _, known := range pkt.Answers {
		if known.Equal(r) && known.TTL > r.TTL/2 {
			return true
		}
	}
	return false
}

func dedupe(rs []*wire.Record) []*wire.Record {
	seen := make(map[uint64]bool, len(rs))
	out := rs[:0]
	for _, r := range rs {
		if seen[r.Hash()] {
			continue
		}
		seen[r.Hash()] = true
		out = append(out, r)
	}
	return out
}

// UpdateEach mutates every owned record of the given type and
// re-announces the changes. TXT updates ride this path; the instance name
// does not change, so no re-probe is needed (RFC 6762 §8.4).
func (r *Responder) UpdateEach(t protocol.RRType, fn func(*wire.Record)) {
	var changed []*wire.Record
	for _, rec := range r.owned {
		if rec.Type != t {
			continue
		}
		before := rec.Hash()
		fn(rec)
		rec.ResetDerived()
		if rec.Hash() != before {
			changed = append(changed, rec)
		}
	}
	if len(changed) > 0 && r.state == StateResponding {
		r.announce(changed, true)
	}
}

// handleWake reprobes from a clean slate: whatever the link knew before
// the sleep is stale, including our own standing.
func (r *Responder) handleWake() {
	if r.state == StateStopped {
		return
	}
	if r.probe != nil {
		r.probe.Stop()
		r.probe = nil
	}
	r.sendProbe(0)
}

// Goodbye multicasts TTL-0 records for everything owned and calls done
// when the packets are out. The responder keeps running; Stop follows.
func (r *Responder) Goodbye(done func()) {
	if r.state == StateStopped {
		if done != nil {
			done()
		}
		return
	}
	respond.NewGoodbye(r.link, r.owned, r.log).
		OnStopped(done).
		Start(nil)
}

func (r *Responder) fatal(err error) {
	if r.state == StateStopped {
		return
	}
	r.log.Warn("responder failed", zap.Error(err))
	fn := r.onError
	r.stopNow()
	if fn != nil {
		fn(err)
	}
}

// Stop moves to the terminal state and releases everything. Idempotent.
func (r *Responder) Stop() { r.stopNow() }

func (r *Responder) stopNow() {
	if r.state == StateStopped {
		return
	}
	r.state = StateStopped
	if r.probe != nil {
		r.probe.Stop()
		r.probe = nil
	}
	if r.quietTimer != nil {
		r.quietTimer.Stop()
	}
	r.off.Fire()
	for _, remove := range []func(){r.removeAnswer, r.removeQuery, r.removeProbeH, r.detachWake, r.detachOff} {
		if remove != nil {
			remove()
		}
	}
	r.removeAnswer, r.removeQuery, r.removeProbeH, r.detachWake, r.detachOff = nil, nil, nil, nil, nil
}
