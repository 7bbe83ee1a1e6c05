// Package resolve aggregates browse answers into resolved services: an
// SRV for target and port, a TXT for metadata, and A/AAAA records for the
// target's addresses, kept fresh against the interface cache.
package resolve

import (
	"bytes"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/query"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// State is the resolver lifecycle position. Stopped is sticky: a stopped
// resolver never comes back.
type State int

const (
	StateUnresolved State = iota
	StateResolved
	StateStopped
)

const (
	// unresolvedTimeout bounds how long a service may sit incomplete
	// before it is declared gone.
	unresolvedTimeout = 10 * time.Second

	// reissueBatchWindow collects cache-reissue triggers into a single
	// refresh query.
	reissueBatchWindow = time.Second
)

// Service is the resolved view of one instance. The resolver hands out
// one stable pointer and mutates it in place; slice and map fields are
// replaced wholesale, never appended to, so a caller's snapshot stays
// coherent.
type Service struct {
	FullName  string
	Name      string
	TypeName  string
	Protocol  string
	Domain    string
	Host      string
	Port      uint16
	Addresses []string
	TXT       map[string]string
	TXTRaw    []byte
}

// Resolver tracks one service instance.
type Resolver struct {
	link netif.Link
	clk  clock.Clock
	log  *zap.Logger

	fullname string
	svc      *Service

	target  string
	port    uint16
	hasSRV  bool
	txtRaw  []byte
	txt     []wire.TXTPair
	hasTXT  bool
	addrs   []string
	addrSet map[string]bool

	state State
	off   *netif.OffSwitch

	current      *query.Query
	batch        map[string]wire.Question
	batchTimer   *clock.Timer
	timeoutTimer *clock.Timer

	removeAnswer  func()
	removeReissue func()
	removeExpired func()
	detachOff     func()

	onResolved func()
	onUpdated  func()
	onDown     func()
}

// New builds a resolver for a full instance name like
// "Web Thing._http._tcp.local.". All further calls must happen on the
// link's loop.
func New(link netif.Link, fullname string, log *zap.Logger) *Resolver {
	r := &Resolver{
		link:     link,
		clk:      link.Clock(),
		log:      log.Named("resolver"),
		fullname: fullname,
		addrSet:  make(map[string]bool),
		batch:    make(map[string]wire.Question),
		off:      netif.NewOffSwitch(),
		svc:      &Service{FullName: fullname},
	}
	r.svc.Name, r.svc.TypeName, r.svc.Protocol, r.svc.Domain = SplitFullName(fullname)
	return r
}

// SplitFullName breaks "Instance._name._tcp.local." around the protocol
// label; instance labels may themselves contain dots.
func SplitFullName(fullname string) (instance, typeName, proto, domain string) {
	labels := wire.SplitLabels(fullname)
	for i, label := range labels {
		if label == "_tcp" || label == "_udp" {
			proto = strings.TrimPrefix(label, "_")
			if i > 0 {
				typeName = strings.TrimPrefix(labels[i-1], "_")
			}
			if i > 1 {
				instance = strings.Join(labels[:i-1], ".")
			}
			domain = strings.Join(labels[i+1:], ".") + "."
			return
		}
	}
	instance = fullname
	return
}

// OnResolved registers the callback for the unresolved→resolved
// transition.
func (r *Resolver) OnResolved(fn func()) *Resolver { r.onResolved = fn; return r }

// OnUpdated registers the callback for detail changes while resolved.
func (r *Resolver) OnUpdated(fn func()) *Resolver { r.onUpdated = fn; return r }

// OnDown registers the callback for the transition to stopped.
func (r *Resolver) OnDown(fn func()) *Resolver { r.onDown = fn; return r }

// CurrentState returns the lifecycle state.
func (r *Resolver) CurrentState() State { return r.state }

// Service returns the stable service view.
func (r *Resolver) Service() *Service { return r.svc }

// Start begins resolving. Must run on the link loop.
func (r *Resolver) Start(parentOff *netif.OffSwitch) {
	if r.state == StateStopped {
		return
	}
	r.removeAnswer = r.link.OnAnswer(r.handleAnswer)
	r.removeReissue = r.link.Cache().OnReissue(r.handleReissue)
	r.removeExpired = r.link.Cache().OnExpired(r.handleExpired)
	if parentOff != nil {
		r.detachOff = parentOff.Attach(r.stop)
	}
	r.armTimeout()
	r.askForMissing()
}

func (r *Resolver) armTimeout() {
	if r.timeoutTimer != nil {
		r.timeoutTimer.Stop()
	}
	r.timeoutTimer = r.clk.AfterFunc(unresolvedTimeout, func() {
		r.link.Post(func() {
			if r.state == StateUnresolved {
				r.down()
			}
		})
	})
}

// resolved means all four legs are in: target, port, TXT, and at least
// one address for the target.
func (r *Resolver) isComplete() bool {
	return r.hasSRV && r.target != "" && r.hasTXT && len(r.addrs) > 0
}

// processRecord folds one record into the service state and reports
// whether anything changed. TTL-0 records are ignored here; cache expiry
// drives removals.
func (r *Resolver) processRecord(rec *wire.Record) bool {
	if rec.TTL == 0 {
		return false
	}
	switch data := rec.Data.(type) {
	case *wire.SRV:
		if !wire.NamesEqual(rec.Name, r.fullname) {
			return false
		}
		changed := false
		if !r.hasSRV || r.port != data.Port {
			r.port = data.Port
			r.hasSRV = true
			changed = true
		}
		if !wire.NamesEqual(r.target, data.Target) {
			// A moved target invalidates every address we hold.
			r.target = data.Target
			r.addrs = nil
			r.addrSet = make(map[string]bool)
			changed = true
		}
		return changed

	case *wire.TXT:
		if !wire.NamesEqual(rec.Name, r.fullname) {
			return false
		}
		raw := data.Raw()
		if r.hasTXT && bytes.Equal(raw, r.txtRaw) {
			return false
		}
		r.txtRaw = raw
		r.txt = data.Pairs
		r.hasTXT = true
		return true

	case *wire.A:
		return r.addAddress(rec.Name, data.Address.String())
	case *wire.AAAA:
		return r.addAddress(rec.Name, data.Address.String())
	}
	return false
}

func (r *Resolver) addAddress(owner, addr string) bool {
	if r.target == "" || !wire.NamesEqual(owner, r.target) {
		return false
	}
	if r.addrSet[addr] {
		return false
	}
	r.addrSet[addr] = true
	r.addrs = append(r.addrs, addr)
	return true
}

// ProcessRecords folds a record batch in and runs the state transition it
// implies.
func (r *Resolver) ProcessRecords(rs []*wire.Record) {
	if r.state == StateStopped {
		return
	}
	changed := false
	for _, rec := range rs {
		if r.processRecord(rec) {
			changed = true
		}
	}
	r.evaluate(changed)
}

func (r *Resolver) evaluate(changed bool) {
	switch {
	case r.state == StateUnresolved && r.isComplete():
		r.state = StateResolved
		if r.timeoutTimer != nil {
			r.timeoutTimer.Stop()
		}
		r.stopQuery()
		r.syncService()
		if r.onResolved != nil {
			r.onResolved()
		}

	case r.state == StateResolved && !r.isComplete():
		r.state = StateUnresolved
		r.armTimeout()
		r.syncService()
		r.askForMissing()

	case r.state == StateResolved && changed:
		r.syncService()
		if r.onUpdated != nil {
			r.onUpdated()
		}

	case r.state == StateUnresolved && changed:
		r.syncService()
		r.askForMissing()
	}
}

// syncService rewrites the shared Service view. Collections are fresh
// copies each time so callers holding the previous slice are unaffected.
func (r *Resolver) syncService() {
	r.svc.Host = r.target
	r.svc.Port = r.port
	r.svc.Addresses = append([]string(nil), r.addrs...)
	r.svc.TXTRaw = append([]byte(nil), r.txtRaw...)
	txt := make(map[string]string, len(r.txt))
	for _, pair := range r.txt {
		txt[pair.Key] = string(pair.Value)
	}
	r.svc.TXT = txt
}

// missingQuestions lists what still stands between us and resolved.
func (r *Resolver) missingQuestions() []wire.Question {
	var out []wire.Question
	if !r.hasSRV {
		out = append(out, wire.NewQuestion(r.fullname, protocol.TypeSRV))
	}
	if !r.hasTXT {
		out = append(out, wire.NewQuestion(r.fullname, protocol.TypeTXT))
	}
	if r.target != "" && len(r.addrs) == 0 {
		out = append(out,
			wire.NewQuestion(r.target, protocol.TypeA),
			wire.NewQuestion(r.target, protocol.TypeAAAA))
	}
	return out
}

// askForMissing replaces the standing query with one covering the current
// gaps, cache first.
func (r *Resolver) askForMissing() {
	r.stopQuery()
	questions := r.missingQuestions()
	if len(questions) == 0 || r.state == StateStopped {
		return
	}
	q := query.New(r.link, r.log).
		OnAnswer(func(rec *wire.Record, related []*wire.Record) {
			r.ProcessRecords(append([]*wire.Record{rec}, related...))
		})
	for _, question := range questions {
		q.Add(question)
	}
	r.current = q
	q.Start(r.off)
}

func (r *Resolver) stopQuery() {
	if r.current != nil {
		r.current.Stop()
		r.current = nil
	}
}

func (r *Resolver) handleAnswer(pkt *wire.Packet) {
	if r.state == StateStopped {
		return
	}
	r.ProcessRecords(pkt.Records())
}

// relevant reports whether a cached record matters to this service: its
// SRV/TXT, an address of its target, or the PTR naming it.
func (r *Resolver) relevant(rec *wire.Record) bool {
	switch data := rec.Data.(type) {
	case *wire.SRV, *wire.TXT:
		return wire.NamesEqual(rec.Name, r.fullname)
	case *wire.A, *wire.AAAA:
		return r.target != "" && wire.NamesEqual(rec.Name, r.target)
	case *wire.PTR:
		return wire.NamesEqual(data.Target, r.fullname)
	}
	return false
}

// handleReissue batches refresh triggers for our records into one
// off-cache query per window, so four reissue points on four records do
// not become sixteen packets.
func (r *Resolver) handleReissue(rec *wire.Record) {
	if r.state == StateStopped || !r.relevant(rec) {
		return
	}
	q := wire.NewQuestion(rec.Name, rec.Type)
	r.batch[wire.CanonicalName(q.Name)+q.Type.String()] = q
	if r.batchTimer != nil {
		return
	}
	r.batchTimer = r.clk.AfterFunc(reissueBatchWindow, func() {
		r.link.Post(r.flushBatch)
	})
}

func (r *Resolver) flushBatch() {
	r.batchTimer = nil
	if r.state == StateStopped || len(r.batch) == 0 {
		return
	}
	q := query.New(r.link, r.log).
		Continuous(false).
		IgnoreCache(true)
	for _, question := range r.batch {
		q.Add(question)
	}
	r.batch = make(map[string]wire.Question)
	q.Start(r.off)
}

// handleExpired reacts to cache expirations: losing the SRV or the PTR
// kills the service; losing addresses or TXT degrades it back to
// unresolved. A superseded record — one flushed because a newer version
// replaced it — no longer describes the service and is ignored, or every
// update would tear down the state it just built.
func (r *Resolver) handleExpired(rec *wire.Record) {
	if r.state == StateStopped || !r.relevant(rec) {
		return
	}
	switch data := rec.Data.(type) {
	case *wire.SRV:
		if r.hasSRV && (data.Port != r.port || !wire.NamesEqual(data.Target, r.target)) {
			return // superseded by a newer SRV
		}
		r.down()

	case *wire.PTR:
		r.down()

	case *wire.TXT:
		if r.hasTXT && !bytes.Equal(data.Raw(), r.txtRaw) {
			return // superseded by a newer TXT
		}
		r.hasTXT = false
		r.txtRaw = nil
		r.txt = nil
		r.evaluate(true)

	case *wire.A:
		r.dropAddress(data.Address.String())
	case *wire.AAAA:
		r.dropAddress(data.Address.String())
	}
}

func (r *Resolver) dropAddress(addr string) {
	if !r.addrSet[addr] {
		return
	}
	delete(r.addrSet, addr)
	kept := r.addrs[:0]
	for _, a := range r.addrs {
		if a != addr {
			kept = append(kept, a)
		}
	}
	r.addrs = kept
	r.evaluate(true)
}

func (r *Resolver) down() {
	fn := r.onDown
	r.stop()
	if fn != nil {
		fn()
	}
}

// Stop moves to the sticky terminal state. Idempotent.
func (r *Resolver) Stop() { r.stop() }

func (r *Resolver) stop() {
	if r.state == StateStopped {
		return
	}
	r.state = StateStopped
	r.stopQuery()
	if r.timeoutTimer != nil {
		r.timeoutTimer.Stop()
	}
	if r.batchTimer != nil {
		r.batchTimer.Stop()
		r.batchTimer = nil
	}
	r.off.Fire()
	for _, remove := range []func(){r.removeAnswer, r.removeReissue, r.removeExpired, r.detachOff} {
		if remove != nil {
			remove()
		}
	}
	r.removeAnswer, r.removeReissue, r.removeExpired, r.detachOff = nil, nil, nil, nil
}
