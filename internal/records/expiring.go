package records

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/halcyonnet/foghorn/internal/wire"
)

// reissueFractions are the points in a record's lifetime at which a cache
// holder should requery before the record goes stale (RFC 6762 §5.2:
// 80%, 85%, 90%, 95% of TTL). Each is jittered ±2% so a link full of
// caches does not requery in convoy.
var reissueFractions = []float64{0.80, 0.85, 0.90, 0.95}

const reissueJitter = 0.02

// expireDelay is how long setToExpire keeps a record around before
// deleting it, per the one-second grace of RFC 6762 §10.2 cache flushing.
const expireDelay = time.Second

// ExpiringSet is a Set whose records age out. For every record it
// schedules reissue callbacks at 80/85/90/95% of TTL and an expiry at
// 100%, after which the record is removed.
//
// The set is confined to its owner's event loop: timer callbacks are
// routed through the run function supplied at construction, and all
// methods must be called from that loop.
type ExpiringSet struct {
	clk clock.Clock
	run func(func())

	entries map[uint64]*expiringEntry

	reissue handlerList
	expired handlerList
}

type expiringEntry struct {
	record  *wire.Record
	addedAt time.Time
	timers  []*clock.Timer
	expiry  *clock.Timer
	dying   bool
}

// NewExpiringSet builds an empty expiring set. run is invoked to post each
// timer firing back onto the owning loop; pass a direct call for
// single-threaded use.
func NewExpiringSet(clk clock.Clock, run func(func())) *ExpiringSet {
	if run == nil {
		run = func(fn func()) { fn() }
	}
	return &ExpiringSet{
		clk:     clk,
		run:     run,
		entries: make(map[uint64]*expiringEntry),
	}
}

// OnReissue registers a callback fired when a record reaches a reissue
// point. The returned function removes the registration and is safe to
// call from inside the callback itself.
func (s *ExpiringSet) OnReissue(fn func(*wire.Record)) func() { return s.reissue.add(fn) }

// OnExpired registers a callback fired when a record ages out or is
// flushed. The returned function removes the registration.
func (s *ExpiringSet) OnExpired(fn func(*wire.Record)) func() { return s.expired.add(fn) }

func (s *ExpiringSet) Size() int { return len(s.entries) }

// Add inserts or refreshes a record. A TTL of zero is a goodbye: it is
// rewritten into SetToExpire on whatever matching record is cached
// (RFC 6762 §10.1).
func (s *ExpiringSet) Add(r *wire.Record) {
	if r.TTL == 0 {
		s.SetToExpire(r)
		return
	}
	if old, ok := s.entries[r.Hash()]; ok {
		old.cancel()
	}
	e := &expiringEntry{record: r, addedAt: s.clk.Now()}
	s.entries[r.Hash()] = e
	s.schedule(e)
}

// AddEach inserts every record.
func (s *ExpiringSet) AddEach(rs []*wire.Record) {
	for _, r := range rs {
		s.Add(r)
	}
}

func (s *ExpiringSet) schedule(e *expiringEntry) {
	ttl := time.Duration(e.record.TTL) * time.Second
	for _, frac := range reissueFractions {
		f := frac + (rand.Float64()*2-1)*reissueJitter
		rec := e.record
		t := s.clk.AfterFunc(time.Duration(f*float64(ttl)), func() {
			s.run(func() {
				if cur, ok := s.entries[rec.Hash()]; ok && cur == e && !e.dying {
					s.reissue.emit(rec)
				}
			})
		})
		e.timers = append(e.timers, t)
	}
	f := 1 + (rand.Float64()*2-1)*reissueJitter
	rec := e.record
	e.expiry = s.clk.AfterFunc(time.Duration(f*float64(ttl)), func() {
		s.run(func() {
			if cur, ok := s.entries[rec.Hash()]; ok && cur == e {
				delete(s.entries, rec.Hash())
				s.expired.emit(rec)
			}
		})
	})
}

func (e *expiringEntry) cancel() {
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
}

// Has reports whether a live record with the same content is cached.
func (s *ExpiringSet) Has(r *wire.Record) bool {
	_, ok := s.entries[r.Hash()]
	return ok
}

// Get returns a clone of the matching record with its TTL decremented by
// the time it has been cached, or nil.
func (s *ExpiringSet) Get(r *wire.Record) *wire.Record {
	e, ok := s.entries[r.Hash()]
	if !ok {
		return nil
	}
	return s.agedClone(e)
}

func (s *ExpiringSet) agedClone(e *expiringEntry) *wire.Record {
	elapsed := uint32(s.clk.Now().Sub(e.addedAt) / time.Second)
	ttl := e.record.TTL
	if elapsed >= ttl {
		ttl = 0
	} else {
		ttl -= elapsed
	}
	return e.record.CloneWithTTL(ttl)
}

// OriginalTTL returns the TTL the matching record was cached with, and
// whether it is cached at all.
func (s *ExpiringSet) OriginalTTL(r *wire.Record) (uint32, bool) {
	e, ok := s.entries[r.Hash()]
	if !ok {
		return 0, false
	}
	return e.record.TTL, true
}

// HasAddedWithin reports whether the matching record was (re)added within
// the last window.
func (s *ExpiringSet) HasAddedWithin(r *wire.Record, window time.Duration) bool {
	e, ok := s.entries[r.Hash()]
	if !ok {
		return false
	}
	return s.clk.Now().Sub(e.addedAt) <= window
}

// SetToExpire cancels the record's reissue schedule and deletes it one
// second out. A record already dying keeps its original deadline.
func (s *ExpiringSet) SetToExpire(r *wire.Record) {
	e, ok := s.entries[r.Hash()]
	if !ok || e.dying {
		return
	}
	e.cancel()
	e.dying = true
	rec := e.record
	e.expiry = s.clk.AfterFunc(expireDelay, func() {
		s.run(func() {
			if cur, ok := s.entries[rec.Hash()]; ok && cur == e {
				delete(s.entries, rec.Hash())
				s.expired.emit(rec)
			}
		})
	})
}

// FlushRelated implements the cache-flush bit (RFC 6762 §10.2): when a
// unique record arrives, every cached record in the same rrset that is not
// the record itself and was added more than a second ago is set to expire.
func (s *ExpiringSet) FlushRelated(r *wire.Record) {
	if !r.IsUnique() {
		return
	}
	now := s.clk.Now()
	for _, e := range s.entries {
		if !e.record.SameRRSet(r) || e.record.Hash() == r.Hash() {
			continue
		}
		if now.Sub(e.addedAt) <= expireDelay {
			continue
		}
		s.SetToExpire(e.record)
	}
}

// HasConflictWith reports whether candidate is unique and the cache holds
// a same-rrset record with different rdata.
func (s *ExpiringSet) HasConflictWith(candidate *wire.Record) bool {
	if !candidate.IsUnique() {
		return false
	}
	if s.Has(candidate) {
		return false
	}
	for _, e := range s.entries {
		if e.record.SameRRSet(candidate) && e.record.Hash() != candidate.Hash() {
			return true
		}
	}
	return false
}

// Find returns TTL-adjusted clones of the cached records answering q.
func (s *ExpiringSet) Find(q wire.Question) []*wire.Record {
	var out []*wire.Record
	for _, e := range s.entries {
		if e.record.AnswersQuestion(q) {
			out = append(out, s.agedClone(e))
		}
	}
	return out
}

// Delete removes the matching record without emitting events.
func (s *ExpiringSet) Delete(r *wire.Record) {
	e, ok := s.entries[r.Hash()]
	if !ok {
		return
	}
	e.cancel()
	delete(s.entries, r.Hash())
}

// Clear removes every record and cancels every timer without emitting
// events.
func (s *ExpiringSet) Clear() {
	for _, e := range s.entries {
		e.cancel()
	}
	s.entries = make(map[uint64]*expiringEntry)
}

// ToSlice returns the live records (current stored form, not TTL-aged).
func (s *ExpiringSet) ToSlice() []*wire.Record {
	out := make([]*wire.Record, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.record)
	}
	return out
}

// handlerList is a small observer list that tolerates removal during
// dispatch: emit iterates a snapshot, and removed handlers are skipped.
type handlerList struct {
	nextID int
	subs   []handlerSub
}

type handlerSub struct {
	id int
	fn func(*wire.Record)
}

func (h *handlerList) add(fn func(*wire.Record)) func() {
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, handlerSub{id: id, fn: fn})
	return func() {
		for i, sub := range h.subs {
			if sub.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

func (h *handlerList) emit(r *wire.Record) {
	snapshot := h.subs
	for _, sub := range snapshot {
		if h.contains(sub.id) {
			sub.fn(r)
		}
	}
}

func (h *handlerList) contains(id int) bool {
	for _, sub := range h.subs {
		if sub.id == id {
			return true
		}
	}
	return false
}
