// Package query implements the RFC 6762 §5 querier: continuous questions
// with exponential backoff and known-answer suppression, and one-shot
// questions with a deadline.
package query

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/platform"
	"github.com/halcyonnet/foghorn/internal/records"
	"github.com/halcyonnet/foghorn/internal/wire"
)

const (
	// minStartDelay..maxStartDelay is the random delay before the first
	// query packet (RFC 6762 §5.2).
	minStartDelay = 20 * time.Millisecond
	maxStartDelay = 120 * time.Millisecond

	// firstInterval..maxInterval bound the doubling requery schedule
	// (RFC 6762 §5.2 caps the interval at one hour).
	firstInterval = time.Second
	maxInterval   = time.Hour

	// knownAnswerFraction is the share of original TTL a cached answer
	// must retain to ride along as a known answer (RFC 6762 §7.1).
	knownAnswerFraction = 0.5
)

// Query asks one or more questions on an interface. Continuous queries
// keep asking until every unique-record question has been answered —
// forever, for shared questions; one-shot queries stop at the first
// answer packet or report a timeout.
type Query struct {
	link netif.Link
	clk  clock.Clock
	log  *zap.Logger

	questions []wire.Question
	originals []wire.Question
	queued    []wire.Question

	knownAnswers *records.ExpiringSet
	continuous   bool
	ignoreCache  bool
	timeout      time.Duration

	onAnswer  func(record *wire.Record, related []*wire.Record)
	onTimeout func()

	interval     time.Duration
	timer        *clock.Timer
	timeoutTimer *clock.Timer
	stopped      bool

	removeAnswer  func()
	removeQuery   func()
	removeExpired func()
	detachOff     func()
	detachWake    func()
}

// New builds an empty continuous query. All further calls must happen on
// the link's loop.
func New(link netif.Link, log *zap.Logger) *Query {
	q := &Query{
		link:       link,
		clk:        link.Clock(),
		log:        log.Named("query"),
		continuous: true,
	}
	q.knownAnswers = records.NewExpiringSet(q.clk, link.Post)
	return q
}

// Add appends a question.
func (q *Query) Add(question wire.Question) *Query {
	q.questions = append(q.questions, question)
	return q
}

// Continuous toggles one-shot behavior: a non-continuous query stops at
// the first incoming answer packet regardless of content.
func (q *Query) Continuous(on bool) *Query {
	q.continuous = on
	return q
}

// IgnoreCache skips the local cache pre-check, forcing the question onto
// the wire. Reissue refreshes use this.
func (q *Query) IgnoreCache(on bool) *Query {
	q.ignoreCache = on
	return q
}

// Timeout arms a deadline for one-shot queries.
func (q *Query) Timeout(d time.Duration) *Query {
	q.timeout = d
	return q
}

// OnAnswer registers the answer callback; related carries the other
// records that arrived in the same packet.
func (q *Query) OnAnswer(fn func(*wire.Record, []*wire.Record)) *Query {
	q.onAnswer = fn
	return q
}

// OnTimeout registers the deadline callback.
func (q *Query) OnTimeout(fn func()) *Query {
	q.onTimeout = fn
	return q
}

// Start begins the query. Must run on the link loop.
func (q *Query) Start(off *netif.OffSwitch) {
	if q.stopped {
		return
	}
	q.originals = append([]wire.Question(nil), q.questions...)
	q.interval = firstInterval

	q.removeAnswer = q.link.OnAnswer(q.handleAnswer)
	q.removeQuery = q.link.OnQuery(q.handleQuery)
	// Aged-out cache records must not ride along as known answers.
	q.removeExpired = q.link.Cache().OnExpired(q.removeKnownAnswer)
	if off != nil {
		q.detachOff = off.Attach(q.Stop)
	}
	q.detachWake = platform.SharedSleepMonitor().OnWake(func() {
		q.link.Post(q.restart)
	})
	if q.timeout > 0 {
		q.timeoutTimer = q.clk.AfterFunc(q.timeout, func() {
			q.link.Post(q.fireTimeout)
		})
	}

	if !q.ignoreCache {
		q.checkCache()
		if len(q.questions) == 0 {
			q.Stop()
			return
		}
	}
	q.queued = append([]wire.Question(nil), q.questions...)
	q.schedule(minStartDelay + time.Duration(rand.Int63n(int64(maxStartDelay-minStartDelay))))
}

// checkCache answers questions from the interface cache as if the records
// had just arrived off the wire.
func (q *Query) checkCache() {
	for _, question := range append([]wire.Question(nil), q.questions...) {
		for _, r := range q.link.Cache().Find(question) {
			q.accept(r, nil)
		}
	}
}

// accept processes one answering record: unique answers retire their
// question, shared answers become known answers for suppression.
func (q *Query) accept(r *wire.Record, related []*wire.Record) {
	matched := false
	kept := q.questions[:0]
	for _, question := range q.questions {
		if r.AnswersQuestion(question) {
			matched = true
			if r.IsUnique() {
				q.dropQueued(question)
				continue
			}
		}
		kept = append(kept, question)
	}
	q.questions = kept
	if matched {
		if !r.IsUnique() {
			q.knownAnswers.Add(r.Clone())
		}
		if q.onAnswer != nil {
			q.onAnswer(r, related)
		}
	}
}

func (q *Query) dropQueued(question wire.Question) {
	kept := q.queued[:0]
	for _, queued := range q.queued {
		if !queued.Matches(question) {
			kept = append(kept, queued)
		}
	}
	q.queued = kept
}

func (q *Query) schedule(d time.Duration) {
	q.timer = q.clk.AfterFunc(d, func() {
		q.link.Post(q.send)
	})
}

func (q *Query) send() {
	if q.stopped {
		return
	}
	pkt := wire.NewQueryPacket()
	pkt.Questions = append([]wire.Question(nil), q.queued...)
	pkt.Answers = q.freshKnownAnswers()
	q.link.Send(pkt, nil)

	// Queue the next packet right away so peers asking the same
	// questions can trim it before it goes out (RFC 6762 §7.3).
	q.queued = append([]wire.Question(nil), q.questions...)
	q.schedule(q.interval)
	if q.interval < maxInterval {
		q.interval *= 2
		if q.interval > maxInterval {
			q.interval = maxInterval
		}
	}
}

// freshKnownAnswers returns clones of the known answers still holding
// more than half their original TTL, cache-flush cleared
// (RFC 6762 §7.1).
func (q *Query) freshKnownAnswers() []*wire.Record {
	var out []*wire.Record
	for _, r := range q.knownAnswers.ToSlice() {
		orig, ok := q.knownAnswers.OriginalTTL(r)
		if !ok || orig == 0 {
			continue
		}
		aged := q.knownAnswers.Get(r)
		if aged == nil {
			continue
		}
		if float64(aged.TTL)/float64(orig) <= knownAnswerFraction {
			continue
		}
		aged.CacheFlush = false
		out = append(out, aged)
	}
	return out
}

func (q *Query) handleAnswer(pkt *wire.Packet) {
	if q.stopped {
		return
	}
	all := pkt.Records()
	for _, r := range pkt.Answers {
		related := make([]*wire.Record, 0, len(all)-1)
		for _, other := range all {
			if other != r {
				related = append(related, other)
			}
		}
		q.accept(r, related)
		if q.stopped {
			return
		}
	}
	if !q.continuous {
		q.Stop()
		return
	}
	if len(q.questions) == 0 {
		q.Stop()
	}
}

// handleQuery trims questions a non-local peer has just asked itself out
// of our queued packet (RFC 6762 §7.3). Only multicast (QM) questions
// count, and only from queries carrying no known answers of their own.
func (q *Query) handleQuery(pkt *wire.Packet) {
	if q.stopped || pkt.IsLocal() || len(pkt.Answers) > 0 {
		return
	}
	for _, theirs := range pkt.Questions {
		if theirs.QU {
			continue
		}
		kept := q.queued[:0]
		for _, queued := range q.queued {
			if !queued.Matches(theirs) {
				kept = append(kept, queued)
			}
		}
		q.queued = kept
	}
}

func (q *Query) removeKnownAnswer(r *wire.Record) {
	q.knownAnswers.Delete(r)
}

// restart re-seeds the query after a sleep-wake: original questions,
// reset backoff, immediate send.
func (q *Query) restart() {
	if q.stopped {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.questions = append([]wire.Question(nil), q.originals...)
	q.queued = append([]wire.Question(nil), q.questions...)
	q.interval = firstInterval
	q.send()
}

func (q *Query) fireTimeout() {
	if q.stopped {
		return
	}
	fn := q.onTimeout
	q.Stop()
	if fn != nil {
		fn()
	}
}

// Stop tears the query down. Idempotent.
func (q *Query) Stop() {
	if q.stopped {
		return
	}
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.timeoutTimer != nil {
		q.timeoutTimer.Stop()
	}
	for _, remove := range []func(){q.removeAnswer, q.removeQuery, q.removeExpired, q.detachOff, q.detachWake} {
		if remove != nil {
			remove()
		}
	}
	q.removeAnswer, q.removeQuery, q.removeExpired, q.detachOff, q.detachWake = nil, nil, nil, nil, nil
	q.knownAnswers.Clear()
}
