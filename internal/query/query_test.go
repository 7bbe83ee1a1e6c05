package query

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/wire"
)

func testSetup(t *testing.T) (*netif.MockLink, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return netif.NewMockLink(mock), mock
}

func ptrAnswer(target string) *wire.Packet {
	p := wire.NewResponsePacket()
	p.Answers = []*wire.Record{
		wire.NewRecord("_test._tcp.local.", &wire.PTR{Target: target}),
	}
	p.Origin = wire.Origin{Address: net.IPv4(192, 168, 1, 50), Port: protocol.Port}
	return p
}

func TestQuery_SendsAfterInitialDelay(t *testing.T) {
	link, mock := testSetup(t)
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("_test._tcp.local.", protocol.TypePTR))
	q.Start(nil)

	assert.Empty(t, link.Sent, "first send waits out the random delay")
	mock.Add(120 * time.Millisecond)
	require.Len(t, link.Sent, 1)
	sent := link.Sent[0].Packet
	assert.True(t, sent.IsQuery())
	require.Len(t, sent.Questions, 1)
	assert.Equal(t, protocol.TypePTR, sent.Questions[0].Type)
}

// TestQuery_ExponentialBackoff verifies the 1 s, 2 s, 4 s… requery
// schedule (RFC 6762 §5.2).
func TestQuery_ExponentialBackoff(t *testing.T) {
	link, mock := testSetup(t)
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("_test._tcp.local.", protocol.TypePTR))
	q.Start(nil)

	mock.Add(120 * time.Millisecond)
	require.Len(t, link.Sent, 1)
	mock.Add(time.Second)
	assert.Len(t, link.Sent, 2)
	mock.Add(time.Second)
	assert.Len(t, link.Sent, 2, "second interval is two seconds")
	mock.Add(time.Second)
	assert.Len(t, link.Sent, 3)
	mock.Add(4 * time.Second)
	assert.Len(t, link.Sent, 4)
}

// TestQuery_CachePreCheck: answers already cached are emitted locally
// before anything hits the wire, and a fully satisfied unique query stops
// without sending.
func TestQuery_CachePreCheck(t *testing.T) {
	link, mock := testSetup(t)
	srv := wire.NewRecord("Thing._test._tcp.local.", &wire.SRV{Port: 80, Target: "h.local."})
	link.Cache().Add(srv)

	var got []*wire.Record
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("Thing._test._tcp.local.", protocol.TypeSRV)).
		OnAnswer(func(r *wire.Record, _ []*wire.Record) { got = append(got, r) })
	q.Start(nil)

	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(srv))
	mock.Add(5 * time.Second)
	assert.Empty(t, link.Sent, "satisfied query must not send")
}

func TestQuery_IgnoreCacheSkipsPreCheck(t *testing.T) {
	link, mock := testSetup(t)
	srv := wire.NewRecord("Thing._test._tcp.local.", &wire.SRV{Port: 80, Target: "h.local."})
	link.Cache().Add(srv)

	var answers int
	q := New(link, zap.NewNop()).
		IgnoreCache(true).
		Add(wire.NewQuestion("Thing._test._tcp.local.", protocol.TypeSRV)).
		OnAnswer(func(*wire.Record, []*wire.Record) { answers++ })
	q.Start(nil)

	assert.Zero(t, answers)
	mock.Add(120 * time.Millisecond)
	assert.Len(t, link.Sent, 1)
}

// TestQuery_KnownAnswerSuppression: shared answers ride along in later
// packets while they hold more than half their TTL, and unique answers
// retire their question (RFC 6762 §7.1).
func TestQuery_KnownAnswerSuppression(t *testing.T) {
	link, mock := testSetup(t)
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("_test._tcp.local.", protocol.TypePTR))
	q.Start(nil)
	mock.Add(120 * time.Millisecond)
	require.Len(t, link.Sent, 1)

	link.DeliverAnswer(ptrAnswer("Thing._test._tcp.local."))

	mock.Add(time.Second)
	require.Len(t, link.Sent, 2)
	second := link.Sent[1].Packet
	require.Len(t, second.Answers, 1, "known answer must ride along")
	assert.False(t, second.Answers[0].CacheFlush, "known answers carry no flush bit")
	require.Len(t, second.Questions, 1, "shared questions are never exhausted")

	// Age the known answer past half its TTL, far enough for the doubling
	// backoff to send again after the halfway point (the send about 2047 s
	// in still carries it; the one about 4095 s in must not).
	mock.Add(time.Duration(protocol.TTLPointer) * time.Second * 95 / 100)
	last := link.LastSent().Packet
	assert.Empty(t, last.Answers, "stale known answers must not be re-sent")
}

func TestQuery_UniqueAnswerStopsQuery(t *testing.T) {
	link, mock := testSetup(t)
	var answers int
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("Thing._test._tcp.local.", protocol.TypeSRV)).
		OnAnswer(func(*wire.Record, []*wire.Record) { answers++ })
	q.Start(nil)
	mock.Add(120 * time.Millisecond)

	p := wire.NewResponsePacket()
	p.Answers = []*wire.Record{
		wire.NewRecord("Thing._test._tcp.local.", &wire.SRV{Port: 80, Target: "h.local."}),
	}
	p.Origin = wire.Origin{Port: protocol.Port}
	link.DeliverAnswer(p)

	assert.Equal(t, 1, answers)
	sends := len(link.Sent)
	mock.Add(time.Minute)
	assert.Equal(t, sends, len(link.Sent), "satisfied query must stop asking")
}

// TestQuery_DuplicateQuestionTrimming: a peer's identical QM question
// with no known answers removes ours from the queued packet
// (RFC 6762 §7.3).
func TestQuery_DuplicateQuestionTrimming(t *testing.T) {
	link, mock := testSetup(t)
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("_test._tcp.local.", protocol.TypePTR))
	q.Start(nil)
	mock.Add(120 * time.Millisecond)
	require.Len(t, link.Sent, 1)

	peer := wire.NewQueryPacket()
	peer.Questions = []wire.Question{wire.NewQuestion("_test._tcp.local.", protocol.TypePTR)}
	peer.Origin = wire.Origin{Address: net.IPv4(192, 168, 1, 60), Port: protocol.Port}
	link.DeliverQuery(peer)

	// With its only question trimmed the round's packet is empty, and an
	// empty packet is never sent.
	mock.Add(time.Second)
	assert.Len(t, link.Sent, 1, "trimmed question must not go out")

	// The round after that re-queues the question.
	mock.Add(2 * time.Second)
	require.Len(t, link.Sent, 2)
	assert.Len(t, link.Sent[1].Packet.Questions, 1)
}

func TestQuery_QUQuestionsDoNotTrim(t *testing.T) {
	link, mock := testSetup(t)
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("_test._tcp.local.", protocol.TypePTR))
	q.Start(nil)
	mock.Add(120 * time.Millisecond)

	peer := wire.NewQueryPacket()
	qu := wire.NewQuestion("_test._tcp.local.", protocol.TypePTR)
	qu.QU = true
	peer.Questions = []wire.Question{qu}
	peer.Origin = wire.Origin{Address: net.IPv4(192, 168, 1, 60), Port: protocol.Port}
	link.DeliverQuery(peer)

	mock.Add(time.Second)
	assert.Len(t, link.LastSent().Packet.Questions, 1, "QU questions never suppress ours")
}

func TestQuery_OneShotStopsOnFirstAnswerPacket(t *testing.T) {
	link, mock := testSetup(t)
	var timedOut bool
	q := New(link, zap.NewNop()).
		Continuous(false).
		Timeout(2*time.Second).
		Add(wire.NewQuestion("_test._tcp.local.", protocol.TypePTR)).
		OnTimeout(func() { timedOut = true })
	q.Start(nil)
	mock.Add(120 * time.Millisecond)

	link.DeliverAnswer(ptrAnswer("Thing._test._tcp.local."))
	sends := len(link.Sent)
	mock.Add(time.Minute)
	assert.Equal(t, sends, len(link.Sent))
	assert.False(t, timedOut, "answered one-shot must not time out")
}

func TestQuery_OneShotTimeout(t *testing.T) {
	link, mock := testSetup(t)
	var timedOut bool
	q := New(link, zap.NewNop()).
		Continuous(false).
		Timeout(2*time.Second).
		Add(wire.NewQuestion("nothing._test._tcp.local.", protocol.TypeSRV)).
		OnTimeout(func() { timedOut = true })
	q.Start(nil)

	mock.Add(2 * time.Second)
	assert.True(t, timedOut)
}

func TestQuery_StopIsIdempotent(t *testing.T) {
	link, mock := testSetup(t)
	q := New(link, zap.NewNop()).
		Add(wire.NewQuestion("_test._tcp.local.", protocol.TypePTR))
	q.Start(nil)
	q.Stop()
	q.Stop()
	mock.Add(time.Minute)
	assert.Empty(t, link.Sent)
}
