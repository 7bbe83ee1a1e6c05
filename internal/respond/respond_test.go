package respond

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

func uniqueAnswer() *wire.Record {
	return wire.NewRecord("Thing._test._tcp.local.", &wire.SRV{Port: 80, Target: "h.local."})
}

func sharedAnswer() *wire.Record {
	return wire.NewRecord("_test._tcp.local.", &wire.PTR{Target: "Thing._test._tcp.local."})
}

func TestMulticast_UniqueAnswersGoOutImmediately(t *testing.T) {
	link, mock := testSetup(t)
	NewMulticast(link, []*wire.Record{uniqueAnswer()}, zap.NewNop()).Start(nil)

	mock.Add(0)
	require.Len(t, link.Sent, 1, "all-unique responses take no random delay")
	pkt := link.Sent[0].Packet
	assert.True(t, pkt.IsAnswer())
	assert.True(t, pkt.AA)
}

func TestMulticast_SharedAnswersTakeRandomDelay(t *testing.T) {
	link, mock := testSetup(t)
	NewMulticast(link, []*wire.Record{sharedAnswer()}, zap.NewNop()).Start(nil)

	mock.Add(19 * time.Millisecond)
	assert.Empty(t, link.Sent, "shared answers wait at least 20 ms")
	mock.Add(101 * time.Millisecond)
	assert.Len(t, link.Sent, 1)
}

func TestMulticast_AdditionalsFollowAnswers(t *testing.T) {
	link, mock := testSetup(t)
	srv := uniqueAnswer()
	a := wire.NewRecord("h.local.", &wire.A{Address: net.IPv4(10, 0, 0, 9)})
	ptr := sharedAnswer()
	ptr.Additionals = []*wire.Record{srv, a}

	NewMulticast(link, []*wire.Record{ptr, srv}, zap.NewNop()).Defensive(true).Start(nil)
	mock.Add(0)
	require.Len(t, link.Sent, 1)
	pkt := link.Sent[0].Packet
	assert.Len(t, pkt.Answers, 2)
	// srv is already an answer; only the address record rides as an
	// additional.
	require.Len(t, pkt.Additionals, 1)
	assert.True(t, pkt.Additionals[0].Equal(a))
}

// TestMulticast_RepeatSchedule verifies the doubling announcement
// schedule (RFC 6762 §8.3).
func TestMulticast_RepeatSchedule(t *testing.T) {
	link, mock := testSetup(t)
	var stopped bool
	NewMulticast(link, []*wire.Record{uniqueAnswer()}, zap.NewNop()).
		Defensive(true).
		Repeat(3).
		OnStopped(func() { stopped = true }).
		Start(nil)

	mock.Add(0)
	assert.Len(t, link.Sent, 1)
	mock.Add(time.Second)
	assert.Len(t, link.Sent, 2)
	mock.Add(time.Second)
	assert.Len(t, link.Sent, 2, "second gap is two seconds")
	mock.Add(time.Second)
	assert.Len(t, link.Sent, 3)
	assert.True(t, stopped, "sender stops after the last repeat")
}

// TestMulticast_SuppressesRecentlySent: a record multicast within the
// last second is left out of the packet (RFC 6762 §6).
func TestMulticast_SuppressesRecentlySent(t *testing.T) {
	link, mock := testSetup(t)
	ans := uniqueAnswer()

	// Something else just multicast this record.
	link.Send(BuildResponse([]*wire.Record{ans}), nil)
	require.Len(t, link.Sent, 1)

	NewMulticast(link, []*wire.Record{ans}, zap.NewNop()).Start(nil)
	mock.Add(0)
	assert.Len(t, link.Sent, 1, "fresh duplicate suppressed entirely")

	mock.Add(2 * time.Second)
	NewMulticast(link, []*wire.Record{ans}, zap.NewNop()).Start(nil)
	mock.Add(0)
	assert.Len(t, link.Sent, 2, "suppression window is one second")
}

// TestMulticast_IncomingAnswersTrimQueuedRecords: §7.4 duplicate
// suppression — a peer multicasting one of our queued records removes it
// from the pending packet; goodbyes do not count.
func TestMulticast_IncomingAnswersTrimQueuedRecords(t *testing.T) {
	link, mock := testSetup(t)
	ans := sharedAnswer()
	NewMulticast(link, []*wire.Record{ans}, zap.NewNop()).Start(nil)

	peer := wire.NewResponsePacket()
	peer.Answers = []*wire.Record{ans.Clone()}
	peer.Origin = wire.Origin{Address: net.IPv4(192, 168, 1, 3), Port: protocol.Port}
	link.DeliverAnswer(peer)

	mock.Add(120 * time.Millisecond)
	assert.Empty(t, link.Sent, "peer-covered record must not be re-sent")
}

func TestMulticast_GoodbyeClonesWithZeroTTL(t *testing.T) {
	link, mock := testSetup(t)
	ans := uniqueAnswer()
	var stopped bool
	NewGoodbye(link, []*wire.Record{ans}, zap.NewNop()).
		OnStopped(func() { stopped = true }).
		Start(nil)

	mock.Add(0)
	require.Len(t, link.Sent, 1)
	pkt := link.Sent[0].Packet
	require.Len(t, pkt.Answers, 1)
	assert.Zero(t, pkt.Answers[0].TTL, "goodbye records carry TTL 0")
	assert.Equal(t, uint32(protocol.TTLDefault), ans.TTL, "original record untouched")
	assert.True(t, stopped)
}

func legacyQuery() *wire.Packet {
	p := wire.NewQueryPacket()
	p.ID = 0x1234
	p.Questions = []wire.Question{wire.NewQuestion("Thing._test._tcp.local.", protocol.TypeANY)}
	p.Origin = wire.Origin{Address: net.IPv4(192, 168, 1, 9), Port: 41234}
	return p
}

// TestUnicast_LegacyFixups checks the RFC 6762 §6.7 shape: echoed ID and
// questions, TTL capped at 10, no cache-flush bit, NSEC stripped.
func TestUnicast_LegacyFixups(t *testing.T) {
	link, mock := testSetup(t)
	srv := uniqueAnswer()
	nsec := wire.NewRecord("Thing._test._tcp.local.", &wire.NSEC{
		Next:  "Thing._test._tcp.local.",
		Types: []protocol.RRType{protocol.TypeSRV},
	})

	NewUnicast(link, legacyQuery(), []*wire.Record{srv, nsec}, zap.NewNop()).Start(nil)
	mock.Add(0)

	require.Len(t, link.Sent, 1)
	sent := link.Sent[0]
	require.NotNil(t, sent.Dst)
	assert.Equal(t, 41234, sent.Dst.Port)

	pkt := sent.Packet
	assert.Equal(t, uint16(0x1234), pkt.ID, "legacy response echoes the query ID")
	require.Len(t, pkt.Questions, 1, "legacy response echoes the questions")
	require.Len(t, pkt.Answers, 1, "NSEC must be stripped")
	assert.Equal(t, protocol.TypeSRV, pkt.Answers[0].Type)
	assert.Equal(t, uint32(protocol.TTLLegacyMax), pkt.Answers[0].TTL)
	assert.False(t, pkt.Answers[0].CacheFlush)
}

func TestUnicast_StopIsIdempotent(t *testing.T) {
	link, mock := testSetup(t)
	u := NewUnicast(link, legacyQuery(), []*wire.Record{uniqueAnswer()}, zap.NewNop())
	u.Start(nil)
	u.Stop()
	u.Stop()
	mock.Add(time.Second)
	assert.Empty(t, link.Sent)
}
