package resolve

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

const fullname = "Thing._test._tcp.local."

func testSetup(t *testing.T) (*netif.MockLink, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return netif.NewMockLink(mock), mock
}

func srvRecord() *wire.Record {
	return wire.NewRecord(fullname, &wire.SRV{Port: 4444, Target: "host.local."})
}

func txtRecord() *wire.Record {
	return wire.NewRecord(fullname, &wire.TXT{Pairs: []wire.TXTPair{
		{Key: "v", Value: []byte("1"), HasValue: true},
	}})
}

func aRecord(last byte) *wire.Record {
	return wire.NewRecord("host.local.", &wire.A{Address: net.IPv4(192, 168, 1, last)})
}

func answerPacket(rs ...*wire.Record) *wire.Packet {
	p := wire.NewResponsePacket()
	p.Answers = rs
	p.Origin = wire.Origin{Address: net.IPv4(192, 168, 1, 90), Port: protocol.Port}
	return p
}

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		in                                 string
		instance, typeName, proto, domain string
	}{
		{"Thing._test._tcp.local.", "Thing", "test", "tcp", "local."},
		{"A.B._x._udp.local.", "A.B", "x", "udp", "local."},
		{"_test._tcp.local.", "", "test", "tcp", "local."},
	}
	for _, tt := range tests {
		instance, typeName, proto, domain := SplitFullName(tt.in)
		assert.Equal(t, tt.instance, instance, tt.in)
		assert.Equal(t, tt.typeName, typeName, tt.in)
		assert.Equal(t, tt.proto, proto, tt.in)
		assert.Equal(t, tt.domain, domain, tt.in)
	}
}

// TestResolver_ResolvesInAnyOrder feeds the three legs in different
// orders; the resolver must not care.
func TestResolver_ResolvesInAnyOrder(t *testing.T) {
	orders := map[string][][]*wire.Record{
		"srv txt a": {{srvRecord()}, {txtRecord()}, {aRecord(10)}},
		"a txt srv": {{aRecord(10)}, {txtRecord()}, {srvRecord()}},
		"one shot":  {{srvRecord(), txtRecord(), aRecord(10)}},
	}
	for name, batches := range orders {
		t.Run(name, func(t *testing.T) {
			link, _ := testSetup(t)
			var resolved bool
			r := New(link, fullname, zap.NewNop()).
				OnResolved(func() { resolved = true })
			r.Start(nil)

			for _, batch := range batches {
				link.DeliverAnswer(answerPacket(batch...))
			}
			require.True(t, resolved)
			svc := r.Service()
			assert.Equal(t, "Thing", svc.Name)
			assert.Equal(t, "host.local.", svc.Host)
			assert.Equal(t, uint16(4444), svc.Port)
			assert.Equal(t, []string{"192.168.1.10"}, svc.Addresses)
			assert.Equal(t, map[string]string{"v": "1"}, svc.TXT)
		})
	}
}

// Address records arriving before the SRV cannot be attributed to a
// target yet; the query for the target's addresses brings them later.
func TestResolver_AddressBeforeTargetIsIgnored(t *testing.T) {
	link, _ := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)

	link.DeliverAnswer(answerPacket(aRecord(10)))
	assert.Empty(t, r.Service().Addresses)
}

func TestResolver_QueriesForMissingRecords(t *testing.T) {
	link, mock := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)

	mock.Add(120 * time.Millisecond)
	require.NotEmpty(t, link.Sent)
	pkt := link.Sent[0].Packet
	require.True(t, pkt.IsQuery())
	types := map[protocol.RRType]bool{}
	for _, q := range pkt.Questions {
		types[q.Type] = true
	}
	assert.True(t, types[protocol.TypeSRV])
	assert.True(t, types[protocol.TypeTXT])
	assert.False(t, types[protocol.TypeA], "no target known yet, no address question")
}

func TestResolver_TargetChangeClearsAddresses(t *testing.T) {
	link, _ := testSetup(t)
	var updates int
	r := New(link, fullname, zap.NewNop()).
		OnUpdated(func() { updates++ })
	r.Start(nil)
	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10)))
	require.Equal(t, StateResolved, r.CurrentState())

	moved := wire.NewRecord(fullname, &wire.SRV{Port: 4444, Target: "elsewhere.local."})
	link.DeliverAnswer(answerPacket(moved))

	assert.Equal(t, StateUnresolved, r.CurrentState(), "new target with no addresses is unresolved")
	assert.Empty(t, r.Service().Addresses)

	link.DeliverAnswer(answerPacket(wire.NewRecord("elsewhere.local.", &wire.A{Address: net.IPv4(10, 0, 0, 1)})))
	assert.Equal(t, StateResolved, r.CurrentState())
	assert.Equal(t, []string{"10.0.0.1"}, r.Service().Addresses)
}

func TestResolver_TXTChangeEmitsUpdated(t *testing.T) {
	link, _ := testSetup(t)
	var updates int
	r := New(link, fullname, zap.NewNop()).
		OnUpdated(func() { updates++ })
	r.Start(nil)
	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10)))

	newTXT := wire.NewRecord(fullname, &wire.TXT{Pairs: []wire.TXTPair{
		{Key: "v", Value: []byte("2"), HasValue: true},
	}})
	link.DeliverAnswer(answerPacket(newTXT))
	assert.Equal(t, 1, updates)
	assert.Equal(t, map[string]string{"v": "2"}, r.Service().TXT)

	// Identical TXT bytes change nothing.
	link.DeliverAnswer(answerPacket(newTXT.Clone()))
	assert.Equal(t, 1, updates)
}

func TestResolver_UnresolvedTimeoutGoesDown(t *testing.T) {
	link, mock := testSetup(t)
	var down bool
	r := New(link, fullname, zap.NewNop()).
		OnDown(func() { down = true })
	r.Start(nil)

	mock.Add(10 * time.Second)
	assert.True(t, down)
	assert.Equal(t, StateStopped, r.CurrentState())
}

func TestResolver_SRVExpiryGoesDown(t *testing.T) {
	link, _ := testSetup(t)
	var down bool
	r := New(link, fullname, zap.NewNop()).
		OnDown(func() { down = true })
	r.Start(nil)
	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10)))
	require.Equal(t, StateResolved, r.CurrentState())

	// The cache expiring our SRV means the service is gone.
	link.Cache().OnExpired(func(*wire.Record) {}) // unrelated observer, exercises fan-out
	expireFromCache(link, srvRecord())

	assert.True(t, down)
	assert.Equal(t, StateStopped, r.CurrentState())
}

// expireFromCache forces a record through the cache's goodbye path.
func expireFromCache(link *netif.MockLink, rec *wire.Record) {
	link.Cache().SetToExpire(rec)
	link.Clk.(*clock.Mock).Add(time.Second)
}

func TestResolver_AddressExpiryDegradesToUnresolved(t *testing.T) {
	link, _ := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)
	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10), aRecord(11)))
	require.Equal(t, StateResolved, r.CurrentState())

	expireFromCache(link, aRecord(10))
	assert.Equal(t, StateResolved, r.CurrentState(), "one address left, still resolved")
	assert.Equal(t, []string{"192.168.1.11"}, r.Service().Addresses)

	expireFromCache(link, aRecord(11))
	assert.Equal(t, StateUnresolved, r.CurrentState(), "no addresses left")
}

// A TXT update makes the cache flush the previous version a second
// later; that stale expiry must not tear down the fresh state.
func TestResolver_SupersededTXTExpiryIgnored(t *testing.T) {
	link, _ := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)
	old := txtRecord()
	link.DeliverAnswer(answerPacket(srvRecord(), old, aRecord(10)))
	require.Equal(t, StateResolved, r.CurrentState())

	newTXT := wire.NewRecord(fullname, &wire.TXT{Pairs: []wire.TXTPair{
		{Key: "v", Value: []byte("2"), HasValue: true},
	}})
	link.DeliverAnswer(answerPacket(newTXT))

	r.handleExpired(old)
	assert.Equal(t, StateResolved, r.CurrentState(), "stale TXT expiry must not degrade the service")
	assert.Equal(t, map[string]string{"v": "2"}, r.Service().TXT)
}

func TestResolver_TXTExpiryDegradesToUnresolved(t *testing.T) {
	link, _ := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)
	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10)))
	require.Equal(t, StateResolved, r.CurrentState())

	expireFromCache(link, txtRecord())
	assert.Equal(t, StateUnresolved, r.CurrentState())
	assert.Empty(t, r.Service().TXTRaw)
}

// TestResolver_ReissueBatching: several cache reissue triggers inside the
// window produce one off-cache refresh query.
func TestResolver_ReissueBatching(t *testing.T) {
	link, mock := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)
	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10)))
	require.Equal(t, StateResolved, r.CurrentState())
	before := len(link.Sent)

	r.handleReissue(srvRecord())
	r.handleReissue(txtRecord())
	r.handleReissue(aRecord(10))

	mock.Add(time.Second)
	// One batched refresh; its own send delay follows.
	mock.Add(120 * time.Millisecond)
	require.Equal(t, before+1, len(link.Sent), "one refresh packet for the whole batch")
	refresh := link.Sent[len(link.Sent)-1].Packet
	assert.True(t, refresh.IsQuery())
	assert.Len(t, refresh.Questions, 3)
}

func TestResolver_ServiceViewIsDefensivelyCopied(t *testing.T) {
	link, _ := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)
	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10)))

	svc := r.Service()
	snapshot := svc.Addresses
	link.DeliverAnswer(answerPacket(aRecord(11)))

	assert.Len(t, snapshot, 1, "caller's snapshot must not grow")
	assert.Len(t, svc.Addresses, 2, "stable view reflects the change")
}

func TestResolver_StopIsSticky(t *testing.T) {
	link, _ := testSetup(t)
	r := New(link, fullname, zap.NewNop())
	r.Start(nil)
	r.Stop()
	r.Stop()
	assert.Equal(t, StateStopped, r.CurrentState())

	link.DeliverAnswer(answerPacket(srvRecord(), txtRecord(), aRecord(10)))
	assert.Equal(t, StateStopped, r.CurrentState())
}
