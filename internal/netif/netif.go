// Package netif owns the multicast sockets and everything the protocol
// state machines share per interface: the expiring cache, the
// recently-sent history, inbound packet fan-out, and the event loop that
// serializes all of it.
package netif

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/platform"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/records"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// Link is the capability set a state machine gets from its interface:
// send, listen, cache, history, and the loop. State machines hold a Link,
// never the concrete Interface, so tests can drive them with a fake.
type Link interface {
	// Name returns the registry key ("any" or the OS interface name).
	Name() string

	// Post runs fn on the interface loop. Everything a state machine
	// does happens on that loop.
	Post(fn func())

	// Send transmits a packet, multicast when dst is nil.
	Send(p *wire.Packet, dst *net.UDPAddr)

	// OnAnswer/OnProbe/OnQuery/OnError register loop-confined handlers;
	// the returned function removes the registration.
	OnAnswer(fn func(*wire.Packet)) func()
	OnProbe(fn func(*wire.Packet)) func()
	OnQuery(fn func(*wire.Packet)) func()
	OnError(fn func(error)) func()

	// Cache is the interface's expiring record cache.
	Cache() *records.ExpiringSet

	// HasRecentlySent reports whether a content-equal record went out as
	// a multicast answer within the window.
	HasRecentlySent(r *wire.Record, within time.Duration) bool

	// Clock is the time source every timer on this interface uses.
	Clock() clock.Clock
}

// handlerList is a registration list for loop-confined packet handlers.
// Dispatch iterates a snapshot and skips entries removed mid-dispatch.
type handlerList[T any] struct {
	nextID int
	subs   []handlerSub[T]
}

type handlerSub[T any] struct {
	id int
	fn func(T)
}

func (h *handlerList[T]) add(fn func(T)) func() {
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, handlerSub[T]{id: id, fn: fn})
	return func() {
		for i, sub := range h.subs {
			if sub.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

func (h *handlerList[T]) emit(v T) {
	snapshot := h.subs
	for _, sub := range snapshot {
		alive := false
		for _, cur := range h.subs {
			if cur.id == sub.id {
				alive = true
				break
			}
		}
		if alive {
			sub.fn(v)
		}
	}
}

// Interface is one shared mDNS attachment point. Instances are created by
// the registry, handed out per key, and reference-counted: the first Bind
// opens the sockets, the last StopUsing closes them.
type Interface struct {
	key      string
	outgoing *net.Interface // non-nil when keyed to a specific interface

	clk clock.Clock
	log *zap.Logger

	bindMu   sync.Mutex
	refCount int
	isBound  bool

	loop    *loop
	cache   *records.ExpiringSet
	history *records.ExpiringSet

	sockets    []*socket
	localAddrs map[string]bool
	detachWake func()

	answers handlerList[*wire.Packet]
	probes  handlerList[*wire.Packet]
	queries handlerList[*wire.Packet]
	errs    handlerList[error]
}

func newInterface(key string, outgoing *net.Interface, clk clock.Clock, log *zap.Logger) *Interface {
	i := &Interface{
		key:      key,
		outgoing: outgoing,
		clk:      clk,
		log:      log.Named("netif").With(zap.String("interface", key)),
		loop:     newLoop(),
	}
	i.cache = records.NewExpiringSet(clk, i.loop.post)
	i.history = records.NewExpiringSet(clk, i.loop.post)
	return i
}

func (i *Interface) Name() string                { return i.key }
func (i *Interface) Clock() clock.Clock          { return i.clk }
func (i *Interface) Post(fn func())              { i.loop.post(fn) }
func (i *Interface) PostWait(fn func())          { i.loop.postWait(fn) }
func (i *Interface) Cache() *records.ExpiringSet { return i.cache }

func (i *Interface) OnAnswer(fn func(*wire.Packet)) func() { return i.answers.add(fn) }
func (i *Interface) OnProbe(fn func(*wire.Packet)) func()  { return i.probes.add(fn) }
func (i *Interface) OnQuery(fn func(*wire.Packet)) func()  { return i.queries.add(fn) }
func (i *Interface) OnError(fn func(error)) func()         { return i.errs.add(fn) }

func (i *Interface) isUp() bool {
	i.bindMu.Lock()
	defer i.bindMu.Unlock()
	return i.isBound
}

// Bind brings the interface up, or joins an existing binding. Every
// successful Bind must be paired with one StopUsing.
func (i *Interface) Bind() error {
	i.bindMu.Lock()
	defer i.bindMu.Unlock()

	i.refCount++
	if i.isBound {
		return nil
	}
	if err := i.bringUp(); err != nil {
		i.refCount--
		return err
	}
	i.isBound = true
	return nil
}

// bringUp opens the sockets and starts their read loops. Called with
// bindMu held.
func (i *Interface) bringUp() error {
	sock, err := openIPv4Socket(i.outgoing, i.log)
	if err != nil {
		return err
	}
	socks := []*socket{sock}

	// IPv6 is best effort: plenty of links carry no routable v6, and the
	// IPv4 socket alone satisfies the binding.
	if sock6, err := openIPv6Socket(i.outgoing, i.log); err == nil {
		socks = append(socks, sock6)
	} else {
		i.log.Debug("ipv6 unavailable", zap.Error(err))
	}

	i.sockets = socks
	i.localAddrs = localAddressSet()

	// Whatever the link knew before a suspend is stale; state machines
	// reprobe and requery against an empty cache.
	i.detachWake = platform.SharedSleepMonitor().OnWake(func() {
		i.loop.post(func() {
			i.cache.Clear()
			i.history.Clear()
		})
	})

	for _, s := range socks {
		s := s
		go s.readLoop(
			func(p *wire.Packet) { i.loop.post(func() { i.dispatch(p) }) },
			func(err error) { i.loop.post(func() { i.fatal(err) }) },
			func() bool { return !i.isUp() },
		)
	}
	i.log.Debug("bound", zap.Int("sockets", len(socks)))
	return nil
}

func localAddressSet() map[string]bool {
	out := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP != nil {
			out[ipnet.IP.String()] = true
		}
	}
	return out
}

// dispatch routes one parsed inbound packet. Answers from port 5353 merge
// into the cache before anyone sees the event, so every handler observes
// the updated cache. Runs on the loop.
func (i *Interface) dispatch(p *wire.Packet) {
	if !i.isUp() || !p.IsValid() {
		return
	}
	p.LocalOrigin = i.localAddrs[p.Origin.Address.String()]

	switch {
	case p.IsAnswer() && p.Origin.Port == protocol.Port:
		for _, r := range p.Records() {
			if r.IsUnique() {
				i.cache.FlushRelated(r)
			}
			i.cache.Add(r)
		}
		i.answers.emit(p)

	case p.IsProbe() && p.Origin.Port == protocol.Port:
		i.probes.emit(p)

	case p.IsQuery():
		// Queries are delivered regardless of source port; legacy
		// fixups happen in the responder.
		i.queries.emit(p)
	}
}

// Send transmits a packet: multicast to the group when dst is nil,
// unicast otherwise, but only to link-local/private destinations. An
// answer going to the group is remembered in the history so later
// responses can suppress duplicates (RFC 6762 §6).
func (i *Interface) Send(p *wire.Packet, dst *net.UDPAddr) {
	if !i.isUp() || p == nil || p.IsEmpty() {
		return
	}
	if dst != nil && !isLinkLocalDestination(dst.IP) {
		return
	}
	if p.IsAnswer() && dst == nil {
		for _, r := range p.Records() {
			i.history.Add(r.Clone())
		}
	}
	data, err := p.Encode()
	if err != nil {
		i.log.Warn("encode", zap.Error(err))
		return
	}

	wantFamily := 0
	if dst != nil {
		wantFamily = 4
		if dst.IP.To4() == nil {
			wantFamily = 6
		}
	}
	for _, s := range i.currentSockets() {
		if wantFamily != 0 && s.family != wantFamily {
			continue
		}
		target := dst
		if target == nil {
			target = s.group
		}
		if _, err := s.conn.WriteTo(data, target); err != nil {
			if isMsgSize(err) {
				first, second := p.Split()
				i.Send(first, dst)
				i.Send(second, dst)
				return
			}
			i.loop.post(func() { i.fatal(&NetworkError{Operation: "send", Err: err}) })
			return
		}
	}
}

// currentSockets snapshots the socket list under the bind mutex; Send
// runs on the loop, so it must not wait on the loop for this.
func (i *Interface) currentSockets() []*socket {
	i.bindMu.Lock()
	defer i.bindMu.Unlock()
	return i.sockets
}

func isMsgSize(err error) bool { return errors.Is(err, errMsgSize) }

// isLinkLocalDestination reports whether a unicast destination is on this
// link: loopback, RFC 1918 IPv4, IPv4 link-local, or IPv6
// loopback/ULA/link-local. Anything else is dropped; the engine never
// speaks wide-area unicast DNS.
func isLinkLocalDestination(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		switch {
		case v4[0] == 10:
			return true
		case v4[0] == 172 && v4[1]&0xf0 == 16:
			return true
		case v4[0] == 192 && v4[1] == 168:
			return true
		}
		return false
	}
	// fc00::/7 unique-local
	return ip[0]&0xfe == 0xfc
}

// HasRecentlySent reports whether a content-equal record went out within
// the window.
func (i *Interface) HasRecentlySent(r *wire.Record, within time.Duration) bool {
	return i.history.HasAddedWithin(r, within)
}

// fatal stops the interface and tells every registered state machine.
// Runs on the loop.
func (i *Interface) fatal(err error) {
	i.log.Error("interface failed", zap.Error(err))
	i.teardown()
	i.errs.emit(err)
}

// StopUsing releases one reference; the last reference tears the
// interface down.
func (i *Interface) StopUsing() {
	i.bindMu.Lock()
	if i.refCount > 0 {
		i.refCount--
	}
	last := i.refCount == 0 && i.isBound
	i.bindMu.Unlock()
	if last {
		i.loop.postWait(i.teardown)
	}
}

// teardown closes the sockets and clears all shared state. Runs on the
// loop. Close errors are logged, never propagated: an unbound interface
// must end up with zero sockets and zero cached records no matter what.
func (i *Interface) teardown() {
	i.bindMu.Lock()
	if !i.isBound {
		i.bindMu.Unlock()
		return
	}
	i.isBound = false
	i.refCount = 0
	socks := i.sockets
	i.sockets = nil
	detachWake := i.detachWake
	i.detachWake = nil
	i.bindMu.Unlock()

	if detachWake != nil {
		detachWake()
	}

	var errs error
	for _, s := range socks {
		errs = multierr.Append(errs, s.close())
	}
	if errs != nil {
		i.log.Debug("socket close", zap.Error(errs))
	}
	i.cache.Clear()
	i.history.Clear()
	i.log.Debug("torn down")
}
