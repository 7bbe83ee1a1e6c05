package netif

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// socket is one bound-and-joined UDP socket, IPv4 or IPv6.
type socket struct {
	conn   net.PacketConn
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
	family int // 4 or 6
	group  *net.UDPAddr
}

var (
	groupV4 = &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddrIPv4), Port: protocol.Port}
	groupV6 = &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddrIPv6), Port: protocol.Port}
)

// openIPv4Socket binds 0.0.0.0:5353 with SO_REUSEADDR, turns loopback on,
// sets TTL 255, optionally pins the outgoing multicast interface, and
// joins the group on every up multicast-capable interface individually.
// Join failures are logged and skipped: one dead interface must not take
// the socket down (RFC 6762 §15).
func openIPv4Socket(outgoing *net.Interface, log *zap.Logger) (*socket, error) {
	conn, err := listenUDP("udp4", fmt.Sprintf("0.0.0.0:%d", protocol.Port))
	if err != nil {
		return nil, &NetworkError{Operation: "bind ipv4", Err: err}
	}
	pc := ipv4.NewPacketConn(conn)

	if err := pc.SetMulticastLoopback(true); err != nil {
		log.Warn("multicast loopback", zap.Error(err))
	}
	if err := pc.SetMulticastTTL(protocol.MulticastTTL); err != nil {
		log.Warn("multicast ttl", zap.Error(err))
	}
	if outgoing != nil {
		if err := pc.SetMulticastInterface(outgoing); err != nil {
			log.Warn("outgoing multicast interface",
				zap.String("interface", outgoing.Name), zap.Error(err))
		}
	}

	joined := 0
	for _, iface := range multicastInterfaces() {
		iface := iface
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: groupV4.IP}); err != nil {
			log.Warn("join group", zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		// Fall back to the default interface; some stacks join fine with
		// a nil interface even when per-interface joins fail.
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: groupV4.IP}); err != nil {
			_ = conn.Close()
			return nil, &NetworkError{Operation: "join group", Err: err,
				Details: protocol.MulticastAddrIPv4}
		}
	}
	return &socket{conn: conn, pc4: pc, family: 4, group: groupV4}, nil
}

// openIPv6Socket is the IPv6 counterpart, joining FF02::FB.
func openIPv6Socket(outgoing *net.Interface, log *zap.Logger) (*socket, error) {
	conn, err := listenUDP("udp6", fmt.Sprintf("[::]:%d", protocol.Port))
	if err != nil {
		return nil, &NetworkError{Operation: "bind ipv6", Err: err}
	}
	pc := ipv6.NewPacketConn(conn)

	if err := pc.SetMulticastLoopback(true); err != nil {
		log.Warn("multicast loopback", zap.Error(err))
	}
	if err := pc.SetMulticastHopLimit(protocol.MulticastTTL); err != nil {
		log.Warn("multicast hop limit", zap.Error(err))
	}
	if outgoing != nil {
		if err := pc.SetMulticastInterface(outgoing); err != nil {
			log.Warn("outgoing multicast interface",
				zap.String("interface", outgoing.Name), zap.Error(err))
		}
	}

	joined := 0
	for _, iface := range multicastInterfaces() {
		iface := iface
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: groupV6.IP}); err != nil {
			log.Warn("join group", zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: groupV6.IP}); err != nil {
			_ = conn.Close()
			return nil, &NetworkError{Operation: "join group", Err: err,
				Details: protocol.MulticastAddrIPv6}
		}
	}
	return &socket{conn: conn, pc6: pc, family: 6, group: groupV6}, nil
}

func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}

func (s *socket) close() error { return s.conn.Close() }

// readLoop pulls datagrams until the socket closes, handing each to
// deliver. Non-fatal read hiccups are skipped; a persistent error after
// close simply ends the loop.
func (s *socket) readLoop(deliver func(*wire.Packet), fatal func(error), closed func() bool) {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if closed() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			fatal(&NetworkError{Operation: "read", Err: err})
			return
		}
		udp, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		pkt, err := wire.ParsePacket(buf[:n], wire.Origin{Address: udp.IP, Port: udp.Port})
		if err != nil {
			// Malformed packets are dropped at the interface.
			continue
		}
		deliver(pkt)
	}
}
