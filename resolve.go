package foghorn

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/resolve"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// ErrResolveTimeout is returned when a one-shot resolution runs out of
// time before the service is complete.
var ErrResolveTimeout = fmt.Errorf("foghorn: resolve timed out")

var mdnsGroupV4 = &net.UDPAddr{
	IP:   net.ParseIP(protocol.MulticastAddrIPv4),
	Port: protocol.Port,
}

const resolveRetryInterval = 500 * time.Millisecond

// Resolve performs a one-shot lookup of a full instance name like
// "Web Thing._http._tcp.local." and returns the assembled service. The
// query goes out from an ephemeral port, so compliant responders treat it
// as legacy and answer directly with capped TTLs (RFC 6762 §6.7). Bound
// by ctx; pass a deadline.
func Resolve(ctx context.Context, fullname string) (Service, error) {
	fullname = ensureDot(fullname)
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return Service{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	name, typeName, proto, domain := resolve.SplitFullName(fullname)
	svc := Service{
		FullName: fullname,
		Name:     name,
		Type:     ServiceType{Name: typeName, Protocol: proto},
		Domain:   domain,
	}
	var (
		hasSRV, hasTXT bool
		target         string
		addrs          []string
		seen           = map[string]bool{}
	)

	ask := func(questions ...wire.Question) error {
		pkt := wire.NewQueryPacket()
		pkt.ID = uint16(rand.Uint32())
		pkt.Questions = questions
		data, err := pkt.Encode()
		if err != nil {
			return err
		}
		_, err = conn.WriteTo(data, mdnsGroupV4)
		return err
	}
	initial := []wire.Question{
		wire.NewQuestion(fullname, protocol.TypeSRV),
		wire.NewQuestion(fullname, protocol.TypeTXT),
	}
	if err := ask(initial...); err != nil {
		return Service{}, err
	}

	buf := make([]byte, protocol.MaxPacketSize)
	askedAddr := false
	nextRetry := time.Now().Add(resolveRetryInterval)
	for {
		_ = conn.SetReadDeadline(minTime(deadlineOf(ctx), nextRetry))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Service{}, ErrResolveTimeout
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Requery; one-shot responders answer once per ask.
				nextRetry = time.Now().Add(resolveRetryInterval)
				if !hasSRV || !hasTXT {
					_ = ask(initial...)
				} else if len(addrs) == 0 {
					_ = ask(
						wire.NewQuestion(target, protocol.TypeA),
						wire.NewQuestion(target, protocol.TypeAAAA))
				}
				continue
			}
			return Service{}, err
		}
		pkt, perr := wire.ParsePacket(buf[:n], wire.Origin{})
		if perr != nil || !pkt.IsAnswer() {
			continue
		}
		for _, rec := range pkt.Records() {
			if rec.TTL == 0 {
				continue
			}
			switch data := rec.Data.(type) {
			case *wire.SRV:
				if wire.NamesEqual(rec.Name, fullname) {
					hasSRV = true
					svc.Port = data.Port
					if !wire.NamesEqual(target, data.Target) {
						target = data.Target
						svc.Host = target
						addrs = nil
						seen = map[string]bool{}
					}
				}
			case *wire.TXT:
				if wire.NamesEqual(rec.Name, fullname) {
					raw := data.Raw()
					if !hasTXT || !bytes.Equal(raw, svc.TXTRaw) {
						hasTXT = true
						svc.TXTRaw = raw
						txt := make(map[string]string, len(data.Pairs))
						for _, pair := range data.Pairs {
							txt[pair.Key] = string(pair.Value)
						}
						svc.TXT = txt
					}
				}
			case *wire.A:
				if target != "" && wire.NamesEqual(rec.Name, target) && !seen[data.Address.String()] {
					seen[data.Address.String()] = true
					addrs = append(addrs, data.Address.String())
				}
			case *wire.AAAA:
				if target != "" && wire.NamesEqual(rec.Name, target) && !seen[data.Address.String()] {
					seen[data.Address.String()] = true
					addrs = append(addrs, data.Address.String())
				}
			}
		}
		if hasSRV && hasTXT && len(addrs) > 0 {
			svc.Addresses = addrs
			return svc, nil
		}
		if hasSRV && len(addrs) == 0 && !askedAddr {
			askedAddr = true
			_ = ask(
				wire.NewQuestion(target, protocol.TypeA),
				wire.NewQuestion(target, protocol.TypeAAAA))
		}
	}
}

// ResolveAddress performs a one-shot A/AAAA lookup of an mDNS hostname
// like "mydevice.local." and returns its addresses.
func ResolveAddress(ctx context.Context, hostname string) ([]net.IP, error) {
	hostname = ensureDot(hostname)
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	pkt := wire.NewQueryPacket()
	pkt.ID = uint16(rand.Uint32())
	pkt.Questions = []wire.Question{
		wire.NewQuestion(hostname, protocol.TypeA),
		wire.NewQuestion(hostname, protocol.TypeAAAA),
	}
	data, err := pkt.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(data, mdnsGroupV4); err != nil {
		return nil, err
	}

	buf := make([]byte, protocol.MaxPacketSize)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrResolveTimeout
			}
			return nil, err
		}
		reply, perr := wire.ParsePacket(buf[:n], wire.Origin{})
		if perr != nil || !reply.IsAnswer() {
			continue
		}
		var out []net.IP
		for _, rec := range reply.Records() {
			if rec.TTL == 0 || !wire.NamesEqual(rec.Name, hostname) {
				continue
			}
			if ip := rec.IPAddress(); ip != nil {
				out = append(out, ip)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(time.Hour)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
