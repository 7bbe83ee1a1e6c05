package foghorn

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/platform"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/responder"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// Advertisement publishes one service instance on the link: it probes for
// the instance name, announces the records, answers queries, renames
// itself on conflict, and says goodbye when stopped cleanly.
type Advertisement struct {
	serviceType ServiceType
	port        int
	domain      string

	instance  string
	hostname  string
	txt       map[string]string
	ifaceSpec string
	repeats   int

	mu      sync.Mutex
	intf    *netif.Interface
	resp    *responder.Responder
	active  bool
	stopped bool

	onActive  func()
	onRenamed func(string)
	onError   func(error)

	log *zap.Logger
}

// AdvertisementOption configures an Advertisement.
type AdvertisementOption func(*Advertisement) error

// WithInstanceName sets the service instance label. Defaults to the
// host's name.
func WithInstanceName(name string) AdvertisementOption {
	return func(a *Advertisement) error {
		if err := validateInstanceName(name); err != nil {
			return err
		}
		a.instance = name
		return nil
	}
}

// WithTXT sets the service metadata.
func WithTXT(txt map[string]string) AdvertisementOption {
	return func(a *Advertisement) error {
		if err := validateTXT(txt); err != nil {
			return err
		}
		a.txt = txt
		return nil
	}
}

// WithHostname overrides the advertised host name ("mydevice.local.").
func WithHostname(hostname string) AdvertisementOption {
	return func(a *Advertisement) error {
		if hostname == "" {
			return &ValidationError{Field: "hostname", Reason: "empty"}
		}
		a.hostname = ensureDot(hostname)
		return nil
	}
}

// WithInterface restricts the advertisement to one interface, given as an
// OS interface name or an IPv4 literal. Default is the catch-all binding.
func WithInterface(specifier string) AdvertisementOption {
	return func(a *Advertisement) error {
		a.ifaceSpec = specifier
		return nil
	}
}

// WithDomain overrides the "local." domain; useful only in tests.
func WithDomain(domain string) AdvertisementOption {
	return func(a *Advertisement) error {
		a.domain = ensureDot(domain)
		return nil
	}
}

// WithAnnounceRepeats sets how many times the service is announced after
// probing succeeds.
func WithAnnounceRepeats(n int) AdvertisementOption {
	return func(a *Advertisement) error {
		if n < 1 {
			return &ValidationError{Field: "announce repeats", Reason: "below 1"}
		}
		a.repeats = n
		return nil
	}
}

// NewAdvertisement validates its inputs and builds an inactive
// advertisement. Call Start to put it on the air.
func NewAdvertisement(serviceType ServiceType, port int, opts ...AdvertisementOption) (*Advertisement, error) {
	if err := validateServiceType(serviceType); err != nil {
		return nil, err
	}
	if err := validatePort(port); err != nil {
		return nil, err
	}
	a := &Advertisement{
		serviceType: serviceType,
		port:        port,
		domain:      DefaultDomain,
		repeats:     2,
		log:         logger.Named("advertisement"),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.hostname == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		a.hostname = ensureDot(strings.Split(host, ".")[0] + ".local")
	}
	if a.instance == "" {
		a.instance = strings.TrimSuffix(strings.Split(a.hostname, ".")[0], ".")
	}
	return a, nil
}

// OnActive registers a callback fired when probing completes and the
// instance is established. Runs on the interface loop; do not block.
func (a *Advertisement) OnActive(fn func()) { a.onActive = fn }

// OnRenamed registers a callback fired with the new instance name after a
// conflict forced a rename.
func (a *Advertisement) OnRenamed(fn func(string)) { a.onRenamed = fn }

// OnError registers a callback for fatal errors; the advertisement is
// already stopped when it fires.
func (a *Advertisement) OnError(fn func(error)) { a.onError = fn }

// InstanceName returns the current instance label, reflecting any
// renames.
func (a *Advertisement) InstanceName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instance
}

// FullName returns the instance FQDN.
func (a *Advertisement) FullName() string {
	return a.serviceType.InstanceFQDN(a.InstanceName(), a.domain)
}

// Active reports whether probing has completed.
func (a *Advertisement) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Start binds the interface and begins probing.
func (a *Advertisement) Start() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return fmt.Errorf("foghorn: advertisement already stopped")
	}
	if a.intf != nil {
		a.mu.Unlock()
		return nil
	}

	intf, err := netif.Get(a.ifaceSpec)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if err := intf.Bind(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.intf = intf
	instance := a.instance
	a.mu.Unlock()

	owned, err := a.buildRecords(instance)
	if err != nil {
		a.mu.Lock()
		a.intf = nil
		a.mu.Unlock()
		intf.StopUsing()
		return err
	}

	// The responder lives on the interface loop; its callbacks run
	// there and must not be active while this goroutine still holds
	// the advertisement lock.
	intf.PostWait(func() {
		resp := responder.New(intf, instance, owned, a.log).
			AnnounceRepeats(a.repeats).
			OnProbingComplete(func() {
				a.mu.Lock()
				a.active = true
				a.mu.Unlock()
				if a.onActive != nil {
					a.onActive()
				}
			}).
			OnRename(func(newName string) {
				a.mu.Lock()
				a.instance = newName
				a.mu.Unlock()
				if a.onRenamed != nil {
					a.onRenamed(newName)
				}
			}).
			OnError(func(err error) {
				a.mu.Lock()
				a.stopped = true
				a.mu.Unlock()
				if a.onError != nil {
					a.onError(err)
				}
			})
		a.mu.Lock()
		a.resp = resp
		a.mu.Unlock()
		resp.Start(nil)
	})
	return nil
}

// UpdateTXT replaces the service metadata and re-announces the TXT
// record. Setting identical content announces nothing.
func (a *Advertisement) UpdateTXT(txt map[string]string) error {
	if err := validateTXT(txt); err != nil {
		return err
	}
	a.mu.Lock()
	resp, intf := a.resp, a.intf
	a.txt = txt
	a.mu.Unlock()
	if resp == nil {
		return nil
	}
	pairs := txtPairs(txt)
	intf.PostWait(func() {
		resp.UpdateEach(protocol.TypeTXT, func(r *wire.Record) {
			r.Data = &wire.TXT{Pairs: pairs}
		})
	})
	return nil
}

// Stop takes the advertisement off the air. A clean stop multicasts
// goodbye packets first so peers drop the service promptly; a forced stop
// skips them and peers notice only when the records' TTLs run out.
func (a *Advertisement) Stop(force bool) {
	a.mu.Lock()
	if a.stopped || a.resp == nil {
		a.stopped = true
		a.mu.Unlock()
		return
	}
	a.stopped = true
	resp, intf := a.resp, a.intf
	a.mu.Unlock()

	if force {
		intf.PostWait(resp.Stop)
	} else {
		done := make(chan struct{})
		intf.PostWait(func() {
			resp.Goodbye(func() {
				resp.Stop()
				close(done)
			})
		})
		<-done
	}
	intf.StopUsing()
}

// buildRecords assembles the full record set for one instance name
// (RFC 6763 §4, §12): the browse PTR, SRV and TXT for the instance,
// address records for the host, NSEC assertions for both names, the
// type-enumerator PTR, and one PTR per subtype.
func (a *Advertisement) buildRecords(instance string) ([]*wire.Record, error) {
	typeFQDN := a.serviceType.FQDN(a.domain)
	fullname := a.serviceType.InstanceFQDN(instance, a.domain)

	srv := wire.NewRecord(fullname, &wire.SRV{
		Port:   uint16(a.port),
		Target: a.hostname,
	})
	txt := wire.NewRecord(fullname, &wire.TXT{Pairs: txtPairs(a.txt)})
	instanceNSEC := wire.NewRecord(fullname, &wire.NSEC{
		Next:  fullname,
		Types: []protocol.RRType{protocol.TypeSRV, protocol.TypeTXT},
	})

	addrs, err := a.addressRecords()
	if err != nil {
		return nil, err
	}
	var hostTypes []protocol.RRType
	seenType := map[protocol.RRType]bool{}
	for _, r := range addrs {
		if !seenType[r.Type] {
			seenType[r.Type] = true
			hostTypes = append(hostTypes, r.Type)
		}
	}
	if len(hostTypes) == 0 {
		return nil, fmt.Errorf("foghorn: no usable addresses to advertise")
	}
	hostNSEC := wire.NewRecord(a.hostname, &wire.NSEC{Next: a.hostname, Types: hostTypes})

	ptr := wire.NewRecord(typeFQDN, &wire.PTR{Target: fullname})
	ptr.Additionals = append([]*wire.Record{srv, txt}, addrs...)
	srv.Additionals = addrs

	enum := wire.NewRecord(EnumeratorType+"."+a.domain, &wire.PTR{Target: typeFQDN})

	owned := []*wire.Record{ptr, srv, txt, instanceNSEC, hostNSEC, enum}
	owned = append(owned, addrs...)
	for _, sub := range a.serviceType.Subtypes {
		subPTR := wire.NewRecord(a.serviceType.SubtypeFQDN(sub, a.domain), &wire.PTR{Target: fullname})
		subPTR.Additionals = ptr.Additionals
		owned = append(owned, subPTR)
	}
	return owned, nil
}

// addressRecords builds A/AAAA records for the advertised hostname from
// the interface the advertisement is bound to, or from every external
// interface for the catch-all binding. Loopback is the fallback so a
// disconnected machine can still talk to itself.
func (a *Advertisement) addressRecords() ([]*wire.Record, error) {
	m, err := platform.Interfaces()
	if err != nil {
		return nil, err
	}
	var external, internal []*wire.Record
	for name, addrs := range m {
		if a.ifaceSpec != "" && a.ifaceSpec != netif.AnyInterface && name != a.intf.Name() {
			continue
		}
		for _, addr := range addrs {
			ip := net.ParseIP(addr.Address)
			if ip == nil {
				continue
			}
			var rec *wire.Record
			if ip.To4() != nil {
				rec = wire.NewRecord(a.hostname, &wire.A{Address: ip})
			} else {
				if ip.IsLinkLocalUnicast() {
					continue
				}
				rec = wire.NewRecord(a.hostname, &wire.AAAA{Address: ip})
			}
			if addr.Internal {
				internal = append(internal, rec)
			} else {
				external = append(external, rec)
			}
		}
	}
	if len(external) > 0 {
		return external, nil
	}
	return internal, nil
}

func txtPairs(txt map[string]string) []wire.TXTPair {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]wire.TXTPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, wire.TXTPair{Key: k, Value: []byte(txt[k]), HasValue: true})
	}
	return pairs
}
