package foghorn

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/protocol"
	"github.com/halcyonnet/foghorn/internal/query"
	"github.com/halcyonnet/foghorn/internal/resolve"
	"github.com/halcyonnet/foghorn/internal/wire"
)

// Browser watches a service type continuously: a standing PTR query
// discovers instances, and unless resolution is disabled each instance
// gets a resolver that assembles and maintains its full details.
type Browser struct {
	serviceType ServiceType
	enumerator  bool
	domain      string
	ifaceSpec   string
	resolve     bool

	mu      sync.Mutex
	intf    *netif.Interface
	started bool
	stopped bool

	browse    *query.Query
	resolvers map[string]*resolve.Resolver
	bare      map[string]func() // fullname → cache-expiry unlisten, resolve:false mode
	off       *netif.OffSwitch

	onUp      func(Service)
	onChanged func(Service)
	onDown    func(Service)
	onError   func(error)

	log *zap.Logger
}

// BrowserOption configures a Browser.
type BrowserOption func(*Browser) error

// WithBrowserInterface restricts browsing to one interface.
func WithBrowserInterface(specifier string) BrowserOption {
	return func(b *Browser) error {
		b.ifaceSpec = specifier
		return nil
	}
}

// WithBrowserDomain overrides the "local." domain.
func WithBrowserDomain(domain string) BrowserOption {
	return func(b *Browser) error {
		b.domain = ensureDot(domain)
		return nil
	}
}

// WithoutResolving makes the browser report bare instance names only: the
// Service passed to callbacks carries just Name, and no SRV/TXT/address
// queries are issued.
func WithoutResolving() BrowserOption {
	return func(b *Browser) error {
		b.resolve = false
		return nil
	}
}

// NewBrowser builds a browser for one service type.
func NewBrowser(serviceType ServiceType, opts ...BrowserOption) (*Browser, error) {
	if err := validateServiceType(serviceType); err != nil {
		return nil, err
	}
	b := newBrowser()
	b.serviceType = serviceType
	return b, b.applyOpts(opts)
}

// NewTypeEnumerator builds a browser over the special
// "_services._dns-sd._udp" type: callbacks receive a Service whose Name
// is a discovered service type (RFC 6763 §9).
func NewTypeEnumerator(opts ...BrowserOption) (*Browser, error) {
	b := newBrowser()
	b.enumerator = true
	return b, b.applyOpts(opts)
}

func newBrowser() *Browser {
	return &Browser{
		domain:    DefaultDomain,
		resolve:   true,
		resolvers: make(map[string]*resolve.Resolver),
		bare:      make(map[string]func()),
		log:       logger.Named("browser"),
	}
}

func (b *Browser) applyOpts(opts []BrowserOption) error {
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return err
		}
	}
	return nil
}

// OnServiceUp registers the callback for newly discovered (and, unless
// resolution is off, fully resolved) instances. Callbacks run on the
// interface loop; do not block.
func (b *Browser) OnServiceUp(fn func(Service)) { b.onUp = fn }

// OnServiceChanged registers the callback for detail changes of a
// resolved instance.
func (b *Browser) OnServiceChanged(fn func(Service)) { b.onChanged = fn }

// OnServiceDown registers the callback for instances that leave the link
// or go stale.
func (b *Browser) OnServiceDown(fn func(Service)) { b.onDown = fn }

// OnError registers the fatal-error callback.
func (b *Browser) OnError(fn func(error)) { b.onError = fn }

func (b *Browser) browseName() string {
	if b.enumerator {
		return EnumeratorType + "." + b.domain
	}
	if len(b.serviceType.Subtypes) > 0 {
		return b.serviceType.SubtypeFQDN(b.serviceType.Subtypes[0], b.domain)
	}
	return b.serviceType.FQDN(b.domain)
}

// Start binds the interface and begins browsing.
func (b *Browser) Start() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return fmt.Errorf("foghorn: browser already stopped")
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	intf, err := netif.Get(b.ifaceSpec)
	if err != nil {
		return err
	}
	if err := intf.Bind(); err != nil {
		return err
	}
	b.mu.Lock()
	b.intf = intf
	b.mu.Unlock()

	intf.PostWait(func() {
		b.off = netif.NewOffSwitch()
		removeErr := intf.OnError(func(err error) {
			if b.onError != nil {
				b.onError(err)
			}
		})
		b.off.Attach(removeErr)

		b.browse = query.New(intf, b.log).
			Add(wire.NewQuestion(b.browseName(), protocol.TypePTR)).
			OnAnswer(func(rec *wire.Record, related []*wire.Record) {
				b.handlePTR(rec, related)
			})
		b.browse.Start(b.off)
	})
	return nil
}

// handlePTR reacts to one browse answer on the interface loop.
func (b *Browser) handlePTR(rec *wire.Record, related []*wire.Record) {
	ptr, ok := rec.Data.(*wire.PTR)
	if !ok || rec.TTL == 0 {
		return
	}
	fullname := ptr.Target

	if b.enumerator {
		b.emitBareUp(fullname)
		return
	}
	if !b.resolve {
		if _, known := b.bare[wire.CanonicalName(fullname)]; known {
			return
		}
		b.watchBare(rec, fullname)
		b.emitBareUp(fullname)
		return
	}

	key := wire.CanonicalName(fullname)
	if _, known := b.resolvers[key]; known {
		return
	}
	res := resolve.New(b.intf, fullname, b.log)
	b.resolvers[key] = res
	res.OnResolved(func() {
		if b.onUp != nil {
			b.onUp(serviceFromResolver(res.Service()))
		}
	}).OnUpdated(func() {
		if b.onChanged != nil {
			b.onChanged(serviceFromResolver(res.Service()))
		}
	}).OnDown(func() {
		delete(b.resolvers, key)
		if b.onDown != nil {
			b.onDown(serviceFromResolver(res.Service()))
		}
	})
	res.Start(b.off)
	res.ProcessRecords(append([]*wire.Record{rec}, related...))
}

// emitBareUp reports an instance by name only, the resolve:false shape.
func (b *Browser) emitBareUp(fullname string) {
	if b.onUp == nil {
		return
	}
	name, typeName, proto, domain := splitInstanceName(fullname)
	if name == "" {
		// Enumerator answers name a service type, not an instance.
		name = fullname
	}
	b.onUp(Service{
		FullName: fullname,
		Name:     name,
		Type:     ServiceType{Name: typeName, Protocol: proto},
		Domain:   domain,
	})
}

// watchBare tracks the browse PTR's cache lifetime for an unresolved
// instance so OnServiceDown still fires when it ages out.
func (b *Browser) watchBare(ptr *wire.Record, fullname string) {
	key := wire.CanonicalName(fullname)
	unlisten := b.intf.Cache().OnExpired(func(expired *wire.Record) {
		if !expired.Equal(ptr) {
			return
		}
		if remove, ok := b.bare[key]; ok {
			delete(b.bare, key)
			remove()
		}
		if b.onDown != nil {
			name, typeName, proto, domain := splitInstanceName(fullname)
			b.onDown(Service{
				FullName: fullname,
				Name:     name,
				Type:     ServiceType{Name: typeName, Protocol: proto},
				Domain:   domain,
			})
		}
	})
	b.bare[key] = unlisten
}

func splitInstanceName(fullname string) (name, typeName, proto, domain string) {
	return resolve.SplitFullName(fullname)
}

// Stop ends browsing and releases the interface. Idempotent.
func (b *Browser) Stop() {
	b.mu.Lock()
	if b.stopped || !b.started {
		b.stopped = true
		b.mu.Unlock()
		return
	}
	b.stopped = true
	intf := b.intf
	b.mu.Unlock()

	intf.PostWait(func() {
		if b.off != nil {
			b.off.Fire()
		}
		for _, remove := range b.bare {
			remove()
		}
		b.bare = make(map[string]func())
		b.resolvers = make(map[string]*resolve.Resolver)
	})
	intf.StopUsing()
}
