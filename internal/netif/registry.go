package netif

import (
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/platform"
)

// AnyInterface is the registry key for the catch-all binding on
// 0.0.0.0/[::].
const AnyInterface = "any"

// The registry is the only process-wide state besides the sleep monitor.
// Interfaces are keyed by normalized name so every advertisement, browser,
// and resolver on the same interface shares one socket set and one cache.
var registry = struct {
	sync.Mutex
	m   map[string]*Interface
	clk clock.Clock
	log *zap.Logger
}{
	m:   make(map[string]*Interface),
	clk: clock.New(),
	log: zap.NewNop(),
}

// Configure sets the clock and logger used for interfaces created after
// the call. Pass nil to leave a value unchanged.
func Configure(clk clock.Clock, log *zap.Logger) {
	registry.Lock()
	defer registry.Unlock()
	if clk != nil {
		registry.clk = clk
	}
	if log != nil {
		registry.log = log
	}
}

// Get returns the shared interface for a specifier, creating it on first
// use. Accepted specifiers: empty for the catch-all, an IPv4 literal
// (resolved to its interface), or an OS interface name.
func Get(specifier string) (*Interface, error) {
	key, outgoing, err := normalize(specifier)
	if err != nil {
		return nil, err
	}

	registry.Lock()
	defer registry.Unlock()
	if intf, ok := registry.m[key]; ok {
		return intf, nil
	}
	intf := newInterface(key, outgoing, registry.clk, registry.log)
	registry.m[key] = intf
	return intf, nil
}

func normalize(specifier string) (string, *net.Interface, error) {
	if specifier == "" || specifier == AnyInterface {
		return AnyInterface, nil, nil
	}

	name := specifier
	if ip := net.ParseIP(specifier); ip != nil && ip.To4() != nil {
		resolved, err := platform.InterfaceNameForAddress(specifier)
		if err != nil {
			return "", nil, err
		}
		if resolved == "" {
			return "", nil, fmt.Errorf("%w: no interface has address %s", ErrNoInterface, specifier)
		}
		name = resolved
	} else {
		m, err := platform.Interfaces()
		if err != nil {
			return "", nil, err
		}
		if _, ok := m[name]; !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrNoInterface, name)
		}
	}

	outgoing, err := net.InterfaceByName(name)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrNoInterface, name)
	}
	return name, outgoing, nil
}

// Reset tears down every registered interface and empties the registry.
// Tests call this between cases.
func Reset() {
	registry.Lock()
	m := registry.m
	registry.m = make(map[string]*Interface)
	registry.Unlock()

	for _, intf := range m {
		intf.loop.postWait(intf.teardown)
		intf.loop.stop()
	}
}
