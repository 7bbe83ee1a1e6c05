// Package platform supplies the two capabilities the engine needs from the
// host: network-interface enumeration and a sleep-wake notifier.
package platform

import (
	"net"
	"sync"
)

// Address is one address bound to a network interface.
type Address struct {
	Address  string
	Family   string // "IPv4" or "IPv6"
	Internal bool   // loopback
}

// InterfaceFunc enumerates interfaces as a name → addresses map. Results
// are fetched on demand and never cached by the engine.
type InterfaceFunc func() (map[string][]Address, error)

var (
	mu         sync.Mutex
	interfaces InterfaceFunc = osInterfaces
)

// Interfaces returns the current interface map.
func Interfaces() (map[string][]Address, error) {
	mu.Lock()
	fn := interfaces
	mu.Unlock()
	return fn()
}

// SetInterfaceFunc replaces the enumerator; tests install fixed maps.
// Passing nil restores the OS-backed default.
func SetInterfaceFunc(fn InterfaceFunc) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		fn = osInterfaces
	}
	interfaces = fn
}

func osInterfaces() (map[string][]Address, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Address, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		var list []Address
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			family := "IPv6"
			if ipnet.IP.To4() != nil {
				family = "IPv4"
			}
			list = append(list, Address{
				Address:  ipnet.IP.String(),
				Family:   family,
				Internal: ipnet.IP.IsLoopback(),
			})
		}
		if len(list) > 0 {
			out[iface.Name] = list
		}
	}
	return out, nil
}

// InterfaceNameForAddress resolves an IPv4 literal to the name of the
// interface carrying it, or "" if no interface does.
func InterfaceNameForAddress(addr string) (string, error) {
	m, err := Interfaces()
	if err != nil {
		return "", err
	}
	for name, addrs := range m {
		for _, a := range addrs {
			if a.Address == addr {
				return name, nil
			}
		}
	}
	return "", nil
}
