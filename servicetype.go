package foghorn

import (
	"fmt"
	"strings"
)

// DefaultDomain is the conventional mDNS top-level domain.
const DefaultDomain = "local."

// EnumeratorType is the special service type whose PTR records enumerate
// the service types present on a link (RFC 6763 §9).
const EnumeratorType = "_services._dns-sd._udp"

// ServiceType identifies a DNS-SD service type, e.g. "_http._tcp" with
// optional subtypes (RFC 6763 §7).
type ServiceType struct {
	Name     string // without the underscore, e.g. "http"
	Protocol string // "tcp" or "udp"
	Subtypes []string
}

// NewServiceType builds a type from bare name and protocol.
func NewServiceType(name, protocol string) ServiceType {
	return ServiceType{Name: name, Protocol: protocol}
}

// ParseServiceType parses "_http._tcp", "_printer._sub._http._tcp", or
// the dotted forms without underscores.
func ParseServiceType(s string) (ServiceType, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	s = strings.TrimSuffix(s, ".local")
	if s == "" {
		return ServiceType{}, fmt.Errorf("foghorn: empty service type")
	}
	labels := strings.Split(s, ".")
	for i := range labels {
		labels[i] = strings.TrimPrefix(labels[i], "_")
	}

	// name.protocol, possibly preceded by "<sub>.sub".
	if len(labels) >= 2 && (labels[len(labels)-1] == "tcp" || labels[len(labels)-1] == "udp") {
		t := ServiceType{
			Name:     labels[len(labels)-2],
			Protocol: labels[len(labels)-1],
		}
		rest := labels[:len(labels)-2]
		if len(rest) > 0 {
			if rest[len(rest)-1] != "sub" {
				return ServiceType{}, fmt.Errorf("foghorn: malformed service type %q", s)
			}
			t.Subtypes = rest[:len(rest)-1]
		}
		if err := validateServiceType(t); err != nil {
			return ServiceType{}, err
		}
		return t, nil
	}
	return ServiceType{}, fmt.Errorf("foghorn: service type %q needs a _tcp or _udp protocol", s)
}

// String renders the canonical "_name._tcp" form, with at most one
// subtype prefix.
func (t ServiceType) String() string {
	base := fmt.Sprintf("_%s._%s", t.Name, t.Protocol)
	if len(t.Subtypes) > 0 {
		return fmt.Sprintf("_%s._sub.%s", t.Subtypes[0], base)
	}
	return base
}

// FQDN returns the type's full browse name in a domain:
// "_http._tcp.local.".
func (t ServiceType) FQDN(domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return fmt.Sprintf("_%s._%s.%s", t.Name, t.Protocol, ensureDot(domain))
}

// SubtypeFQDN returns the browse name of one subtype:
// "_printer._sub._http._tcp.local.".
func (t ServiceType) SubtypeFQDN(sub, domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return fmt.Sprintf("_%s._sub._%s._%s.%s", sub, t.Name, t.Protocol, ensureDot(domain))
}

// InstanceFQDN returns the full name of one instance of this type:
// "Living Room._http._tcp.local.".
func (t ServiceType) InstanceFQDN(instance, domain string) string {
	return fmt.Sprintf("%s.%s", instance, t.FQDN(domain))
}

func ensureDot(s string) string {
	if strings.HasSuffix(s, ".") {
		return s
	}
	return s + "."
}
