// Package foghorn implements Multicast DNS and DNS-Based Service
// Discovery (RFC 6762, RFC 6763) in pure userland: advertise a local
// service, browse a service type continuously, or resolve specific
// records with a one-shot legacy query. It shares port 5353 with any
// OS-resident responder on the host.
//
// Advertise a service:
//
//	adv, err := foghorn.NewAdvertisement(foghorn.NewServiceType("http", "tcp"), 8080,
//	    foghorn.WithInstanceName("Web Thing"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := adv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer adv.Stop(false)
//
// Browse for instances:
//
//	b, _ := foghorn.NewBrowser(foghorn.NewServiceType("http", "tcp"))
//	b.OnServiceUp(func(s foghorn.Service) { fmt.Println("up:", s.Name) })
//	b.Start()
//	defer b.Stop()
package foghorn

import (
	"go.uber.org/zap"

	"github.com/halcyonnet/foghorn/internal/netif"
	"github.com/halcyonnet/foghorn/internal/resolve"
)

var logger = zap.NewNop()

// SetLogger installs a logger for the whole engine. The default discards
// everything. Call before creating advertisements or browsers.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
	netif.Configure(nil, l)
}

// Service is the resolved view of one discovered instance.
type Service struct {
	FullName  string
	Name      string
	Type      ServiceType
	Domain    string
	Host      string
	Port      uint16
	Addresses []string
	TXT       map[string]string
	TXTRaw    []byte
}

func serviceFromResolver(svc *resolve.Service) Service {
	return Service{
		FullName:  svc.FullName,
		Name:      svc.Name,
		Type:      ServiceType{Name: svc.TypeName, Protocol: svc.Protocol},
		Domain:    svc.Domain,
		Host:      svc.Host,
		Port:      svc.Port,
		Addresses: svc.Addresses,
		TXT:       svc.TXT,
		TXTRaw:    svc.TXTRaw,
	}
}
