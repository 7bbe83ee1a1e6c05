//go:build windows

package netif

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

// errMsgSize is the datagram-too-large send error that triggers packet
// splitting.
var errMsgSize error = windows.WSAEMSGSIZE

// listenUDP binds with SO_REUSEADDR so this process can share port 5353
// with an OS-resident responder (RFC 6762 §15.1). Windows has no
// SO_REUSEPORT; SO_REUSEADDR alone allows the shared bind.
func listenUDP(network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = windows.SetsockoptInt(windows.Handle(fd),
					windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(context.Background(), network, address)
}
