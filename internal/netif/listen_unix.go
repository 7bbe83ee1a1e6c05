//go:build unix

package netif

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// errMsgSize is the datagram-too-large send error that triggers packet
// splitting.
var errMsgSize error = unix.EMSGSIZE

// listenUDP binds with SO_REUSEADDR (and SO_REUSEPORT where the platform
// has it) so this process can share port 5353 with an OS-resident
// responder (RFC 6762 §15.1).
func listenUDP(network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr != nil {
					return
				}
				// Best effort: not every unix flavor exposes it.
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(context.Background(), network, address)
}
