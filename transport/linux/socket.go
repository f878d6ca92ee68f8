//go:build linux

// Package linux provides a transport.HCITransport backed by a real Linux
// HCI raw socket, adapted from the teacher's hci/skt (raw socket open/bind)
// and hci/device (ioR/ioW/ioctl device-up/reset) into the controller-facing
// half of a proxy process rather than a host stack's own HCI transport.
package linux

import (
	"fmt"
	"unsafe"

	log "github.com/mgutz/logxi/v1"
	"golang.org/x/sys/unix"
)

const (
	afBluetooth = 31
	btProtoHCI  = 1

	hciChannelRaw = 0

	// HCI packet types, matching the one-byte H4 framing prefix.
	pktTypeCommand uint8 = 0x01
	pktTypeACLData uint8 = 0x02
	pktTypeEvent   uint8 = 0x04
)

// sockaddrHci mirrors struct sockaddr_hci from <bluetooth/hci.h>.
type sockaddrHci struct {
	family  uint16
	dev     uint16
	channel uint16
}

// ioR/ioW reconstruct the _IOR/_IOW macros used by BlueZ's HCI ioctls, the
// same helpers the teacher's hci/device used for HCIDEVUP/HCIDEVRESET.
func ioR(t, nr, size uintptr) uintptr { return (2 << 30) | (t << 8) | nr | (size << 16) }
func ioW(t, nr, size uintptr) uintptr { return (1 << 30) | (t << 8) | nr | (size << 16) }

const (
	ioctlSize   = uintptr(4)
	typHCI      = 72 // 'H'
)

var (
	hciUpDevice    = ioW(typHCI, 201, ioctlSize) // HCIDEVUP
	hciResetDevice = ioW(typHCI, 203, ioctlSize) // HCIDEVRESET
)

func ioctl(fd int, op uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// SocketTransport is a transport.HCITransport backed by an AF_BLUETOOTH /
// BTPROTO_HCI raw socket bound to a single controller device. It proxies
// the "controller" side only: SendToController writes to the socket, while
// SendToHost only logs and drops the packet, since this type has no
// host-facing side (a UART, a second socket, a pty — outside this package's
// concern, per spec.md's "HCI transport is a collaborator").
type SocketTransport struct {
	fd  int
	dev int
	log log.Logger
}

// Open binds a raw HCI socket to devID (as in `hciconfig`'s device index)
// and brings the device up.
func Open(devID int) (*SocketTransport, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_RAW, btProtoHCI)
	if err != nil {
		return nil, fmt.Errorf("hci: open raw socket: %w", err)
	}

	if err := ioctl(fd, hciUpDevice, uintptr(devID)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("hci: bring up device %d: %w", devID, err)
	}

	addr := sockaddrHci{family: afBluetooth, dev: uint16(devID), channel: hciChannelRaw}
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd),
		uintptr(unsafe.Pointer(&addr)), unsafe.Sizeof(addr))
	if errno != 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("hci: bind device %d: %w", devID, errno)
	}

	return &SocketTransport{fd: fd, dev: devID, log: log.New("hci/linux")}, nil
}

// Reset issues HCIDEVRESET against the bound device.
func (s *SocketTransport) Reset() error {
	return ioctl(s.fd, hciResetDevice, uintptr(s.dev))
}

// SendToController implements transport.HCITransport by writing the H4
// frame directly to the controller's raw socket.
func (s *SocketTransport) SendToController(packet []byte) error {
	n, err := unix.Write(s.fd, packet)
	if err != nil {
		return fmt.Errorf("hci: write to controller: %w", err)
	}
	if n != len(packet) {
		return fmt.Errorf("hci: short write to controller: %d of %d bytes", n, len(packet))
	}
	return nil
}

// SendToHost is a placeholder that only logs: this transport only owns the
// controller-facing raw socket. A full proxy wires a second transport (e.g.
// a pty or a second socket) for the host-facing side and plumbs events read
// from this socket there.
func (s *SocketTransport) SendToHost(packet []byte) error {
	s.log.Warn("SendToHost called on controller-only socket transport; dropping", "bytes", len(packet))
	return nil
}

// ReadLoop reads H4 frames from the controller socket until it errors or
// ctx-like cancellation is signaled via Close, invoking handle(packetType,
// payload) for each.
func (s *SocketTransport) ReadLoop(handle func(packetType uint8, payload []byte)) error {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			return fmt.Errorf("hci: read from controller: %w", err)
		}
		if n == 0 {
			return nil
		}
		handle(buf[0], append([]byte(nil), buf[1:n]...))
	}
}

// Close releases the underlying socket.
func (s *SocketTransport) Close() error {
	return unix.Close(s.fd)
}
