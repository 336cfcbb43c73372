// Package network provides the host-side TAP endpoint a virtio-net device
// reads and writes Ethernet frames through. Adapted from the teacher's
// core_engine/network/tap_device.go: same TUNSETIFF ioctl sequence, but
// dropping the fmt.Printf progress lines in favor of the caller's logger
// and exposing the raw fd so it can be registered with the dispatcher
// directly instead of going through a ReadPacket/WritePacket interface.
package network

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TapDevice is a Linux TUN/TAP endpoint opened in tap (Ethernet frame)
// mode with no packet-info prefix.
type TapDevice struct {
	fd   int
	name string
}

// OpenTap creates (or attaches to, if it already exists as a persistent
// device) the named TAP interface.
func OpenTap(name string) (*TapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [22]byte // pad to sizeof(struct ifreq)
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, errno)
	}

	return &TapDevice{fd: fd, name: name}, nil
}

// FD is registered with the dispatcher under the device's allocated token
// range (spec.md §4.5).
func (t *TapDevice) FD() int { return t.fd }

func (t *TapDevice) Name() string { return t.name }

// ReadFrame reads one Ethernet frame. EAGAIN/EWOULDBLOCK (no frame ready
// on a nonblocking fd) is reported as (nil, nil).
func (t *TapDevice) ReadFrame(buf []byte) ([]byte, error) {
	n, err := syscall.Read(t.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("read tap %s: %w", t.name, err)
	}
	return buf[:n], nil
}

// WriteFrame writes one Ethernet frame.
func (t *TapDevice) WriteFrame(frame []byte) error {
	if _, err := syscall.Write(t.fd, frame); err != nil {
		return fmt.Errorf("write tap %s: %w", t.name, err)
	}
	return nil
}

func (t *TapDevice) Close() error {
	if t.fd == 0 {
		return nil
	}
	fd := t.fd
	t.fd = 0
	return syscall.Close(fd)
}
