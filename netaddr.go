package fiberloop

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Addr is a minimal IPv4/IPv6 socket address value type: a (netip.Addr,
// port) pair with conversions to/from unix.Sockaddr. The hooks themselves
// take and return unix.Sockaddr; callers convert with AddrFromSockaddr (for
// example on Accept's peer address) and ToSockaddr (to build Connect's
// target).
type Addr struct {
	ap netip.AddrPort
}

// NewAddr builds an Addr from an IP and port.
func NewAddr(ip netip.Addr, port uint16) Addr {
	return Addr{ap: netip.AddrPortFrom(ip, port)}
}

// IP returns the address's IP component.
func (a Addr) IP() netip.Addr { return a.ap.Addr() }

// Port returns the address's port component.
func (a Addr) Port() uint16 { return a.ap.Port() }

// IsValid reports whether the address was ever populated.
func (a Addr) IsValid() bool { return a.ap.IsValid() }

// String renders the address in standard host:port form.
func (a Addr) String() string { return a.ap.String() }

// AddrFromSockaddr converts a unix.Sockaddr (as returned by accept/getpeername)
// into an Addr, supporting both IPv4 and IPv6.
func AddrFromSockaddr(sa unix.Sockaddr) (Addr, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return NewAddr(netip.AddrFrom4(s.Addr), uint16(s.Port)), nil
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(s.Addr)
		if s.ZoneId != 0 {
			ip = ip.WithZone(fmt.Sprintf("%d", s.ZoneId))
		}
		return NewAddr(ip, uint16(s.Port)), nil
	default:
		return Addr{}, fmt.Errorf("fiberloop: unsupported sockaddr type %T", sa)
	}
}

// ToSockaddr converts an Addr back into a unix.Sockaddr suitable for
// connect/bind.
func (a Addr) ToSockaddr() (unix.Sockaddr, error) {
	ip := a.ap.Addr()
	switch {
	case ip.Is4() || ip.Is4In6():
		return &unix.SockaddrInet4{Port: int(a.ap.Port()), Addr: ip.As4()}, nil
	case ip.Is6():
		return &unix.SockaddrInet6{Port: int(a.ap.Port()), Addr: ip.As16()}, nil
	default:
		return nil, fmt.Errorf("fiberloop: invalid address %v", ip)
	}
}
