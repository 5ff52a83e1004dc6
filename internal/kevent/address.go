package kevent

import (
	"encoding/binary"
	"net/netip"
)

const (
	afINET  = 2
	afINET6 = 10
)

// DecodeAddress parses a kernel `struct sockaddr` as written by the probe:
// family: u16 LE, port: u16 BE, then family-specific address bytes. Only
// AF_INET and AF_INET6 are understood; anything else is
// ErrUnknownAddressFamily.
func DecodeAddress(b []byte) (netip.AddrPort, []byte, error) {
	if err := need(b, 4); err != nil {
		return netip.AddrPort{}, nil, err
	}
	family := binary.LittleEndian.Uint16(b[0:2])
	port := binary.BigEndian.Uint16(b[2:4])
	rest := b[4:]

	switch family {
	case afINET:
		if err := need(rest, 4); err != nil {
			return netip.AddrPort{}, nil, err
		}
		var a [4]byte
		copy(a[:], rest[:4])
		return netip.AddrPortFrom(netip.AddrFrom4(a), port), rest[4:], nil
	case afINET6:
		if err := need(rest, 16); err != nil {
			return netip.AddrPort{}, nil, err
		}
		var a [16]byte
		copy(a[:], rest[:16])
		return netip.AddrPortFrom(netip.AddrFrom16(a), port), rest[16:], nil
	default:
		return netip.AddrPort{}, nil, ErrUnknownAddressFamily{Family: family}
	}
}

// AddressSize returns the wire size of a sockaddr for the given family, or
// 0 if unknown. No decoder in this package calls it.
func AddressSize(family uint16) int {
	switch family {
	case afINET:
		return 4 + 4
	case afINET6:
		return 4 + 16
	default:
		return 0
	}
}
