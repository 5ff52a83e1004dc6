package store

import (
	"fmt"
	"net/netip"
)

func parseAddrPort(s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("store: parse remote_addr %q: %w", s, err)
	}
	return addr, nil
}
