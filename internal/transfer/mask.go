package transfer

import (
	"net"
	"net/netip"
	"path"
	"strings"
)

// CheckSourceMask verifies the peer address against mask. An empty mask or
// "*" allows any peer. Masks may be CIDR prefixes, exact addresses or globs
// such as "10.0.*".
func CheckSourceMask(remote net.Addr, mask string) error {
	mask = strings.TrimSpace(mask)
	if mask == "" || mask == "*" {
		return nil
	}
	host := remote.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return &DeniedError{Remote: host, Mask: mask}
	}
	addr = addr.Unmap()
	if strings.Contains(mask, "/") {
		prefix, err := netip.ParsePrefix(mask)
		if err == nil && prefix.Contains(addr) {
			return nil
		}
		return &DeniedError{Remote: host, Mask: mask}
	}
	if want, err := netip.ParseAddr(mask); err == nil {
		if want.Unmap() == addr {
			return nil
		}
		return &DeniedError{Remote: host, Mask: mask}
	}
	if ok, err := path.Match(mask, addr.String()); err == nil && ok {
		return nil
	}
	return &DeniedError{Remote: host, Mask: mask}
}
