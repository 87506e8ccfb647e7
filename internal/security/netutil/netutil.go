package netutil

import (
	"errors"
	"net"
)

// ErrPrivateDestination is returned when a host resolves into a private or
// reserved range.
var ErrPrivateDestination = errors.New("destination resolves to private/reserved address")

var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

// IsPrivateIP returns true if the IP is in a private, loopback, link-local or reserved range
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckHost refuses hosts that are, or resolve to, private addresses.
// Loopback stays allowed so local fixtures can be fetched. Lookup failures
// are left to the dialer to report.
func CheckHost(host string, lookup func(string) ([]net.IP, error)) error {
	if host == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) && !ip.IsLoopback() {
			return ErrPrivateDestination
		}
		return nil
	}
	if lookup == nil {
		lookup = net.LookupIP
	}
	addrs, err := lookup(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if IsPrivateIP(a) && !a.IsLoopback() {
			return ErrPrivateDestination
		}
	}
	return nil
}
