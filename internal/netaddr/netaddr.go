// Package netaddr picks the address this node advertises to the rest
// of the family, shared by pairing's QR payload and by discovery.
package netaddr

import "net"

// PreferredAdvertiseAddr returns the local IPv4 address that should be
// advertised to peers: an RFC-1918 private address if one is bound,
// else the first non-loopback address, else loopback itself.
//
// The upstream this was ported from checked "172.x" with only a
// leading-octet test, which also matches 172.0/8 and 172.32/8 through
// 172.255/8. isRFC1918 below checks 172.16.0.0/12 exactly.
func PreferredAdvertiseAddr() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	var privateCandidate, publicCandidate string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if isRFC1918(ip) {
			if privateCandidate == "" {
				privateCandidate = ip.String()
			}
			continue
		}
		if publicCandidate == "" {
			publicCandidate = ip.String()
		}
	}

	if privateCandidate != "" {
		return privateCandidate
	}
	if publicCandidate != "" {
		return publicCandidate
	}
	return "127.0.0.1"
}

// isRFC1918 reports whether ip falls in 10.0.0.0/8, 172.16.0.0/12, or
// 192.168.0.0/16.
func isRFC1918(ip net.IP) bool {
	if ip[0] == 10 {
		return true
	}
	if ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31 {
		return true
	}
	if ip[0] == 192 && ip[1] == 168 {
		return true
	}
	return false
}

// LocalIPv4Addresses enumerates all non-loopback IPv4 addresses bound
// to this host, for Discovery's advertised-address set.
func LocalIPv4Addresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}
