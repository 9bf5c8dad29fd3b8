// -------------------------------------------------------------------------------
// Client IP - Trusted Proxy Aware Address Extraction
//
// Author: Alex Freidah
//
// Resolves the address a request originated from. When trusted_proxies is
// configured, only requests arriving from a trusted proxy CIDR have their
// X-Forwarded-For header inspected; all other requests use RemoteAddr. The
// rightmost untrusted entry in the chain is taken as the client, since each
// proxy appends the peer it saw to the right.
// -------------------------------------------------------------------------------

package server

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver extracts client addresses behind a set of trusted proxies.
type IPResolver struct {
	trusted []*net.IPNet
}

// NewIPResolver parses trustedProxies as CIDRs, skipping invalid entries.
func NewIPResolver(trustedProxies []string) *IPResolver {
	return &IPResolver{trusted: parseCIDRs(trustedProxies)}
}

// ClientIP returns the client address of r without a port.
func (p *IPResolver) ClientIP(r *http.Request) string {
	peerIP := stripPort(r.RemoteAddr)

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && len(p.trusted) > 0 && ipInNets(peerIP, p.trusted) {
		return rightmostUntrusted(xff, p.trusted)
	}

	return peerIP
}

// rightmostUntrusted walks the XFF chain from right to left and returns the
// first IP that is not in the trusted set.
func rightmostUntrusted(xff string, trusted []*net.IPNet) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !ipInNets(ip, trusted) {
			return ip
		}
	}

	// All IPs in the chain are trusted; use the leftmost as a fallback
	return strings.TrimSpace(parts[0])
}

// ipInNets checks whether the given IP string falls within any of the
// provided CIDR networks.
func ipInNets(ipStr string, nets []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseCIDRs parses a list of CIDR strings into net.IPNet values, skipping
// any that fail to parse.
func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, s := range cidrs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	return nets
}

// stripPort removes the port from a host:port address.
func stripPort(addr string) string {
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}
