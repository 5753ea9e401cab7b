package api

import (
	"net"
	"net/http"
	"strings"
)

// ClientResolver derives the client address of a request. Forwarding
// headers are only read when the TCP peer is a trusted proxy.
type ClientResolver struct {
	trusted []*net.IPNet
}

// NewClientResolver parses the trusted proxy list. Invalid entries are
// logged and skipped.
func NewClientResolver(trustedProxies []string) *ClientResolver {
	return &ClientResolver{trusted: parseRules(trustedProxies)}
}

func (c *ClientResolver) trusts(ip net.IP) bool {
	if c == nil || ip == nil {
		return false
	}
	for _, n := range c.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the address used for rate limiting and access control.
// Behind trusted proxies it is the right-most X-Forwarded-For hop that is not
// itself a trusted proxy, then X-Real-IP; otherwise the TCP peer.
func (c *ClientResolver) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !c.trusts(net.ParseIP(peer)) {
		return peer
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		ip := net.ParseIP(hop)
		if ip == nil {
			break
		}
		if !c.trusts(ip) || i == 0 {
			return hop
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return peer
}
