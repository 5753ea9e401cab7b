package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/herbtrace/anchor/pkg/config"
	"github.com/herbtrace/anchor/pkg/log"
)

// AccessControl admits or rejects clients by address
type AccessControl struct {
	allowed []*net.IPNet
	denied  []*net.IPNet
	clients *ClientResolver
}

// NewAccessControl parses the configured rules. Invalid entries are logged
// and skipped.
func NewAccessControl(cfg config.AccessControlConfig, clients *ClientResolver) *AccessControl {
	return &AccessControl{
		allowed: parseRules(cfg.AllowedIPs),
		denied:  parseRules(cfg.DeniedIPs),
		clients: clients,
	}
}

// Enabled reports whether any rule is configured
func (a *AccessControl) Enabled() bool {
	return len(a.allowed) > 0 || len(a.denied) > 0
}

// Check reports whether the client address may use the API, and why not
func (a *AccessControl) Check(clientIP string) (bool, string) {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, "invalid client IP"
	}

	// deny takes precedence
	for _, n := range a.denied {
		if n.Contains(ip) {
			return false, "access denied by IP filter"
		}
	}
	if len(a.allowed) == 0 {
		return true, ""
	}
	for _, n := range a.allowed {
		if n.Contains(ip) {
			return true, ""
		}
	}
	return false, "access denied by IP filter"
}

// Middleware rejects filtered clients with 403
func (a *AccessControl) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := a.clients.ClientIP(r)
		if ok, reason := a.Check(clientIP); !ok {
			log.Logger.Warn().Str("client", clientIP).Str("path", r.URL.Path).Msg(reason)
			writeError(w, r, http.StatusForbidden, reason, "FORBIDDEN")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseRules turns single IPs into host-length networks
func parseRules(rules []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(rules))
	for _, rule := range rules {
		if !strings.Contains(rule, "/") {
			ip := net.ParseIP(rule)
			if ip == nil {
				log.Logger.Warn().Str("rule", rule).Msg("invalid IP in address list")
				continue
			}
			bits := 8 * net.IPv6len
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 8*net.IPv4len
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, n, err := net.ParseCIDR(rule)
		if err != nil {
			log.Logger.Warn().Str("rule", rule).Msg("invalid CIDR in address list")
			continue
		}
		out = append(out, n)
	}
	return out
}
