package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// IPFilter creates a middleware that validates the client address against an
// allowlist of addresses and CIDR ranges; an empty allowlist allows all.
// X-Forwarded-For and X-Real-IP are only honoured when the direct peer is one
// of trustedProxies, otherwise the peer address is what gets checked.
func IPFilter(allowedIPs, trustedProxies []string, logger *slog.Logger) func(http.Handler) http.Handler {
	allowed := parseIPSet(allowedIPs, logger)
	proxies := parseIPSet(trustedProxies, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowedIPs) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := clientAddr(r, proxies)
			if !allowed.contains(net.ParseIP(clientIP)) {
				logger.WarnContext(r.Context(), "callback rejected by ip filter",
					"client_ip", clientIP,
					"remote_addr", r.RemoteAddr,
				)
				writeError(w, http.StatusForbidden, "forbidden", "Source IP not allowed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ipSet is a parsed list of single addresses and CIDR ranges
type ipSet struct {
	nets []*net.IPNet
	ips  []net.IP
}

func parseIPSet(entries []string, logger *slog.Logger) ipSet {
	var set ipSet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn("ignoring invalid CIDR in ip list", "entry", entry)
				continue
			}
			set.nets = append(set.nets, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			set.ips = append(set.ips, ip)
		} else {
			logger.Warn("ignoring invalid IP in ip list", "entry", entry)
		}
	}
	return set
}

func (s ipSet) contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range s.nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	for _, candidate := range s.ips {
		if ip.Equal(candidate) {
			return true
		}
	}
	return false
}

// clientAddr returns the address the request came from. Behind a trusted
// proxy the X-Forwarded-For chain is walked from the right, skipping further
// trusted hops, so a client cannot prepend its own entries.
func clientAddr(r *http.Request, proxies ipSet) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !proxies.contains(net.ParseIP(peer)) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if !proxies.contains(net.ParseIP(hop)) {
				return hop
			}
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}
