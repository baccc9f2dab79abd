package webhook

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// Client-IP headers consulted in priority order: the CDN header first,
// then standard forwarded-for headers, then the socket address.
var clientIPHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// Allowlist restricts webhook traffic to known source addresses. Entries
// are exact IPs or CIDR ranges. An empty allowlist admits everything.
type Allowlist struct {
	prefixes []netip.Prefix
}

// NewAllowlist parses entries like "192.168.1.5" and "10.0.0.0/8".
func NewAllowlist(entries []string) (*Allowlist, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("webhook: parse allowlist entry %q: %w", e, err)
			}
			prefixes = append(prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("webhook: parse allowlist entry %q: %w", e, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return &Allowlist{prefixes: prefixes}, nil
}

// Empty reports whether the allowlist admits all traffic.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.prefixes) == 0
}

// Allowed resolves the client IP and checks it against the entries.
// Unparseable client addresses are rejected when a list is configured.
func (a *Allowlist) Allowed(r *http.Request) bool {
	if a.Empty() {
		return true
	}
	addr, err := netip.ParseAddr(ClientIP(r))
	if err != nil {
		return false
	}
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the request's client address, taking the first entry of
// any comma-separated header value.
func ClientIP(r *http.Request) string {
	for _, h := range clientIPHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			first, _, _ := strings.Cut(v, ",")
			return strings.TrimSpace(first)
		}
	}
	host := r.RemoteAddr
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return ap.Addr().String()
	}
	return host
}
