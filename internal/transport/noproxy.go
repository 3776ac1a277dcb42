package transport

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// hostInNoProxy reports whether host matches one of the no-proxy patterns.
//
// A pattern matches the host exactly, or as a domain suffix when it starts
// with a dot or names a parent domain. Patterns containing "*" are IPv4
// globs matched octet by octet and only apply to IP literal hosts.
func hostInNoProxy(host string, patterns []string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	isIP := net.ParseIP(host) != nil
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "*") {
			if isIP && ipGlobMatch(p, host) {
				return true
			}
			continue
		}
		p = normalizeHost(p)
		if p == "" {
			continue
		}
		if p == host {
			return true
		}
		if strings.HasPrefix(p, ".") {
			if strings.HasSuffix(host, p) {
				return true
			}
			continue
		}
		if !isIP && strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// normalizeHost lowercases host, strips a port and brackets and converts
// internationalised names to their ASCII form.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if net.ParseIP(host) != nil || strings.HasPrefix(host, ".") {
		return host
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

func ipGlobMatch(pattern, host string) bool {
	ps := strings.Split(strings.ToLower(pattern), ".")
	hs := strings.Split(host, ".")
	if len(ps) != 4 || len(hs) != 4 {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != hs[i] {
			return false
		}
	}
	return true
}
