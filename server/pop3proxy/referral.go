package pop3proxy

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// referral is a parsed "[REFERRAL/<authority>]" redirect target.
type referral struct {
	Host string
	IP   string
	Port int
}

var referralPrefix = "[REFERRAL/"

var dnsNameRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

func isValidDNSName(name string) bool {
	return name != "" && len(name) <= 253 && dnsNameRE.MatchString(name)
}

// parseReferral extracts the authority from a "[REFERRAL/authority]"
// body and validates it as a URI authority: optional percent-decoded
// userinfo, a host that is a DNS name, an IPv4 literal, or a bracketed
// IPv6 literal, and an optional port. The closing "]" is mandatory and
// no trailing characters are permitted after it.
func parseReferral(body string) (referral, bool) {
	if !strings.HasPrefix(body, referralPrefix) {
		return referral{}, false
	}
	rest := body[len(referralPrefix):]
	// The last ']' closes the referral; a bracketed IPv6 host has its own
	// ']' earlier in the authority.
	closeIdx := strings.LastIndexByte(rest, ']')
	if closeIdx < 0 {
		return referral{}, false
	}
	authority := rest[:closeIdx]
	if closeIdx != len(rest)-1 {
		return referral{}, false
	}
	return parseAuthority(authority)
}

func parseAuthority(authority string) (referral, bool) {
	hostport := authority
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		userinfo := authority[:at]
		if _, err := url.PathUnescape(userinfo); err != nil {
			return referral{}, false
		}
		hostport = authority[at+1:]
	}
	if hostport == "" {
		return referral{}, false
	}

	var host, portStr string
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return referral{}, false
		}
		host = hostport[1:end]
		remainder := hostport[end+1:]
		if remainder != "" {
			if !strings.HasPrefix(remainder, ":") {
				return referral{}, false
			}
			portStr = remainder[1:]
		}
	} else if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 {
		host = hostport[:idx]
		portStr = hostport[idx+1:]
	} else {
		host = hostport
	}

	if host == "" {
		return referral{}, false
	}

	port := 110
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return referral{}, false
		}
		port = p
	}

	// A DNS name resolves at dial time the same as a literal address, so
	// both are usable as the Engine's dial target and health-registry key.
	if net.ParseIP(host) == nil && !isValidDNSName(host) {
		return referral{}, false
	}

	return referral{Host: host, IP: host, Port: port}, true
}
