// Package policy decides whether a URL or an evaluation script is permitted.
// Both checks are defense-in-depth filters applied before any backend call;
// neither is a sandbox.
package policy

import (
	"net"
	"net/url"
	"strings"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// URLPolicy accepts absolute http/https URLs and optionally rejects hosts
// that resolve into private address space.
type URLPolicy struct {
	BlockPrivateAddr bool
	AllowLocalhost   bool
}

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// Check validates raw against the policy and returns the sanitized URL:
// fragment dropped, host lowercased. The error kind is always
// PolicyViolation so callers can treat rejection as fatal to the run.
func (p URLPolicy) Check(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", apperr.Wrap(apperr.KindPolicyViolation, apperr.CodeURLBlocked,
			"url is not parseable", err)
	}
	if !u.IsAbs() {
		return "", apperr.New(apperr.KindPolicyViolation, apperr.CodeURLBlocked,
			"url must be absolute")
	}
	scheme := strings.ToLower(u.Scheme)
	if !allowedSchemes[scheme] {
		return "", apperr.Newf(apperr.KindPolicyViolation, apperr.CodeURLBlocked,
			"scheme %q is not permitted", scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", apperr.New(apperr.KindPolicyViolation, apperr.CodeURLBlocked,
			"url has no host")
	}

	if p.BlockPrivateAddr {
		if isLoopbackHost(host) {
			if !p.AllowLocalhost {
				return "", apperr.New(apperr.KindPolicyViolation, apperr.CodeURLBlocked,
					"loopback addresses are blocked")
			}
		} else if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
			return "", apperr.New(apperr.KindPolicyViolation, apperr.CodeURLBlocked,
				"private addresses are blocked")
		}
	}

	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// isLoopbackHost reports whether host literally denotes loopback. Only
// literal forms qualify for the ALLOW_LOCALHOST exemption; a DNS name that
// happens to resolve to 127.0.0.1 does not.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isPrivateIP covers link-local and the RFC1918 ranges.
func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
