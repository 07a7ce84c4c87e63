// Package identity maps an inbound actor to the stable key that vote
// uniqueness and rate limiting are scoped to.
package identity

import (
	"net"
	"strings"
)

const anonymousDomain = "feedbackhub.local"

// Resolve prefers the actor's email; anonymous callers collapse to a
// deterministic synthetic identity derived from their network address, so
// repeated anonymous votes from the same address collide on the uniqueness
// check. Voters behind a shared NAT address share one identity; that is a
// known limitation, not a bug.
func Resolve(email, remoteAddr string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized != "" {
		return normalized
	}
	return "anonymous-" + HostOnly(remoteAddr) + "@" + anonymousDomain
}

// HostOnly strips the port from a remote address when one is present.
func HostOnly(remoteAddr string) string {
	addr := strings.TrimSpace(remoteAddr)
	if addr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
