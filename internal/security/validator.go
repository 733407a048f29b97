// Package security provides the stateless validation predicates guarding the
// relay broker: loopback address checks, page origin checks, payload shape
// checks, and log field redaction.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

// ErrNotLoopback reports an address outside the loopback set.
var ErrNotLoopback = errors.New("address is not loopback")

// ErrForbiddenOrigin reports a page origin outside the allowed set.
var ErrForbiddenOrigin = errors.New("origin is not local or private")

// loopbackHosts are the hostnames accepted for the broker's own endpoints.
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// devSuffixes are hostname suffixes reserved for local development. Page
// content captured from these origins never left the developer's machine or
// network.
var devSuffixes = []string{".local", ".localhost", ".test", ".example"}

// IsLoopbackHost reports whether host names the local machine. Accepts bare
// hostnames and IP literals, with or without brackets.
func IsLoopbackHost(host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	if loopbackHosts[host] {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// IsLoopbackAddr reports whether a network remote address (host:port or bare
// host) names the local machine.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return IsLoopbackHost(host)
}

// ValidateEndpointURL checks that a configured broker endpoint points at the
// local machine. Anything else is rejected.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("endpoint URL %q has no host", raw)
	}
	if !IsLoopbackHost(u.Hostname()) {
		return fmt.Errorf("%w: endpoint host %q", ErrNotLoopback, u.Hostname())
	}
	return nil
}

// ValidateSourceOrigin checks the page URL a prompt was captured from.
// Loopback hosts, development suffixes, and private network ranges are
// allowed; public origins are rejected so captured page content cannot leak
// from sites the user does not control.
func ValidateSourceOrigin(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty source URL", ErrForbiddenOrigin)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable source URL", ErrForbiddenOrigin)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: source URL has no host", ErrForbiddenOrigin)
	}

	if IsLoopbackHost(host) {
		return nil
	}
	for _, suffix := range devSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil
		}
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsPrivate() {
		return nil
	}

	return fmt.Errorf("%w: host %q", ErrForbiddenOrigin, host)
}

// ValidatePrompt checks the submitted prompt text: present, non-empty, and
// within the length ceiling. Length is measured in runes to match what the
// producer UI counts.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is required and must be a non-empty string")
	}
	if n := len([]rune(prompt)); n > protocol.MaxPromptChars {
		return fmt.Errorf("prompt exceeds maximum length: %d > %d characters", n, protocol.MaxPromptChars)
	}
	return nil
}

// ValidateClientID checks an explicitly supplied routing target.
func ValidateClientID(id int) error {
	if id <= 0 {
		return fmt.Errorf("client id must be a positive integer, got %d", id)
	}
	return nil
}
