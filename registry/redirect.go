package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BlockedRedirectSchemes are never accepted as redirect uri schemes. They
// would let a browser execute or render attacker-controlled content
// (javascript:, data:, vbscript:) or reach local resources (file:) in place
// of returning the code to the client.
var BlockedRedirectSchemes = []string{"javascript", "data", "vbscript", "file", "about", "ftp"}

// validateRedirectURI checks a registered redirect uri.
//
// Registered uris must be absolute and fragment-free (RFC 6749 section
// 3.1.2). Dangerous schemes are rejected outright. Plain http is only
// accepted on loopback hosts (RFC 8252 section 7.3); anything else would
// send authorization codes over the network in clear text. Private-use
// schemes such as com.example.app:/cb are allowed for native apps.
//
// Matching at request time stays byte-exact; this only decides what may be
// registered.
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect uri %q: %w", uri, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "" && u.Path == "") {
		return fmt.Errorf("redirect uri %q: must be absolute", uri)
	}
	if u.Fragment != "" || u.RawFragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect uri %q: must not contain a fragment", uri)
	}

	scheme := strings.ToLower(u.Scheme)
	if err := validateSchemeNotBlocked(scheme); err != nil {
		return fmt.Errorf("redirect uri %q: %w", uri, err)
	}

	switch scheme {
	case "https":
		if u.Hostname() == "" {
			return fmt.Errorf("redirect uri %q: https requires a host", uri)
		}
	case "http":
		if err := validateHTTPRedirectURI(u); err != nil {
			return fmt.Errorf("redirect uri %q: %w", uri, err)
		}
	}
	return nil
}

func validateSchemeNotBlocked(scheme string) error {
	for _, blocked := range BlockedRedirectSchemes {
		if scheme == blocked {
			return fmt.Errorf("scheme %q is blocked", scheme)
		}
	}
	return nil
}

// validateHTTPRedirectURI accepts http only for loopback hosts. Host names
// are not resolved; only localhost and literal loopback addresses count.
func validateHTTPRedirectURI(u *url.URL) error {
	if u.Opaque != "" || u.Hostname() == "" {
		return fmt.Errorf("http requires a host")
	}
	if !isLoopbackHost(u.Hostname()) {
		return fmt.Errorf("http is only allowed for loopback hosts, use https")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
