package stack

import (
	"fmt"
	"net"
	"strings"
)

// urlPrefix is a registered URL prefix such as http://+:8080/app/
type urlPrefix struct {
	raw  string
	host string
	port string
	path string
}

// parseURLPrefix validates a prefix. The host may be "+" or "*" for all
// interfaces; the path always ends in a slash.
func parseURLPrefix(s string) (urlPrefix, error) {
	rest, ok := strings.CutPrefix(s, "http://")
	if !ok {
		return urlPrefix{}, fmt.Errorf("%w: %q: only http:// is supported", ErrInvalidURL, s)
	}

	hostport, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return urlPrefix{}, fmt.Errorf("%w: %q: %v", ErrInvalidURL, s, err)
	}
	if host == "" || port == "" {
		return urlPrefix{}, fmt.Errorf("%w: %q: missing host or port", ErrInvalidURL, s)
	}
	if strings.ContainsAny(path, "?#") {
		return urlPrefix{}, fmt.Errorf("%w: %q: query or fragment in prefix", ErrInvalidURL, s)
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	return urlPrefix{raw: s, host: host, port: port, path: path}, nil
}

// listenAddr returns the address to bind for this prefix
func (u urlPrefix) listenAddr() string {
	host := u.host
	if host == "+" || host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, u.port)
}

// match reports whether an absolute request path falls under the prefix.
// Matching is case-insensitive, as URL prefixes are.
func (u urlPrefix) match(absPath string) bool {
	if len(absPath) >= len(u.path) {
		return strings.EqualFold(absPath[:len(u.path)], u.path)
	}
	return strings.EqualFold(absPath, u.path[:len(u.path)-1]) && absPath != ""
}
