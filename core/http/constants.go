package http

import "errors"

// HTTP header constants
const (
	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderUserAgent        = "User-Agent"
	HeaderAccept           = "Accept"
	HeaderHost             = "Host"
	HeaderConnection       = "Connection"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderCacheControl     = "Cache-Control"
	HeaderDate             = "Date"
	HeaderServer           = "Server"
)

// TimeFormat is the layout of the Date header
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Error definitions
var (
	ErrIncomplete      = errors.New("http: incomplete request head")
	ErrInvalidRequest  = errors.New("http: invalid request line")
	ErrInvalidHeader   = errors.New("http: invalid header field")
	ErrInvalidPath     = errors.New("http: invalid request path")
	ErrInvalidLength   = errors.New("http: invalid content length")
	ErrUnsupportedBody = errors.New("http: unsupported transfer encoding")
)

var knownHeaders = [...]string{
	HeaderContentType,
	HeaderContentLength,
	HeaderUserAgent,
	HeaderAccept,
	HeaderHost,
	HeaderConnection,
	HeaderTransferEncoding,
}

// canonicalHeaderKey returns the predefined spelling of key when it names one
// of the known headers, and key unchanged otherwise.
func canonicalHeaderKey(key string) string {
	for _, h := range knownHeaders {
		if len(h) == len(key) && equalFold(h, key) {
			return h
		}
	}
	return key
}

// equalFold is an ASCII-only strings.EqualFold
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca == cb {
			continue
		}
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
