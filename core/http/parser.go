package http

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/net/http/httpguts"
)

// unsafeString converts byte slice to string without allocation
// WARNING: The returned string shares memory with the byte slice
func unsafeString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

var headTerminator = []byte("\r\n\r\n")

// HeaderEnd returns the length of the request head in data, including the
// terminating blank line, or -1 when the head is not complete yet.
func HeaderEnd(data []byte) int {
	crlf := bytes.Index(data, headTerminator)
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf + len(headTerminator)
	case lf >= 0:
		return lf + 2
	}
	return -1
}

// ParseRequest parses the request head at the start of data into req and
// returns the head length. Any bytes after the head are left in req.Body.
// String fields point into data.
func ParseRequest(data []byte, req *Request) (int, error) {
	end := HeaderEnd(data)
	if end < 0 {
		return 0, ErrIncomplete
	}

	// Parse request line
	lineEnd := bytes.IndexByte(data, '\n')
	line := trimCR(data[:lineEnd])

	// METHOD SP TARGET SP PROTO, no SplitN
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return 0, ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return 0, ErrInvalidRequest
	}
	sp2 += sp1 + 1

	method := line[:sp1]
	target := line[sp1+1 : sp2]
	proto := line[sp2+1:]

	if !bytes.HasPrefix(proto, []byte("HTTP/1.")) || len(proto) != len("HTTP/1.1") {
		return 0, ErrInvalidRequest
	}
	for _, c := range method {
		if !httpguts.IsTokenRune(rune(c)) {
			return 0, ErrInvalidRequest
		}
	}

	req.RawVerb = unsafeString(method)
	req.Verb = ParseVerb(req.RawVerb)
	req.RawURL = unsafeString(target)
	req.Proto = unsafeString(proto)

	if err := parseTarget(req, target); err != nil {
		return 0, err
	}

	if err := parseHeaders(req, data[lineEnd+1:end]); err != nil {
		return 0, err
	}

	if end < len(data) {
		req.Body = data[end:]
	}
	return end, nil
}

// parseTarget splits the request target into path and query.
// Absolute-form targets lose their scheme and authority.
func parseTarget(req *Request, target []byte) error {
	if len(target) == 1 && target[0] == '*' {
		req.AbsPath = "*"
		return nil
	}

	if i := bytes.Index(target, []byte("://")); i > 0 && target[0] != '/' {
		rest := target[i+3:]
		slash := bytes.IndexByte(rest, '/')
		if slash < 0 {
			target = []byte("/")
		} else {
			target = rest[slash:]
		}
	}
	if target[0] != '/' {
		return ErrInvalidPath
	}

	path := target
	if q := bytes.IndexByte(target, '?'); q >= 0 {
		path = target[:q]
		req.Query = unsafeString(target[q+1:])
	}

	if bytes.IndexByte(path, '%') < 0 {
		req.AbsPath = unsafeString(path)
		return nil
	}

	decoded, err := url.PathUnescape(unsafeString(path))
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return ErrInvalidPath
	}
	req.AbsPath = decoded
	return nil
}

// parseHeaders parses HTTP header lines up to the blank line
func parseHeaders(req *Request, data []byte) error {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}

		line := trimCR(data[:lineEnd])
		if len(line) == 0 {
			break
		}

		// obs-fold is rejected
		if line[0] == ' ' || line[0] == '\t' {
			return ErrInvalidHeader
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return ErrInvalidHeader
		}

		key := unsafeString(line[:colon])
		value := unsafeString(bytes.TrimSpace(line[colon+1:]))
		if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
			return ErrInvalidHeader
		}
		req.SetHeader(key, value)

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}
	return nil
}

// BodyLength returns the declared entity length of req.
// Chunked bodies are not supported.
func BodyLength(req *Request) (int, error) {
	if req.TransferEncoding != "" && !equalFold(req.TransferEncoding, "identity") {
		return 0, ErrUnsupportedBody
	}
	if req.ContentLength == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(req.ContentLength)
	if err != nil || n < 0 {
		return 0, ErrInvalidLength
	}
	return n, nil
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}
