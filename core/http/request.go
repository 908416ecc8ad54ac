package http

// Verb is the parsed HTTP request method
type Verb uint8

const (
	VerbUnparsed Verb = iota
	VerbUnknown
	VerbOPTIONS
	VerbGET
	VerbHEAD
	VerbPOST
	VerbPUT
	VerbDELETE
	VerbTRACE
	VerbCONNECT
	VerbPATCH
)

var verbNames = [...]string{
	VerbUnparsed: "",
	VerbUnknown:  "UNKNOWN",
	VerbOPTIONS:  "OPTIONS",
	VerbGET:      "GET",
	VerbHEAD:     "HEAD",
	VerbPOST:     "POST",
	VerbPUT:      "PUT",
	VerbDELETE:   "DELETE",
	VerbTRACE:    "TRACE",
	VerbCONNECT:  "CONNECT",
	VerbPATCH:    "PATCH",
}

// ParseVerb maps a request-line method token to a Verb.
// Method tokens are case-sensitive.
func ParseVerb(method string) Verb {
	switch method {
	case "":
		return VerbUnparsed
	case "GET":
		return VerbGET
	case "HEAD":
		return VerbHEAD
	case "POST":
		return VerbPOST
	case "PUT":
		return VerbPUT
	case "DELETE":
		return VerbDELETE
	case "OPTIONS":
		return VerbOPTIONS
	case "TRACE":
		return VerbTRACE
	case "CONNECT":
		return VerbCONNECT
	case "PATCH":
		return VerbPATCH
	default:
		return VerbUnknown
	}
}

func (v Verb) String() string {
	if int(v) < len(verbNames) {
		return verbNames[v]
	}
	return "UNKNOWN"
}

// RequestID identifies a request inside a request queue until it is answered
type RequestID uint64

// NullID is never assigned to a request
const NullID RequestID = 0

// Request is the parsed request descriptor.
// String fields may point into the buffer the request was parsed from, so a
// Request is only valid while that buffer is.
type Request struct {
	ID      RequestID
	Verb    Verb
	RawVerb string

	// RawURL is the request target as sent; AbsPath is its decoded path
	// component and Query everything after '?'.
	RawURL  string
	AbsPath string
	Query   string
	Proto   string

	// Predefined common header fields
	ContentType   string
	ContentLength string
	UserAgent     string
	Accept        string
	Host          string
	Connection    string

	TransferEncoding string

	// Extra headers (allocated only when needed)
	ExtraHeaders map[string]string

	// Body holds whatever entity bytes were copied with the head
	Body []byte
}

// Reset clears the request for reuse (maps keep their memory)
func (r *Request) Reset() {
	r.ID = NullID
	r.Verb = VerbUnparsed
	r.RawVerb = ""
	r.RawURL = ""
	r.AbsPath = ""
	r.Query = ""
	r.Proto = ""
	r.ContentType = ""
	r.ContentLength = ""
	r.UserAgent = ""
	r.Accept = ""
	r.Host = ""
	r.Connection = ""
	r.TransferEncoding = ""

	for k := range r.ExtraHeaders {
		delete(r.ExtraHeaders, k)
	}

	r.Body = nil
}

// SetHeader sets a header (prioritizes predefined fields)
func (r *Request) SetHeader(key, value string) {
	switch canonicalHeaderKey(key) {
	case HeaderContentType:
		r.ContentType = value
	case HeaderContentLength:
		r.ContentLength = value
	case HeaderUserAgent:
		r.UserAgent = value
	case HeaderAccept:
		r.Accept = value
	case HeaderHost:
		r.Host = value
	case HeaderConnection:
		r.Connection = value
	case HeaderTransferEncoding:
		r.TransferEncoding = value
	default:
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = make(map[string]string)
		}
		r.ExtraHeaders[key] = value
	}
}

// Header returns a request header value, or "" when absent
func (r *Request) Header(key string) string {
	switch canonicalHeaderKey(key) {
	case HeaderContentType:
		return r.ContentType
	case HeaderContentLength:
		return r.ContentLength
	case HeaderUserAgent:
		return r.UserAgent
	case HeaderAccept:
		return r.Accept
	case HeaderHost:
		return r.Host
	case HeaderConnection:
		return r.Connection
	case HeaderTransferEncoding:
		return r.TransferEncoding
	}
	return r.ExtraHeaders[key]
}

// KeepAlive reports whether the client allows the connection to be reused
func (r *Request) KeepAlive() bool {
	if equalFold(r.Connection, "close") {
		return false
	}
	if r.Proto == "HTTP/1.0" {
		return equalFold(r.Connection, "keep-alive")
	}
	return true
}
