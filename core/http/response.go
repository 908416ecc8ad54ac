package http

import (
	"os"
	"strconv"
	"time"
)

// ChunkKind tells where an entity chunk takes its bytes from
type ChunkKind uint8

const (
	ChunkFromMemory ChunkKind = iota
	ChunkFromFile
)

// ByteRangeToEOF as a range length means "up to the end of the file"
const ByteRangeToEOF int64 = -1

// ByteRange selects part of a file
type ByteRange struct {
	Start  int64
	Length int64
}

// DataChunk is an entity-data descriptor: either an in-memory buffer or a
// byte range of an open file. The chunk borrows File; it never closes it.
type DataChunk struct {
	Kind   ChunkKind
	Memory []byte
	File   *os.File
	Range  ByteRange
}

// MemoryChunk returns a chunk that serves b
func MemoryChunk(b []byte) DataChunk {
	return DataChunk{Kind: ChunkFromMemory, Memory: b}
}

// FileChunk returns a chunk that serves f from offset 0 to EOF
func FileChunk(f *os.File) DataChunk {
	return DataChunk{
		Kind:  ChunkFromFile,
		File:  f,
		Range: ByteRange{Start: 0, Length: ByteRangeToEOF},
	}
}

// Size returns the number of entity bytes the chunk produces
func (c *DataChunk) Size() (int64, error) {
	if c.Kind == ChunkFromMemory {
		return int64(len(c.Memory)), nil
	}

	if c.Range.Length != ByteRangeToEOF {
		return c.Range.Length, nil
	}
	fi, err := c.File.Stat()
	if err != nil {
		return 0, err
	}
	if n := fi.Size() - c.Range.Start; n > 0 {
		return n, nil
	}
	return 0, nil
}

// CachePolicyType selects how the stack may cache a response
type CachePolicyType uint8

const (
	CachePolicyNoCache CachePolicyType = iota
	CachePolicyUserInvalidates
	CachePolicyTimeToLive
)

// CachePolicy is handed to the stack alongside a response
type CachePolicy struct {
	Policy        CachePolicyType
	SecondsToLive uint32
}

// CacheControl renders the policy as a Cache-Control value ("" for none)
func (p *CachePolicy) CacheControl() string {
	if p == nil {
		return ""
	}
	switch p.Policy {
	case CachePolicyUserInvalidates:
		if p.SecondsToLive == 0 {
			return "no-cache"
		}
		return "max-age=" + strconv.FormatUint(uint64(p.SecondsToLive), 10) + ", must-revalidate"
	case CachePolicyTimeToLive:
		return "max-age=" + strconv.FormatUint(uint64(p.SecondsToLive), 10)
	default:
		return ""
	}
}

// Response is the response descriptor submitted to the stack
type Response struct {
	StatusCode  int
	Reason      string
	ContentType string

	// Headers holds extra response headers
	Headers map[string]string

	Chunks []DataChunk
}

// ContentLength sums the sizes of all chunks
func (r *Response) ContentLength() (int64, error) {
	var total int64
	for i := range r.Chunks {
		n, err := r.Chunks[i].Size()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// HeadOptions carries the stack-owned parts of a response head
type HeadOptions struct {
	ContentLength int64
	CacheControl  string
	KeepAlive     bool
	Server        string
	Date          time.Time
}

// AppendHead appends the status line and headers of r to dst
func (r *Response) AppendHead(dst []byte, opts HeadOptions) []byte {
	reason := r.Reason
	if reason == "" {
		reason = StatusText(r.StatusCode)
	}

	// Status line
	dst = append(dst, "HTTP/1.1 "...)
	dst = appendInt(dst, r.StatusCode)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, "\r\n"...)

	// Headers
	if !opts.Date.IsZero() {
		dst = appendHeader(dst, HeaderDate, opts.Date.UTC().Format(TimeFormat))
	}
	if opts.Server != "" {
		dst = appendHeader(dst, HeaderServer, opts.Server)
	}
	if r.ContentType != "" {
		dst = appendHeader(dst, HeaderContentType, r.ContentType)
	}
	dst = append(dst, HeaderContentLength...)
	dst = append(dst, ": "...)
	dst = strconv.AppendInt(dst, opts.ContentLength, 10)
	dst = append(dst, "\r\n"...)
	if opts.CacheControl != "" {
		dst = appendHeader(dst, HeaderCacheControl, opts.CacheControl)
	}
	for k, v := range r.Headers {
		dst = appendHeader(dst, k, v)
	}
	if !opts.KeepAlive {
		dst = appendHeader(dst, HeaderConnection, "close")
	}

	return append(dst, "\r\n"...)
}

func appendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}

// appendInt appends an integer to a byte slice
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	var digits [20]byte
	n := 0
	for i > 0 {
		digits[n] = byte('0' + i%10)
		i /= 10
		n++
	}

	for n > 0 {
		n--
		b = append(b, digits[n])
	}

	return b
}

// StatusText returns the HTTP status text for the given code
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 411:
		return "Length Required"
	case 413:
		return "Request Entity Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
