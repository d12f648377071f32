package http

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/protocol"
)

// MaxHeaderSize bounds the start line plus headers of an inbound message.
const MaxHeaderSize = 8192

var (
	ErrInvalidRequest  = errors.New("http: invalid request")
	ErrInvalidResponse = errors.New("http: invalid response")
	ErrHeaderTooLarge  = errors.New("http: header too large")
	ErrInvalidLength   = errors.New("http: invalid content length")
	ErrInvalidChunk    = errors.New("http: invalid chunked body")
)

// progress keeps the parsed head across partial reads of the body.
type progress struct {
	headLen int // 0 until the head is parsed
	bodyLen int // -1 for chunked
}

// decode parses one message off the front of b. The head is parsed once;
// the body is retried on every call until complete.
func decode(b *pools.Buffer, p *progress, h *Header, head func([]byte) error, body *[]byte) error {
	data := b.Bytes()
	if p.headLen == 0 {
		end := headerEnd(data)
		if end < 0 {
			if len(data) > MaxHeaderSize {
				b.Reset()
				return ErrHeaderTooLarge
			}
			return protocol.ErrAgain
		}
		if end > MaxHeaderSize {
			b.Reset()
			return ErrHeaderTooLarge
		}
		if err := head(data[:end]); err != nil {
			b.Reset()
			return err
		}
		n, err := bodyLength(h)
		if err != nil {
			b.Reset()
			return err
		}
		p.headLen, p.bodyLen = end, n
	}

	n, err := readBody(data[p.headLen:], p.bodyLen, body)
	if err != nil {
		if !errors.Is(err, protocol.ErrAgain) {
			b.Reset()
			*p = progress{}
		}
		return err
	}
	b.Erase(p.headLen + n)
	*p = progress{}
	return nil
}

// headerEnd returns the length of the head including its blank line.
func headerEnd(data []byte) int {
	end := -1
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		end = i + 4
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 && (end < 0 || i+2 < end) {
		end = i + 2
	}
	return end
}

func bodyLength(h *Header) (int, error) {
	if strings.EqualFold(strings.TrimSpace(h.TransferEncoding), "chunked") {
		return -1, nil
	}
	if h.ContentLength == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.ContentLength))
	if err != nil || n < 0 || n > pools.MaxBufferSize {
		return 0, ErrInvalidLength
	}
	return n, nil
}

// readBody copies the body into dst and reports the bytes consumed.
func readBody(data []byte, length int, dst *[]byte) (int, error) {
	if length >= 0 {
		if len(data) < length {
			return 0, protocol.ErrAgain
		}
		*dst = append((*dst)[:0], data[:length]...)
		return length, nil
	}

	*dst = (*dst)[:0]
	off := 0
	for {
		line, next, ok := cutLine(data[off:])
		if !ok {
			return 0, protocol.ErrAgain
		}
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 31)
		if err != nil {
			return 0, ErrInvalidChunk
		}
		off += next

		if size == 0 {
			// trailers until the blank line
			for {
				line, next, ok := cutLine(data[off:])
				if !ok {
					return 0, protocol.ErrAgain
				}
				off += next
				if len(line) == 0 {
					return off, nil
				}
			}
		}

		if len(data)-off < int(size)+2 {
			return 0, protocol.ErrAgain
		}
		*dst = append(*dst, data[off:off+int(size)]...)
		off += int(size)
		if data[off] == '\r' {
			off++
		}
		if data[off] != '\n' {
			return 0, ErrInvalidChunk
		}
		off++
	}
}

// cutLine returns the first line without its terminator and the offset
// past it.
func cutLine(data []byte) ([]byte, int, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, 0, false
	}
	line := data[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, true
}

// parseRequestHead parses "METHOD URL PROTO" and the headers.
func parseRequestHead(req *Request, data []byte) error {
	line, next, _ := cutLine(data)

	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrInvalidRequest
	}
	sp2 += sp1 + 1

	req.Method = string(line[:sp1])
	req.URL = string(line[sp1+1 : sp2])
	req.Proto = string(line[sp2+1:])
	if !strings.HasPrefix(req.Proto, "HTTP/") {
		return ErrInvalidRequest
	}

	req.Path = req.URL
	if idx := strings.IndexByte(req.URL, '?'); idx != -1 {
		req.Path = parseQuery(req, req.URL, idx)
	}

	parseHeaders(&req.Header, data[next:])
	return nil
}

// parseResponseHead parses "PROTO CODE REASON" and the headers.
func parseResponseHead(resp *Response, data []byte) error {
	line, next, _ := cutLine(data)
	if !bytes.HasPrefix(line, []byte("HTTP")) {
		return ErrInvalidResponse
	}

	proto, rest, ok := bytes.Cut(line, []byte(" "))
	if !ok {
		return ErrInvalidResponse
	}
	code, reason, _ := bytes.Cut(rest, []byte(" "))
	n, err := strconv.Atoi(string(code))
	if err != nil || n < 100 || n > 999 {
		return ErrInvalidResponse
	}

	resp.Proto = string(proto)
	resp.StatusCode = n
	resp.Reason = string(reason)
	parseHeaders(&resp.Header, data[next:])
	return nil
}

// parseHeaders parses HTTP headers
func parseHeaders(h *Header, data []byte) {
	for len(data) > 0 {
		line, next, ok := cutLine(data)
		if !ok {
			line, next = data, len(data)
		}
		if len(line) == 0 {
			break
		}

		// Parse key-value pair
		colon := bytes.IndexByte(line, ':')
		if colon > 0 {
			key := string(bytes.TrimSpace(line[:colon]))
			value := string(bytes.TrimSpace(line[colon+1:]))
			h.SetHeader(key, value)
		}
		data = data[next:]
	}
}

// parseQuery parses query parameters and returns the bare path.
func parseQuery(req *Request, url string, idx int) string {
	for pair := range strings.SplitSeq(url[idx+1:], "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		req.SetParam(k, v)
	}
	return url[:idx]
}
