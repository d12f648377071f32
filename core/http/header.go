package http

import (
	"maps"
	"net/textproto"
	"slices"
)

// Header holds the common header fields inline and the rest in Extra.
// Keys are matched in canonical form.
type Header struct {
	ContentType      string
	ContentLength    string
	Connection       string
	Host             string
	UserAgent        string
	Accept           string
	Server           string
	TransferEncoding string

	// Extra headers (allocated only when needed)
	Extra map[string]string
}

func (h *Header) field(key string) *string {
	switch key {
	case "Content-Type":
		return &h.ContentType
	case "Content-Length":
		return &h.ContentLength
	case "Connection":
		return &h.Connection
	case "Host":
		return &h.Host
	case "User-Agent":
		return &h.UserAgent
	case "Accept":
		return &h.Accept
	case "Server":
		return &h.Server
	case "Transfer-Encoding":
		return &h.TransferEncoding
	}
	return nil
}

// SetHeader sets a header (prioritizes predefined fields)
func (h *Header) SetHeader(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	if f := h.field(key); f != nil {
		*f = value
		return
	}
	if h.Extra == nil {
		h.Extra = make(map[string]string)
	}
	h.Extra[key] = value
}

// GetHeader returns a header value, or "" when absent.
func (h *Header) GetHeader(key string) string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	if f := h.field(key); f != nil {
		return *f
	}
	return h.Extra[key]
}

// DelHeader removes a header.
func (h *Header) DelHeader(key string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	if f := h.field(key); f != nil {
		*f = ""
		return
	}
	delete(h.Extra, key)
}

func (h *Header) reset() {
	extra := h.Extra
	clear(extra)
	*h = Header{Extra: extra}
}

var predefined = []string{
	"Host",
	"User-Agent",
	"Accept",
	"Server",
	"Connection",
	"Content-Type",
	"Content-Length",
	"Transfer-Encoding",
}

// appendHeaders writes every non-empty header line, predefined fields
// first and extra ones in key order.
func (h *Header) appendHeaders(dst []byte) []byte {
	for _, key := range predefined {
		if v := *h.field(key); v != "" {
			dst = appendHeader(dst, key, v)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(h.Extra)) {
		dst = appendHeader(dst, key, h.Extra[key])
	}
	return dst
}

func appendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}
