// Package http implements HTTP/1.x server and client codecs for the
// coroutine request lifecycle.
package http

import (
	nethttp "net/http"
	"strconv"

	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/protocol"
)

const (
	DefaultProto = "HTTP/1.1"
	ServerName   = "coserver/http"
)

// Server decodes requests and encodes responses.
type Server struct {
	protocol.Remote
	req  *Request
	resp *Response
}

// NewServer creates a server codec backed by pooled messages.
func NewServer() *Server {
	return &Server{req: AcquireRequest(), resp: AcquireResponse()}
}

func (s *Server) Request() protocol.Message  { return s.req }
func (s *Server) Response() protocol.Message { return s.resp }
func (s *Server) Req() *Request              { return s.req }
func (s *Server) Resp() *Response            { return s.resp }
func (s *Server) ResetRequest()              { s.req.Reset() }
func (s *Server) ResetResponse()             { s.resp.Reset() }

func (s *Server) Decode(b *pools.Buffer) error {
	return decode(b, &s.req.progress, &s.req.Header, func(head []byte) error {
		return parseRequestHead(s.req, head)
	}, &s.req.Body)
}

func (s *Server) Encode(b *pools.Buffer) error {
	return b.Append(appendResponse(nil, s.resp))
}

// Release returns the messages to their pools.
func (s *Server) Release() {
	ReleaseRequest(s.req)
	ReleaseResponse(s.resp)
	s.req, s.resp = nil, nil
}

// Client encodes requests and decodes responses.
type Client struct {
	protocol.Remote
	req  *Request
	resp *Response
}

// NewClient creates a client codec backed by pooled messages.
func NewClient() *Client {
	return &Client{req: AcquireRequest(), resp: AcquireResponse()}
}

func (c *Client) Request() protocol.Message  { return c.req }
func (c *Client) Response() protocol.Message { return c.resp }
func (c *Client) Req() *Request              { return c.req }
func (c *Client) Resp() *Response            { return c.resp }
func (c *Client) ResetRequest()              { c.req.Reset() }
func (c *Client) ResetResponse()             { c.resp.Reset() }

func (c *Client) Decode(b *pools.Buffer) error {
	return decode(b, &c.resp.progress, &c.resp.Header, func(head []byte) error {
		return parseResponseHead(c.resp, head)
	}, &c.resp.Body)
}

func (c *Client) Encode(b *pools.Buffer) error {
	return b.Append(appendRequest(nil, c.req, c.RemoteAddr()))
}

// Release returns the messages to their pools.
func (c *Client) Release() {
	ReleaseRequest(c.req)
	ReleaseResponse(c.resp)
	c.req, c.resp = nil, nil
}

func appendResponse(dst []byte, resp *Response) []byte {
	code := resp.StatusCode
	reason := resp.Reason
	if reason == "" {
		reason = nethttp.StatusText(code)
	}
	if reason == "" {
		code = nethttp.StatusInternalServerError
		reason = nethttp.StatusText(code)
	}

	dst = append(dst, resp.Proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, "\r\n"...)

	h := resp.Header
	h.ContentLength = strconv.Itoa(len(resp.Body))
	h.TransferEncoding = ""
	if h.Server == "" {
		h.Server = ServerName
	}
	dst = h.appendHeaders(dst)
	dst = append(dst, "\r\n"...)
	return append(dst, resp.Body...)
}

func appendRequest(dst []byte, req *Request, remote string) []byte {
	method := req.Method
	if method == "" {
		method = nethttp.MethodGet
	}
	url := req.URL
	if url == "" {
		url = req.Path
	}
	if url == "" {
		url = "/"
	}

	dst = append(dst, method...)
	dst = append(dst, ' ')
	dst = append(dst, url...)
	dst = append(dst, ' ')
	dst = append(dst, req.Proto...)
	dst = append(dst, "\r\n"...)

	h := req.Header
	h.ContentLength = ""
	h.TransferEncoding = ""
	if len(req.Body) > 0 {
		h.ContentLength = strconv.Itoa(len(req.Body))
	}
	if h.Host == "" {
		h.Host = remote
	}
	dst = h.appendHeaders(dst)
	dst = append(dst, "\r\n"...)
	return append(dst, req.Body...)
}
