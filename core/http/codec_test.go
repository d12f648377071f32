package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/protocol"
)

func bufferOf(t *testing.T, s string) *pools.Buffer {
	t.Helper()
	b := pools.NewBuffer(nil)
	require.NoError(t, b.Append([]byte(s)))
	return b
}

func TestServerDecodeRequest(t *testing.T) {
	s := NewServer()
	defer s.Release()

	b := bufferOf(t, "POST /api/users?id=123&name=test HTTP/1.1\r\n"+
		"Host: localhost:8080\r\n"+
		"content-type: application/json\r\n"+
		"X-Trace: abc\r\n"+
		"Content-Length: 5\r\n\r\nhello")
	require.NoError(t, s.Decode(b))

	req := s.Req()
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/api/users", req.Path)
	assert.Equal(t, "/api/users?id=123&name=test", req.URL)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "123", req.Param("id"))
	assert.Equal(t, "test", req.Param("name"))
	assert.Equal(t, "localhost:8080", req.Host)
	assert.Equal(t, "application/json", req.ContentType)
	assert.Equal(t, "abc", req.GetHeader("x-trace"))
	assert.Equal(t, "hello", string(req.Content()))
	assert.Equal(t, 0, b.Len())
}

func TestServerDecodeIncremental(t *testing.T) {
	s := NewServer()
	defer s.Release()

	raw := "PUT /k HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789"
	b := pools.NewBuffer(nil)
	for i := 0; i < len(raw)-1; i++ {
		require.NoError(t, b.Append([]byte{raw[i]}))
		require.ErrorIs(t, s.Decode(b), protocol.ErrAgain, "byte %d", i)
	}
	require.NoError(t, b.Append([]byte{raw[len(raw)-1]}))
	require.NoError(t, s.Decode(b))
	assert.Equal(t, "0123456789", string(s.Req().Body))
}

func TestServerDecodePipelined(t *testing.T) {
	s := NewServer()
	defer s.Release()

	b := bufferOf(t, "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n")
	require.NoError(t, s.Decode(b))
	assert.Equal(t, "/a", s.Req().Path)

	s.ResetRequest()
	require.NoError(t, s.Decode(b))
	assert.Equal(t, "/b", s.Req().Path)
	assert.Equal(t, 0, b.Len())
}

func TestServerDecodeHeaderTooLarge(t *testing.T) {
	s := NewServer()
	defer s.Release()

	b := bufferOf(t, "GET / HTTP/1.1\r\nX-Big: "+strings.Repeat("a", MaxHeaderSize))
	assert.ErrorIs(t, s.Decode(b), ErrHeaderTooLarge)
	assert.Equal(t, 0, b.Len())
}

func TestServerDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"no spaces", "GET\r\n\r\n", ErrInvalidRequest},
		{"bad proto", "GET / FTP/1.0\r\n\r\n", ErrInvalidRequest},
		{"bad length", "GET / HTTP/1.1\r\nContent-Length: x\r\n\r\n", ErrInvalidLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer()
			defer s.Release()
			assert.ErrorIs(t, s.Decode(bufferOf(t, tt.raw)), tt.err)
		})
	}
}

func TestServerEncodeResponse(t *testing.T) {
	s := NewServer()
	defer s.Release()

	ctx := NewContext(s)
	ctx.SetHeader("x-request-id", "7")
	ctx.String(201, "created")

	b := pools.NewBuffer(nil)
	require.NoError(t, s.Encode(b))
	assert.Equal(t, "HTTP/1.1 201 Created\r\n"+
		"Server: coserver/http\r\n"+
		"Content-Type: text/plain\r\n"+
		"Content-Length: 7\r\n"+
		"X-Request-Id: 7\r\n"+
		"\r\ncreated", string(b.Bytes()))
}

func TestServerEncodeUnknownStatus(t *testing.T) {
	s := NewServer()
	defer s.Release()

	s.Resp().StatusCode = 799
	b := pools.NewBuffer(nil)
	require.NoError(t, s.Encode(b))
	assert.True(t, strings.HasPrefix(string(b.Bytes()), "HTTP/1.1 500 Internal Server Error\r\n"))
	assert.Contains(t, string(b.Bytes()), "Content-Length: 0\r\n")
}

func TestClientRoundTrip(t *testing.T) {
	c := NewClient()
	defer c.Release()
	c.SetRemote("10.0.0.1", 9090)

	req := c.Req()
	req.Method = "POST"
	req.URL = "/echo"
	req.SetContent([]byte("ping"))

	out := pools.NewBuffer(nil)
	require.NoError(t, c.Encode(out))
	assert.Equal(t, "POST /echo HTTP/1.1\r\n"+
		"Host: 10.0.0.1:9090\r\n"+
		"Content-Length: 4\r\n"+
		"\r\nping", string(out.Bytes()))

	// the server side reads what the client wrote
	s := NewServer()
	defer s.Release()
	require.NoError(t, s.Decode(out))
	assert.Equal(t, "ping", string(s.Req().Body))

	NewContext(s).Bytes(200, []byte("pong"))
	in := pools.NewBuffer(nil)
	require.NoError(t, s.Encode(in))
	require.NoError(t, c.Decode(in))
	assert.Equal(t, 200, c.Resp().StatusCode)
	assert.Equal(t, "OK", c.Resp().Reason)
	assert.Equal(t, "pong", string(c.Resp().Content()))
}

func TestClientEncodeDefaults(t *testing.T) {
	c := NewClient()
	defer c.Release()

	b := pools.NewBuffer(nil)
	require.NoError(t, c.Encode(b))
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(b.Bytes()))
}

func TestClientDecodeChunked(t *testing.T) {
	c := NewClient()
	defer c.Release()

	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\nX-Trailer: 1\r\n\r\n"
	b := bufferOf(t, raw[:len(raw)-3])
	require.ErrorIs(t, c.Decode(b), protocol.ErrAgain)

	require.NoError(t, b.Append([]byte(raw[len(raw)-3:])))
	require.NoError(t, c.Decode(b))
	assert.Equal(t, "Wikipedia", string(c.Resp().Body))
	assert.Equal(t, 0, b.Len())
}

func TestClientDecodeInvalid(t *testing.T) {
	c := NewClient()
	defer c.Release()

	assert.ErrorIs(t, c.Decode(bufferOf(t, "FOO 200 OK\r\n\r\n")), ErrInvalidResponse)
	assert.ErrorIs(t, c.Decode(bufferOf(t, "HTTP/1.1 2x OK\r\n\r\n")), ErrInvalidResponse)
	assert.ErrorIs(t, c.Decode(bufferOf(t,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n")), ErrInvalidChunk)
}

func TestContextJSON(t *testing.T) {
	s := NewServer()
	defer s.Release()

	require.NoError(t, s.Decode(bufferOf(t,
		"POST /bind HTTP/1.1\r\nContent-Length: 13\r\n\r\n{\"name\":\"go\"}")))
	ctx := NewContext(s)

	var in struct {
		Name string `json:"name"`
	}
	require.NoError(t, ctx.Bind(&in))
	assert.Equal(t, "go", in.Name)

	ctx.Error(404, "missing")
	assert.Equal(t, 404, s.Resp().StatusCode)
	assert.Equal(t, "application/json", s.Resp().ContentType)
	assert.JSONEq(t, `{"code":404,"message":"missing"}`, string(s.Resp().Body))
}

func TestHeaderCanonical(t *testing.T) {
	var h Header
	h.SetHeader("content-length", "3")
	h.SetHeader("x-custom-key", "v")
	assert.Equal(t, "3", h.ContentLength)
	assert.Equal(t, "v", h.Extra["X-Custom-Key"])

	h.DelHeader("X-CUSTOM-KEY")
	assert.Empty(t, h.GetHeader("x-custom-key"))
}
