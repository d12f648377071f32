package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/searchktools/coserver/core/pools"
)

// Frame layout: a 4-byte flag in host (little endian) order, a 4-byte
// big endian body length, then the body.
const (
	FrameFlag       = 0xe8
	FrameHeaderSize = 8
	MaxFrameBody    = pools.MaxBufferSize - FrameHeaderSize
)

var (
	ErrBadFrameFlag  = errors.New("protocol: bad tcp frame flag")
	ErrFrameTooLarge = errors.New("protocol: tcp frame too large")
)

// TCPMessage is a framed body with an application status.
type TCPMessage struct {
	status int
	body   []byte
}

func (m *TCPMessage) Status() int            { return m.status }
func (m *TCPMessage) SetStatus(status int)   { m.status = status }
func (m *TCPMessage) Content() []byte        { return m.body }
func (m *TCPMessage) SetContent(body []byte) { m.body = body }

// TCP is the framed TCP codec.
type TCP struct {
	Remote
	server bool
	req    *TCPMessage
	resp   *TCPMessage
}

// NewTCP creates a TCP codec for the server or the client side.
func NewTCP(server bool) *TCP {
	return &TCP{
		server: server,
		req:    &TCPMessage{},
		resp:   &TCPMessage{},
	}
}

func (p *TCP) Request() Message  { return p.req }
func (p *TCP) Response() Message { return p.resp }
func (p *TCP) ResetRequest()     { p.req = &TCPMessage{} }
func (p *TCP) ResetResponse()    { p.resp = &TCPMessage{} }

func (p *TCP) inbound() *TCPMessage {
	if p.server {
		return p.req
	}
	return p.resp
}

func (p *TCP) outbound() *TCPMessage {
	if p.server {
		return p.resp
	}
	return p.req
}

// Decode extracts one frame. A bad flag discards the buffered bytes.
func (p *TCP) Decode(b *pools.Buffer) error {
	data := b.Bytes()
	if len(data) < FrameHeaderSize {
		return ErrAgain
	}
	if binary.LittleEndian.Uint32(data[0:4]) != FrameFlag {
		b.Reset()
		return ErrBadFrameFlag
	}

	n := binary.BigEndian.Uint32(data[4:8])
	if uint64(n) > MaxFrameBody {
		b.Reset()
		return ErrFrameTooLarge
	}
	if int(n) > len(data)-FrameHeaderSize {
		return ErrAgain
	}

	body := make([]byte, n)
	copy(body, data[FrameHeaderSize:])
	p.inbound().body = body
	b.Erase(FrameHeaderSize + int(n))
	return nil
}

// Encode appends the outbound message as one frame.
func (p *TCP) Encode(b *pools.Buffer) error {
	return b.Append(AppendFrame(nil, p.outbound().body))
}

// AppendFrame appends body framed to dst.
func AppendFrame(dst, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, FrameFlag)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}
