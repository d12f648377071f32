// Package protocol defines the message codecs driven by the request
// lifecycle and implements the length-prefixed TCP framing.
package protocol

import (
	"errors"
	"strconv"

	"github.com/searchktools/coserver/core/pools"
)

// Type selects a codec and its side of the conversation.
type Type uint8

const (
	TCPServer Type = iota + 1
	TCPClient
	HTTPServer
	HTTPClient
)

func (t Type) String() string {
	switch t {
	case TCPServer:
		return "tcp_server"
	case TCPClient:
		return "tcp_client"
	case HTTPServer:
		return "http_server"
	case HTTPClient:
		return "http_client"
	}
	return "unknown"
}

var (
	// ErrAgain is returned by Decode while the buffer holds a partial message.
	ErrAgain       = errors.New("protocol: need more data")
	ErrUnknownType = errors.New("protocol: unknown type")
)

// Message is one side of an exchange.
type Message interface {
	Status() int
	SetStatus(status int)
	Content() []byte
	SetContent(content []byte)
}

// Protocol decodes the inbound message from a connection buffer and encodes
// the outbound one into it. A server decodes requests and encodes
// responses; a client does the opposite.
type Protocol interface {
	Request() Message
	Response() Message
	ResetRequest()
	ResetResponse()

	// Decode consumes a complete message from b, or returns ErrAgain
	// leaving a partial one in place.
	Decode(b *pools.Buffer) error
	Encode(b *pools.Buffer) error

	SetRemote(ip string, port uint16)
	RemoteIP() string
}

// Remote carries the peer address of a protocol.
type Remote struct {
	ip   string
	port uint16
}

// SetRemote records the peer address.
func (r *Remote) SetRemote(ip string, port uint16) {
	r.ip = ip
	r.port = port
}

// RemoteIP returns the peer ip.
func (r *Remote) RemoteIP() string { return r.ip }

// RemoteAddr returns the peer as host:port.
func (r *Remote) RemoteAddr() string {
	if r.ip == "" {
		return ""
	}
	return r.ip + ":" + strconv.Itoa(int(r.port))
}
