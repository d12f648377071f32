// Package poller wraps the edge-triggered readiness multiplexer of a worker.
//
// Every registration carries the connection id and version in its tag. Events
// are resolved back to connections at processing time and dropped when the
// connection has been recycled since the registration.
package poller

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/core/pools"
)

// Interest bits.
const (
	In    = uint32(unix.EPOLLIN)
	Out   = uint32(unix.EPOLLOUT)
	RDHup = uint32(unix.EPOLLRDHUP)

	Read  = In | RDHup
	Write = Out | RDHup
)

// Event buffer bounds.
const (
	MinEvents     = 32
	MaxEvents     = 1024
	DefaultEvents = 512
)

var ErrClosed = errors.New("poller: closed")

// Op is a change applied to a connection's registered interest.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpDel
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDel:
		return "del"
	}
	return "unknown"
}

// Lookup resolves connection ids. The connection arena implements it.
type Lookup interface {
	Lookup(id uint32) *pools.Connection
}

// Ready is one readiness notification.
type Ready struct {
	Tag    uint64
	Events uint32
}

// ID returns the connection id encoded in the tag.
func (r Ready) ID() uint32 { return uint32(r.Tag >> 32) }

// Version returns the connection version encoded in the tag.
func (r Ready) Version() uint32 { return uint32(r.Tag) }

// Tag packs a connection identity into a registration tag.
func Tag(id, version uint32) uint64 { return uint64(id)<<32 | uint64(version) }

// Counters are control-plane statistics.
type Counters struct {
	Add   uint64 `json:"add"`
	Mod   uint64 `json:"mod"`
	Del   uint64 `json:"del"`
	Noop  uint64 `json:"noop"`
	Fail  uint64 `json:"fail"`
	Stale uint64 `json:"stale"`
	Waits uint64 `json:"waits"`
}
