package pools

import (
	"github.com/searchktools/coserver/core/coroutine"
	"github.com/searchktools/coserver/core/logging"
)

// EventKind identifies one of the three events a connection owns.
type EventKind uint8

const (
	EventRead EventKind = iota + 1
	EventWrite
	EventSleep
)

func (k EventKind) String() string {
	switch k {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventSleep:
		return "sleep"
	}
	return "unknown"
}

// Event is a readiness or timer event of a connection.
type Event struct {
	Kind EventKind
	Conn *Connection

	// Active is set while the event is registered with the poller.
	Active bool
	// TimerSet is set while the event sits in the timer queue.
	TimerSet bool
	// TimerNode is the opaque handle of the timer queue.
	TimerNode any
	// PreExpiry runs before the timeout dispatch.
	PreExpiry func(*Event)
}

func (e *Event) reset() {
	e.Active = false
	e.TimerSet = false
	e.TimerNode = nil
}

// HandlerKind selects the body a connection's coroutine runs.
type HandlerKind uint8

const (
	HandlerNone HandlerKind = iota
	HandlerWakeup
	HandlerListen
	HandlerRequest
	HandlerUpstream
	HandlerCustom
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerNone:
		return "none"
	case HandlerWakeup:
		return "wakeup"
	case HandlerListen:
		return "listen"
	case HandlerRequest:
		return "request"
	case HandlerUpstream:
		return "upstream"
	case HandlerCustom:
		return "custom"
	}
	return "unknown"
}

// Handler is the tagged body of a connection. Fn is only used by HandlerCustom.
type Handler struct {
	Kind HandlerKind
	Fn   func(*Connection)
}

// ExceptionKind selects the exception path run before every dispatch.
type ExceptionKind uint8

const (
	ExceptionDefault ExceptionKind = iota
	ExceptionListen
	ExceptionNone
)

// Request is the request currently bound to a connection.
type Request interface {
	ID() uint32
}

// ServerRef is the listening server a connection was accepted by.
type ServerRef interface {
	Name() string
}

// UpstreamRef is the upstream pool an outbound connection belongs to.
type UpstreamRef interface {
	Name() string
}

// BackendRef is the upstream backend an outbound connection is dialed to.
type BackendRef interface {
	Key() string
}

// Connection is a slab entry of the Arena. It is addressed by (ID, Version).
type Connection struct {
	ID      uint32
	Version uint32

	Socket Socket
	Buffer *Buffer

	Read  *Event
	Write *Event
	Sleep *Event

	Coroutine *coroutine.Coroutine
	Handler   Handler
	Exception ExceptionKind

	// Timeouts in milliseconds, -1 when unset.
	ConnTimeout      int
	RcvTimeout       int
	SndTimeout       int
	KeepaliveTimeout int

	Server   ServerRef
	Request  Request
	Upstream UpstreamRef
	Backend  BackendRef

	RequestCount   uint32
	StartTimestamp int64
	Cleanups       []func(*Connection)

	// Registered poller interest and the version it was registered for.
	EpollMask    uint32
	EpollVersion uint32

	PendingEOF        bool
	TimedOut          bool
	Dying             bool
	ParentDying       bool
	ThirdFuncBlocking bool
	UseShadow         bool

	// Shadow carries third-party sockets for a primary connection. Origin
	// points back from a shadow to its primary.
	Shadow   *Connection
	Origin   *Connection
	IsShadow bool

	manager *coroutine.Manager
	log     *logging.Logger
}

func newConnection(id uint32, shadow bool) *Connection {
	c := &Connection{
		ID:               id,
		Socket:           Socket{FD: -1},
		ConnTimeout:      -1,
		RcvTimeout:       -1,
		SndTimeout:       -1,
		KeepaliveTimeout: -1,
		IsShadow:         shadow,
	}
	c.Read = &Event{Kind: EventRead, Conn: c}
	c.Write = &Event{Kind: EventWrite, Conn: c}
	if !shadow {
		c.Sleep = &Event{Kind: EventSleep, Conn: c}
	}
	return c
}

// Alive reports whether version still identifies this connection.
func (c *Connection) Alive(version uint32) bool {
	return c.Version == version
}

// Reset recycles the connection. A keepalive reset keeps the socket, the
// server binding and the upstream bookkeeping. Timers must be removed by the
// caller beforehand.
func (c *Connection) Reset(keepalive bool) {
	c.Version++

	c.Handler = Handler{}
	c.Request = nil

	c.UseShadow = false
	c.PendingEOF = false
	c.TimedOut = false
	c.Dying = false
	c.ParentDying = false
	c.ThirdFuncBlocking = false

	c.Read.reset()
	c.Write.reset()
	c.Sleep.reset()

	c.Buffer.Reset()
	c.dropCoroutine()

	if !keepalive {
		if c.Socket.Valid() {
			c.log.Err().Int("cid", int(c.ID)).Int("fd", c.Socket.FD).Log("connection socket still open on reset, closing")
			_ = c.Socket.Close()
		}
		c.Socket = Socket{FD: -1}
		c.Buffer.Release()

		c.EpollMask = 0
		c.EpollVersion = 0
		c.Exception = ExceptionDefault
		c.ConnTimeout = -1
		c.RcvTimeout = -1
		c.SndTimeout = -1
		c.KeepaliveTimeout = -1

		c.StartTimestamp = 0
		c.Server = nil
		c.Upstream = nil
		c.Backend = nil
		c.RequestCount = 0
		c.Cleanups = nil
	}

	c.ResetShadow()
}

// ResetShadow unbinds the third-party socket carried by the shadow. The
// socket itself belongs to the third party and stays open.
func (c *Connection) ResetShadow() {
	s := c.Shadow
	if s == nil {
		return
	}
	s.Version++
	s.Read.reset()
	s.Write.reset()
	s.Socket = Socket{FD: -1}
	s.EpollMask = 0
	s.EpollVersion = 0

	s.PendingEOF = false
	s.TimedOut = false
	s.Dying = false
	s.ParentDying = false
	s.UseShadow = false
	s.ThirdFuncBlocking = false
}

// dropCoroutine detaches the coroutine slot. A coroutine that is not running
// is stopped so its goroutine is released.
func (c *Connection) dropCoroutine() {
	co := c.Coroutine
	c.Coroutine = nil
	if co == nil || c.manager == nil {
		return
	}
	if co.State() != coroutine.Running {
		c.manager.Stop(co)
	}
}
