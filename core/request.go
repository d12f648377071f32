package core

import (
	"time"

	"github.com/searchktools/coserver/core/http"
	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/protocol"
)

// RequestType flags.
const (
	RequestNormal uint8 = 1 << iota
	RequestUpstream
	RequestDetach
)

// NewProtocol creates a codec for t.
func NewProtocol(t protocol.Type) (protocol.Protocol, error) {
	switch t {
	case protocol.TCPServer:
		return protocol.NewTCP(true), nil
	case protocol.TCPClient:
		return protocol.NewTCP(false), nil
	case protocol.HTTPServer:
		return http.NewServer(), nil
	case protocol.HTTPClient:
		return http.NewClient(), nil
	}
	return nil, protocol.ErrUnknownType
}

type releaser interface {
	Release()
}

func releaseProtocol(p protocol.Protocol) {
	if r, ok := p.(releaser); ok {
		r.Release()
	}
}

// UpstreamInfo is the outcome of one sub-request as seen by its parent.
type UpstreamInfo struct {
	Protocol protocol.Protocol
	Status   Result
	UseTime  time.Duration
	Retries  int
}

// HandlerData is what a user callback works on: the request codec, the
// registered user data and the sub-requests issued so far.
type HandlerData struct {
	Protocol  protocol.Protocol
	UserData  any
	Upstreams []*UpstreamInfo

	w       *Worker
	conn    *pools.Connection
	version uint32
}

// Worker returns the worker running the request.
func (h *HandlerData) Worker() *Worker { return h.w }

// Conn returns the connection the request runs on.
func (h *HandlerData) Conn() *pools.Connection { return h.conn }

// Yield suspends the request until Handle().Resume is called or the request
// times out.
func (h *HandlerData) Yield() Result {
	return h.w.Dispatcher.Yield(h.conn, h.version)
}

// Handle returns a resume handle that may be used from any goroutine.
func (h *HandlerData) Handle() Handle {
	return Handle{d: h.w.Dispatcher, conn: h.conn, version: h.version}
}

// Handle resumes a suspended request from outside its worker.
type Handle struct {
	d       *Dispatcher
	conn    *pools.Connection
	version uint32
}

// Resume queues the request for resumption. A request that has finished in
// the meantime is not affected.
func (h Handle) Resume() {
	h.d.ResumeAsync(h.conn, h.version)
}

// Request is a unit of work bound to a connection: a client request on an
// accepted connection, or a sub-request on an upstream one.
type Request struct {
	id   uint32
	typ  uint8
	w    *Worker
	conn *pools.Connection

	protocol     protocol.Protocol
	ownsProtocol bool

	process func(*HandlerData) Result
	destroy func(*HandlerData) Result
	data    *HandlerData

	// count is 1 for the request itself plus one per live sub-request.
	count       int
	parent      *Request
	info        *UpstreamInfo
	subRequests map[uint32]*Request
	retryTimes  int

	start      time.Time
	connectDur time.Duration
	writeDur   time.Duration
	readDur    time.Duration
	processDur time.Duration
}

// ID returns the worker-unique request id.
func (r *Request) ID() uint32 { return r.id }

// Protocol returns the request codec.
func (r *Request) Protocol() protocol.Protocol { return r.protocol }

// newRequest binds a request to c. When p is nil a codec of type t is created
// and owned by the request.
func (w *Worker) newRequest(c *pools.Connection, typ uint8, t protocol.Type, p protocol.Protocol) (*Request, error) {
	r := &Request{
		typ:         typ,
		w:           w,
		conn:        c,
		subRequests: map[uint32]*Request{},
	}
	c.Request = r
	c.RequestCount++

	if p == nil {
		var err error
		if p, err = NewProtocol(t); err != nil {
			return r, err
		}
		r.ownsProtocol = true
	}
	r.protocol = p
	p.SetRemote(c.Socket.IP, c.Socket.Port)
	r.start = time.Now()
	r.id = w.nextRequestID()
	r.count++
	w.requests.Inc()

	r.data = &HandlerData{Protocol: p, w: w, conn: c, version: c.Version}
	if s, ok := c.Server.(*ServerControl); ok {
		r.process = s.funcs.Process
		r.destroy = s.funcs.Destroy
		r.data.UserData = s.funcs.Data
	}

	w.log.Debug().
		Int("cid", int(c.ID)).
		Uint64("rid", uint64(r.id)).
		Str("protocol", t.String()).
		Uint64("count", uint64(c.RequestCount)).
		Log("request init")
	return r, nil
}

// resetConnection moves a sub-request onto a new upstream connection.
func (r *Request) resetConnection(c *pools.Connection) {
	c.Request = r
	c.RequestCount++
	r.conn = c
	r.data.conn = c
	r.data.version = c.Version
}

// release drops the codecs owned by the request and its handler data.
func (r *Request) release() {
	if r.conn != nil && r.conn.Request == r {
		r.conn.Request = nil
	}
	if r.ownsProtocol && r.protocol != nil {
		releaseProtocol(r.protocol)
	}
	r.protocol = nil
	if r.typ&RequestUpstream == 0 || r.typ&RequestDetach != 0 {
		for _, info := range r.data.Upstreams {
			if info.Protocol != nil {
				releaseProtocol(info.Protocol)
				info.Protocol = nil
			}
		}
	}
}
