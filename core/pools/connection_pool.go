package pools

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/searchktools/coserver/core/coroutine"
	"github.com/searchktools/coserver/core/logging"
)

// Arena limits, counted in connection pairs.
const (
	MinConnections = 4
	MaxConnections = 65535
	// InternalConnections are reserved for the listener and the wake-up pair.
	InternalConnections = 3
	DefaultExpandBatch  = 16
)

var ErrPoolExhausted = errors.New("pools: connection pool exhausted")

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithLogger sets the arena logger.
func WithLogger(l *logging.Logger) ArenaOption {
	return func(a *Arena) { a.log = l }
}

// WithCoroutines lets connection resets stop suspended coroutines.
func WithCoroutines(m *coroutine.Manager) ArenaOption {
	return func(a *Arena) { a.manager = m }
}

// WithSleepExpiry installs the pre-expiry hook of every sleep event.
func WithSleepExpiry(fn func(*Event)) ArenaOption {
	return func(a *Arena) { a.sleepExpiry = fn }
}

// WithBytePool sets the storage source of connection buffers.
func WithBytePool(bp *BytePool) ArenaOption {
	return func(a *Arena) { a.bytes = bp }
}

// WithExpandBatch sets the number of pairs added per expansion.
func WithExpandBatch(n int) ArenaOption {
	return func(a *Arena) {
		if n > 0 {
			a.batch = n
		}
	}
}

// Arena is the slab of connections owned by one worker. Every primary
// connection with id 2k+1 is paired with a shadow at id 2k+2. It is not safe
// for concurrent use apart from Stats.
type Arena struct {
	log         *logging.Logger
	manager     *coroutine.Manager
	bytes       *BytePool
	sleepExpiry func(*Event)
	batch       int

	min, max int
	conns    []*Connection
	free     []*Connection // top of stack is the front
	internal map[int]struct{}

	size  atomic.Int64
	inUse atomic.Int64
	gets  atomic.Uint64
	puts  atomic.Uint64
	fails atomic.Uint64
}

// NewArena creates an empty arena. Call Init before use.
func NewArena(opts ...ArenaOption) *Arena {
	a := &Arena{
		batch:    DefaultExpandBatch,
		internal: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.bytes == nil {
		a.bytes = globalBytePool
	}
	return a
}

// Init sizes the arena and performs the first expansion.
func (a *Arena) Init(min, max int) error {
	if min < MinConnections {
		min = MinConnections
	}
	if max > MaxConnections {
		max = MaxConnections
	}
	if max < min {
		max = min
	}
	a.min = min
	a.max = max + InternalConnections

	a.log.Debug().Int("min", min).Int("max", a.max).Log("connection arena init")
	return a.Expand(min + InternalConnections)
}

// Expand adds up to n connection pairs.
func (a *Arena) Expand(n int) error {
	cur := len(a.conns) / 2
	if cur >= a.max {
		a.log.Err().Int("cur", cur).Int("max", a.max).Log("connection arena at limit, expand failed")
		return ErrPoolExhausted
	}
	if n <= 0 {
		n = a.batch
	}
	next := min(cur+n, a.max)

	batch := make([]*Connection, 0, next-cur)
	for i := cur * 2; i < next*2; i += 2 {
		c := newConnection(uint32(i+1), false)
		s := newConnection(uint32(i+2), true)
		c.Buffer = NewBuffer(a.bytes)
		c.Shadow = s
		c.manager = a.manager
		c.log = a.log
		c.Sleep.PreExpiry = a.sleepExpiry
		s.Origin = c
		s.log = a.log
		a.conns = append(a.conns, c, s)
		batch = append(batch, c)
	}

	// new pairs queue behind the existing free ones, lowest id first
	stack := make([]*Connection, 0, len(batch)+len(a.free))
	for i := len(batch) - 1; i >= 0; i-- {
		stack = append(stack, batch[i])
	}
	a.free = append(stack, a.free...)
	a.size.Store(int64(next))

	a.log.Info().Int("from", cur*2).Int("to", next*2).Log("connection arena expanded")
	return nil
}

func (a *Arena) front() (*Connection, error) {
	if len(a.free) == 0 {
		if err := a.Expand(a.batch); err != nil || len(a.free) == 0 {
			a.fails.Inc()
			a.log.Err().Int("max", a.max).Log("connections are not enough")
			return nil, ErrPoolExhausted
		}
	}
	return a.free[len(a.free)-1], nil
}

func (a *Arena) take(c *Connection) {
	a.free = a.free[:len(a.free)-1]
	c.StartTimestamp = time.Now().UnixMilli()
	a.internal[c.Socket.FD] = struct{}{}
	a.gets.Inc()
	a.inUse.Inc()
}

// Get takes a connection with a fresh socket for ip:port. Listener sockets
// are bound and listening; client sockets are left for a later connect.
func (a *Arena) Get(ip string, port uint16, listener bool) (*Connection, error) {
	c, err := a.front()
	if err != nil {
		return nil, err
	}
	if err := c.Socket.Open(ip, port, listener); err != nil {
		a.log.Err().Str("ip", ip).Int("port", int(port)).Err(err).Log("connection socket init failed")
		return nil, err
	}
	a.take(c)
	return c, nil
}

// GetFD takes a connection wrapping an existing descriptor.
func (a *Arena) GetFD(fd int) (*Connection, error) {
	c, err := a.front()
	if err != nil {
		return nil, err
	}
	if err := c.Socket.Wrap(fd); err != nil {
		a.log.Err().Int("fd", fd).Err(err).Log("connection socket wrap failed")
		return nil, err
	}
	a.take(c)
	return c, nil
}

// Free closes the socket, runs the cleanups and pushes the connection to the
// front of the free list.
func (a *Arena) Free(c *Connection) {
	fd := c.Socket.FD
	if _, ok := a.internal[fd]; ok {
		delete(a.internal, fd)
	} else {
		a.log.Crit().Int("cid", int(c.ID)).Int("fd", fd).Log("connection free, fd not owned")
	}

	if c.Socket.Valid() {
		_ = c.Socket.Close()
	} else {
		a.log.Warning().Int("cid", int(c.ID)).Int("fd", fd).Log("connection socket already closed")
	}

	cleanups := c.Cleanups
	c.Cleanups = nil
	for _, fn := range cleanups {
		fn(c)
	}

	c.Reset(false)
	a.free = append(a.free, c)
	a.puts.Inc()
	a.inUse.Dec()
}

// Lookup returns the connection with the given id, or nil.
func (a *Arena) Lookup(id uint32) *Connection {
	if id == 0 || int(id) > len(a.conns) {
		return nil
	}
	return a.conns[id-1]
}

// IsInternal reports whether fd is owned by an arena connection.
func (a *Arena) IsInternal(fd int) bool {
	_, ok := a.internal[fd]
	return ok
}

// CloseAll marks every live primary connection for shutdown and hands it to
// push. The wake-up connection is skipped.
func (a *Arena) CloseAll(push func(c *Connection)) {
	for _, c := range a.conns {
		if c.IsShadow || !c.Socket.Valid() || c.Handler.Kind == HandlerWakeup {
			continue
		}
		c.PendingEOF = true
		push(c)
	}
}

// Live returns the number of connections handed out.
func (a *Arena) Live() int { return int(a.inUse.Load()) }

// ArenaStats is a counter snapshot.
type ArenaStats struct {
	Size   int64         `json:"size"`
	InUse  int64         `json:"in_use"`
	Gets   uint64        `json:"gets"`
	Puts   uint64        `json:"puts"`
	Fails  uint64        `json:"fails"`
	Buffer BytePoolStats `json:"buffer"`
}

// Stats returns arena statistics. It is safe to call from any goroutine.
func (a *Arena) Stats() ArenaStats {
	return ArenaStats{
		Size:   a.size.Load(),
		InUse:  a.inUse.Load(),
		Gets:   a.gets.Load(),
		Puts:   a.puts.Load(),
		Fails:  a.fails.Load(),
		Buffer: a.bytes.Stats(),
	}
}

func (s ArenaStats) String() string {
	return fmt.Sprintf("size=%d in_use=%d gets=%d puts=%d fails=%d", s.Size, s.InUse, s.Gets, s.Puts, s.Fails)
}
