package core

import (
	"fmt"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/config"
	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/protocol"
)

// MaxAcceptNum bounds the accepts per listener wake-up.
const MaxAcceptNum = 64

// ServerControl owns the listener of one configured server on one worker and
// keeps its connection count under MaxConnections.
type ServerControl struct {
	w     *Worker
	cfg   config.ServerConfig
	proto protocol.Type
	funcs *UserFuncs
	port  uint16

	listener  *pools.Connection
	listening bool

	cur      atomic.Int64
	accepted atomic.Uint64
	refused  atomic.Uint64
	latency  latency
}

func newServerControl(w *Worker, cfg config.ServerConfig) (*ServerControl, error) {
	funcs, ok := w.handlers[cfg.Handler]
	if !ok {
		return nil, fmt.Errorf("%w: server %s handler %q", ErrHandlerNotFound, cfg.Name, cfg.Handler)
	}
	proto := protocol.TCPServer
	if cfg.Protocol == config.ProtocolHTTP {
		proto = protocol.HTTPServer
	}

	ip := cfg.ListenIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	l, err := w.Arena.Get(ip, uint16(cfg.ListenPort), true)
	if err != nil {
		return nil, fmt.Errorf("core: server %s listen: %w", cfg.Name, err)
	}

	s := &ServerControl{w: w, cfg: cfg, proto: proto, funcs: funcs, port: l.Socket.Port, listener: l}
	l.Server = s
	l.Handler = pools.Handler{Kind: pools.HandlerListen}
	l.Exception = pools.ExceptionListen
	s.modifyListening()

	w.log.Info().
		Str("server", cfg.Name).
		Str("addr", l.Socket.Addr()).
		Str("protocol", proto.String()).
		Log("server listening")
	return s, nil
}

// Name returns the configured server name.
func (s *ServerControl) Name() string { return s.cfg.Name }

// Port returns the bound listening port.
func (s *ServerControl) Port() uint16 { return s.port }

// Connections returns the number of open client connections.
func (s *ServerControl) Connections() int { return int(s.cur.Load()) }

// limit returns how many connections may be accepted now.
func (s *ServerControl) limit() int {
	cur := int(s.cur.Load())
	if cur >= s.cfg.MaxConnections {
		return 0
	}
	return min(MaxAcceptNum, s.cfg.MaxConnections-cur)
}

// modifyListening keeps the listener registered only while below the limit.
func (s *ServerControl) modifyListening() {
	l := s.listener
	if l == nil {
		return
	}
	if int(s.cur.Load()) >= s.cfg.MaxConnections {
		if s.listening {
			s.listening = false
			s.w.pollerDel(l, poller.Read)
			s.w.log.Warning().Limit().Str("server", s.cfg.Name).Int("max", s.cfg.MaxConnections).Log("server connections at limit, stop listening")
		}
		return
	}
	if !s.listening {
		s.listening = true
		s.w.pollerAdd(l, poller.Read)
	}
}

// listen is the listener coroutine body.
func (s *ServerControl) listen(l *pools.Connection) {
	for {
		n := s.limit()
		if n == 0 {
			s.modifyListening()
			return
		}
		if !s.accept(l, n) {
			return
		}
	}
}

// accept takes up to n connections, parking on an empty queue. It returns
// false when the listener must stop.
func (s *ServerControl) accept(l *pools.Connection, n int) bool {
	version := l.Version
	for i := 0; i < n; i++ {
		fd, ip, port, err := l.Socket.Accept()
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			if s.w.Dispatcher.Yield(l, version) != OK {
				return false
			}
			continue
		default:
			s.refused.Inc()
			s.w.log.Err().Limit().Str("server", s.cfg.Name).Err(err).Log("accept failed")
			return false
		}

		if err := s.initConnection(fd, ip, port); err != nil {
			s.refused.Inc()
			s.w.log.Err().Limit().Str("server", s.cfg.Name).Err(err).Log("accept connection init failed")
		}
	}
	return true
}

func (s *ServerControl) initConnection(fd int, ip string, port uint16) error {
	c, err := s.w.Arena.GetFD(fd)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	if c.Socket.IP == "" {
		c.Socket.IP, c.Socket.Port = ip, port
	}
	_ = c.Socket.SetNoDelay()

	c.Server = s
	c.RcvTimeout = s.cfg.ReadTimeout
	c.SndTimeout = s.cfg.WriteTimeout
	c.KeepaliveTimeout = s.cfg.KeepaliveTimeout
	c.Handler = pools.Handler{Kind: pools.HandlerRequest}
	c.Cleanups = append(c.Cleanups, s.cleanup)

	s.cur.Inc()
	s.accepted.Inc()
	s.w.Dispatcher.Push(c)

	s.w.log.Debug().Int("cid", int(c.ID)).Int("fd", fd).Str("peer", c.Socket.Addr()).Log("connection accepted")
	return nil
}

func (s *ServerControl) cleanup(*pools.Connection) {
	s.cur.Dec()
	s.modifyListening()
}

// ServerStats is a counter snapshot of a server control.
type ServerStats struct {
	Name        string       `json:"name"`
	Port        int          `json:"port"`
	Connections int64        `json:"connections"`
	Accepted    uint64       `json:"accepted"`
	Refused     uint64       `json:"refused"`
	Latency     LatencyStats `json:"latency"`
}

// Stats returns the server counters. It is safe from any goroutine.
func (s *ServerControl) Stats() ServerStats {
	return ServerStats{
		Name:        s.cfg.Name,
		Port:        int(s.port),
		Connections: s.cur.Load(),
		Accepted:    s.accepted.Load(),
		Refused:     s.refused.Load(),
		Latency:     s.latency.stats(),
	}
}
