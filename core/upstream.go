package core

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/atomic"

	"github.com/searchktools/coserver/config"
	"github.com/searchktools/coserver/core/balancer"
	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/protocol"
)

// Upstream is a backend group on one worker: its balancer, the idle
// connections kept for reuse per backend and the connection limit.
type Upstream struct {
	w   *Worker
	cfg config.UpstreamConfig
	lb  *balancer.WRR

	// reuse lists keep the most recently freed connection last
	reuse map[string][]*pools.Connection

	cur      atomic.Int64
	reused   atomic.Uint64
	dialed   atomic.Uint64
	failed   atomic.Uint64
	retried  atomic.Uint64
	rejected atomic.Uint64
}

// Name returns the upstream name.
func (u *Upstream) Name() string { return u.cfg.Name }

// get returns an idle connection to the next backend, or a new unconnected
// one while below MaxConnections.
func (u *Upstream) get() (*pools.Connection, error) {
	b := u.lb.Get()
	if b == nil {
		u.rejected.Inc()
		return nil, fmt.Errorf("%w: upstream %s has no available backend", ErrNoUpstreamConn, u.cfg.Name)
	}

	var c *pools.Connection
	if idle := u.reuse[b.Key()]; len(idle) > 0 {
		c = idle[len(idle)-1]
		u.reuse[b.Key()] = idle[:len(idle)-1]
		u.reused.Inc()
		u.w.log.Debug().Int("cid", int(c.ID)).Str("upstream", u.cfg.Name).Log("upstream connection reused")
	}

	if c == nil {
		if int(u.cur.Load()) >= u.cfg.MaxConnections {
			u.rejected.Inc()
			u.w.log.Err().
				Limit().
				Str("upstream", u.cfg.Name).
				Int("cur", int(u.cur.Load())).
				Int("max", u.cfg.MaxConnections).
				Log("upstream connections at limit")
			return nil, fmt.Errorf("%w: upstream %s at limit", ErrNoUpstreamConn, u.cfg.Name)
		}
		var err error
		c, err = u.w.Arena.Get(b.Addr(), b.Port, false)
		if err != nil {
			u.rejected.Inc()
			return nil, fmt.Errorf("%w: upstream %s: %w", ErrNoUpstreamConn, u.cfg.Name, err)
		}
		u.cur.Inc()
		u.dialed.Inc()
		c.StartTimestamp = time.Now().UnixMilli()
		u.w.log.Debug().Int("cid", int(c.ID)).Str("upstream", u.cfg.Name).Int("cur", int(u.cur.Load())).Log("upstream connection new")
	}

	c.Upstream = u
	c.Backend = b
	c.ConnTimeout = u.cfg.ConnTimeout
	c.RcvTimeout = u.cfg.ReadTimeout
	c.SndTimeout = u.cfg.WriteTimeout
	c.KeepaliveTimeout = u.cfg.KeepaliveTimeout
	c.Handler = pools.Handler{Kind: pools.HandlerUpstream}
	return c, nil
}

// free keeps c for reuse after a clean exchange. Failures, worn out
// connections and exceptions on idle ones close it.
func (u *Upstream) free(c *pools.Connection, ret Result) {
	w := u.w
	b, _ := c.Backend.(*balancer.Backend)
	key := ""
	if b != nil {
		key = b.Key()
	}

	closing := false
	if ret == Exception {
		idle := u.reuse[key]
		if i := slices.Index(idle, c); i >= 0 {
			u.reuse[key] = slices.Delete(idle, i, i+1)
			closing = true
			w.log.Debug().Int("cid", int(c.ID)).Str("upstream", u.cfg.Name).Log("idle upstream connection closed")
		}
	}
	if !closing && ret != OK {
		// the backend is not to blame for a parent going away
		if b != nil && !c.ParentDying {
			b.CommFailed()
		}
		u.failed.Inc()
		closing = true
		w.log.Warning().Int("cid", int(c.ID)).Str("upstream", u.cfg.Name).Str("ret", ret.String()).Log("upstream connection failed")
	}
	if !closing && u.cfg.ConnectionMaxRequest != 0 && int(c.RequestCount) >= u.cfg.ConnectionMaxRequest {
		closing = true
		w.log.Info().Int("cid", int(c.ID)).Str("upstream", u.cfg.Name).Uint64("requests", uint64(c.RequestCount)).Log("upstream connection max requests")
	}
	if !closing && u.cfg.ConnectionMaxTime != 0 && time.Now().UnixMilli()-c.StartTimestamp >= int64(u.cfg.ConnectionMaxTime) {
		closing = true
		w.log.Info().Int("cid", int(c.ID)).Str("upstream", u.cfg.Name).Log("upstream connection max time")
	}

	w.disarm(c.Read)
	w.disarm(c.Write)

	if closing {
		u.cur.Dec()
		_ = w.Poller.Remove(c)
		w.Arena.Free(c)
		return
	}

	// reset before re-arming so the registration carries the new version
	c.Reset(true)
	w.pollerDel(c, poller.In|poller.Out)
	w.Timer.Add(c.Read, c.KeepaliveTimeout)
	u.reuse[key] = append(u.reuse[key], c)
	w.log.Debug().Int("cid", int(c.ID)).Str("backend", key).Log("upstream connection kept alive")
}

// UpstreamStats is a counter snapshot of one upstream.
type UpstreamStats struct {
	Name        string `json:"name"`
	Connections int64  `json:"connections"`
	Dialed      uint64 `json:"dialed"`
	Reused      uint64 `json:"reused"`
	Failed      uint64 `json:"failed"`
	Retried     uint64 `json:"retried"`
	Rejected    uint64 `json:"rejected"`
}

// Stats returns the upstream counters. It is safe from any goroutine.
func (u *Upstream) Stats() UpstreamStats {
	return UpstreamStats{
		Name:        u.cfg.Name,
		Connections: u.cur.Load(),
		Dialed:      u.dialed.Load(),
		Reused:      u.reused.Load(),
		Failed:      u.failed.Load(),
		Retried:     u.retried.Load(),
		Rejected:    u.rejected.Load(),
	}
}

// UpstreamPool holds the upstreams of a worker by name.
type UpstreamPool struct {
	w     *Worker
	byKey map[string]*Upstream
	order []*Upstream
}

func newUpstreamPool(w *Worker, cfgs []config.UpstreamConfig) (*UpstreamPool, error) {
	p := &UpstreamPool{w: w, byKey: map[string]*Upstream{}}
	for _, cfg := range cfgs {
		if _, dup := p.byKey[cfg.Name]; dup {
			w.log.Err().Str("upstream", cfg.Name).Log("upstream configured twice, skipped")
			continue
		}
		lb, err := balancer.New(cfg, balancer.WithLogger(w.log))
		if err != nil {
			return nil, fmt.Errorf("core: upstream %s: %w", cfg.Name, err)
		}
		u := &Upstream{w: w, cfg: cfg, lb: lb, reuse: map[string][]*pools.Connection{}}
		p.byKey[cfg.Name] = u
		p.order = append(p.order, u)
	}
	return p, nil
}

// Get returns the upstream called name.
func (p *UpstreamPool) Get(name string) (*Upstream, bool) {
	u, ok := p.byKey[name]
	return u, ok
}

// Stats returns the counters of every upstream.
func (p *UpstreamPool) Stats() []UpstreamStats {
	out := make([]UpstreamStats, 0, len(p.order))
	for _, u := range p.order {
		out = append(out, u.Stats())
	}
	return out
}

func (p *UpstreamPool) connection(name string) (*pools.Connection, error) {
	u, ok := p.byKey[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamNotFound, name)
	}
	return u.get()
}

// retry moves a failed sub-request onto a fresh connection of the same
// upstream.
func (p *UpstreamPool) retry(r *Request, u *Upstream) {
	w := p.w
	r.retryTimes++
	u.retried.Inc()

	c, err := u.get()
	if err != nil {
		w.log.Err().Uint64("rid", uint64(r.id)).Str("upstream", u.cfg.Name).Err(err).Log("upstream retry failed")
		r.conn = nil
		w.upstreamFinalizeRequest(r, Error)
		return
	}
	r.resetConnection(c)
	r.protocol.ResetResponse()
	w.Dispatcher.Push(c)
	w.log.Debug().Int("cid", int(c.ID)).Uint64("rid", uint64(r.id)).Int("retry", r.retryTimes).Log("upstream retry")
}

// AddUpstream issues a sub-request of the request behind h to the upstream
// called name. The caller fills the request of the returned codec, then
// calls RunUpstreams.
func (p *UpstreamPool) AddUpstream(h *HandlerData, name string, t protocol.Type) (*UpstreamInfo, error) {
	w := p.w
	parent, ok := h.conn.Request.(*Request)
	if !ok || !h.conn.Alive(h.version) {
		return nil, fmt.Errorf("core: add upstream %s: request is gone", name)
	}

	c, err := p.connection(name)
	if err != nil {
		w.log.Err().Str("upstream", name).Err(err).Log("add upstream failed")
		return nil, err
	}
	proto, err := NewProtocol(t)
	if err != nil {
		c.Upstream.(*Upstream).free(c, Error)
		return nil, err
	}

	info := &UpstreamInfo{Protocol: proto}
	h.Upstreams = append(h.Upstreams, info)

	r, _ := w.newRequest(c, RequestUpstream, t, proto)
	r.parent = parent
	r.info = info
	parent.subRequests[r.id] = r
	parent.count++
	w.Dispatcher.Push(c)

	w.log.Debug().
		Int("cid", int(c.ID)).
		Uint64("rid", uint64(r.id)).
		Uint64("prid", uint64(parent.id)).
		Int("parent_count", parent.count).
		Log("upstream added")
	return info, nil
}

// RunUpstreams suspends the request behind h until every sub-request added
// with AddUpstream has finished.
func (p *UpstreamPool) RunUpstreams(h *HandlerData) Result {
	if len(h.Upstreams) == 0 {
		p.w.log.Err().Int("cid", int(h.conn.ID)).Log("run upstreams without upstreams")
		return Error
	}
	return h.Yield()
}

// AddUpstreamDetach issues a sub-request that belongs to no client request.
// done runs when it finishes, error or not. It must be called on the worker.
func (p *UpstreamPool) AddUpstreamDetach(name string, t protocol.Type, done func(*HandlerData) Result, userData any) (*HandlerData, error) {
	w := p.w
	if w.current == nil {
		return nil, ErrNotWorkerThread
	}
	c, err := p.connection(name)
	if err != nil {
		w.log.Err().Str("upstream", name).Err(err).Log("add detached upstream failed")
		return nil, err
	}
	proto, err := NewProtocol(t)
	if err != nil {
		c.Upstream.(*Upstream).free(c, Error)
		return nil, err
	}

	r, _ := w.newRequest(c, RequestUpstream|RequestDetach, t, proto)
	info := &UpstreamInfo{Protocol: proto}
	r.data.Upstreams = append(r.data.Upstreams, info)
	r.data.UserData = userData
	r.destroy = done
	r.info = info
	w.Dispatcher.Push(c)

	w.log.Debug().Int("cid", int(c.ID)).Uint64("rid", uint64(r.id)).Log("detached upstream added")
	return r.data, nil
}
