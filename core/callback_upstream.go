package core

import (
	"time"

	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
)

// upstreamInit connects a new upstream connection, or picks up a reused one,
// then runs the exchange.
func (w *Worker) upstreamInit(c *pools.Connection) {
	r, ok := c.Request.(*Request)
	if !ok {
		w.log.Crit().Int("cid", int(c.ID)).Log("upstream connection without request")
		w.FreeConnection(c, Error)
		return
	}

	if c.Read.Active {
		// reused: only the keepalive timer is armed
		w.disarm(c.Read)
	} else {
		ret := w.upstreamConnect(c)
		if ret != OK {
			w.upstreamFinalize(r, ret)
			return
		}
	}
	r.connectDur = time.Since(r.start)
	w.upstreamWrite(r)
}

func (w *Worker) upstreamConnect(c *pools.Connection) Result {
	defer w.disarm(c.Write)

	w.Timer.Add(c.Write, c.ConnTimeout)
	if !w.pollerAdd(c, poller.Write) {
		w.log.Crit().Int("cid", int(c.ID)).Log("upstream poller add failed")
		return Error
	}
	return w.connect(c)
}

func (w *Worker) upstreamWrite(r *Request) {
	ret := w.send(r.conn, r.protocol)
	r.writeDur = time.Since(r.start)
	if ret != OK {
		w.log.Err().Int("cid", int(r.conn.ID)).Uint64("rid", uint64(r.id)).Str("ret", ret.String()).Log("upstream write failed")
		w.upstreamFinalize(r, ret)
		return
	}
	w.upstreamRead(r)
}

func (w *Worker) upstreamRead(r *Request) {
	ret := w.receive(r.conn, r.protocol, poller.In)
	r.readDur = time.Since(r.start)
	if ret != OK {
		w.log.Err().Int("cid", int(r.conn.ID)).Uint64("rid", uint64(r.id)).Str("ret", ret.String()).Log("upstream read failed")
		w.upstreamFinalize(r, ret)
		return
	}
	w.upstreamProcess(r)
}

func (w *Worker) upstreamProcess(r *Request) {
	ret := OK
	if r.process != nil {
		c := r.conn
		w.Timer.Add(c.Read, c.KeepaliveTimeout)
		ret = r.process(r.data)
		r.processDur = time.Since(r.start)
		w.disarm(c.Read)
	}
	w.upstreamFinalize(r, ret)
}

// upstreamFinalize finishes a sub-request, or retries it on another
// connection while the parent is alive and retries remain. A sub-request cut
// short by its parent's teardown ends with Exception.
func (w *Worker) upstreamFinalize(r *Request, ret Result) {
	c := r.conn
	u := c.Upstream.(*Upstream)
	if c.ParentDying && ret != OK {
		ret = Exception
	}

	retry := !c.ParentDying && ret != OK && u.cfg.RetryMaxNum > r.retryTimes
	if !retry {
		w.upstreamFinalizeRequest(r, ret)
		u.free(c, ret)
		return
	}

	w.log.Warning().
		Int("cid", int(c.ID)).
		Uint64("rid", uint64(r.id)).
		Str("upstream", u.cfg.Name).
		Str("backend", c.Backend.Key()).
		Str("ret", ret.String()).
		Log("upstream failed, retry")
	u.free(c, ret)
	w.Upstreams.retry(r, u)
}

// upstreamFinalizeRequest records the outcome in the parent's view, runs the
// destroy callback and resumes the parent once its last sub-request is done.
func (w *Worker) upstreamFinalizeRequest(r *Request, ret Result) {
	r.info.UseTime = time.Since(r.start)
	r.info.Status = ret
	r.info.Retries = r.retryTimes

	if r.destroy != nil {
		r.destroy(r.data)
	}
	r.release()

	if r.typ&RequestDetach == 0 {
		p := r.parent
		if _, ok := p.subRequests[r.id]; ok {
			delete(p.subRequests, r.id)
		} else {
			w.log.Crit().Uint64("rid", uint64(r.id)).Uint64("prid", uint64(p.id)).Log("subrequest missing from parent")
		}
		p.count--
		if p.count == 1 {
			w.Dispatcher.Push(p.conn)
		}
		w.log.Debug().Uint64("rid", uint64(r.id)).Uint64("prid", uint64(p.id)).Int("parent_count", p.count).Log("upstream finalize")
	}

	w.log.Debug().
		Uint64("rid", uint64(r.id)).
		Str("ret", ret.String()).
		Dur("connect", r.connectDur).
		Dur("write", r.writeDur).
		Dur("read", r.readDur).
		Dur("process", r.processDur).
		Log("upstream request done")
}
