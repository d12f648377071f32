package core

import (
	"time"

	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
)

// requestInit starts a client request on an accepted or kept-alive
// connection.
func (w *Worker) requestInit(c *pools.Connection) {
	w.disarm(c.Read)

	s, ok := c.Server.(*ServerControl)
	if !ok {
		w.log.Crit().Int("cid", int(c.ID)).Log("request connection without server")
		w.FreeRequestConnection(c, Error)
		return
	}
	r, err := w.newRequest(c, RequestNormal, s.proto, nil)
	if err != nil {
		w.log.Err().Int("cid", int(c.ID)).Err(err).Log("request init failed")
		w.requestWrite(r, Error)
		return
	}
	w.requestRead(r)
}

func (w *Worker) requestRead(r *Request) {
	ret := w.receive(r.conn, r.protocol, poller.Read)
	r.readDur = time.Since(r.start)
	if ret != OK {
		w.log.Debug().Int("cid", int(r.conn.ID)).Uint64("rid", uint64(r.id)).Str("ret", ret.String()).Log("request read failed")
		w.requestFinalize(r, ret)
		return
	}
	w.requestProcess(r)
}

// requestProcess runs the user callback. It may suspend for at most the
// keepalive timeout.
func (w *Worker) requestProcess(r *Request) {
	c := r.conn
	w.Timer.Add(c.Read, c.KeepaliveTimeout)
	ret := OK
	if r.process != nil {
		ret = r.process(r.data)
	}
	r.processDur = time.Since(r.start)
	w.disarm(c.Read)
	w.requestWrite(r, ret)
}

func (w *Worker) requestWrite(r *Request, ret Result) {
	if r.protocol == nil {
		w.requestFinalize(r, Error)
		return
	}
	wr := w.send(r.conn, r.protocol)
	r.writeDur = time.Since(r.start)
	if wr != OK {
		w.requestFinalize(r, wr)
		return
	}
	w.requestFinalize(r, ret)
}

func (w *Worker) requestFinalize(r *Request, ret Result) {
	c := r.conn
	if r.destroy != nil {
		r.destroy(r.data)
	}
	r.release()

	if ret == OK && c.Dying {
		ret = Error
	}
	if s, ok := c.Server.(*ServerControl); ok && r.processDur > 0 {
		s.latency.record(time.Since(r.start), ret != OK)
	}
	w.log.Debug().
		Int("cid", int(c.ID)).
		Uint64("rid", uint64(r.id)).
		Str("ret", ret.String()).
		Dur("read", r.readDur).
		Dur("process", r.processDur).
		Dur("write", r.writeDur).
		Log("request finalize")
	w.FreeRequestConnection(c, ret)
}

// FreeRequestConnection closes c unless ret is OK, in which case c is reset
// for keepalive and re-armed for the next request.
func (w *Worker) FreeRequestConnection(c *pools.Connection, ret Result) {
	w.disarm(c.Write)
	w.disarm(c.Read)

	if ret != OK {
		_ = w.Poller.Remove(c)
		w.log.Debug().Int("cid", int(c.ID)).Str("ret", ret.String()).Log("request connection closed")
		w.Arena.Free(c)
		return
	}

	c.Reset(true)
	w.pollerAdd(c, poller.In)
	w.pollerDel(c, poller.Out)
	w.Timer.Add(c.Read, c.KeepaliveTimeout)
	c.Handler = pools.Handler{Kind: pools.HandlerRequest}
}
