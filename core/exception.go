package core

import "github.com/searchktools/coserver/core/pools"

// exception runs before every dispatch of c. Exception means the coroutine
// must not be resumed.
func (w *Worker) exception(c *pools.Connection) Result {
	switch c.Exception {
	case pools.ExceptionNone:
		if c.PendingEOF || c.TimedOut {
			w.log.Warning().Int("cid", int(c.ID)).Log("internal connection flagged, ignored")
			c.PendingEOF = false
			c.TimedOut = false
		}
		return OK
	case pools.ExceptionListen:
		return w.listenException(c)
	}
	return w.eventException(c)
}

func (w *Worker) eventException(c *pools.Connection) Result {
	if !c.TimedOut && !c.PendingEOF && !c.Dying {
		return OK
	}
	c.Dying = true

	if c.ThirdFuncBlocking {
		return Exception
	}

	if c.IsShadow {
		return OK
	}
	if c.UseShadow {
		c.Shadow.Dying = true
		return OK
	}

	req, _ := c.Request.(*Request)
	if req != nil && len(req.subRequests) > 0 {
		for _, sub := range req.subRequests {
			uc := sub.conn
			if uc == nil {
				continue
			}
			uc.Dying = true
			uc.ParentDying = true
			w.Dispatcher.Push(uc)
		}
		w.log.Info().
			Int("cid", int(c.ID)).
			Uint64("rid", uint64(req.id)).
			Int("subrequests", len(req.subRequests)).
			Log("connection dying, cancel subrequests")
		return Exception
	}

	if req == nil {
		w.log.Debug().
			Int("cid", int(c.ID)).
			Bool("timeout", c.TimedOut).
			Bool("eof", c.PendingEOF).
			Log("idle connection closed")
		w.FreeConnection(c, Exception)
		return Exception
	}
	return OK
}

// listenException only acts on shutdown: the listener is closed.
func (w *Worker) listenException(c *pools.Connection) Result {
	if !w.Dispatcher.Stopping() {
		c.PendingEOF = false
		c.TimedOut = false
		return OK
	}
	if s, ok := c.Server.(*ServerControl); ok {
		s.listener = nil
	}
	_ = w.Poller.Remove(c)
	w.Arena.Free(c)
	w.log.Info().Int("cid", int(c.ID)).Log("listener closed")
	return Exception
}
