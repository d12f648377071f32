package core

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/protocol"
)

// ReadChunk is the buffer growth per read.
const ReadChunk = 4096

// read reads from an arena connection, parking its coroutine while the
// socket is drained. A timed out connection reports Timeout and EOF reports
// ConnectionClose.
func (w *Worker) read(c *pools.Connection, p []byte) (int, Result) {
	version := c.Version
	for {
		n, err := c.Socket.Read(p)
		switch {
		case err == nil && n > 0:
			return n, OK
		case err == nil:
			return 0, ConnectionClose
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if ret := w.Dispatcher.Yield(c, version); ret != OK {
				if c.TimedOut {
					return 0, Timeout
				}
				return 0, ret
			}
		default:
			w.log.Debug().Int("cid", int(c.ID)).Err(err).Log("connection read failed")
			return 0, Error
		}
	}
}

// write writes p to an arena connection, parking while the socket is full.
func (w *Worker) write(c *pools.Connection, p []byte) (int, Result) {
	version := c.Version
	for {
		n, err := c.Socket.Write(p)
		switch {
		case err == nil:
			return n, OK
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if ret := w.Dispatcher.Yield(c, version); ret != OK {
				if c.TimedOut {
					return 0, Timeout
				}
				return 0, ret
			}
		default:
			w.log.Debug().Int("cid", int(c.ID)).Err(err).Log("connection write failed")
			return 0, Error
		}
	}
}

// connect completes a non-blocking connect of an arena connection. The
// caller registers the write interest and arms the timer.
func (w *Worker) connect(c *pools.Connection) Result {
	version := c.Version
	err := c.Socket.Connect()
	if err == nil {
		return OK
	}
	if err != unix.EINPROGRESS {
		w.log.Err().Int("cid", int(c.ID)).Str("addr", c.Socket.Addr()).Err(err).Log("connect failed")
		return Error
	}

	if ret := w.Dispatcher.Yield(c, version); ret != OK {
		if c.TimedOut {
			return Timeout
		}
		return ret
	}
	soErr, err := unix.GetsockoptInt(c.Socket.FD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soErr != 0 {
		w.log.Err().Int("cid", int(c.ID)).Str("addr", c.Socket.Addr()).Int("errno", soErr).Log("connect failed")
		return Error
	}
	return OK
}

// receive reads until p decodes one complete message. The read timer and the
// read interest live only for the duration of the call.
func (w *Worker) receive(c *pools.Connection, p protocol.Protocol, interest uint32) Result {
	defer func() {
		w.disarm(c.Read)
		w.pollerDel(c, poller.In)
	}()

	w.Timer.Add(c.Read, c.RcvTimeout)
	if !w.pollerAdd(c, interest) {
		return Error
	}

	b := c.Buffer
	for {
		if err := b.Expand(ReadChunk); err != nil {
			w.log.Err().Int("cid", int(c.ID)).Err(err).Log("buffer expand failed")
			return Error
		}
		n, ret := w.read(c, b.Tail())
		if ret != OK {
			return ret
		}
		if err := b.Commit(n); err != nil {
			return Error
		}

		err := p.Decode(b)
		switch {
		case err == nil:
			return OK
		case errors.Is(err, protocol.ErrAgain):
			continue
		default:
			w.log.Err().Limit().Int("cid", int(c.ID)).Err(err).Log("protocol decode failed")
			return Error
		}
	}
}

// send encodes the outbound message of p and writes it out under the write
// timer.
func (w *Worker) send(c *pools.Connection, p protocol.Protocol) Result {
	defer func() {
		w.disarm(c.Write)
		w.pollerDel(c, poller.Out)
	}()

	w.Timer.Add(c.Write, c.SndTimeout)
	if !w.pollerAdd(c, poller.Out) {
		return Error
	}

	b := c.Buffer
	if b.Len() > 0 {
		b.Reset()
	}
	if err := p.Encode(b); err != nil {
		w.log.Err().Int("cid", int(c.ID)).Err(err).Log("protocol encode failed")
		return Error
	}
	for b.Len() > 0 {
		n, ret := w.write(c, b.Bytes())
		if ret != OK {
			return ret
		}
		b.Erase(n)
	}
	return OK
}
