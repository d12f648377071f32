// Package hook provides coroutine-aware replacements for blocking socket,
// sleep and mutex calls.
//
// Code running inside a worker coroutine calls hook.Read(w, fd, p) instead
// of unix.Read. Where the plain call would block, the coroutine is parked on
// the worker's poller and the worker keeps serving other connections. Off a
// worker every call goes straight through to the system.
package hook

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/core"
	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
)

var (
	ErrTimeout    = errors.New("hook: timed out")
	ErrHookFailed = errors.New("hook: wait failed")
	ErrDying      = errors.New("hook: connection dying")
)

// current returns the connection whose coroutine is running on w, or nil
// when the call does not come from a worker coroutine.
func current(w *core.Worker) *pools.Connection {
	if w == nil {
		return nil
	}
	return w.Current()
}

// thirdParty prepares fd, a descriptor the worker does not own, for a
// parked call. It reports false when fd must be used as is: not a stream
// socket, or already non-blocking. Otherwise restore puts the blocking mode
// back.
func thirdParty(fd int) (restore func(), ok bool) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return nil, false
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil || flags&unix.O_NONBLOCK != 0 {
		return nil, false
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return nil, false
	}
	return func() { _, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags) }, true
}

// sockTimeout reads SO_RCVTIMEO or SO_SNDTIMEO in milliseconds. An unset
// option yields 0: the wait has no timer of its own and only ends on
// readiness or when the calling connection is torn down.
func sockTimeout(fd, opt int) int {
	tv, err := unix.GetsockoptTimeval(fd, unix.SOL_SOCKET, opt)
	if err != nil {
		return 0
	}
	return int(tv.Sec)*1000 + int(tv.Usec)/1000
}

func resultErr(ret core.Result) error {
	if ret == core.Timeout {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %s", ErrHookFailed, ret)
}

// wait parks the coroutine of c until fd is ready for interest.
func wait(w *core.Worker, c *pools.Connection, fd int, internal bool, interest uint32, timeoutMs int) error {
	var ret core.Result
	if internal {
		ret = w.Dispatcher.Yield(c, c.Version)
	} else {
		ret = w.Dispatcher.YieldThirdSocket(fd, interest, timeoutMs, c)
	}
	if ret != core.OK {
		w.Logger().Warning().Int("cid", int(c.ID)).Int("fd", fd).Str("ret", ret.String()).Log("hook wait failed")
		return resultErr(ret)
	}
	return nil
}

// readWrite runs op, parking once on EAGAIN before running it again.
func readWrite[T any](w *core.Worker, fd int, interest uint32, opt int, op func() (T, error)) (T, error) {
	c := current(w)
	if c == nil {
		return op()
	}
	if c.Dying {
		var zero T
		w.Logger().Warning().Int("cid", int(c.ID)).Int("fd", fd).Log("hook call on dying connection")
		return zero, ErrDying
	}

	internal := w.Arena.IsInternal(fd)
	if !internal {
		restore, ok := thirdParty(fd)
		if !ok {
			return op()
		}
		defer restore()
	}

	v, err := op()
	if err != unix.EAGAIN {
		return v, err
	}
	if err := wait(w, c, fd, internal, interest, sockTimeout(fd, opt)); err != nil {
		var zero T
		return zero, err
	}
	return op()
}

// Read is unix.Read.
func Read(w *core.Worker, fd int, p []byte) (int, error) {
	return readWrite(w, fd, poller.Read, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write is unix.Write.
func Write(w *core.Worker, fd int, p []byte) (int, error) {
	return readWrite(w, fd, poller.Write, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Readv is unix.Readv.
func Readv(w *core.Worker, fd int, iovs [][]byte) (int, error) {
	return readWrite(w, fd, poller.Read, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Writev is unix.Writev.
func Writev(w *core.Worker, fd int, iovs [][]byte) (int, error) {
	return readWrite(w, fd, poller.Write, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Recv receives into p with flags.
func Recv(w *core.Worker, fd int, p []byte, flags int) (int, error) {
	n, _, err := Recvfrom(w, fd, p, flags)
	return n, err
}

// Send sends p with flags.
func Send(w *core.Worker, fd int, p []byte, flags int) (int, error) {
	return Sendto(w, fd, p, flags, nil)
}

type recvResult struct {
	n    int
	from unix.Sockaddr
}

// Recvfrom is unix.Recvfrom.
func Recvfrom(w *core.Worker, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	r, err := readWrite(w, fd, poller.Read, unix.SO_RCVTIMEO, func() (recvResult, error) {
		n, from, err := unix.Recvfrom(fd, p, flags)
		return recvResult{n: n, from: from}, err
	})
	return r.n, r.from, err
}

// Sendto sends p to the address to, or on the connected peer when to is nil.
func Sendto(w *core.Worker, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return readWrite(w, fd, poller.Write, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

type acceptResult struct {
	fd int
	sa unix.Sockaddr
}

// Accept is unix.Accept4 with SOCK_CLOEXEC.
func Accept(w *core.Worker, fd int) (int, unix.Sockaddr, error) {
	r, err := readWrite(w, fd, poller.Read, unix.SO_RCVTIMEO, func() (acceptResult, error) {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		return acceptResult{fd: nfd, sa: sa}, err
	})
	if err != nil {
		return -1, nil, err
	}
	return r.fd, r.sa, nil
}

// Connect connects fd to sa. An internal socket waits for the connect
// timeout of its connection; a third party one for SO_SNDTIMEO, or without
// limit when that is unset.
func Connect(w *core.Worker, fd int, sa unix.Sockaddr) error {
	return connect(w, fd, sa, 0)
}

func connect(w *core.Worker, fd int, sa unix.Sockaddr, timeoutMs int) error {
	c := current(w)
	if c == nil {
		return unix.Connect(fd, sa)
	}
	if c.Dying {
		return ErrDying
	}

	internal := w.Arena.IsInternal(fd)
	if !internal {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil || flags&unix.O_NONBLOCK != 0 {
			return unix.Connect(fd, sa)
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			return unix.Connect(fd, sa)
		}
		defer func() { _, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags) }()
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		w.Logger().Warning().Int("cid", int(c.ID)).Int("fd", fd).Err(err).Log("hook connect failed")
		return err
	}

	if timeoutMs <= 0 {
		timeoutMs = sockTimeout(fd, unix.SO_SNDTIMEO)
	}
	if err := wait(w, c, fd, internal, poller.Write, timeoutMs); err != nil {
		return err
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Dial opens a TCP socket to addr ("ip:port") and connects it within
// timeout. The returned descriptor is blocking, so later hook calls park on
// it like on any third party socket. The caller closes it.
func Dial(w *core.Worker, addr string, timeout time.Duration) (int, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return -1, fmt.Errorf("hook: dial %s: %w", addr, err)
	}

	var sa unix.Sockaddr
	domain := unix.AF_INET
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		sa = &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().Unmap().As4()}
	} else {
		domain = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("hook: dial %s: %w", addr, err)
	}
	if err := connect(w, fd, sa, int(timeout.Milliseconds())); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("hook: dial %s: %w", addr, err)
	}
	return fd, nil
}

// Sleep parks the coroutine for d. Off a worker it is time.Sleep.
func Sleep(w *core.Worker, d time.Duration) error {
	c := current(w)
	if c == nil {
		time.Sleep(d)
		return nil
	}
	if ret := w.Dispatcher.YieldTimer(c, int(d.Milliseconds())); ret != core.OK {
		w.Logger().Err().Int("cid", int(c.ID)).Dur("sleep", d).Str("ret", ret.String()).Log("hook sleep failed")
		return resultErr(ret)
	}
	return nil
}

// Usleep parks the coroutine for usec microseconds. The timer has
// millisecond resolution, so shorter sleeps block the worker.
func Usleep(w *core.Worker, usec int) error {
	c := current(w)
	if c == nil || usec <= 1000 {
		time.Sleep(time.Duration(usec) * time.Microsecond)
		return nil
	}
	return Sleep(w, time.Duration(usec/1000)*time.Millisecond)
}

// WaitFD waits until fd is ready for interest (poller.Read or poller.Write)
// or timeoutMs elapses, in place of a select or poll on a single fd. A
// negative timeoutMs waits without limit.
func WaitFD(w *core.Worker, fd int, interest uint32, timeoutMs int) error {
	c := current(w)
	if c == nil {
		return pollFD(fd, interest, timeoutMs)
	}
	if c.Dying {
		return ErrDying
	}
	if timeoutMs == 0 {
		return pollFD(fd, interest, 0)
	}
	if timeoutMs < 0 {
		timeoutMs = 0
	}
	return wait(w, c, fd, false, interest, timeoutMs)
}

// AwaitReadable is WaitFD for reading.
func AwaitReadable(w *core.Worker, fd int, timeoutMs int) error {
	return WaitFD(w, fd, poller.Read, timeoutMs)
}

// AwaitWritable is WaitFD for writing.
func AwaitWritable(w *core.Worker, fd int, timeoutMs int) error {
	return WaitFD(w, fd, poller.Write, timeoutMs)
}

func pollFD(fd int, interest uint32, timeoutMs int) error {
	var events int16
	if interest&poller.In != 0 {
		events |= unix.POLLIN
	}
	if interest&poller.Out != 0 {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}
