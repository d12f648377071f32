package poller

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The epoll data union is stored in the Fd and Pad fields of EpollEvent.

func setTag(ev *unix.EpollEvent, tag uint64) {
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = tag
}

func tag(ev *unix.EpollEvent) uint64 {
	return *(*uint64)(unsafe.Pointer(&ev.Fd))
}
