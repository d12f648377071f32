/*
Package coserver is a coroutine-driven network server runtime for Linux.

Every worker owns one OS thread, an epoll poller, a timer queue and an arena
of connections. Each connection runs its handler on a coroutine that suspends
on EAGAIN, on timers and on upstream sub-requests, so user handlers are
written as straight-line code while the worker thread never blocks.

Features

  - Framed TCP and HTTP/1.1 request servers with read, write and keepalive timeouts
  - Upstream sub-requests with weighted round robin, connection reuse and retries
  - Detached background upstream requests
  - Cooperative hooks for third-party blocking sockets, sleeps and mutexes
  - Cross-worker mutex hand-over without blocking a thread
  - Per-worker statistics served as JSON, text or protobuf over h2c

Quick Start

	package main

	import (
	    "github.com/searchktools/coserver/app"
	    "github.com/searchktools/coserver/config"
	    "github.com/searchktools/coserver/core"
	)

	func main() {
	    cfg, _ := config.New()
	    application, _ := app.New(cfg)

	    application.Register("handler", &core.UserFuncs{
	        Process: func(h *core.HandlerData) core.Result {
	            h.Protocol.Response().SetContent(h.Protocol.Request().Content())
	            return core.OK
	        },
	    })

	    application.Run()
	}

Modules

  - app: bootstrap, handler registry, signals
  - config: JSON file, environment and flag configuration
  - core: worker, dispatcher, request and upstream lifecycles, server controls
  - core/coroutine: coroutines over iter.Pull
  - core/poller: epoll
  - core/timer: red-black tree timer queue
  - core/pools: connection arena and sockets
  - core/protocol, core/http: TCP framing and HTTP/1.1 codecs
  - core/balancer: weighted round robin
  - core/hook: cooperative blocking-call wrappers
  - core/single: cross-worker mutex waiters
  - core/admin, core/codec: statistics endpoint
  - core/logging: structured logging
*/
package coserver
