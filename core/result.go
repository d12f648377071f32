package core

import (
	"errors"
	"fmt"
)

// Result is the outcome of a runtime step.
type Result int

const (
	OK Result = iota
	Error
	Again
	Timeout
	ConnectionClose
	Exception
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Error:
		return "error"
	case Again:
		return "again"
	case Timeout:
		return "timeout"
	case ConnectionClose:
		return "connection_close"
	case Exception:
		return "exception"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Error definitions
var (
	ErrHandlerNotFound  = errors.New("core: handler not registered")
	ErrUpstreamNotFound = errors.New("core: upstream not found")
	ErrNoUpstreamConn   = errors.New("core: no upstream connection available")
	ErrNotWorkerThread  = errors.New("core: not running on a worker")
	ErrStopped          = errors.New("core: worker stopped")
)
