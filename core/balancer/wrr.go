// Package balancer picks the backend of an upstream request with a smooth
// weighted round robin. Backends that fail FailMaxNum times within
// FailTimeout are taken out for FailTimeout.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/searchktools/coserver/config"
	"github.com/searchktools/coserver/core/logging"
)

// Fail settings used when the configured ones are negative.
const (
	DefaultFailTimeout = 5000
	DefaultFailMaxNum  = 10
)

var (
	ErrNoBackends = errors.New("balancer: no backends")
	ErrResolve    = errors.New("balancer: cannot resolve backend host")
)

// Option configures a WRR.
type Option func(*WRR)

// WithClock replaces the millisecond clock.
func WithClock(now func() int64) Option {
	return func(s *WRR) { s.now = now }
}

// WithLogger sets the balancer logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *WRR) { s.log = l }
}

// Backend is one upstream server with its health and weight state.
type Backend struct {
	Host   string
	Port   uint16
	Weight int
	key    string

	failCheck   bool
	failTimeout int64
	failMaxNum  int

	fail     bool
	errNum   int
	errFirst int64
	downAt   int64

	effectiveWeight int
	currentWeight   int

	s *WRR
}

// Key returns the configured host:port.
func (b *Backend) Key() string { return b.key }

// Addr returns the resolved ip.
func (b *Backend) Addr() string { return b.Host }

// EffectiveWeight returns the weight after failure decay.
func (b *Backend) EffectiveWeight() int { return b.effectiveWeight }

// Available reports whether the backend may be picked. A backend that is
// down recovers once FailTimeout has passed since it went down.
func (b *Backend) Available() bool {
	if !b.failCheck || !b.fail {
		return true
	}
	now := b.s.now()
	if now-b.downAt >= b.failTimeout {
		b.fail = false
		b.errNum = 0
		b.s.log.Debug().Str("upstream", b.s.name).Str("backend", b.key).Log("backend recover")
	}
	return !b.fail
}

// CommFailed records a failed exchange: the effective weight drops by
// Weight/FailMaxNum and the backend goes down after FailMaxNum failures in
// one FailTimeout window.
func (b *Backend) CommFailed() {
	if !b.failCheck {
		return
	}
	if b.failMaxNum > 0 {
		b.effectiveWeight -= b.Weight / b.failMaxNum
		if b.effectiveWeight < 0 {
			b.effectiveWeight = 0
		}
	}

	now := b.s.now()
	if now-b.errFirst > b.failTimeout {
		b.errFirst = now
		b.errNum = 0
	}
	b.errNum++
	if b.errNum >= b.failMaxNum {
		b.fail = true
		b.downAt = now
		b.s.log.Warning().
			Str("upstream", b.s.name).
			Str("backend", b.key).
			Int("errors", b.errNum).
			Int("max", b.failMaxNum).
			Log("backend down")
	}
}

// WRR is the weighted round robin of one upstream on one worker. It is not
// safe for concurrent use.
type WRR struct {
	name     string
	backends []*Backend
	weighted bool
	total    int
	cur      int

	now func() int64
	log *logging.Logger
}

// New builds the balancer of an upstream. Backend hosts that are not ip
// literals are resolved once.
func New(cfg config.UpstreamConfig, opts ...Option) (*WRR, error) {
	s := &WRR{
		name: cfg.Name,
		cur:  -1,
		now:  func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%w: upstream %s", ErrNoBackends, cfg.Name)
	}

	failTimeout, failMaxNum := cfg.FailTimeout, cfg.FailMaxNum
	failCheck := failTimeout != 0 && failMaxNum != 0
	if failTimeout < 0 {
		failTimeout = DefaultFailTimeout
	}
	if failMaxNum < 0 {
		failMaxNum = DefaultFailMaxNum
	}

	for _, bc := range cfg.Servers {
		host, err := resolve(bc.Host)
		if err != nil {
			return nil, fmt.Errorf("upstream %s backend %s: %w", cfg.Name, bc.Key(), err)
		}
		weight := bc.Weight
		if weight <= 0 {
			weight = 1
		}
		s.backends = append(s.backends, &Backend{
			Host:            host,
			Port:            uint16(bc.Port),
			Weight:          weight,
			key:             bc.Key(),
			failCheck:       failCheck,
			failTimeout:     int64(failTimeout),
			failMaxNum:      failMaxNum,
			effectiveWeight: weight,
			s:               s,
		})
		s.total += weight
	}

	// all weights 1, or a single backend: plain round robin
	s.weighted = s.total != len(s.backends) && len(s.backends) > 1
	s.log.Debug().Str("upstream", s.name).Int("total_weight", s.total).Int("size", len(s.backends)).Log("wrr init")
	return s, nil
}

// Name returns the upstream name.
func (s *WRR) Name() string { return s.name }

// Backends returns the backends in configuration order.
func (s *WRR) Backends() []*Backend { return s.backends }

// Get picks the next available backend, or nil when all are down.
func (s *WRR) Get() *Backend {
	var b *Backend
	if s.weighted {
		b = s.chooseWeighted()
	} else {
		b = s.choose()
	}
	if b == nil {
		s.log.Err().Limit().Str("upstream", s.name).Log("all backends down")
	}
	return b
}

func (s *WRR) choose() *Backend {
	for range s.backends {
		s.cur = (s.cur + 1) % len(s.backends)
		if b := s.backends[s.cur]; b.Available() {
			return b
		}
	}
	return nil
}

func (s *WRR) chooseWeighted() *Backend {
	var best *Backend
	total := 0
	for _, b := range s.backends {
		if !b.Available() {
			continue
		}
		b.currentWeight += b.effectiveWeight
		total += b.effectiveWeight
		if b.effectiveWeight < b.Weight {
			b.effectiveWeight++
		}
		if best == nil || b.currentWeight > best.currentWeight {
			best = b
		}
	}
	if best == nil {
		return nil
	}
	best.currentWeight -= total
	return best
}

func resolve(host string) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrResolve, host)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap().String(), nil
		}
	}
	return addrs[0].String(), nil
}
