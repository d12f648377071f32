package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/coserver/config"
)

type clock struct{ ms int64 }

func (c *clock) now() int64 { return c.ms }

func upstream(failTimeout, failMaxNum int, weights ...int) config.UpstreamConfig {
	u := config.DefaultUpstream("backend")
	u.FailTimeout = failTimeout
	u.FailMaxNum = failMaxNum
	for i, w := range weights {
		u.Servers = append(u.Servers, config.BackendConfig{Host: "127.0.0.1", Port: 9000 + i, Weight: w})
	}
	return u
}

func picks(s *WRR, n int) []string {
	var out []string
	for i := 0; i < n; i++ {
		b := s.Get()
		if b == nil {
			out = append(out, "")
			continue
		}
		out = append(out, b.Key())
	}
	return out
}

func TestSmoothWeighted(t *testing.T) {
	s, err := New(upstream(0, 0, 5, 1, 1))
	require.NoError(t, err)

	a, b, c := "127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002"
	assert.Equal(t, []string{a, a, b, a, c, a, a}, picks(s, 7))
	assert.Equal(t, []string{a, a, b, a, c, a, a}, picks(s, 7))
}

func TestPlainRoundRobin(t *testing.T) {
	s, err := New(upstream(0, 0, 1, 0, -3))
	require.NoError(t, err)
	assert.False(t, s.weighted)
	for _, b := range s.Backends() {
		assert.Equal(t, 1, b.Weight)
	}
	assert.Equal(t, []string{"127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9000"}, picks(s, 4))
}

func TestSingleBackendIgnoresWeight(t *testing.T) {
	s, err := New(upstream(0, 0, 7))
	require.NoError(t, err)
	assert.False(t, s.weighted)
	assert.Equal(t, []string{"127.0.0.1:9000", "127.0.0.1:9000"}, picks(s, 2))
}

func TestBackendDownAndRecover(t *testing.T) {
	clk := &clock{ms: 10_000}
	s, err := New(upstream(1000, 2, 1, 1), WithClock(clk.now))
	require.NoError(t, err)

	first := s.Backends()[0]
	first.CommFailed()
	assert.True(t, first.Available())
	first.CommFailed()
	assert.False(t, first.Available())
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9001"}, picks(s, 2))

	clk.ms += 999
	assert.False(t, first.Available())
	clk.ms++
	assert.True(t, first.Available())
}

func TestFailWindowRestarts(t *testing.T) {
	clk := &clock{ms: 0}
	s, err := New(upstream(1000, 2, 1), WithClock(clk.now))
	require.NoError(t, err)

	b := s.Backends()[0]
	clk.ms = 5000
	b.CommFailed()
	clk.ms = 6001
	b.CommFailed()
	assert.True(t, b.Available(), "second failure opened a new window")
}

func TestAllDown(t *testing.T) {
	clk := &clock{ms: 100}
	s, err := New(upstream(1000, 1, 2, 1), WithClock(clk.now))
	require.NoError(t, err)
	for _, b := range s.Backends() {
		b.CommFailed()
	}
	assert.Nil(t, s.Get())
}

func TestEffectiveWeightDecay(t *testing.T) {
	s, err := New(upstream(-1, -1, 20, 1))
	require.NoError(t, err)

	b := s.Backends()[0]
	assert.Equal(t, int64(DefaultFailTimeout), b.failTimeout)
	assert.Equal(t, DefaultFailMaxNum, b.failMaxNum)

	b.CommFailed()
	assert.Equal(t, 18, b.EffectiveWeight())

	// every pick restores one unit
	s.Get()
	assert.Equal(t, 19, b.EffectiveWeight())
}

func TestNoFailCheck(t *testing.T) {
	s, err := New(upstream(0, 5, 3, 1))
	require.NoError(t, err)
	b := s.Backends()[0]
	for i := 0; i < 10; i++ {
		b.CommFailed()
	}
	assert.True(t, b.Available())
	assert.Equal(t, 3, b.EffectiveWeight())
}

func TestNewErrors(t *testing.T) {
	_, err := New(config.DefaultUpstream("empty"))
	assert.ErrorIs(t, err, ErrNoBackends)

	u := config.DefaultUpstream("bad", config.BackendConfig{Host: "host.invalid", Port: 80})
	_, err = New(u)
	assert.ErrorIs(t, err, ErrResolve)
}
