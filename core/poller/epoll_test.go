package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/core/pools"
)

func setup(t *testing.T) (*pools.Arena, *EpollPoller, *pools.Connection, int) {
	t.Helper()
	a := pools.NewArena()
	require.NoError(t, a.Init(4, 16))
	p, err := New(a)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	c, err := a.GetFD(fds[0])
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })
	return a, p, c, fds[1]
}

func TestEventsClamp(t *testing.T) {
	a := pools.NewArena()
	p, err := New(a, WithEvents(1))
	require.NoError(t, err)
	assert.Equal(t, MinEvents, p.Size())
	p.Close()

	p, err = New(a, WithEvents(1<<20))
	require.NoError(t, err)
	assert.Equal(t, MaxEvents, p.Size())
	p.Close()
}

func TestModifyIdempotent(t *testing.T) {
	_, p, c, _ := setup(t)

	require.NoError(t, p.Modify(c, OpAdd, Read))
	require.NoError(t, p.Modify(c, OpAdd, Read))
	got := p.Counters()
	assert.EqualValues(t, 1, got.Add)
	assert.EqualValues(t, 1, got.Noop)
	assert.True(t, c.Read.Active)
	assert.False(t, c.Write.Active)

	require.NoError(t, p.Modify(c, OpAdd, Write))
	assert.EqualValues(t, 1, p.Counters().Mod)
	assert.True(t, c.Write.Active)

	require.NoError(t, p.Modify(c, OpDel, Out))
	assert.Equal(t, Read, c.EpollMask)
	assert.False(t, c.Write.Active)

	require.NoError(t, p.Modify(c, OpDel, Read))
	assert.EqualValues(t, 1, p.Counters().Del)
	assert.Zero(t, c.EpollMask)
	assert.False(t, c.Read.Active)
}

func TestVersionChangeReregisters(t *testing.T) {
	_, p, c, _ := setup(t)
	require.NoError(t, p.Modify(c, OpAdd, Read))
	c.Reset(true)
	require.NoError(t, p.Modify(c, OpAdd, Read))
	assert.EqualValues(t, 1, p.Counters().Mod)
	assert.Equal(t, c.Version, c.EpollVersion)
}

func TestModifyEmptyMaskNotRegistered(t *testing.T) {
	_, p, c, peer := setup(t)
	c.Reset(true)
	require.NotEqual(t, c.Version, c.EpollVersion)

	require.NoError(t, p.Modify(c, OpDel, Read))
	require.NoError(t, p.Modify(c, OpAdd, 0))
	got := p.Counters()
	assert.Zero(t, got.Add)
	assert.Zero(t, got.Fail)
	assert.EqualValues(t, 2, got.Noop)
	assert.Zero(t, c.EpollMask)

	// never registered, so traffic raises nothing
	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	ready, err := p.Wait(20)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, p.Modify(c, OpAdd, Read))
	assert.EqualValues(t, 1, p.Counters().Add)
}

func TestWaitAndProcess(t *testing.T) {
	_, p, c, peer := setup(t)
	require.NoError(t, p.Modify(c, OpAdd, Read))

	_, err := unix.Write(peer, []byte("ping"))
	require.NoError(t, err)

	ready, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, c.ID, ready[0].ID())
	assert.Equal(t, c.Version, ready[0].Version())

	var got []*pools.Connection
	p.Process(ready[0], func(c *pools.Connection) { got = append(got, c) })
	require.Len(t, got, 1)
	assert.Same(t, c, got[0])
	assert.False(t, c.PendingEOF)
}

func TestPeerCloseSetsPendingEOF(t *testing.T) {
	_, p, c, peer := setup(t)
	require.NoError(t, p.Modify(c, OpAdd, Read))
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))

	ready, err := p.Wait(1000)
	require.NoError(t, err)
	require.NotEmpty(t, ready)

	n := 0
	p.Process(ready[0], func(*pools.Connection) { n++ })
	assert.Equal(t, 1, n)
	assert.True(t, c.PendingEOF)
}

func TestStaleEventRejected(t *testing.T) {
	_, p, c, _ := setup(t)
	require.NoError(t, p.Modify(c, OpAdd, Read))

	old := c.Version
	c.Reset(true)
	require.NoError(t, p.Modify(c, OpAdd, Read))

	var got []uint32
	dispatch := func(c *pools.Connection) { got = append(got, c.Version) }
	p.Process(Ready{Tag: Tag(c.ID, old), Events: In}, dispatch)
	p.Process(Ready{Tag: Tag(c.ID, c.Version), Events: In}, dispatch)

	assert.Equal(t, []uint32{c.Version}, got)
	assert.EqualValues(t, 1, p.Counters().Stale)
}

func TestErrorWithoutReadinessWakesBoth(t *testing.T) {
	_, p, c, _ := setup(t)
	require.NoError(t, p.Modify(c, OpAdd, Read|Write))

	n := 0
	p.Process(Ready{Tag: Tag(c.ID, c.Version), Events: uint32(unix.EPOLLERR)}, func(*pools.Connection) { n++ })
	assert.Equal(t, 2, n)
}

func TestSecondDirectionSkippedAfterRecycle(t *testing.T) {
	_, p, c, _ := setup(t)
	require.NoError(t, p.Modify(c, OpAdd, Read|Write))

	n := 0
	p.Process(Ready{Tag: Tag(c.ID, c.Version), Events: In | Out}, func(c *pools.Connection) {
		n++
		c.Reset(true)
		c.Write.Active = true
	})
	assert.Equal(t, 1, n)
}

func TestRemove(t *testing.T) {
	_, p, c, _ := setup(t)
	require.NoError(t, p.Remove(c))
	assert.EqualValues(t, 1, p.Counters().Noop)

	require.NoError(t, p.Modify(c, OpAdd, Write))
	require.NoError(t, p.Remove(c))
	assert.Zero(t, c.EpollMask)
	assert.False(t, c.Write.Active)
}
