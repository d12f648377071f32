package pools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/core/coroutine"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestArenaInitAndPairs(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Init(4, 100))
	assert.EqualValues(t, 7, a.Stats().Size)

	for id := uint32(1); id <= 14; id += 2 {
		c := a.Lookup(id)
		require.NotNil(t, c)
		assert.False(t, c.IsShadow)
		require.NotNil(t, c.Shadow)
		assert.Equal(t, id+1, c.Shadow.ID)
		assert.Same(t, c, c.Shadow.Origin)
		assert.Same(t, c.Shadow, a.Lookup(id+1))
	}
	assert.Nil(t, a.Lookup(0))
	assert.Nil(t, a.Lookup(15))
}

func TestArenaGetFDOrderAndFree(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Init(4, 100))

	x, y := socketpair(t)
	defer unix.Close(y)

	c, err := a.GetFD(x)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.ID)
	assert.True(t, a.IsInternal(x))
	assert.Equal(t, 1, a.Live())

	cleaned := 0
	c.Cleanups = append(c.Cleanups, func(*Connection) { cleaned++ })
	a.Free(c)
	assert.Equal(t, 1, cleaned)
	assert.False(t, a.IsInternal(x))
	assert.False(t, c.Socket.Valid())
	assert.Equal(t, 0, a.Live())

	// freed connections come back first
	x2, y2 := socketpair(t)
	defer unix.Close(y2)
	c2, err := a.GetFD(x2)
	require.NoError(t, err)
	assert.Same(t, c, c2)
	a.Free(c2)
}

func TestVersionInvariant(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Init(4, 100))

	x, y := socketpair(t)
	defer unix.Close(y)
	c, err := a.GetFD(x)
	require.NoError(t, err)

	id, version := c.ID, c.Version
	a.Free(c)

	x2, y2 := socketpair(t)
	defer unix.Close(y2)
	c2, err := a.GetFD(x2)
	require.NoError(t, err)
	require.Equal(t, id, c2.ID)
	assert.Greater(t, c2.Version, version)

	got := a.Lookup(id)
	assert.False(t, got.Alive(version))
	assert.True(t, got.Alive(c2.Version))
	a.Free(c2)
}

func TestPoolExhaustion(t *testing.T) {
	a := NewArena(WithExpandBatch(2))
	require.NoError(t, a.Init(4, 4))

	var held []*Connection
	var peers []int
	defer func() {
		for _, p := range peers {
			unix.Close(p)
		}
	}()
	for i := 0; i < 7; i++ {
		x, y := socketpair(t)
		peers = append(peers, y)
		c, err := a.GetFD(x)
		require.NoError(t, err, "connection %d", i)
		held = append(held, c)
	}

	x, y := socketpair(t)
	defer unix.Close(x)
	defer unix.Close(y)
	_, err := a.GetFD(x)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.EqualValues(t, 1, a.Stats().Fails)

	a.Free(held[3])
	x2, y2 := socketpair(t)
	peers = append(peers, y2)
	c, err := a.GetFD(x2)
	require.NoError(t, err)
	assert.Same(t, held[3], c)
}

func TestArenaExpandsOnDemand(t *testing.T) {
	a := NewArena(WithExpandBatch(2))
	require.NoError(t, a.Init(4, 20))

	var peers []int
	defer func() {
		for _, p := range peers {
			unix.Close(p)
		}
	}()
	for i := 0; i < 8; i++ {
		x, y := socketpair(t)
		peers = append(peers, y)
		_, err := a.GetFD(x)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 9, a.Stats().Size)
	assert.NotNil(t, a.Lookup(18))
}

func TestGetListener(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Init(4, 10))

	c, err := a.Get("127.0.0.1", 0, true)
	require.NoError(t, err)
	assert.True(t, c.Socket.Listener)
	assert.NotZero(t, c.Socket.Port)
	assert.True(t, a.IsInternal(c.Socket.FD))
	a.Free(c)

	_, err = a.Get("not-an-ip", 80, false)
	require.ErrorIs(t, err, ErrBadAddress)
	assert.Equal(t, 0, a.Live())
}

func TestResetKeepalive(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Init(4, 10))
	x, y := socketpair(t)
	defer unix.Close(y)
	c, err := a.GetFD(x)
	require.NoError(t, err)

	c.Handler = Handler{Kind: HandlerRequest}
	c.Dying = true
	c.TimedOut = true
	c.Read.Active = true
	c.EpollMask = 1
	c.RequestCount = 3
	require.NoError(t, c.Buffer.Append([]byte("abc")))
	c.Shadow.Socket.Bind(42)
	c.Shadow.Dying = true

	v := c.Version
	c.Reset(true)
	assert.Equal(t, v+1, c.Version)
	assert.Equal(t, HandlerNone, c.Handler.Kind)
	assert.False(t, c.Dying)
	assert.False(t, c.TimedOut)
	assert.False(t, c.Read.Active)
	assert.Equal(t, 0, c.Buffer.Len())
	assert.Equal(t, x, c.Socket.FD)
	assert.EqualValues(t, 1, c.EpollMask)
	assert.EqualValues(t, 3, c.RequestCount)
	assert.False(t, c.Shadow.Socket.Valid())
	assert.False(t, c.Shadow.Dying)

	a.Free(c)
	assert.Zero(t, c.EpollMask)
	assert.Zero(t, c.RequestCount)
}

func TestResetStopsSuspendedCoroutine(t *testing.T) {
	m := coroutine.NewManager()
	a := NewArena(WithCoroutines(m))
	require.NoError(t, a.Init(4, 10))
	x, y := socketpair(t)
	defer unix.Close(y)
	c, err := a.GetFD(x)
	require.NoError(t, err)

	unwound := false
	var co *coroutine.Coroutine
	co, err = m.Create(func() {
		defer func() { unwound = true }()
		_ = m.SwapOut(co)
	})
	require.NoError(t, err)
	c.Coroutine = co
	require.NoError(t, m.SwapIn(co))

	a.Free(c)
	assert.True(t, unwound)
	assert.Nil(t, c.Coroutine)
	assert.Equal(t, 0, m.Stats().Live)
}

func TestCloseAllSkipsWakeupAndShadows(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Init(4, 10))
	x1, y1 := socketpair(t)
	defer unix.Close(y1)
	x2, y2 := socketpair(t)
	defer unix.Close(y2)

	wake, err := a.GetFD(x1)
	require.NoError(t, err)
	wake.Handler = Handler{Kind: HandlerWakeup}
	c, err := a.GetFD(x2)
	require.NoError(t, err)
	c.Shadow.Socket.Bind(99)

	var pushed []*Connection
	a.CloseAll(func(c *Connection) { pushed = append(pushed, c) })
	require.Len(t, pushed, 1)
	assert.Same(t, c, pushed[0])
	assert.True(t, c.PendingEOF)
	c.Shadow.Socket.FD = -1

	a.Free(c)
	a.Free(wake)
}
