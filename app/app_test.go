package app

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/searchktools/coserver/config"
	"github.com/searchktools/coserver/core"
	"github.com/searchktools/coserver/core/admin"
	"github.com/searchktools/coserver/core/logging"
	"github.com/searchktools/coserver/core/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T, workers int) *config.Config {
	cfg := config.Default()
	cfg.Workers = workers
	cfg.StackSize = 64 << 10
	s := config.DefaultServer()
	s.Name = "echo"
	s.ListenIP = "127.0.0.1"
	s.ListenPort = freePort(t)
	s.Handler = "echo"
	s.MaxConnections = 16
	cfg.Servers = []config.ServerConfig{s}
	return cfg
}

func quiet() Option {
	return WithLogger(logging.Must(logging.Config{Writer: io.Discard, Level: "err"}))
}

var echo = &core.UserFuncs{
	Process: func(h *core.HandlerData) core.Result {
		h.Protocol.Response().SetContent(h.Protocol.Request().Content())
		return core.OK
	},
}

func call(t *testing.T, port int, body string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(protocol.AppendFrame(nil, []byte(body)))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var hdr [protocol.FrameHeaderSize]byte
	_, err = io.ReadFull(c, hdr[:])
	require.NoError(t, err)
	out := make([]byte, binary.BigEndian.Uint32(hdr[4:]))
	_, err = io.ReadFull(c, out)
	require.NoError(t, err)
	return string(out)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, quiet())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRegister(t *testing.T) {
	a, err := New(testConfig(t, 1), quiet())
	require.NoError(t, err)
	require.NoError(t, a.Register("echo", echo))
	assert.ErrorIs(t, a.Register("echo", echo), ErrDuplicateHandler)
	assert.ErrorIs(t, a.Wait(), ErrNotStarted)
}

func TestStartServeShutdown(t *testing.T) {
	cfg := testConfig(t, 2)
	port := cfg.Servers[0].ListenPort
	a, err := New(cfg, quiet())
	require.NoError(t, err)
	require.NoError(t, a.Register("echo", echo))
	require.NoError(t, a.Start())

	assert.ErrorIs(t, a.Start(), ErrStarted)
	assert.ErrorIs(t, a.Register("late", echo), ErrStarted)

	for i := 0; i < 4; i++ {
		assert.Equal(t, "ping"+strconv.Itoa(i), call(t, port, "ping"+strconv.Itoa(i)))
	}

	stats := a.Stats()
	require.Len(t, stats, 2)
	var requests uint64
	for _, s := range stats {
		requests += s.Requests
	}
	// a client close after a keepalive reply starts one more request
	assert.GreaterOrEqual(t, requests, uint64(4))

	a.Shutdown()
	require.NoError(t, a.Wait())
	assert.Empty(t, a.Workers())
}

func TestAdminEndpoint(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Admin.Addr = "127.0.0.1:" + strconv.Itoa(freePort(t))
	a, err := New(cfg, quiet())
	require.NoError(t, err)
	require.NoError(t, a.Register("echo", echo))
	require.NoError(t, a.Start())
	defer func() {
		a.Shutdown()
		require.NoError(t, a.Wait())
	}()

	assert.Equal(t, "x", call(t, cfg.Servers[0].ListenPort, "x"))

	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: time.Second}
	base := "http://" + cfg.Admin.Addr

	require.Eventually(t, func() bool {
		resp, err := client.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := client.Get(base + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap admin.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Workers, 1)
	assert.GreaterOrEqual(t, snap.Workers[0].Requests, uint64(1))
	require.Len(t, snap.Workers[0].Servers, 1)
	assert.Equal(t, "echo", snap.Workers[0].Servers[0].Name)
}
