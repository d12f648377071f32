package core

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/searchktools/coserver/config"
	"github.com/searchktools/coserver/core/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runWorker builds worker 0 over cfg and runs its loop until the test ends.
func runWorker(t *testing.T, cfg *config.Config, handlers map[string]*UserFuncs, opts ...WorkerOption) *Worker {
	t.Helper()
	opts = append([]WorkerOption{WithHandlers(handlers)}, opts...)
	w, err := NewWorker(0, cfg, opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Start() }()
	t.Cleanup(func() {
		w.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
		w.Close()
	})
	return w
}

func testConfig(servers ...config.ServerConfig) *config.Config {
	cfg := config.Default()
	cfg.Workers = 1
	cfg.StackSize = 64 << 10
	cfg.Servers = servers
	return cfg
}

func testServer(handler string) config.ServerConfig {
	s := config.DefaultServer()
	s.Name = handler
	s.ListenIP = "127.0.0.1"
	s.ListenPort = 0
	s.Handler = handler
	s.MaxConnections = 16
	return s
}

func dial(t *testing.T, w *Worker) net.Conn {
	t.Helper()
	port := w.Servers()[0].Port()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFrame(t *testing.T, c net.Conn, body string) {
	t.Helper()
	_, err := c.Write(protocol.AppendFrame(nil, []byte(body)))
	require.NoError(t, err)
}

func readFrame(t *testing.T, c net.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var hdr [protocol.FrameHeaderSize]byte
	_, err := io.ReadFull(c, hdr[:])
	require.NoError(t, err)
	require.EqualValues(t, protocol.FrameFlag, binary.LittleEndian.Uint32(hdr[:4]))
	body := make([]byte, binary.BigEndian.Uint32(hdr[4:]))
	_, err = io.ReadFull(c, body)
	require.NoError(t, err)
	return string(body)
}

// backend is a framed TCP peer standing in for an upstream server.
type backend struct {
	ln      net.Listener
	conns   chan net.Conn
	handle  func(body string) (string, bool)
	stopped chan struct{}
	once    sync.Once
}

func newBackend(t *testing.T, handle func(body string) (string, bool)) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &backend{ln: ln, conns: make(chan net.Conn, 16), handle: handle, stopped: make(chan struct{})}
	go b.serve()
	t.Cleanup(b.close)
	return b
}

func (b *backend) port() int { return b.ln.Addr().(*net.TCPAddr).Port }

func (b *backend) serve() {
	defer close(b.stopped)
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.conns <- c
		go b.serveConn(c)
	}
}

func (b *backend) serveConn(c net.Conn) {
	for {
		var hdr [protocol.FrameHeaderSize]byte
		if _, err := io.ReadFull(c, hdr[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(hdr[4:]))
		if _, err := io.ReadFull(c, body); err != nil {
			return
		}
		reply, ok := b.handle(string(body))
		if !ok {
			continue
		}
		if _, err := c.Write(protocol.AppendFrame(nil, []byte(reply))); err != nil {
			return
		}
	}
}

func (b *backend) close() {
	b.once.Do(func() {
		_ = b.ln.Close()
		<-b.stopped
		close(b.conns)
		for c := range b.conns {
			_ = c.Close()
		}
	})
}
