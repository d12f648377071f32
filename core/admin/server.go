// Package admin serves worker statistics over cleartext HTTP/2 (h2c).
package admin

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/coserver/core"
	"github.com/searchktools/coserver/core/codec"
	"github.com/searchktools/coserver/core/logging"
)

var ErrServerClosed = errors.New("admin: server closed")

// Source provides the snapshots served by the endpoint.
type Source interface {
	Stats() []core.WorkerStats
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []core.WorkerStats

func (f SourceFunc) Stats() []core.WorkerStats { return f() }

// Snapshot is the document served on /stats.
type Snapshot struct {
	Time    int64              `json:"time"`
	Workers []core.WorkerStats `json:"workers"`
}

// Config contains admin server configuration.
type Config struct {
	Addr                 string
	Source               Source
	Logger               *logging.Logger
	MaxConcurrentStreams uint32
	IdleTimeout          time.Duration
}

// Server is the admin endpoint.
type Server struct {
	addr   string
	src    Source
	log    *logging.Logger
	h2     *http2.Server
	server *http.Server

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewServer creates an admin server. Routes:
//
//	/stats      snapshot as JSON, or protobuf with ?format=protobuf or an
//	            Accept of application/x-protobuf
//	/stats.txt  text rendering
//	/healthz    liveness
func NewServer(cfg Config) *Server {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 32
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		addr: cfg.Addr,
		src:  cfg.Source,
		log:  cfg.Logger,
		h2: &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			IdleTimeout:          cfg.IdleTimeout,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats.txt", s.handleText)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, s.h2),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the h2c handler, for mounting elsewhere.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Log("admin server listening (h2c)")
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.server.Close()
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{Time: time.Now().UnixMilli(), Workers: s.src.Stats()}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	c := codec.Negotiate(r.Header.Get("Accept"))
	if f := r.URL.Query().Get("format"); f != "" {
		var err error
		if c, err = codec.ByName(f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	body, err := c.Encode(s.snapshot())
	if err != nil {
		s.log.Err().Err(err).Str("codec", c.Name()).Log("admin stats encode failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	_, _ = w.Write(body)
}

func (s *Server) handleText(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	for _, ws := range s.src.Stats() {
		b.WriteString(ws.String())
		b.WriteByte('\n')
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}
