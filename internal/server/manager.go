package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/remoterc/internal/dispatch"
	"github.com/danmuck/remoterc/internal/protocol/frame"
	"github.com/danmuck/remoterc/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrNoListeners = errors.New("server: no listening endpoint could be bound")

// Dispatcher runs one build job to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) (dispatch.Result, error)
}

// Config is the connection manager configuration. An empty IPv4Addr or
// IPv6Addr skips that endpoint.
type Config struct {
	NodeName    string
	Port        int
	IPv4Addr    string
	IPv6Addr    string
	CORSOrigins []string
	// AbortBuildsOnShutdown cancels in-flight builds when serving stops.
	// Otherwise they run to completion before their handler exits.
	AbortBuildsOnShutdown bool
	OutboundBuffer        int
	Session               session.Config
	Limits                frame.Limits
}

func DefaultConfig() Config {
	return Config{
		NodeName:       "rrcd",
		Port:           8888,
		IPv4Addr:       "127.0.0.1",
		IPv6Addr:       "::1",
		OutboundBuffer: 16,
		Session:        session.DefaultConfig(),
		Limits:         frame.DefaultLimits(),
	}
}

// Manager accepts connections on every bound endpoint and supervises them.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher
	registry   *Registry
	router     *gin.Engine
	started    time.Time

	baseCtx context.Context

	readyOnce sync.Once
	ready     chan struct{}
	addrMu    sync.Mutex
	addrs     []net.Addr
}

func NewManager(cfg Config, d Dispatcher) *Manager {
	if strings.TrimSpace(cfg.NodeName) == "" {
		cfg.NodeName = DefaultConfig().NodeName
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultConfig().OutboundBuffer
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	cfg.Session = cfg.Session.WithDefaults()
	m := &Manager{
		cfg:        cfg,
		dispatcher: d,
		registry:   NewRegistry(),
		started:    time.Now(),
		baseCtx:    context.Background(),
		ready:      make(chan struct{}),
	}
	m.router = m.newRouter()
	return m
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Handler() http.Handler {
	return m.router
}

// Ready closes once every bound listener is serving.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Addrs lists the bound listener addresses after Ready.
func (m *Manager) Addrs() []net.Addr {
	m.addrMu.Lock()
	defer m.addrMu.Unlock()
	return append([]net.Addr(nil), m.addrs...)
}

// ListenAndServe binds the configured endpoints and serves until ctx ends.
func (m *Manager) ListenAndServe(ctx context.Context) error {
	lns, err := m.bind()
	if err != nil {
		return err
	}
	return m.Serve(ctx, lns...)
}

// bind tries each address family on its own. One failure is a warning.
func (m *Manager) bind() ([]net.Listener, error) {
	endpoints := []struct {
		network string
		host    string
	}{
		{"tcp4", m.cfg.IPv4Addr},
		{"tcp6", m.cfg.IPv6Addr},
	}
	lns := make([]net.Listener, 0, len(endpoints))
	for _, ep := range endpoints {
		host := strings.TrimSpace(ep.host)
		if host == "" {
			continue
		}
		addr := net.JoinHostPort(host, strconv.Itoa(m.cfg.Port))
		ln, err := net.Listen(ep.network, addr)
		if err != nil {
			log.Warn().Err(err).Msgf("server.Manager.bind failed network=%s addr=%s", ep.network, addr)
			continue
		}
		log.Info().Msgf("server.Manager.bind bound network=%s addr=%s", ep.network, ln.Addr())
		lns = append(lns, ln)
	}
	if len(lns) == 0 {
		return nil, ErrNoListeners
	}
	if len(lns) < len(endpoints) {
		log.Warn().Msgf("server.Manager.bind degraded listeners=%d", len(lns))
	}
	return lns, nil
}

// Serve runs the accept loops for lns until ctx ends, then stops accepting,
// asks every registered peer to close, and returns. It does not wait for
// peers to finish.
func (m *Manager) Serve(ctx context.Context, lns ...net.Listener) error {
	if len(lns) == 0 {
		return ErrNoListeners
	}
	m.baseCtx = ctx
	srv := &http.Server{
		Handler:           m.router,
		ReadHeaderTimeout: m.cfg.Session.HandshakeTimeout,
	}

	errc := make(chan error, len(lns))
	addrs := make([]net.Addr, 0, len(lns))
	for _, ln := range lns {
		addrs = append(addrs, ln.Addr())
		go func(ln net.Listener) {
			errc <- srv.Serve(&loggedListener{Listener: ln})
		}(ln)
	}
	m.markReady(addrs)
	log.Info().Msgf("server.Manager.Serve listening addrs=%v", addrs)

	running := len(lns)
	for running > 0 {
		select {
		case <-ctx.Done():
			running = 0
		case err := <-errc:
			running--
			if !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("server.Manager.Serve listener stopped")
			}
			if running == 0 && ctx.Err() == nil {
				m.registry.CloseAll()
				return err
			}
		}
	}

	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Msg("server.Manager.Serve close listeners")
	}
	n := m.registry.CloseAll()
	log.Info().Msgf("server.Manager.Serve shutdown close_sent=%d", n)
	return nil
}

func (m *Manager) markReady(addrs []net.Addr) {
	m.addrMu.Lock()
	m.addrs = addrs
	m.addrMu.Unlock()
	m.readyOnce.Do(func() { close(m.ready) })
}

// buildContext is the parent context for dispatched jobs.
func (m *Manager) buildContext() context.Context {
	if m.cfg.AbortBuildsOnShutdown {
		return m.baseCtx
	}
	return context.WithoutCancel(m.baseCtx)
}
