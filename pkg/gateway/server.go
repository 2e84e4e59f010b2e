package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/pkg/discover"
)

// Gateway is the hub process: the WebSocket session endpoint, the REST
// command entry point and the registry behind both.
type Gateway struct {
	cfg      Config
	registry *Registry
	router   *Router
	metrics  *Metrics
	log      zerolog.Logger

	httpServer *http.Server
	mdns       *discover.Advertiser
	startTime  time.Time
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// New creates a gateway from config. Metrics are optional; attach them
// with SetMetrics before Start.
func New(cfg Config, log zerolog.Logger) *Gateway {
	registry := NewRegistry(
		time.Duration(cfg.Heartbeat.IntervalSeconds)*time.Second,
		time.Duration(cfg.Heartbeat.ProbeTimeoutSeconds)*time.Second,
		log,
	)
	return &Gateway{
		cfg:       cfg,
		registry:  registry,
		router:    NewRouter(registry, cfg.Auth.Tokens, log),
		log:       log,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
}

// SetMetrics attaches metrics to the gateway and its components.
func (g *Gateway) SetMetrics(m *Metrics) {
	g.metrics = m
	g.registry.SetMetrics(m)
	g.router.SetMetrics(m)
}

// Registry exposes the session registry for read-only inspection.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Routes builds the HTTP surface: REST entry point, health, metrics and
// the WebSocket session endpoint.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", g.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", g.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(g.requireToken)
		r.Post("/call", g.HandleCall)
		r.Get("/devices", g.HandleDevices)
	})

	return r
}

// Start begins serving HTTP and, if enabled, advertising the gateway on
// the local network. Non-blocking; errors after startup surface in logs.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf(":%d", g.cfg.Server.HTTPPort)
	g.httpServer = &http.Server{Addr: addr, Handler: g.Routes()}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.log.Info().Str("addr", addr).Msg("gateway listening")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.Error().Err(err).Msg("http server error")
		}
	}()

	g.wg.Add(1)
	go g.drainEvents()

	if g.cfg.Discovery.Enabled {
		mdns, err := discover.Advertise(g.cfg.Discovery.InstanceName, g.cfg.Server.HTTPPort)
		if err != nil {
			// Discovery is a convenience; the gateway still works by URL.
			g.log.Warn().Err(err).Msg("mDNS advertisement failed")
		} else {
			g.mdns = mdns
			g.log.Info().Str("instance", g.cfg.Discovery.InstanceName).Msg("advertising gateway via mDNS")
		}
	}

	return nil
}

// Stop gracefully stops the gateway: no new connections, sessions closed
// with a normal closure, advertisement withdrawn.
func (g *Gateway) Stop() error {
	close(g.shutdown)

	if g.mdns != nil {
		g.mdns.Shutdown()
	}

	var err error
	if g.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = g.httpServer.Shutdown(ctx)
	}

	g.registry.CloseAll()
	g.wg.Wait()
	return err
}

// drainEvents consumes registry events so the buffer never fills. The
// registry logs each event itself; this loop only keeps the channel moving.
func (g *Gateway) drainEvents() {
	defer g.wg.Done()
	for {
		select {
		case <-g.shutdown:
			return
		case <-g.registry.Events():
		}
	}
}
