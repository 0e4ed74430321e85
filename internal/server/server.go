// Package server exposes the position-target API over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"crosslink/internal/config"
	"crosslink/internal/core"
	"crosslink/internal/health"
	"crosslink/internal/hub"
	"crosslink/internal/ledger"
	"crosslink/internal/lookup"
	"crosslink/internal/sequencer"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crosslink_websocket_active_connections",
		Help: "Current number of active WebSocket stream connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslink_websocket_rejected_total",
		Help: "Total number of rejected WebSocket stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// Server serves the REST endpoints and the position update stream.
type Server struct {
	sequencer *sequencer.Sequencer
	ledger    *ledger.Ledger
	hub       *hub.Hub
	directory *lookup.Directory
	health    *health.Manager
	logger    core.ILogger

	router         *mux.Router
	srv            *http.Server
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	connSemaphore chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

func New(cfg config.ServerConfig, seq *sequencer.Sequencer, l *ledger.Ledger, h *hub.Hub, dir *lookup.Directory, hm *health.Manager, logger core.ILogger) *Server {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1024
	}
	limit := rate.Limit(cfg.RateLimitPerSec)
	if cfg.RateLimitPerSec <= 0 {
		limit = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	s := &Server{
		sequencer:      seq,
		ledger:         l,
		hub:            h,
		directory:      dir,
		health:         hm,
		logger:         logger.WithField("component", "server"),
		allowedOrigins: cfg.AllowedOrigins,
		connSemaphore:  make(chan struct{}, maxConns),
		rateLimit:      limit,
		rateBurst:      burst,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.router = mux.NewRouter()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/targets", s.handleSubmitTargets).Methods("POST")
	api.HandleFunc("/targets/cancel", s.handleCancelTargets).Methods("POST")
	api.HandleFunc("/positions/{onBehalfOf}", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{onBehalfOf}/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/lookup/instrument", s.handleLookupInstrument).Methods("GET")
	api.HandleFunc("/lookup/location", s.handleLookupLocation).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	s.mu.Unlock()

	s.logger.Info("Starting API server", "port", port)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// checkOrigin validates the WebSocket connection origin against the whitelist
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("Rejected WebSocket connection with missing Origin header",
			"remote_addr", r.RemoteAddr)
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected WebSocket connection with invalid Origin",
			"origin", origin, "error", err)
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr,
		"allowed_origins", s.allowedOrigins)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// getRemoteIP extracts the client IP address
func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	newLimiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, newLimiter)
	return actual.(*rate.Limiter)
}
