// Package frontend is the connection-facing plane. It upgrades WebSocket
// connections, classifies inbound frames into the ingress queue, and
// streams worker responses back from the shared store's per-connection
// response lists. It never parses event payloads; that is worker territory.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/immortal/internal/config"
	"github.com/adred-codev/immortal/internal/dispatch"
	"github.com/adred-codev/immortal/internal/kv"
	"github.com/adred-codev/immortal/internal/limits"
	"github.com/adred-codev/immortal/internal/monitoring"
	"github.com/adred-codev/immortal/internal/nostr"
	"github.com/adred-codev/immortal/internal/pubsub"
	"github.com/adred-codev/immortal/internal/queue"
)

const (
	// Time allowed to write a frame to the peer. 5s detects slow clients
	// quickly without punishing transient congestion.
	writeWait = 5 * time.Second

	// Time allowed between reads before the connection is considered dead.
	pongWait = 30 * time.Second

	// Ping cadence; must stay below pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frame buffer per connection. The poller delivers in bursts
	// of up to pollBatch; two full bursts of headroom before drops begin.
	sendBuffer = 256

	// Strikes a client may accumulate by overflowing its send buffer
	// before it is disconnected as a slow consumer.
	slowClientStrikes = 3

	// Delay before closing a connection whose critical frame was turned
	// away by the circuit breaker, long enough for the NOTICE to flush.
	reconnectDelay = time.Second

	// Budget for any single store round-trip on the connection path.
	kvTimeout = time.Second

	// Poller ticks between subscription TTL refreshes. At a 100ms poll
	// interval this refreshes roughly once a second, far inside the
	// subscription TTL.
	refreshEvery = 10

	// Hash of connId -> JSON{remote, connected_at, last_seen} for the
	// operator view. Owners refresh last_seen from the response poller.
	registryKey = "conn:registry"

	// Registry entries untouched for this long belong to a frontend that
	// stopped refreshing them. Owners touch their entries about once a
	// second, so this leaves ample slack for stalls.
	registryStaleAfter = 5 * time.Minute

	// Rate-limit windows idle longer than this are swept from the queue.
	rateWindowMaxAge = 5 * time.Minute
)

// Options carries the collaborators the server does not own.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger
	Queue  *queue.Queue
	Store  kv.Store
	Router *pubsub.Router
}

// Server owns the listener, the connection set, and the frontend's
// background tickers. One Server per process.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	queue  *queue.Queue
	store  kv.Store
	router *pubsub.Router

	guard    *limits.ResourceGuard
	upgrades *limits.UpgradeLimiter

	listener net.Listener
	httpSrv  *http.Server

	// Connection management.
	clients        sync.Map // connId -> *Client
	connectionsSem chan struct{}
	currentConns   int64

	// Response delivery knobs, copied out of cfg so clients never touch it.
	pollInterval time.Duration
	pollBatch    int
	responseTTL  time.Duration

	// Lifecycle.
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:          opts.Config,
		logger:       opts.Logger.With().Str("component", "frontend").Logger(),
		queue:        opts.Queue,
		store:        opts.Store,
		router:       opts.Router,
		pollInterval: opts.Config.PollInterval,
		pollBatch:    opts.Config.PollBatch,
		responseTTL:  opts.Config.ResponseTTL,
		ctx:          ctx,
		cancel:       cancel,
	}

	s.guard = limits.NewResourceGuard(limits.GuardConfig{
		MaxConnections:   opts.Config.MaxConnections,
		MaxGoroutines:    opts.Config.MaxGoroutines,
		CPURejectPercent: opts.Config.CPURejectPercent,
		MemoryLimitBytes: opts.Config.MemoryLimit,
	}, s.logger, &s.currentConns)

	s.upgrades = limits.NewUpgradeLimiter(limits.UpgradeLimiterConfig{
		PerIPRate:   opts.Config.UpgradeIPRate,
		PerIPBurst:  opts.Config.UpgradeIPBurst,
		GlobalRate:  opts.Config.UpgradeGlobalRate,
		GlobalBurst: opts.Config.UpgradeGlobalBurst,
		Logger:      s.logger,
	})

	// The semaphore uses the guard's effective limit, which may have been
	// derived from the cgroup when the configured value was zero.
	s.connectionsSem = make(chan struct{}, s.guard.MaxConnections())

	return s
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpSrv.Serve(listener)
		if err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("accept loop error")
		}
	}()

	s.guard.StartMonitoring(s.ctx, s.cfg.MetricsRefresh)

	s.wg.Add(1)
	go s.observeLoop()

	s.wg.Add(1)
	go s.janitorLoop()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.guard.MaxConnections()).
		Msg("frontend listening")

	return nil
}

// Addr reports the bound listen address, nil before Start. Useful when
// the configured address was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleWebSocket runs the admission gauntlet and, on success, hands the
// hijacked connection to a Client. Order matters: the cheap shutdown flag
// first, then rate limiting, then resource checks, then the slot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)

	if !s.upgrades.Allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.guard.ShouldAccept(); !accept {
		s.logger.Warn().
			Str("client_ip", ip).
			Str("reason", reason).
			Msg("connection rejected by resource guard")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	// Blocking acquire. The guard already bounds the count, so waiting
	// here is brief and only smooths races on the last few slots.
	s.connectionsSem <- struct{}{}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.UpgradesRejectedTotal.WithLabelValues("handshake").Inc()
		s.logger.Warn().Err(err).Str("client_ip", ip).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	client := newClient(s, connID, ip, conn)

	s.clients.Store(connID, client)
	conns := atomic.AddInt64(&s.currentConns, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(conns))

	s.touchRegistry(client)

	s.logger.Info().
		Str("conn_id", connID).
		Str("client_ip", ip).
		Int64("current_connections", conns).
		Msg("client connected")

	go client.readPump()
	go client.writePump()
	go client.responsePoller()
}

// registryEntry is the operator-facing record for one connection. LastSeen
// is the liveness signal other frontends' janitors consult before pruning.
type registryEntry struct {
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// touchRegistry writes the connection's registry record. Called on accept
// and again from the response poller, so the entry stays fresh for as long
// as the connection lives, however quiet it is.
func (s *Server) touchRegistry(c *Client) {
	// Once the connection is closing, disconnect's HDel is the last word;
	// a late touch here would resurrect the field.
	select {
	case <-c.closed:
		return
	default:
	}
	entry, err := json.Marshal(registryEntry{Remote: c.ip, ConnectedAt: c.connectedAt, LastSeen: time.Now()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, kvTimeout)
	defer cancel()
	if err := s.store.HSet(ctx, registryKey, c.id, string(entry)); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("registry write failed")
	}
}

// disconnect tears down one connection's server-side state. Called exactly
// once, from the read pump's deferred cleanup. Store operations are best
// effort; the TTLs mop up anything a failure leaves behind.
func (s *Server) disconnect(c *Client) {
	c.close()

	if _, loaded := s.clients.LoadAndDelete(c.id); !loaded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()

	if err := s.store.Del(ctx, dispatch.ResponseKey(c.id)); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("response list delete failed")
	}
	if err := s.store.HDel(ctx, registryKey, c.id); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("registry delete failed")
	}
	if err := s.router.UnsubscribeAll(ctx, c.id); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", c.id).Msg("subscription cleanup failed")
	}

	<-s.connectionsSem
	conns := atomic.AddInt64(&s.currentConns, -1)
	monitoring.ConnectionsActive.Set(float64(conns))

	s.logger.Info().
		Str("conn_id", c.id).
		Dur("duration", time.Since(c.connectedAt)).
		Int64("current_connections", conns).
		Msg("client disconnected")
}

// observeLoop pushes queue and runtime snapshots into the gauges and
// sweeps idle rate-limit windows.
func (s *Server) observeLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "observeLoop", nil)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			monitoring.ObserveQueue(s.queue.Stats())
			monitoring.ObserveRuntime()
			if removed := s.queue.Cleanup(rateWindowMaxAge); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("idle rate windows swept")
			}
		}
	}
}

// janitorLoop periodically drops empty index sets and prunes registry
// entries left behind by crashed frontends.
func (s *Server) janitorLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "janitorLoop", nil)

	ticker := time.NewTicker(s.cfg.JanitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		removed, err := s.router.CleanupEmptyIndexes(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("index sweep failed")
		} else if removed > 0 {
			s.logger.Info().Int("removed", removed).Msg("empty index sets swept")
		}
		s.pruneRegistry(ctx)
		cancel()
	}
}

// pruneRegistry removes registry fields whose owning frontend stopped
// refreshing them and whose response list has drained. Locally owned
// entries are left alone so an idle connection is never evicted by its own
// server; entries on other frontends survive for as long as their poller
// keeps touching last_seen. Records that fail to decode count as stale.
func (s *Server) pruneRegistry(ctx context.Context) {
	fields, err := s.store.HKeys(ctx, registryKey)
	if err != nil {
		s.logger.Debug().Err(err).Msg("registry scan failed")
		return
	}

	now := time.Now()
	pruned := 0
	for _, connID := range fields {
		if _, ok := s.clients.Load(connID); ok {
			continue
		}
		raw, err := s.store.HGet(ctx, registryKey, connID)
		if err != nil {
			continue
		}
		var entry registryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil &&
			now.Sub(entry.LastSeen) < registryStaleAfter {
			continue
		}
		n, err := s.store.LLen(ctx, dispatch.ResponseKey(connID))
		if err != nil || n > 0 {
			continue
		}
		if err := s.store.HDel(ctx, registryKey, connID); err == nil {
			pruned++
		}
	}
	if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Msg("stale registry entries pruned")
	}
}

// healthResponse is the /health body. Degraded means serving with a
// warning; unhealthy means a dependency is down and returns 503.
type healthResponse struct {
	Status      string         `json:"status"`
	Warnings    []string       `json:"warnings,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	Connections map[string]any `json:"connections"`
	Queue       map[string]any `json:"queue"`
	Store       map[string]any `json:"store"`
	Resources   map[string]any `json:"resources"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var warnings, errs []string

	qs := s.queue.Stats()
	switch qs.State {
	case queue.StateOverloaded, queue.StateCritical:
		warnings = append(warnings, fmt.Sprintf("queue %s (%.0f%% full)", qs.State, qs.Utilization*100))
	}
	if qs.CircuitOpen {
		warnings = append(warnings, "ingress circuit breaker open")
	}

	ctx, cancel := context.WithTimeout(r.Context(), kvTimeout)
	defer cancel()
	pingStart := time.Now()
	pingErr := s.store.Ping(ctx)
	pingMS := float64(time.Since(pingStart).Microseconds()) / 1000.0

	storeStatus := map[string]any{"ping_ms": pingMS}
	if pingErr != nil {
		errs = append(errs, fmt.Sprintf("store unreachable: %v", pingErr))
		storeStatus["error"] = pingErr.Error()
	}

	guard := s.guard.Stats()
	conns := atomic.LoadInt64(&s.currentConns)
	maxConns := s.guard.MaxConnections()
	if maxConns > 0 && conns >= int64(maxConns) {
		warnings = append(warnings, fmt.Sprintf("at connection capacity (%d/%d)", conns, maxConns))
	}

	status := "healthy"
	code := http.StatusOK
	if len(warnings) > 0 {
		status = "degraded"
	}
	if len(errs) > 0 {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:   status,
		Warnings: warnings,
		Errors:   errs,
		Connections: map[string]any{
			"current": conns,
			"max":     maxConns,
		},
		Queue: map[string]any{
			"length":       qs.Length,
			"capacity":     qs.Capacity,
			"utilization":  qs.Utilization,
			"state":        qs.State.String(),
			"circuit_open": qs.CircuitOpen,
		},
		Store: storeStatus,
		Resources: map[string]any{
			"cpu_percent":  guard["cpu_percent"],
			"memory_bytes": guard["memory_bytes"],
			"goroutines":   guard["goroutines"],
		},
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// Shutdown drains gracefully: stop accepting, warn connected clients,
// wait for them to leave, then force-close stragglers and stop the
// background loops. The ingress queue is not flushed here; the bridge
// keeps draining it until its own context is cancelled.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	// Tell clients to move before the sockets go away.
	s.clients.Range(func(_, value any) bool {
		if c, ok := value.(*Client); ok {
			c.enqueue(nostr.NoticeFrame("restarting"))
		}
		return true
	})

	s.logger.Info().
		Int64("active_connections", atomic.LoadInt64(&s.currentConns)).
		Msg("draining connections")

	drainTimer := time.NewTimer(30 * time.Second)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

	for {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.currentConns)
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining", remaining).
					Msg("grace period expired, force closing")
			}
			goto forceClose

		case <-checkTicker.C:
			remaining := atomic.LoadInt64(&s.currentConns)
			if remaining == 0 {
				s.logger.Info().Msg("all connections drained")
				goto cleanup
			}
			s.logger.Info().Int64("remaining", remaining).Msg("waiting for connections to drain")
		}
	}

forceClose:
	s.clients.Range(func(_, value any) bool {
		if c, ok := value.(*Client); ok {
			c.close()
		}
		return true
	})

cleanup:
	s.cancel()
	s.upgrades.Stop()
	s.wg.Wait()

	s.logger.Info().Msg("graceful shutdown completed")
	return nil
}

// clientIP prefers X-Forwarded-For so rate limits survive a load
// balancer, falling back to the socket address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
