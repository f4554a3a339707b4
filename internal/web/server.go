package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/pkg/cli"
	apperrors "stock_sentinel/pkg/errors"
)

// pushInterval is how often the pusher polls the store data version.
const pushInterval = 500 * time.Millisecond

var (
	wsActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(wsActiveConnections)
	prometheus.MustRegister(wsRejectedTotal)
}

// SignalSource exposes the monitor's latest-signal slots.
type SignalSource interface {
	LatestSignals() map[string]*core.Signal
}

// Deps are the components the dashboard reads from. Nil entries
// leave their sections empty.
type Deps struct {
	Store      core.IStateStore
	Grid       core.IGridManager
	Orders     core.IOrderManager
	Breaker    core.IMarketDataBreaker
	Reconciler core.IReconciler
	Health     core.IHealthMonitor
	Broker     core.IBroker
	Signals    SignalSource
}

type sseEvent struct {
	name string
	data []byte
}

// Server is the dashboard HTTP server.
type Server struct {
	deps   Deps
	cfg    config.ServerConfig
	logger core.ILogger
	hub    *Hub

	srv      *http.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex

	connSemaphore chan struct{}
	ipLimiters    sync.Map // map[string]*rate.Limiter
	rateLimit     rate.Limit
	rateBurst     int

	sseMu   sync.Mutex
	sseSubs map[chan sseEvent]struct{}

	startedAt time.Time
}

// NewServer creates the dashboard server.
func NewServer(deps Deps, cfg config.ServerConfig, logger core.ILogger) *Server {
	s := &Server{
		deps:          deps,
		cfg:           cfg,
		logger:        logger.WithField("component", "web"),
		hub:           NewHub(logger),
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
		rateLimit:     10.0,
		rateBurst:     20,
		sseSubs:       make(map[chan sseEvent]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/grid/sessions", s.handleSessions)
	mux.HandleFunc("/api/grid/trades", s.handleGridTrades)
	mux.HandleFunc("/api/signals", s.handleSignals)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/grid/start", s.requireAuth(s.handleGridStart))
	mux.HandleFunc("/api/grid/stop", s.requireAuth(s.handleGridStop))
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.hub.Run(ctx)
	go s.pushLoop(ctx)

	s.logger.Info("Dashboard server listening", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Stop shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping dashboard server")
	return s.srv.Shutdown(ctx)
}

// ClientCount returns the number of WebSocket subscribers.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// pushLoop polls the store data version and pushes a fresh snapshot
// to WS and SSE subscribers whenever it moves.
func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	lastVersion := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			version := s.deps.Store.DataVersion()
			if version == lastVersion {
				continue
			}
			lastVersion = version

			snap := s.buildSnapshot(ctx)
			s.hub.Broadcast(Message{Type: "snapshot", Data: snap})

			payload, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("Snapshot marshal failed", "error", err)
				continue
			}
			s.sseNotify(sseEvent{name: "version", data: payload})
		}
	}
}

// --- SSE ---

func (s *Server) sseSubscribe() chan sseEvent {
	ch := make(chan sseEvent, 16)
	s.sseMu.Lock()
	s.sseSubs[ch] = struct{}{}
	s.sseMu.Unlock()
	return ch
}

func (s *Server) sseUnsubscribe(ch chan sseEvent) {
	s.sseMu.Lock()
	delete(s.sseSubs, ch)
	s.sseMu.Unlock()
}

func (s *Server) sseNotify(ev sseEvent) {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	for ch := range s.sseSubs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it still gets heartbeats from its
			// own handler and the next version event.
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.sseSubscribe()
	defer s.sseUnsubscribe(sub)

	heartbeat := time.NewTicker(time.Duration(s.cfg.HeartbeatSeconds) * time.Second)
	defer heartbeat.Stop()

	// Immediate first event so clients render without waiting for a
	// version bump.
	if payload, err := json.Marshal(s.buildSnapshot(r.Context())); err == nil {
		fmt.Fprintf(w, "event: version\ndata: %s\n\n", payload)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			flusher.Flush()
		case t := <-heartbeat.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"time\":%d}\n\n", t.Unix())
			flusher.Flush()
		}
	}
}

// --- JSON API ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message"`
}

// httpStatusFor maps precondition errors onto the API's status codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrDuplicateSession),
		errors.Is(err, apperrors.ErrPendingOrderExists),
		errors.Is(err, apperrors.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrNoPosition),
		errors.Is(err, apperrors.ErrProfitNotTriggered),
		errors.Is(err, apperrors.ErrInvalidCenterPrice),
		errors.Is(err, apperrors.ErrInvalidSessionParam),
		errors.Is(err, apperrors.ErrInsufficientVolume),
		errors.Is(err, apperrors.ErrAutoTradingDisabled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeAPIError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatusFor(err), apiError{
		ReasonCode: apperrors.ReasonCode(err),
		Message:    err.Error(),
	})
}

// requireAuth guards mutating endpoints with the configured bearer
// token. An unset token disables them entirely.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := string(s.cfg.AuthToken)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, apiError{
				ReasonCode: "auth_not_configured",
				Message:    "no auth token configured; mutating endpoints disabled",
			})
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, apiError{
				ReasonCode: "unauthorized",
				Message:    "invalid bearer token",
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	healthy := true
	components := map[string]string{}
	if s.deps.Health != nil {
		components = s.deps.Health.GetStatus()
		healthy = s.deps.Health.IsHealthy()
	}
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":    healthy,
		"components": components,
		"clients":    s.hub.ClientCount(),
		"time":       time.Now().Unix(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buildSnapshot(r.Context()))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Store.ListPositions(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	views := []sessionView{}
	if s.deps.Grid != nil {
		for _, sess := range s.deps.Grid.ActiveSessions() {
			views = append(views, toSessionView(sess))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGridTrades(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(r.URL.Query().Get("session_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			ReasonCode: "invalid_session_param",
			Message:    "session_id must be an integer",
		})
		return
	}
	trades, err := s.deps.Store.ListGridTrades(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	signals := map[string]*core.Signal{}
	if s.deps.Signals != nil {
		signals = s.deps.Signals.LatestSignals()
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"data_version": s.deps.Store.DataVersion(),
		"clients":      s.hub.ClientCount(),
		"uptime_sec":   int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Health != nil {
		status["healthy"] = s.deps.Health.IsHealthy()
		status["components"] = s.deps.Health.GetStatus()
	}
	if s.deps.Breaker != nil {
		status["breaker"] = s.deps.Breaker.Status()
	}
	if s.deps.Reconciler != nil {
		status["reconcile"] = s.deps.Reconciler.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

type gridStartRequest struct {
	StockCode     string          `json:"stock_code"`
	CenterPrice   decimal.Decimal `json:"center_price"`
	PriceInterval decimal.Decimal `json:"price_interval"`
	CallbackRatio decimal.Decimal `json:"callback_ratio"`
	PositionRatio decimal.Decimal `json:"position_ratio"`
	MaxInvestment decimal.Decimal `json:"max_investment"`
	MaxDeviation  decimal.Decimal `json:"max_deviation"`
	TargetProfit  decimal.Decimal `json:"target_profit"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	DurationDays  int             `json:"duration_days"`
}

func (s *Server) handleGridStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Grid == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{
			ReasonCode: "grid_disabled",
			Message:    "grid trading is not enabled",
		})
		return
	}

	var req gridStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			ReasonCode: "invalid_request",
			Message:    err.Error(),
		})
		return
	}
	if err := cli.ValidateStockCode(req.StockCode); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			ReasonCode: "invalid_stock_code",
			Message:    err.Error(),
		})
		return
	}

	session, err := s.deps.Grid.StartSession(r.Context(), &core.GridSessionRequest{
		StockCode:     req.StockCode,
		CenterPrice:   req.CenterPrice,
		PriceInterval: req.PriceInterval,
		CallbackRatio: req.CallbackRatio,
		PositionRatio: req.PositionRatio,
		MaxInvestment: req.MaxInvestment,
		MaxDeviation:  req.MaxDeviation,
		TargetProfit:  req.TargetProfit,
		StopLoss:      req.StopLoss,
		DurationDays:  req.DurationDays,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	view := toSessionView(session)
	s.logger.Info("Grid session started via API",
		"session_id", session.ID, "stock_code", session.StockCode)
	writeJSON(w, http.StatusCreated, view)
}

type gridStopRequest struct {
	SessionID int64 `json:"session_id"`
}

func (s *Server) handleGridStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Grid == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{
			ReasonCode: "grid_disabled",
			Message:    "grid trading is not enabled",
		})
		return
	}

	var req gridStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			ReasonCode: "invalid_request",
			Message:    err.Error(),
		})
		return
	}

	if err := s.deps.Grid.StopSession(r.Context(), req.SessionID, core.StopReasonManual); err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Info("Grid session stopped via API", "session_id", req.SessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"status":     string(core.SessionStopped),
	})
}

// --- WebSocket ---

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("Rejected WebSocket connection with missing Origin header",
			"remote_addr", r.RemoteAddr)
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected WebSocket connection with invalid Origin",
			"origin", origin, "error", err)
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("IP rate limit exceeded", "ip", ip)
		wsRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		wsActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			wsActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		s.logger.Warn("Max connections reached")
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID)
	s.hub.Register(client)

	// Seed the new client with the current state.
	client.Send(Message{Type: "snapshot", Data: s.buildSnapshot(r.Context())})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Write error", "client_id", client.id, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames; the dashboard stream is one-way, so
// reads only service ping/pong and detect disconnects.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
