// Package channel exposes the relay to HTTP clients.
package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sigrelay/internal/bus"
	"sigrelay/internal/domain"
	"sigrelay/internal/metrics"
)

const apiMaxBodySize = 1 << 20 // 1MB

// APIKeyHeader carries the optional API key.
const APIKeyHeader = "signal_apikey"

// Enqueuer accepts outbound requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.OutboundRequest) error
	Len() int
}

// EventHistory returns recently classified events.
type EventHistory interface {
	Replay(since uint64) []domain.ClassifiedEvent
}

type APIConfig struct {
	Addr    string
	APIKey  string
	Queue   Enqueuer
	Events  EventHistory // nil disables GET /events
	// Limiter throttles POST /message per client. Nil disables it.
	Limiter *RateLimiter
	Policy  *DestinationPolicy
	Metrics bool
	Logger  *slog.Logger
}

// MessageAPI is the HTTP submission endpoint of the relayer.
type MessageAPI struct {
	addr    string
	apiKey  string
	queue   Enqueuer
	events  EventHistory
	limiter *RateLimiter
	policy  *DestinationPolicy
	metrics bool
	logger  *slog.Logger
	server  *http.Server
	ready   chan net.Addr
}

func NewMessageAPI(cfg APIConfig) *MessageAPI {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MessageAPI{
		addr:    cfg.Addr,
		apiKey:  cfg.APIKey,
		queue:   cfg.Queue,
		events:  cfg.Events,
		limiter: cfg.Limiter,
		policy:  cfg.Policy,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		ready:   make(chan net.Addr, 1),
	}
}

// Handler returns the routes of the API.
func (a *MessageAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message/{destination}", a.requireKey(a.throttle(a.handleMessage)))
	mux.HandleFunc("GET /health", a.handleHealth)
	if a.events != nil {
		mux.HandleFunc("GET /events", a.requireKey(a.handleEvents))
	}
	if a.metrics {
		mux.Handle("GET /metrics", metrics.Collector.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (a *MessageAPI) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", a.addr, err)
	}
	a.ready <- ln.Addr()
	a.logger.Info("message API started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Ready yields the bound address once Start is listening.
func (a *MessageAPI) Ready() <-chan net.Addr { return a.ready }

func (a *MessageAPI) requireKey(next http.HandlerFunc) http.HandlerFunc {
	if a.apiKey == "" {
		return next
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		next(rw, r)
	}
}

func (a *MessageAPI) throttle(next http.HandlerFunc) http.HandlerFunc {
	if a.limiter == nil {
		return next
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		if ok, wait := a.limiter.Allow(client); !ok {
			metrics.RequestsRejected.Inc()
			a.logger.Warn("request rate limited", "client", client, "retry_after", wait)
			rw.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
			writeJSON(rw, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(rw, r)
	}
}

type messageRequest struct {
	Content *string `json:"content"`
}

func (a *MessageAPI) handleMessage(rw http.ResponseWriter, r *http.Request) {
	destination := r.PathValue("destination")
	if err := a.policy.Check(destination); err != nil {
		metrics.RequestsRejected.Inc()
		a.logger.Warn("request refused", "destination", destination, "err", err)
		writeJSON(rw, http.StatusForbidden, map[string]string{"error": ErrDestinationBlocked.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBodySize+1))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	if len(body) > apiMaxBodySize {
		writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Content == nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "missing content"})
		return
	}

	err = a.queue.Enqueue(r.Context(), domain.OutboundRequest{Destination: destination, Body: *req.Content})
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrQueueClosed):
		a.logger.Error("cannot enqueue request", "destination", destination, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "relay is shutting down"})
		return
	case errors.Is(err, bus.ErrQueueFull):
		a.logger.Warn("request queue full", "destination", destination)
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "request queue full"})
		return
	default:
		// Client went away while waiting for room.
		a.logger.Debug("enqueue aborted", "destination", destination, "err", err)
		return
	}

	a.logger.Debug("request queued", "destination", destination, "queued", a.queue.Len())
	writeJSON(rw, http.StatusOK, map[string]string{"status": "queued"})
}

func (a *MessageAPI) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "queued": a.queue.Len()})
}

func (a *MessageAPI) handleEvents(rw http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		since = v
	}
	events := a.events.Replay(since)
	if events == nil {
		events = []domain.ClassifiedEvent{}
	}
	writeJSON(rw, http.StatusOK, events)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
