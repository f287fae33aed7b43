// Package gateway is a development receiver for the batches the tinymc client
// sends. It validates them the way a production gateway would, keeps running
// totals and streams every accepted batch to WebSocket subscribers.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicktill/tinymc/pkg/httpx"
	"github.com/nicktill/tinymc/pkg/sdk/metrics"
	"github.com/nicktill/tinymc/pkg/sdk/sketch"
	"github.com/nicktill/tinymc/pkg/sdk/transport"
)

// Gateway errcodes.
const (
	ErrCodeOK           = 0
	ErrCodeBadRequest   = 400
	ErrCodeUnauthorized = 401
)

// Batch outcomes, used as the "result" label.
const (
	resultAccepted     = "accepted"
	resultDuplicate    = "duplicate"
	resultRejected     = "rejected"
	resultUnauthorized = "unauthorized"
)

// Config configures a Handler.
type Config struct {
	// Token every request must carry in X-App-Token.
	Token string

	Logger logr.Logger

	// Registerer receives the gateway's Prometheus collectors. Nil skips
	// registration.
	Registerer prometheus.Registerer
}

// Stats are the running totals served on /v1/metric/stats.
type Stats struct {
	Batches    uint64                  `json:"batches"`
	Duplicates uint64                  `json:"duplicates"`
	Rejected   uint64                  `json:"rejected"`
	Records    map[metrics.Kind]uint64 `json:"records"`
	LastBatch  *time.Time              `json:"last_batch,omitempty"`
}

// Entry is one accepted metric as streamed to subscribers. Summaries carry the
// statistics decoded from their sketch.
type Entry struct {
	metrics.Payload
	Stats *sketch.Stats `json:"stats,omitempty"`
}

// Event is one accepted batch as streamed to subscribers.
type Event struct {
	BatchID    string  `json:"batch_id,omitempty"`
	ReceivedAt int64   `json:"received_at"`
	Metrics    []Entry `json:"metrics"`
}

// Handler serves the gateway API.
type Handler struct {
	token   string
	hub     *Hub
	batches *BatchTracker
	log     logr.Logger

	recordsTotal *prometheus.CounterVec
	batchesTotal *prometheus.CounterVec

	mu    sync.RWMutex
	stats Stats
}

// NewHandler creates a gateway handler. Call Run to start streaming.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Token == "" {
		return nil, errors.New("gateway token is required")
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	factory := promauto.With(cfg.Registerer)
	return &Handler{
		token:   cfg.Token,
		hub:     NewHub(log.WithName("hub")),
		batches: NewBatchTracker(),
		log:     log,
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinymc",
			Subsystem: "gateway",
			Name:      "records_total",
			Help:      "Metrics accepted by the gateway, by type.",
		}, []string{"type"}),
		batchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinymc",
			Subsystem: "gateway",
			Name:      "batches_total",
			Help:      "Batches received by the gateway, by result.",
		}, []string{"result"}),
		stats: Stats{Records: make(map[metrics.Kind]uint64)},
	}, nil
}

// Run drives the stream hub until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	h.hub.Run(ctx)
}

// Register mounts the gateway routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/metric/send", h.HandleSend).Methods(http.MethodPost)
	r.Handle("/v1/metric/stream", h.hub).Methods(http.MethodGet)
	r.HandleFunc("/v1/metric/stats", h.HandleStats).Methods(http.MethodGet)
}

// HandleSend handles the /v1/metric/send endpoint
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(transport.HeaderToken)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		h.batchesTotal.WithLabelValues(resultUnauthorized).Inc()
		h.respond(w, http.StatusOK, transport.Response{
			ErrCode: ErrCodeUnauthorized,
			Message: "invalid app token",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if len(req.Metrics) > MaxMetricsPerRequest {
		h.reject(w, http.StatusOK, ErrTooManyMetrics.Error())
		return
	}

	entries := make([]Entry, 0, len(req.Metrics))
	for i, p := range req.Metrics {
		st, err := ValidatePayload(p)
		if err != nil {
			h.reject(w, http.StatusOK, fmt.Sprintf("invalid metric at index %d: %v", i, err))
			return
		}
		entries = append(entries, Entry{Payload: p, Stats: st})
	}

	batchID := r.Header.Get(transport.HeaderBatchID)
	if h.batches.Observe(batchID) {
		h.mu.Lock()
		h.stats.Duplicates++
		h.mu.Unlock()
		h.batchesTotal.WithLabelValues(resultDuplicate).Inc()
		h.log.V(1).Info("duplicate batch acknowledged", "batchID", batchID)
		h.respond(w, http.StatusOK, transport.Response{ErrCode: ErrCodeOK, Message: "duplicate"})
		return
	}

	now := time.Now()
	h.mu.Lock()
	h.stats.Batches++
	h.stats.LastBatch = &now
	for _, p := range req.Metrics {
		h.stats.Records[p.Type]++
	}
	h.mu.Unlock()

	for _, p := range req.Metrics {
		h.recordsTotal.WithLabelValues(string(p.Type)).Inc()
	}
	h.batchesTotal.WithLabelValues(resultAccepted).Inc()
	h.log.V(1).Info("batch accepted",
		"batchID", batchID,
		"requestID", r.Header.Get(transport.HeaderRequestID),
		"records", len(entries))

	if h.hub.Subscribers() > 0 {
		event := Event{BatchID: batchID, ReceivedAt: now.Unix(), Metrics: entries}
		if err := h.hub.Publish(event); err != nil {
			h.log.Error(err, "failed to broadcast batch", "batchID", batchID)
		}
	}

	h.respond(w, http.StatusOK, transport.Response{ErrCode: ErrCodeOK})
}

// HandleStats handles the /v1/metric/stats endpoint
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.Stats())
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := h.stats
	out.Records = make(map[metrics.Kind]uint64, len(h.stats.Records))
	for k, v := range h.stats.Records {
		out.Records[k] = v
	}
	return out
}

func (h *Handler) reject(w http.ResponseWriter, status int, message string) {
	h.mu.Lock()
	h.stats.Rejected++
	h.mu.Unlock()
	h.batchesTotal.WithLabelValues(resultRejected).Inc()
	h.log.Info("batch rejected", "reason", message)
	h.respond(w, status, transport.Response{ErrCode: ErrCodeBadRequest, Message: message})
}

func (h *Handler) respond(w http.ResponseWriter, status int, data any) {
	if err := httpx.RespondJSON(w, status, data); err != nil {
		h.log.Error(err, "failed to encode response")
	}
}
