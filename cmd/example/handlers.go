package main

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/nicktill/tinymc/pkg/httpx"
	"github.com/nicktill/tinymc/pkg/sdk"
)

// setupHandlers configures the demo endpoints. Request counts and latencies
// come from the middleware; the handlers add business metrics of their own.
func setupHandlers(mux *http.ServeMux, client *sdk.Client) {
	mux.HandleFunc("/api/users", handleUsers(client))
	mux.HandleFunc("/api/orders", handleOrders(client))
	mux.HandleFunc("/health", handleHealth)
}

// handleUsers handles /api/users endpoint
func handleUsers(client *sdk.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Consistent latency: 50-100ms (simulated work)
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)

		// Rare errors (2%)
		if rand.Float32() < 0.02 {
			client.Counter("errors_total", 1, sdk.WithLabels(map[string]string{
				"type":     "api_error",
				"endpoint": "/api/users",
			}))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		_ = httpx.RespondJSON(w, http.StatusOK, map[string]any{
			"users": []map[string]any{{"id": 1, "name": "Alice"}, {"id": 2, "name": "Bob"}},
		})
	}
}

// handleOrders handles /api/orders endpoint
func handleOrders(client *sdk.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(80+rand.Intn(40)) * time.Millisecond)

		total := 20 + rand.Float64()*180
		client.Summary("order_total", total, sdk.WithPercentiles(50, 95))
		client.Max("order_total_max", total)

		_ = httpx.RespondJSON(w, http.StatusOK, map[string]any{
			"orders": []map[string]any{{"id": 1, "total": total}},
		})
	}
}

// handleHealth handles /health endpoint
func handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = httpx.RespondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": time.Since(startTime).Round(time.Second).String(),
	})
}
