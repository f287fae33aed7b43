package httpx

import (
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinymc/pkg/sdk"
)

var (
	numericID = regexp.MustCompile(`/\d+`)
	uuidID    = regexp.MustCompile(`/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// Middleware returns HTTP middleware that records request metrics through client.
// For every method, path and status it records:
//   - http_requests_total (counter) with the same values as agg_labels
//   - http_request_duration_ms (timing)
//
// Usage:
//
//	client, _ := sdk.New(sdk.ClientConfig{...})
//	client.Start(ctx)
//	defer client.Stop()
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", handler)
//	handler := httpx.Middleware(client)(mux)
//	http.ListenAndServe(":8080", handler)
func Middleware(client *sdk.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap ResponseWriter to capture status code
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			elapsed := float64(time.Since(start).Microseconds()) / 1000

			labels := map[string]string{
				"method": r.Method,
				"path":   normalizePath(r.URL.Path),
				"status": strconv.Itoa(rw.statusCode),
			}

			client.Counter(seriesName("http_requests_total", labels), 1, sdk.WithLabels(labels))
			client.Timing(seriesName("http_request_duration_ms", labels), elapsed)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// seriesName folds labels into the metric name. Aggregates are keyed by name
// only, so each label combination needs its own name.
//   - ("http_requests_total", {method: GET, path: /}) → http_requests_total{method=GET,path=/}
func seriesName(base string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// normalizePath normalizes paths to avoid cardinality explosion.
// Examples:
//   - /api/users/123 → /api/users/{id}
//   - /posts/456/comments → /posts/{id}/comments
//   - /api/users/3f1c...-uuid → /api/users/{id}
func normalizePath(path string) string {
	path = uuidID.ReplaceAllString(path, "/{id}")
	return numericID.ReplaceAllString(path, "/{id}")
}
