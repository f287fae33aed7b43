package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymc/pkg/sdk"
	"github.com/nicktill/tinymc/pkg/sdk/metrics"
	"github.com/nicktill/tinymc/pkg/sdk/transport"
)

const testToken = "secret"

func newTestGateway(t *testing.T) (*Handler, *httptest.Server, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	h, err := NewHandler(Config{Token: testToken, Logger: testr.New(t), Registerer: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	r := mux.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv, reg
}

func postRaw(t *testing.T, url, token, body string) (*http.Response, transport.Response) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url+"/v1/metric/send", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(transport.HeaderToken, token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out transport.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func counter(name string, v float64) metrics.Payload {
	return metrics.Payload{Type: metrics.CounterKind, Name: name, Value: v, TS: 1700000040}
}

func TestNewHandlerRequiresToken(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestHandleSend_Unauthorized(t *testing.T) {
	h, srv, _ := newTestGateway(t)

	tr, err := transport.NewHTTP(srv.URL+"/v1/metric/send", "wrong", time.Second)
	require.NoError(t, err)

	err = tr.Send(context.Background(), "batch-1", []metrics.Payload{counter("c", 1)})
	var gerr *transport.GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, ErrCodeUnauthorized, gerr.ErrCode)
	assert.Zero(t, h.Stats().Batches)
}

func TestHandleSend_InvalidJSON(t *testing.T) {
	h, srv, _ := newTestGateway(t)

	resp, out := postRaw(t, srv.URL, testToken, `{"metrics": [`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeBadRequest, out.ErrCode)
	assert.Contains(t, out.Message, "invalid JSON")
	assert.Equal(t, uint64(1), h.Stats().Rejected)
}

func TestHandleSend_InvalidMetric(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown type", `{"metrics":[{"type":"histogram","name":"h","value":1}]}`, "unknown metric type"},
		{"empty name", `{"metrics":[{"type":"counter","name":"","value":1}]}`, "cannot be empty"},
		{"missing value", `{"metrics":[{"type":"max","name":"m"}]}`, "numeric value"},
		{"timing without min", `{"metrics":[{"type":"timing","name":"t","count":1,"sum":2,"max":2}]}`, "needs count, sum, min and max"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postRaw(t, srv.URL, testToken, tt.body)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, ErrCodeBadRequest, out.ErrCode)
			assert.Contains(t, out.Message, tt.want)
		})
	}
}

func TestHandleSend_AcceptsAndDeduplicates(t *testing.T) {
	h, srv, reg := newTestGateway(t)

	tr, err := transport.NewHTTP(srv.URL+"/v1/metric/send", testToken, time.Second)
	require.NoError(t, err)

	batch := []metrics.Payload{counter("a", 1), counter("b", 2)}
	require.NoError(t, tr.Send(context.Background(), "chunk-1", batch))
	// Same X-Batch-Id: a retried delivery.
	require.NoError(t, tr.Send(context.Background(), "chunk-1", batch))

	st := h.Stats()
	assert.Equal(t, uint64(1), st.Batches)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(2), st.Records[metrics.CounterKind])
	assert.NotNil(t, st.LastBatch)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.recordsTotal.WithLabelValues("counter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.batchesTotal.WithLabelValues(resultDuplicate)))
	n, err := testutil.GatherAndCount(reg, "tinymc_gateway_records_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleSend_WithoutBatchID(t *testing.T) {
	h, srv, _ := newTestGateway(t)

	body := `{"metrics":[{"type":"set","name":"s","value":3,"ts":1700000000}]}`
	for i := 0; i < 2; i++ {
		_, out := postRaw(t, srv.URL, testToken, body)
		assert.Equal(t, ErrCodeOK, out.ErrCode)
	}
	assert.Equal(t, uint64(2), h.Stats().Batches)
}

func TestHandleSend_EqualContentAcrossFlushes(t *testing.T) {
	h, srv, _ := newTestGateway(t)

	now := time.Unix(1700000010, 0)
	client, err := sdk.New(sdk.ClientConfig{
		SendAPI: srv.URL + "/v1/metric/send",
		Token:   testToken,
		Logger:  testr.New(t),
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)

	// Two flushes in the same minute produce byte-identical bodies.
	client.Counter("requests", 1)
	require.NoError(t, client.ForceFlush(context.Background()))
	now = now.Add(10 * time.Second)
	client.Counter("requests", 1)
	require.NoError(t, client.ForceFlush(context.Background()))

	st := h.Stats()
	assert.Equal(t, uint64(2), st.Batches)
	assert.Zero(t, st.Duplicates)
	assert.Equal(t, uint64(2), st.Records[metrics.CounterKind])
}

func TestHandleStats(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	_, out := postRaw(t, srv.URL, testToken, `{"metrics":[{"type":"avg","name":"a","count":2,"sum":3}]}`)
	require.Equal(t, ErrCodeOK, out.ErrCode)

	resp, err := http.Get(srv.URL + "/v1/metric/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, uint64(1), st.Batches)
	assert.Equal(t, uint64(1), st.Records[metrics.AvgKind])
}

func TestStreamReceivesClientBatches(t *testing.T) {
	h, srv, _ := newTestGateway(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/metric/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.hub.Subscribers() > 0 }, time.Second, 10*time.Millisecond)

	client, err := sdk.New(sdk.ClientConfig{
		SendAPI: srv.URL + "/v1/metric/send",
		Token:   testToken,
		Logger:  testr.New(t),
	})
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		client.Summary("latency_ms", float64(i), sdk.WithPercentiles(50, 99))
	}
	client.Counter("requests", 3)
	require.NoError(t, client.ForceFlush(context.Background()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.NewDecoder(bytes.NewReader(raw)).Decode(&event))
	assert.NotEmpty(t, event.BatchID)
	require.Len(t, event.Metrics, 2)

	var summary *Entry
	for i := range event.Metrics {
		if event.Metrics[i].Type == metrics.SummaryKind {
			summary = &event.Metrics[i]
		}
	}
	require.NotNil(t, summary)
	require.NotNil(t, summary.Stats)
	assert.Equal(t, uint64(100), summary.Stats.Count)
	assert.InDelta(t, 50.5, summary.Stats.Avg, 0.01)
	assert.InDelta(t, 50, summary.Stats.Percentiles["p50"], 2)
	assert.Contains(t, summary.Stats.Percentiles, "p99")
}
