package metrics

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSketch struct {
	data []byte
	err  error
}

func (s *stubSketch) Add(float64) error { return nil }
func (s *stubSketch) Count() uint64 { return 0 }
func (s *stubSketch) AsBytes() ([]byte, error) { return s.data, s.err }

func ptr[T any](v T) *T { return &v }

func TestToPayload(t *testing.T) {
	labels := map[string]string{"route": "/api"}

	tests := []struct {
		name   string
		record Record
		want   Payload
	}{
		{
			name:   "set keeps latest ts",
			record: Record{Kind: SetKind, Name: "s", Minute: 10, TS: 630, Value: 4},
			want:   Payload{Type: SetKind, Name: "s", Value: 4.0, TS: 630},
		},
		{
			name:   "counter",
			record: Record{Kind: CounterKind, Name: "c", Minute: 10, Value: 3, Labels: labels},
			want:   Payload{Type: CounterKind, Name: "c", Value: 3.0, TS: 600, AggLabels: labels},
		},
		{
			name:   "max",
			record: Record{Kind: MaxKind, Name: "m", Minute: 10, Value: 9},
			want:   Payload{Type: MaxKind, Name: "m", Value: 9.0, TS: 600},
		},
		{
			name:   "avg",
			record: Record{Kind: AvgKind, Name: "a", Minute: 10, Count: 2, Sum: 7},
			want:   Payload{Type: AvgKind, Name: "a", Count: ptr(int64(2)), Sum: ptr(7.0), TS: 600},
		},
		{
			name:   "timing",
			record: Record{Kind: TimingKind, Name: "t", Minute: 10, Count: 3, Sum: 15, Min: 1, Max: 9},
			want: Payload{
				Type: TimingKind, Name: "t", TS: 600,
				Count: ptr(int64(3)), Sum: ptr(15.0), Min: ptr(1.0), Max: ptr(9.0),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToPayload(tt.record)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToPayloadSummary(t *testing.T) {
	r := Record{
		Kind:        SummaryKind,
		Name:        "latency",
		Minute:      10,
		Sketch:      &stubSketch{data: []byte{1, 2, 3}},
		Percentiles: []float64{99, 50, 99},
	}

	p, err := ToPayload(r)
	require.NoError(t, err)
	assert.Equal(t, "tdigest", p.DataType)
	assert.Equal(t, []byte{1, 2, 3}, p.Value)
	require.NotNil(t, p.Output)
	assert.Equal(t, CommonStats, p.Output.Common)
	assert.Equal(t, []float64{50, 99}, p.Output.Percentiles)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "summary",
		"name": "latency",
		"value": "AQID",
		"data_type": "tdigest",
		"output": {"common": ["count","min","max","avg"], "percentiles": [50, 99]},
		"ts": 600
	}`, string(raw))
}

func TestToPayloadErrors(t *testing.T) {
	_, err := ToPayload(Record{Kind: SummaryKind, Name: "s"})
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = ToPayload(Record{Kind: SummaryKind, Name: "s", Sketch: &stubSketch{err: boom}})
	assert.ErrorIs(t, err, boom)

	_, err = ToPayload(Record{Kind: "histogram", Name: "h"})
	assert.Error(t, err)
}

func TestPayloadKeepsZeroCounterValue(t *testing.T) {
	p, err := ToPayload(Record{Kind: CounterKind, Name: "c", Minute: 1})
	require.NoError(t, err)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"counter","name":"c","value":0,"ts":60}`, string(raw))
}

func TestUnionPercentiles(t *testing.T) {
	assert.Equal(t, []float64{50, 90, 99}, UnionPercentiles([]float64{99, 50}, []float64{90, 50}))
	assert.Equal(t, []float64{}, UnionPercentiles(nil, nil))
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("histogram").Valid())
	assert.Len(t, Kinds, 7)
}
