package sketch

import (
	"bytes"
	"testing"

	"github.com/caio/go-tdigest/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTDigest(t *testing.T) {
	s, err := NewTDigest()
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		require.NoError(t, s.Add(float64(i)))
	}
	assert.Equal(t, uint64(100), s.Count())

	data, err := s.AsBytes()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := tdigest.FromBytes(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), decoded.Count())
	assert.InDelta(t, 50, decoded.Quantile(0.5), 2)
}

func TestDescribe(t *testing.T) {
	s, err := NewTDigest()
	require.NoError(t, err)
	for i := 1; i <= 1000; i++ {
		require.NoError(t, s.Add(float64(i)))
	}
	data, err := s.AsBytes()
	require.NoError(t, err)

	st, err := Describe(data, []float64{50, 99.9})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), st.Count)
	assert.InDelta(t, 500.5, st.Avg, 0.5)
	assert.InDelta(t, 1, st.Min, 1)
	assert.InDelta(t, 1000, st.Max, 1)
	assert.InDelta(t, 500, st.Percentiles["p50"], 10)
	assert.Contains(t, st.Percentiles, "p99.9")
}

func TestDescribeGarbage(t *testing.T) {
	_, err := Describe([]byte{0xde, 0xad}, nil)
	assert.Error(t, err)
}
