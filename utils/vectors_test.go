package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftMax(t *testing.T) {
	scores := SoftMax([]float32{1, 2, 3})
	require.Len(t, scores, 3)
	var sum float32
	for _, s := range scores {
		sum += s
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Greater(t, scores[2], scores[1])
	assert.Greater(t, scores[1], scores[0])
}

func TestArgMax(t *testing.T) {
	idx, value, err := ArgMax([]float32{0.1, 0.7, 0.2})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, float32(0.7), value)

	_, _, err = ArgMax(nil)
	assert.Error(t, err)
}

func TestMean(t *testing.T) {
	assert.Equal(t, float32(2), Mean([]float32{1, 2, 3}))
}

func TestNormalize(t *testing.T) {
	normalized := Normalize([]float32{3, 4}, 2)
	assert.InDelta(t, 0.6, normalized[0], 1e-5)
	assert.InDelta(t, 0.8, normalized[1], 1e-5)
}

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, "s3://bucket/models/config.json", PathJoinSafe("s3://bucket/", "models", "config.json"))
	assert.Equal(t, "models/config.json", PathJoinSafe("models", "config.json"))
}
