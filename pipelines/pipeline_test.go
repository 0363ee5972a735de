package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchDestroyBeforePreprocessing(t *testing.T) {
	batch := NewBatch()
	require.NoError(t, batch.Destroy())
}

func TestBatchDestroyReleasesInputs(t *testing.T) {
	batch := NewBatch()
	released := false
	batch.DestroyInputs = func() error {
		released = true
		return nil
	}
	require.NoError(t, batch.Destroy())
	assert.True(t, released)
}

func TestOutputByName(t *testing.T) {
	batch := NewBatch()
	_, err := batch.OutputByName("")
	require.Error(t, err)

	batch.Outputs = []OutputTensor{
		{Name: "last_hidden_state", Data: []float32{1, 2}, Shape: NewShape(1, 2)},
		{Name: "pooler_output", Data: []float32{3}, Shape: NewShape(1, 1)},
	}

	output, err := batch.OutputByName("")
	require.NoError(t, err)
	assert.Equal(t, "last_hidden_state", output.Name)

	output, err = batch.OutputByName("pooler_output")
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, output.Data)

	_, err = batch.OutputByName("logits")
	require.Error(t, err)
}
