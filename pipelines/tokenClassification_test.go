package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relmask/relmask/document"
)

func TestGetTag(t *testing.T) {
	p := &TokenClassificationPipeline{}

	bi, tag := p.getTag("B-ORG")
	assert.Equal(t, "B", bi)
	assert.Equal(t, "ORG", tag)

	bi, tag = p.getTag("I-PER")
	assert.Equal(t, "I", bi)
	assert.Equal(t, "PER", tag)

	bi, tag = p.getTag("LOC")
	assert.Equal(t, "I", bi)
	assert.Equal(t, "LOC", tag)
}

func TestAggregateWithoutGrouping(t *testing.T) {
	p := &TokenClassificationPipeline{
		BasePipeline: &BasePipeline{
			IDLabelMap: map[int]string{0: "O", 1: "B-PER", 2: "B-ORG"},
		},
		AggregationStrategy: "NONE",
	}
	input := TokenizedInput{Raw: "Jane joined Acme"}
	preEntities := []Entity{
		{Word: "Jane", Scores: []float32{0.1, 0.8, 0.1}, Index: 1},
		{Word: "joined", Scores: []float32{0.9, 0.05, 0.05}, Index: 2},
		{Word: "Acme", Scores: []float32{0.2, 0.1, 0.7}, Index: 3},
	}

	entities, err := p.Aggregate(input, preEntities)
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.Equal(t, "B-PER", entities[0].Entity)
	assert.Equal(t, "O", entities[1].Entity)
	assert.Equal(t, "B-ORG", entities[2].Entity)
	assert.Equal(t, float32(0.8), entities[0].Score)
}

func TestTokenBoundaries(t *testing.T) {
	boundaries := tokenBoundaries([]string{"Larry", "Page", "founded", "Google", "."})
	assert.Equal(t, [][2]uint{{0, 5}, {6, 10}, {11, 18}, {19, 25}, {26, 27}}, boundaries)
}

func TestTokenRange(t *testing.T) {
	boundaries := tokenBoundaries([]string{"Larry", "Page", "founded", "Google", "."})

	// "Larry Page" spans tokens 0-2
	start, end, ok := tokenRange(boundaries, 0, 10)
	require.True(t, ok)
	assert.Equal(t, 0, start)
	assert.Equal(t, 2, end)

	// "Google"
	start, end, ok = tokenRange(boundaries, 19, 25)
	require.True(t, ok)
	assert.Equal(t, 3, start)
	assert.Equal(t, 4, end)

	// a sub-token range still maps onto its covering token
	start, end, ok = tokenRange(boundaries, 20, 23)
	require.True(t, ok)
	assert.Equal(t, 3, start)
	assert.Equal(t, 4, end)

	// a range beyond the sentence matches nothing
	_, _, ok = tokenRange(boundaries, 30, 35)
	assert.False(t, ok)
}

func TestAnnotateEntities(t *testing.T) {
	sentence := document.NewSentence([]string{"Larry", "Page", "founded", "Google", "."})
	entities := []Entity{
		{Entity: "PER", Word: "Larry Page", Start: 0, End: 10},
		{Entity: "ORG", Word: "Google", Start: 19, End: 25},
	}
	require.NoError(t, annotateEntities(sentence, entities, "ner"))

	spans := sentence.Spans("ner")
	require.Len(t, spans, 2)
	assert.Equal(t, "Larry Page", spans[0].Text())
	label, ok := spans[0].Label("ner")
	require.True(t, ok)
	assert.Equal(t, "PER", label.Value)
	assert.Equal(t, 3, spans[1].Start())
	assert.Equal(t, 4, spans[1].End())
}

func TestAnnotateEntitiesMisaligned(t *testing.T) {
	sentence := document.NewSentence([]string{"short"})
	entities := []Entity{{Entity: "PER", Word: "ghost", Start: 40, End: 45}}
	err := annotateEntities(sentence, entities, "ner")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not align")
}
