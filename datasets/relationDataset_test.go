package datasets

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const corpusFixture = `{"tokens":["Larry","Page","founded","Google","."],"entities":[{"start":0,"end":2,"type":"ner","label":"PER"},{"start":3,"end":4,"type":"ner","label":"ORG"}],"relations":[{"head":1,"tail":0,"type":"relation","label":"founded_by"}]}
{"tokens":["Jane","joined","Acme"],"entities":[{"start":0,"end":1,"type":"ner","label":"PER"},{"start":2,"end":3,"type":"ner","label":"ORG"}],"relations":[]}
{"tokens":["It","rained"],"entities":[],"relations":[]}
`

func writeCorpus(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRelationDatasetValidation(t *testing.T) {
	_, err := NewRelationDataset("corpus.csv", 2)
	assert.ErrorContains(t, err, ".jsonl")

	_, err = NewRelationDataset(writeCorpus(t, corpusFixture), 0)
	assert.ErrorContains(t, err, "batch size")
}

func TestRelationDatasetBatches(t *testing.T) {
	dataset, err := NewRelationDataset(writeCorpus(t, corpusFixture), 2)
	require.NoError(t, err)
	defer dataset.Close()

	sentences, err := dataset.Next()
	require.NoError(t, err)
	require.Len(t, sentences, 2)

	first := sentences[0]
	assert.Equal(t, "Larry Page founded Google .", first.Text())
	require.Len(t, first.Spans("ner"), 2)
	relations := first.Relations("relation")
	require.Len(t, relations, 1)
	assert.Equal(t, "Google", relations[0].Head().Text())
	assert.Equal(t, "Larry Page", relations[0].Tail().Text())
	assert.Equal(t, "founded_by", relations[0].Label("relation", "O").Value)

	assert.Empty(t, sentences[1].Relations("relation"))

	// final partial batch comes with io.EOF
	sentences, err = dataset.Next()
	assert.Equal(t, io.EOF, err)
	require.Len(t, sentences, 1)
	assert.Equal(t, "It rained", sentences[0].Text())
	assert.Empty(t, sentences[0].Spans("ner"))

	assert.Equal(t, 1, dataset.Batches())
}

func TestRelationDatasetReset(t *testing.T) {
	dataset, err := NewRelationDataset(writeCorpus(t, corpusFixture), 3)
	require.NoError(t, err)
	defer dataset.Close()

	sentences, err := dataset.Next()
	require.NoError(t, err)
	require.Len(t, sentences, 3)

	require.NoError(t, dataset.Reset())
	assert.Equal(t, 0, dataset.Batches())

	sentences, err = dataset.Next()
	require.NoError(t, err)
	assert.Len(t, sentences, 3)
}

func TestRelationExampleErrors(t *testing.T) {
	badSpan := RelationExample{
		Tokens:   []string{"Jane"},
		Entities: []EntityExample{{Start: 0, End: 2, Type: "ner", Label: "PER"}},
	}
	_, err := badSpan.Sentence()
	assert.ErrorContains(t, err, "entity 0")

	badRelation := RelationExample{
		Tokens:    []string{"Jane", "joined", "Acme"},
		Entities:  []EntityExample{{Start: 0, End: 1, Type: "ner", Label: "PER"}},
		Relations: []RelationExampleRef{{Head: 0, Tail: 3, Type: "relation", Label: "employed_by"}},
	}
	_, err = badRelation.Sentence()
	assert.ErrorContains(t, err, "relation 0")
}
