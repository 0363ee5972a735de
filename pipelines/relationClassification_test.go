package pipelines

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relmask/relmask/document"
)

// fakeEmbedder attaches deterministic vectors: the first component is a
// running row counter, so tests can verify row order and alignment.
type fakeEmbedder struct {
	width   int
	counter int
	calls   int
}

func (f *fakeEmbedder) Embed(sentences []*document.Sentence) error {
	f.calls++
	for _, sentence := range sentences {
		vector := make([]float32, f.width)
		vector[0] = float32(f.counter)
		f.counter++
		sentence.SetEmbedding("fake", vector)
	}
	return nil
}

func (f *fakeEmbedder) EmbeddingLength() int {
	return f.width
}

func (f *fakeEmbedder) Names() []string {
	return []string{"fake"}
}

// founderSentence builds "Larry Page and Sergey Brin founded Google ." with
// PER spans for both names, an ORG span for Google and one gold founded_by
// relation Google -> Larry Page.
func founderSentence(t *testing.T) (*document.Sentence, *document.Span, *document.Span, *document.Span) {
	t.Helper()
	sentence := document.NewSentence([]string{"Larry", "Page", "and", "Sergey", "Brin", "founded", "Google", "."})
	larry, err := sentence.AnnotateSpan(0, 2, "ner", "PER")
	require.NoError(t, err)
	sergey, err := sentence.AnnotateSpan(3, 5, "ner", "PER")
	require.NoError(t, err)
	google, err := sentence.AnnotateSpan(6, 7, "ner", "ORG")
	require.NoError(t, err)
	_, err = sentence.AnnotateRelation(google, larry, "relation", "founded_by")
	require.NoError(t, err)
	return sentence, larry, sergey, google
}

func newTestPipeline(t *testing.T, embedder SentenceEmbedder, opts ...RelationClassificationOption) *RelationClassificationPipeline {
	t.Helper()
	pipeline, err := NewRelationClassificationPipeline(
		embedder,
		document.NewDictionary("founded_by"),
		"relation",
		"ner",
		opts...,
	)
	require.NoError(t, err)
	return pipeline
}

func TestParseEntityLabelTypes(t *testing.T) {
	parsed, err := ParseEntityLabelTypes("ner")
	require.NoError(t, err)
	assert.Equal(t, EntityLabelTypes{"ner": nil}, parsed)

	parsed, err = ParseEntityLabelTypes([]string{"ner", "pos"})
	require.NoError(t, err)
	assert.Equal(t, EntityLabelTypes{"ner": nil, "pos": nil}, parsed)

	parsed, err = ParseEntityLabelTypes(map[string][]string{"ner": {"PER", "ORG"}})
	require.NoError(t, err)
	assert.Equal(t, EntityLabelTypes{"ner": {"PER", "ORG"}}, parsed)

	_, err = ParseEntityLabelTypes(42)
	assert.Error(t, err)
}

func TestSelectEntitiesFiltersByAllowedValues(t *testing.T) {
	sentence, _, _, google := founderSentence(t)

	embedder := &fakeEmbedder{width: 4}
	pipeline, err := NewRelationClassificationPipeline(
		embedder,
		document.NewDictionary(),
		"relation",
		map[string][]string{"ner": {"ORG"}},
	)
	require.NoError(t, err)

	entities := pipeline.selectEntities(sentence)
	require.Len(t, entities, 1)
	assert.Equal(t, google.ID(), entities[0].Span.ID())
	assert.Equal(t, "ORG", entities[0].Label.Value)
}

func TestSelectEntitiesEmitsSpanOncePerLabelType(t *testing.T) {
	sentence := document.NewSentence([]string{"Acme", "hired", "Jane"})
	_, err := sentence.AnnotateSpan(0, 1, "ner", "ORG")
	require.NoError(t, err)
	_, err = sentence.AnnotateSpan(0, 1, "frame", "EMPLOYER")
	require.NoError(t, err)
	_, err = sentence.AnnotateSpan(2, 3, "ner", "PER")
	require.NoError(t, err)

	embedder := &fakeEmbedder{width: 4}
	pipeline, err := NewRelationClassificationPipeline(
		embedder,
		document.NewDictionary(),
		"relation",
		[]string{"ner", "frame"},
	)
	require.NoError(t, err)

	entities := pipeline.selectEntities(sentence)
	// sorted label type order: frame before ner
	require.Len(t, entities, 3)
	assert.Equal(t, "EMPLOYER", entities[0].Label.Value)
	assert.Equal(t, "ORG", entities[1].Label.Value)
	assert.Equal(t, "PER", entities[2].Label.Value)
	// the Acme span is one object under both label types
	assert.Equal(t, entities[0].Span.ID(), entities[1].Span.ID())
}

func TestEntityPairsNoSelfPairing(t *testing.T) {
	sentence, _, _, _ := founderSentence(t)
	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	entities := pipeline.selectEntities(sentence)
	require.Len(t, entities, 3)

	var pairCount int
	for head, tail := range pipeline.entityPairs(entities) {
		assert.NotEqual(t, head.Span.ID(), tail.Span.ID())
		pairCount++
	}
	// full ordered cross-product minus self pairs: n*(n-1)
	assert.Equal(t, 6, pairCount)
}

func TestEntityPairsSchemaFiltering(t *testing.T) {
	sentence, larry, sergey, google := founderSentence(t)
	embedder := &fakeEmbedder{width: 4}
	schema := RelationSchema{
		"founded_by": {{Head: "ORG", Tail: "PER"}},
	}
	pipeline := newTestPipeline(t, embedder, WithRelationSchema(schema))

	entities := pipeline.selectEntities(sentence)
	var pairs [][2]int
	for head, tail := range pipeline.entityPairs(entities) {
		assert.Equal(t, "ORG", head.Label.Value)
		assert.Equal(t, "PER", tail.Label.Value)
		pairs = append(pairs, [2]int{head.Span.ID(), tail.Span.ID()})
	}
	assert.Equal(t, [][2]int{
		{google.ID(), larry.ID()},
		{google.ID(), sergey.ID()},
	}, pairs)
}

func TestMaskedSentenceRendering(t *testing.T) {
	_, larry, _, google := founderSentence(t)
	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	head := RelationArgument{Span: google, Label: document.Label{Value: "ORG"}}
	tail := RelationArgument{Span: larry, Label: document.Label{Value: "PER"}}
	masked, err := pipeline.maskedSentence(head, tail)
	require.NoError(t, err)
	assert.Equal(t, []string{"[T-PER]", "and", "Sergey", "Brin", "founded", "[H-ORG]", "."}, masked.TokenTexts())
}

func TestMaskedSentenceCollapsesMultiTokenSpans(t *testing.T) {
	_, larry, sergey, _ := founderSentence(t)
	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	head := RelationArgument{Span: larry, Label: document.Label{Value: "PER"}}
	tail := RelationArgument{Span: sergey, Label: document.Label{Value: "PER"}}
	masked, err := pipeline.maskedSentence(head, tail)
	require.NoError(t, err)
	tokens := masked.TokenTexts()
	assert.Equal(t, []string{"[H-PER]", "and", "[T-PER]", "founded", "Google", "."}, tokens)
	assert.NotContains(t, tokens, "Page")
	assert.NotContains(t, tokens, "Brin")
}

func TestMaskedSentenceCustomTemplates(t *testing.T) {
	_, larry, _, google := founderSentence(t)
	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder, WithMaskTemplates("<head:ENTITY>", "<tail:ENTITY>"))

	head := RelationArgument{Span: google, Label: document.Label{Value: "ORG"}}
	tail := RelationArgument{Span: larry, Label: document.Label{Value: "PER"}}
	masked, err := pipeline.maskedSentence(head, tail)
	require.NoError(t, err)
	assert.Contains(t, masked.TokenTexts(), "<head:ORG>")
	assert.Contains(t, masked.TokenTexts(), "<tail:PER>")
}

func TestMaskedSentenceRejectsCrossSentenceSpans(t *testing.T) {
	_, larry, _, _ := founderSentence(t)
	other := document.NewSentence([]string{"Google", "expanded"})
	otherGoogle, err := other.AnnotateSpan(0, 1, "ner", "ORG")
	require.NoError(t, err)

	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	head := RelationArgument{Span: otherGoogle, Label: document.Label{Value: "ORG"}}
	tail := RelationArgument{Span: larry, Label: document.Label{Value: "PER"}}
	_, err = pipeline.maskedSentence(head, tail)
	assert.ErrorContains(t, err, "different sentences")
}

func TestMaskedSentenceRejectsOverlappingSpans(t *testing.T) {
	sentence := document.NewSentence([]string{"New", "York", "City", "council"})
	outer, err := sentence.AnnotateSpan(0, 3, "ner", "LOC")
	require.NoError(t, err)
	inner, err := sentence.AnnotateSpan(1, 3, "frame", "LOC")
	require.NoError(t, err)

	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	head := RelationArgument{Span: outer, Label: document.Label{Value: "LOC"}}
	tail := RelationArgument{Span: inner, Label: document.Label{Value: "LOC"}}
	_, err = pipeline.maskedSentence(head, tail)
	assert.ErrorContains(t, err, "overlap")
}

func TestForwardPassAlignsGoldLabels(t *testing.T) {
	sentence, larry, sergey, google := founderSentence(t)
	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	output, err := pipeline.ForwardPass([]*document.Sentence{sentence}, true)
	require.NoError(t, err)
	require.Len(t, output.GoldLabels, 6)
	require.Len(t, output.Relations, 6)

	labelByPair := map[string]string{}
	for i, relation := range output.Relations {
		key := fmt.Sprintf("%d->%d", relation.Head().ID(), relation.Tail().ID())
		labelByPair[key] = output.GoldLabels[i]
	}
	assert.Equal(t, "founded_by", labelByPair[fmt.Sprintf("%d->%d", google.ID(), larry.ID())])
	assert.Equal(t, "O", labelByPair[fmt.Sprintf("%d->%d", google.ID(), sergey.ID())])
	assert.Equal(t, "O", labelByPair[fmt.Sprintf("%d->%d", larry.ID(), google.ID())])
}

func TestForwardPassEmptyInputs(t *testing.T) {
	embedder := &fakeEmbedder{width: 7}
	pipeline := newTestPipeline(t, embedder)

	// fully empty batch
	output, err := pipeline.ForwardPass(nil, false)
	require.NoError(t, err)
	assert.Empty(t, output.Embeddings)
	assert.Empty(t, output.GoldLabels)
	assert.Equal(t, 7, output.Width)

	// a single entity cannot pair
	sentence := document.NewSentence([]string{"Google", "expanded"})
	_, err = sentence.AnnotateSpan(0, 1, "ner", "ORG")
	require.NoError(t, err)
	output, err = pipeline.ForwardPass([]*document.Sentence{sentence}, false)
	require.NoError(t, err)
	assert.Empty(t, output.Embeddings)
	assert.Equal(t, 0, embedder.calls)
}

func TestForwardPassRowOrderAcrossSentences(t *testing.T) {
	first, _, _, _ := founderSentence(t)
	second := document.NewSentence([]string{"Jane", "joined", "Acme"})
	jane, err := second.AnnotateSpan(0, 1, "ner", "PER")
	require.NoError(t, err)
	acme, err := second.AnnotateSpan(2, 3, "ner", "ORG")
	require.NoError(t, err)

	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	output, err := pipeline.ForwardPass([]*document.Sentence{first, second}, true)
	require.NoError(t, err)
	require.Len(t, output.Embeddings, 8)
	require.Len(t, output.Relations, 8)

	// one embed call per sentence with candidates
	assert.Equal(t, 2, embedder.calls)
	// rows carry the embedder's running counter: input order is preserved
	for i, embedding := range output.Embeddings {
		assert.Equal(t, float32(i), embedding[0])
	}
	// the second sentence's candidates come last, in head-outer order
	assert.Equal(t, jane.ID(), output.Relations[6].Head().ID())
	assert.Equal(t, acme.ID(), output.Relations[6].Tail().ID())
	assert.Equal(t, acme.ID(), output.Relations[7].Head().ID())
	assert.Equal(t, jane.ID(), output.Relations[7].Tail().ID())
	// relations of the two sentences do not mix
	for i, relation := range output.Relations {
		if i < 6 {
			assert.Same(t, first, relation.Head().Sentence())
		} else {
			assert.Same(t, second, relation.Head().Sentence())
		}
	}
}

// pairScorer scores founded_by high for ORG->PER candidates and the zero tag
// otherwise, based on the row-aligned relation list captured from the
// pipeline output.
type pairScorer struct {
	relations []*document.Relation
	dict      *document.Dictionary
}

func (s *pairScorer) Score(embeddings [][]float32) ([][]float32, error) {
	scores := make([][]float32, len(embeddings))
	foundedBy, _ := s.dict.Index("founded_by")
	zero, _ := s.dict.Index("O")
	for i := range embeddings {
		row := make([]float32, s.dict.Len())
		head, _ := s.relations[i].Head().Label("ner")
		tail, _ := s.relations[i].Tail().Label("ner")
		if head.Value == "ORG" && tail.Value == "PER" {
			row[foundedBy] = 10
		} else {
			row[zero] = 10
		}
		scores[i] = row
	}
	return scores, nil
}

func TestPredictAnnotatesNonZeroCandidates(t *testing.T) {
	sentence, larry, sergey, google := founderSentence(t)
	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	forward, err := pipeline.ForwardPass([]*document.Sentence{sentence}, true)
	require.NoError(t, err)
	scorer := &pairScorer{relations: forward.Relations, dict: pipeline.LabelDictionary()}

	// the gold annotation is the only relation before predicting
	require.Len(t, sentence.Relations("relation"), 1)
	embedder.counter = 0
	require.NoError(t, pipeline.Predict([]*document.Sentence{sentence}, scorer))

	predicted := sentence.Relations("relation")
	// gold + ORG->PER predictions for both PER spans
	require.Len(t, predicted, 3)
	for _, relation := range predicted[1:] {
		assert.Equal(t, google.ID(), relation.Head().ID())
		label := relation.Label("relation", "O")
		assert.Equal(t, "founded_by", label.Value)
		assert.Greater(t, label.Score, float32(0.5))
	}
	tails := []int{predicted[1].Tail().ID(), predicted[2].Tail().ID()}
	assert.ElementsMatch(t, []int{larry.ID(), sergey.ID()}, tails)
}

func TestSaveAndLoadState(t *testing.T) {
	embedder := &fakeEmbedder{width: 4}
	schema := RelationSchema{"founded_by": {{Head: "ORG", Tail: "PER"}}}
	pipeline := newTestPipeline(t, embedder,
		WithRelationSchema(schema),
		WithZeroTag("no_relation"),
		WithMaskTemplates("[HEAD-ENTITY]", "[TAIL-ENTITY]"),
	)

	var state bytes.Buffer
	require.NoError(t, pipeline.SaveState(&state))

	restored, err := LoadRelationClassificationPipeline(&state, embedder)
	require.NoError(t, err)
	assert.Equal(t, pipeline.LabelType(), restored.LabelType())
	assert.Equal(t, "no_relation", restored.ZeroTag())
	assert.Equal(t, pipeline.LabelDictionary().Items(), restored.LabelDictionary().Items())
	assert.Equal(t, schema, restored.relationSchema)
	assert.Equal(t, "[HEAD-ENTITY]", restored.headMask)
	assert.Equal(t, "[TAIL-ENTITY]", restored.tailMask)
	assert.Equal(t, pipeline.entityLabelTypes, restored.entityLabelTypes)
}

func TestLoadStateRejectsMismatchedEmbedder(t *testing.T) {
	embedder := &fakeEmbedder{width: 4}
	pipeline := newTestPipeline(t, embedder)

	var state bytes.Buffer
	require.NoError(t, pipeline.SaveState(&state))

	// tamper with the persisted embedder names
	tampered := bytes.Replace(state.Bytes(), []byte(`"fake"`), []byte(`"other"`), 1)
	_, err := LoadRelationClassificationPipeline(bytes.NewReader(tampered), embedder)
	assert.ErrorContains(t, err, "do not match")
}

func TestNewRelationClassificationPipelineValidation(t *testing.T) {
	embedder := &fakeEmbedder{width: 4}

	_, err := NewRelationClassificationPipeline(nil, document.NewDictionary(), "relation", "ner")
	assert.ErrorContains(t, err, "embedder")

	_, err = NewRelationClassificationPipeline(embedder, document.NewDictionary(), "", "ner")
	assert.ErrorContains(t, err, "label type")

	_, err = NewRelationClassificationPipeline(embedder, document.NewDictionary(), "relation", 42)
	assert.ErrorContains(t, err, "entity label types")

	_, err = NewRelationClassificationPipeline(embedder, document.NewDictionary(), "relation", []string{})
	assert.ErrorContains(t, err, "at least one entity label type")
}
