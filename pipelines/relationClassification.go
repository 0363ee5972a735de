package pipelines

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/exp/maps"

	"github.com/relmask/relmask/document"
	util "github.com/relmask/relmask/utils"
)

const (
	// DefaultZeroTag is the label assigned to candidate pairs without a gold
	// relation annotation.
	DefaultZeroTag = "O"
	// DefaultHeadMask and DefaultTailMask are the placeholder templates for
	// masked head and tail spans. The literal substring "ENTITY" is replaced
	// by the entity's label value.
	DefaultHeadMask = "[H-ENTITY]"
	DefaultTailMask = "[T-ENTITY]"
)

// EntityLabelTypes maps a span label type to the set of label values accepted
// for it. A nil value set accepts any label value of that type.
type EntityLabelTypes map[string][]string

// ParseEntityLabelTypes normalizes the three accepted configuration shapes to
// the canonical mapping form: a single label type name, a list of label type
// names (any value accepted), or the explicit mapping. Any other shape is a
// configuration error.
func ParseEntityLabelTypes(value any) (EntityLabelTypes, error) {
	switch v := value.(type) {
	case string:
		return EntityLabelTypes{v: nil}, nil
	case []string:
		parsed := EntityLabelTypes{}
		for _, labelType := range v {
			parsed[labelType] = nil
		}
		return parsed, nil
	case EntityLabelTypes:
		return v, nil
	case map[string][]string:
		return EntityLabelTypes(v), nil
	default:
		return nil, fmt.Errorf("entity label types must be a string, a string slice or a map of label type to allowed values, got %T", value)
	}
}

// LabelPair is an ordered (head label value, tail label value) combination.
type LabelPair struct {
	Head string `json:"head"`
	Tail string `json:"tail"`
}

// RelationSchema maps a relation name to the label-value pairs valid for it.
// A nil schema admits every non-self pair of filtered entities.
type RelationSchema map[string][]LabelPair

// admits reports whether the (head, tail) label combination is valid for at
// least one relation in the schema. The check is schema wide: candidate
// generation only needs the pair to plausibly belong to some relation type.
func (rs RelationSchema) admits(headLabel, tailLabel string) bool {
	pair := LabelPair{Head: headLabel, Tail: tailLabel}
	for _, pairs := range rs {
		if slices.Contains(pairs, pair) {
			return true
		}
	}
	return false
}

// RelationArgument pairs an entity span with its label under one configured
// label type. Arguments are transient: they borrow the span from the sentence
// under analysis and are rebuilt on every forward pass.
type RelationArgument struct {
	Span  *document.Span
	Label document.Label
}

// SentenceEmbedder turns sentences into fixed-length vectors. Embed attaches
// the vectors to the sentences, retrievable under Names.
type SentenceEmbedder interface {
	Embed(sentences []*document.Sentence) error
	EmbeddingLength() int
	Names() []string
}

// Scorer is the classifier head mapping embedding rows to per-label logits,
// one row of scores per input row.
type Scorer interface {
	Score(embeddings [][]float32) ([][]float32, error)
}

// RelationClassificationPipeline generates masked relation candidates from
// sentences with annotated entity spans and embeds them for classification.
// For every ordered pair of filtered entities that survives the relation
// schema, the sentence is rewritten with the head and tail spans collapsed to
// single label-aware placeholder tokens, and the gold relation label (or the
// zero tag) is aligned to the candidate.
type RelationClassificationPipeline struct {
	embedder         SentenceEmbedder
	labelDictionary  *document.Dictionary
	labelType        string
	entityLabelTypes EntityLabelTypes
	relationSchema   RelationSchema
	zeroTag          string
	headMask         string
	tailMask         string
}

// RelationClassificationOption configures the pipeline at construction.
type RelationClassificationOption func(*RelationClassificationPipeline)

// WithRelationSchema restricts candidate generation to label-value pairs that
// are valid for at least one relation in the schema.
func WithRelationSchema(schema RelationSchema) RelationClassificationOption {
	return func(pipeline *RelationClassificationPipeline) {
		pipeline.relationSchema = schema
	}
}

// WithZeroTag overrides the label used for candidates without a gold relation.
func WithZeroTag(zeroTag string) RelationClassificationOption {
	return func(pipeline *RelationClassificationPipeline) {
		pipeline.zeroTag = zeroTag
	}
}

// WithMaskTemplates overrides the head and tail placeholder templates. The
// literal substring "ENTITY" is replaced with the entity's label value.
func WithMaskTemplates(headMask, tailMask string) RelationClassificationOption {
	return func(pipeline *RelationClassificationPipeline) {
		pipeline.headMask = headMask
		pipeline.tailMask = tailMask
	}
}

// NewRelationClassificationPipeline builds a relation classification pipeline.
// entityLabelTypes accepts a string, a []string or a map[string][]string (see
// ParseEntityLabelTypes). The zero tag is always added to the label
// dictionary.
func NewRelationClassificationPipeline(
	embedder SentenceEmbedder,
	labelDictionary *document.Dictionary,
	labelType string,
	entityLabelTypes any,
	opts ...RelationClassificationOption,
) (*RelationClassificationPipeline, error) {
	var validationErrors []error
	if embedder == nil {
		validationErrors = append(validationErrors, errors.New("relation classification requires an embedder"))
	}
	if labelDictionary == nil {
		validationErrors = append(validationErrors, errors.New("relation classification requires a label dictionary"))
	}
	if labelType == "" {
		validationErrors = append(validationErrors, errors.New("relation classification requires a label type"))
	}
	parsedLabelTypes, parseErr := ParseEntityLabelTypes(entityLabelTypes)
	if parseErr != nil {
		validationErrors = append(validationErrors, parseErr)
	} else if len(parsedLabelTypes) == 0 {
		validationErrors = append(validationErrors, errors.New("at least one entity label type must be configured"))
	}
	if err := errors.Join(validationErrors...); err != nil {
		return nil, err
	}

	pipeline := &RelationClassificationPipeline{
		embedder:         embedder,
		labelDictionary:  labelDictionary,
		labelType:        labelType,
		entityLabelTypes: parsedLabelTypes,
		zeroTag:          DefaultZeroTag,
		headMask:         DefaultHeadMask,
		tailMask:         DefaultTailMask,
	}
	for _, o := range opts {
		o(pipeline)
	}
	pipeline.labelDictionary.Add(pipeline.zeroTag)
	return pipeline, nil
}

func (p *RelationClassificationPipeline) LabelDictionary() *document.Dictionary {
	return p.labelDictionary
}

func (p *RelationClassificationPipeline) LabelType() string {
	return p.labelType
}

func (p *RelationClassificationPipeline) ZeroTag() string {
	return p.zeroTag
}

// selectEntities collects the sentence's candidate entities for every
// configured label type. Label types are visited in sorted name order so the
// concatenated output is deterministic; within a type, spans keep annotation
// order. A span annotated under two configured label types is emitted twice,
// once per type.
func (p *RelationClassificationPipeline) selectEntities(sentence *document.Sentence) []RelationArgument {
	labelTypes := maps.Keys(p.entityLabelTypes)
	slices.Sort(labelTypes)

	var entities []RelationArgument
	for _, labelType := range labelTypes {
		allowedValues := p.entityLabelTypes[labelType]
		for _, span := range sentence.Spans(labelType) {
			label, ok := span.Label(labelType)
			if !ok {
				continue
			}
			if allowedValues != nil && !slices.Contains(allowedValues, label.Value) {
				continue
			}
			entities = append(entities, RelationArgument{Span: span, Label: label})
		}
	}
	return entities
}

// entityPairs enumerates the ordered cross-product of the entities with
// themselves: the outer loop drives the head, the inner loop the tail. A span
// never pairs with itself, and when a relation schema is configured only
// label combinations admitted by it are emitted.
func (p *RelationClassificationPipeline) entityPairs(entities []RelationArgument) iter.Seq2[RelationArgument, RelationArgument] {
	return func(yield func(RelationArgument, RelationArgument) bool) {
		for _, head := range entities {
			for _, tail := range entities {
				if head.Span.ID() == tail.Span.ID() {
					continue
				}
				if p.relationSchema != nil && !p.relationSchema.admits(head.Label.Value, tail.Label.Value) {
					continue
				}
				if !yield(head, tail) {
					return
				}
			}
		}
	}
}

// maskedSentence renders the candidate's masked token sequence: the leading
// token of the head span becomes the head placeholder, the leading token of
// the tail span the tail placeholder, the remaining span tokens are dropped
// and every other token is copied unchanged. The result is a new sentence
// sharing no state with the source.
func (p *RelationClassificationPipeline) maskedSentence(head, tail RelationArgument) (*document.Sentence, error) {
	source := head.Span.Sentence()
	if tail.Span.Sentence() != source {
		return nil, fmt.Errorf("head span %q and tail span %q belong to different sentences", head.Span.Text(), tail.Span.Text())
	}
	if head.Span.Start() < tail.Span.End() && tail.Span.Start() < head.Span.End() {
		return nil, fmt.Errorf("head span %q and tail span %q overlap, overlapping relation arguments are not supported", head.Span.Text(), tail.Span.Text())
	}

	masked := make([]string, 0, source.Len())
	for _, token := range source.Tokens() {
		switch {
		case token.Index == head.Span.Start():
			masked = append(masked, strings.ReplaceAll(p.headMask, "ENTITY", head.Label.Value))
		case token.Index == tail.Span.Start():
			masked = append(masked, strings.ReplaceAll(p.tailMask, "ENTITY", tail.Label.Value))
		case head.Span.Contains(token.Index) || tail.Span.Contains(token.Index):
			// non-leading span token, dropped
		default:
			masked = append(masked, token.Text)
		}
	}
	return document.NewSentence(masked), nil
}

// alignLabels resolves one gold label per candidate relation, in candidate
// order. Gold relations are keyed by their unlabeled identifier; candidates
// without a match get the zero tag.
func (p *RelationClassificationPipeline) alignLabels(sentence *document.Sentence, candidates []*document.Relation) []string {
	goldLabels := map[string]string{}
	for _, gold := range sentence.Relations(p.labelType) {
		goldLabels[gold.UnlabeledIdentifier()] = gold.Label(p.labelType, p.zeroTag).Value
	}

	labels := make([]string, len(candidates))
	for i, candidate := range candidates {
		if value, ok := goldLabels[candidate.UnlabeledIdentifier()]; ok {
			labels[i] = value
		} else {
			labels[i] = p.zeroTag
		}
	}
	return labels
}

// ForwardPassOutput is one flat batch of embedded relation candidates.
// Embeddings, GoldLabels and (in prediction mode) Relations are row aligned.
type ForwardPassOutput struct {
	Embeddings [][]float32
	Width      int
	GoldLabels []string
	Relations  []*document.Relation
}

func (o *ForwardPassOutput) GetOutput() []any {
	out := make([]any, len(o.Embeddings))
	for i, embedding := range o.Embeddings {
		out[i] = any(embedding)
	}
	return out
}

// ForwardPass generates, masks and embeds all relation candidates of the
// input sentences into one flat batch, in input sentence order. Masked
// candidates of one sentence are embedded in a single call. Sentences without
// candidates contribute no rows; an input without any candidate yields a zero
// row output of the embedder's width, never an error. In prediction mode the
// relation references are returned row aligned with the embeddings so
// predicted labels can be attached back onto the source spans.
func (p *RelationClassificationPipeline) ForwardPass(sentences []*document.Sentence, forPrediction bool) (*ForwardPassOutput, error) {
	output := &ForwardPassOutput{
		Embeddings: [][]float32{},
		Width:      p.embedder.EmbeddingLength(),
		GoldLabels: []string{},
	}

	for _, sentence := range sentences {
		var maskedSentences []*document.Sentence
		var relations []*document.Relation

		entities := p.selectEntities(sentence)
		for head, tail := range p.entityPairs(entities) {
			masked, err := p.maskedSentence(head, tail)
			if err != nil {
				return nil, err
			}
			maskedSentences = append(maskedSentences, masked)
			relations = append(relations, document.NewRelation(head.Span, tail.Span))
		}
		if len(maskedSentences) == 0 {
			continue
		}

		if err := p.embedder.Embed(maskedSentences); err != nil {
			return nil, err
		}
		embeddingNames := p.embedder.Names()
		for _, masked := range maskedSentences {
			embedding := masked.Embedding(embeddingNames...)
			if len(embedding) != output.Width {
				return nil, fmt.Errorf("embedder returned a vector of length %d, expected %d", len(embedding), output.Width)
			}
			output.Embeddings = append(output.Embeddings, embedding)
		}
		output.GoldLabels = append(output.GoldLabels, p.alignLabels(sentence, relations)...)
		if forPrediction {
			output.Relations = append(output.Relations, relations...)
		}
	}
	return output, nil
}

// Predict scores every relation candidate of the sentences and annotates the
// source sentences with the predicted relations. Candidates predicted as the
// zero tag are left unannotated.
func (p *RelationClassificationPipeline) Predict(sentences []*document.Sentence, scorer Scorer) error {
	output, err := p.ForwardPass(sentences, true)
	if err != nil {
		return err
	}
	if len(output.Embeddings) == 0 {
		return nil
	}

	scores, err := scorer.Score(output.Embeddings)
	if err != nil {
		return err
	}
	if len(scores) != len(output.Relations) {
		return fmt.Errorf("scorer returned %d rows for %d candidates", len(scores), len(output.Relations))
	}

	for i, row := range scores {
		probabilities := util.SoftMax(row)
		labelIndex, score, argMaxErr := util.ArgMax(probabilities)
		if argMaxErr != nil {
			return argMaxErr
		}
		label := p.labelDictionary.ItemAt(labelIndex)
		if label == "" {
			return fmt.Errorf("predicted label index %d is outside the label dictionary", labelIndex)
		}
		if label == p.zeroTag {
			continue
		}
		reference := output.Relations[i]
		sentence := reference.Head().Sentence()
		relation, annotateErr := sentence.AnnotateRelation(reference.Head(), reference.Tail(), p.labelType, label)
		if annotateErr != nil {
			return annotateErr
		}
		relation.SetLabel(p.labelType, label, score)
	}
	return nil
}

// relationClassificationState is the persisted form of the pipeline. The
// embedder persists its own state; here only its identification is kept so a
// restored pipeline can verify it is wired to a compatible embedder.
type relationClassificationState struct {
	LabelDictionary  []string            `json:"label_dictionary"`
	LabelType        string              `json:"label_type"`
	EntityLabelTypes map[string][]string `json:"entity_label_types"`
	RelationSchema   RelationSchema      `json:"relation_schema,omitempty"`
	ZeroTag          string              `json:"zero_tag"`
	HeadMask         string              `json:"head_mask"`
	TailMask         string              `json:"tail_mask"`
	EmbedderNames    []string            `json:"embedder_names"`
}

// SaveState writes the pipeline configuration and label dictionary.
func (p *RelationClassificationPipeline) SaveState(writer io.Writer) error {
	state := relationClassificationState{
		LabelDictionary:  p.labelDictionary.Items(),
		LabelType:        p.labelType,
		EntityLabelTypes: p.entityLabelTypes,
		RelationSchema:   p.relationSchema,
		ZeroTag:          p.zeroTag,
		HeadMask:         p.headMask,
		TailMask:         p.tailMask,
		EmbedderNames:    p.embedder.Names(),
	}
	return jsoniter.NewEncoder(writer).Encode(&state)
}

// LoadRelationClassificationPipeline restores a pipeline saved with SaveState
// by re-invoking the constructor with the persisted fields. The embedder must
// expose the same embedding names it was saved with.
func LoadRelationClassificationPipeline(reader io.Reader, embedder SentenceEmbedder) (*RelationClassificationPipeline, error) {
	var state relationClassificationState
	if err := jsoniter.NewDecoder(reader).Decode(&state); err != nil {
		return nil, fmt.Errorf("cannot decode relation classification state: %w", err)
	}
	if embedder != nil && !slices.Equal(embedder.Names(), state.EmbedderNames) {
		return nil, fmt.Errorf("embedder names %v do not match persisted names %v", embedder.Names(), state.EmbedderNames)
	}

	opts := []RelationClassificationOption{
		WithZeroTag(state.ZeroTag),
		WithMaskTemplates(state.HeadMask, state.TailMask),
	}
	if state.RelationSchema != nil {
		opts = append(opts, WithRelationSchema(state.RelationSchema))
	}
	return NewRelationClassificationPipeline(
		embedder,
		document.NewDictionary(state.LabelDictionary...),
		state.LabelType,
		state.EntityLabelTypes,
		opts...,
	)
}
