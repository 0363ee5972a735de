package pipelines

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relmask/relmask/document"
	"github.com/relmask/relmask/options"
	util "github.com/relmask/relmask/utils"
)

// TokenClassificationPipeline predicts a label per input token and groups
// adjacent tokens with the same predicted tag into entities. It can annotate
// document sentences with entity spans, which makes its output usable as
// input to the relation classification pipeline.
type TokenClassificationPipeline struct {
	*BasePipeline
	AggregationStrategy string
	IgnoreLabels        []string
}

type Entity struct {
	Entity    string
	Word      string
	Scores    []float32
	TokenID   []uint32
	Index     int
	Start     uint
	End       uint
	Score     float32
	IsSubword bool
}

type TokenClassificationOutput struct {
	Entities [][]Entity
}

func (t *TokenClassificationOutput) GetOutput() []any {
	out := make([]any, len(t.Entities))
	for i, entity := range t.Entities {
		out[i] = any(entity)
	}
	return out
}

// PIPELINE OPTIONS

// WithSimpleAggregation sets the aggregation strategy for the token labels to simple
// It reproduces simple aggregation from the huggingface implementation.
func WithSimpleAggregation() PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) {
		pipeline.AggregationStrategy = "SIMPLE"
	}
}

// WithoutAggregation returns the token labels.
func WithoutAggregation() PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) {
		pipeline.AggregationStrategy = "NONE"
	}
}

func WithIgnoreLabels(ignoreLabels []string) PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) {
		pipeline.IgnoreLabels = ignoreLabels
	}
}

// NewTokenClassificationPipeline initializes a token classification pipeline.
func NewTokenClassificationPipeline(config PipelineConfig[*TokenClassificationPipeline], s *options.Options) (*TokenClassificationPipeline, error) {
	defaultPipeline, err := newBasePipeline(config.ModelPath, config.OnnxFilename, config.Name, s)
	if err != nil {
		return nil, err
	}
	pipeline := &TokenClassificationPipeline{BasePipeline: defaultPipeline}
	for _, o := range config.Options {
		o(pipeline)
	}

	// default strategies if not set
	if pipeline.AggregationStrategy == "" {
		pipeline.AggregationStrategy = "SIMPLE"
	}
	if len(pipeline.IgnoreLabels) == 0 {
		pipeline.IgnoreLabels = []string{"O"}
	}

	// postprocessing needs offsets and the special tokens mask
	allInputTokens(pipeline.BasePipeline)

	err = pipeline.Validate()
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

// GetMetadata returns metadata information about the pipeline, in particular:
// OutputInfo: names and dimensions of the output layer used for token classification.
func (p *TokenClassificationPipeline) GetMetadata() PipelineMetadata {
	return PipelineMetadata{
		OutputsInfo: []OutputInfo{
			{
				Name:       p.OutputsMeta[0].Name,
				Dimensions: p.OutputsMeta[0].Dimensions,
			},
		},
	}
}

// GetStats returns the runtime statistics for the pipeline.
func (p *TokenClassificationPipeline) GetStats() []string {
	return p.baseStats()
}

// Validate checks that the pipeline is valid.
func (p *TokenClassificationPipeline) Validate() error {
	var validationErrors []error
	outputDim := p.OutputsMeta[0].Dimensions
	if len(outputDim) != 3 {
		validationErrors = append(validationErrors,
			fmt.Errorf("output for token classification must be three dimensional (input, sequence, logits)"))
	} else if outputDim[len(outputDim)-1] == -1 {
		validationErrors = append(validationErrors,
			fmt.Errorf("logit dimension cannot be dynamic"))
	}
	if len(p.IDLabelMap) <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("pipeline configuration invalid: length of id2label map for token classification pipeline must be greater than zero"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes the input strings.
func (p *TokenClassificationPipeline) Preprocess(batch *PipelineBatch, inputs []string) error {
	start := time.Now()
	tokenizeInputs(batch, p.Tokenizer, inputs)
	atomic.AddUint64(&p.Tokenizer.TokenizerTimings.NumCalls, 1)
	atomic.AddUint64(&p.Tokenizer.TokenizerTimings.TotalNS, uint64(time.Since(start)))
	return createInputTensors(batch, p.BasePipeline)
}

// Forward performs the forward inference of the pipeline.
func (p *TokenClassificationPipeline) Forward(batch *PipelineBatch) error {
	start := time.Now()
	if err := runSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, uint64(time.Since(start)))
	return nil
}

// Postprocess converts the logits to predicted entities.
func (p *TokenClassificationPipeline) Postprocess(batch *PipelineBatch) (*TokenClassificationOutput, error) {
	if len(batch.Input) == 0 {
		return &TokenClassificationOutput{}, nil
	}
	output, err := batch.OutputByName(p.OutputsMeta[0].Name)
	if err != nil {
		return nil, err
	}

	outputDim := p.OutputsMeta[0].Dimensions
	numLogits := int(outputDim[len(outputDim)-1])
	tokenStride := batch.MaxSequenceLength * numLogits

	classificationOutput := TokenClassificationOutput{
		Entities: make([][]Entity, len(batch.Input)),
	}
	for i, input := range batch.Input {
		scores := make([][]float32, batch.MaxSequenceLength)
		for j := 0; j < batch.MaxSequenceLength; j++ {
			offset := i*tokenStride + j*numLogits
			scores[j] = util.SoftMax(output.Data[offset : offset+numLogits])
		}
		preEntities := p.GatherPreEntities(input, scores)
		entities, errAggregate := p.Aggregate(input, preEntities)
		if errAggregate != nil {
			return nil, errAggregate
		}
		// Filter anything that is in ignore_labels
		var filteredEntities []Entity
		for _, e := range entities {
			if !slices.Contains(p.IgnoreLabels, e.Entity) && e.Entity != "" {
				filteredEntities = append(filteredEntities, e)
			}
		}
		classificationOutput.Entities[i] = filteredEntities
	}
	return &classificationOutput, nil
}

// GatherPreEntities from batch of logits to list of pre-aggregated outputs.
func (p *TokenClassificationPipeline) GatherPreEntities(input TokenizedInput, output [][]float32) []Entity {
	sentence := input.Raw
	var preEntities []Entity
	for j, tokenScores := range output {
		if j >= len(input.Tokens) {
			break
		}
		// filter out special tokens (skip them)
		if input.SpecialTokensMask[j] > 0 {
			continue
		}
		word := input.Tokens[j]
		tokenID := input.TokenIDs[j]
		startInd := input.Offsets[j][0]
		endInd := input.Offsets[j][1]
		wordRef := sentence[startInd:endInd]
		isSubword := len(word) != len(wordRef)
		preEntities = append(preEntities, Entity{
			Word:      word,
			TokenID:   []uint32{tokenID},
			Scores:    tokenScores,
			Start:     startInd,
			End:       endInd,
			Index:     j,
			IsSubword: isSubword,
		})
	}
	return preEntities
}

func (p *TokenClassificationPipeline) Aggregate(input TokenizedInput, preEntities []Entity) ([]Entity, error) {
	entities := make([]Entity, len(preEntities))
	for i, preEntity := range preEntities {
		entityIdx, score, argMaxErr := util.ArgMax(preEntity.Scores)
		if argMaxErr != nil {
			return nil, argMaxErr
		}
		label, ok := p.IDLabelMap[entityIdx]
		if !ok {
			return nil, fmt.Errorf("could not determine entity type for input %s, predicted entity index %d", input.Raw, entityIdx)
		}
		entities[i] = Entity{
			Entity:  label,
			Score:   score,
			Index:   preEntity.Index,
			Word:    preEntity.Word,
			TokenID: preEntity.TokenID,
			Start:   preEntity.Start,
			End:     preEntity.End,
		}
	}
	if p.AggregationStrategy == "NONE" {
		return entities, nil
	}
	return p.GroupEntities(entities)
}

func (p *TokenClassificationPipeline) getTag(entityName string) (string, string) {
	var bi string
	var tag string
	if strings.HasPrefix(entityName, "B-") {
		bi = "B"
		tag = entityName[2:]
	} else if strings.HasPrefix(entityName, "I-") {
		bi = "I"
		tag = entityName[2:]
	} else {
		// defaulting to "I" if string is not in B- I- format
		bi = "I"
		tag = entityName
	}
	return bi, tag
}

func (p *TokenClassificationPipeline) groupSubEntities(entities []Entity) (Entity, error) {
	splits := strings.Split(entities[0].Entity, "-")
	var entityType string
	if len(splits) == 1 {
		entityType = splits[0]
	} else {
		entityType = strings.Join(splits[1:], "-")
	}
	scores := make([]float32, len(entities))
	var tokens []uint32
	for i, s := range entities {
		scores[i] = s.Score
		tokens = slices.Concat(tokens, s.TokenID)
	}
	score := util.Mean(scores)
	word, err := decode(tokens, p.Tokenizer, true)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		Entity: entityType,
		Score:  score,
		Word:   word,
		Start:  entities[0].Start,
		End:    entities[len(entities)-1].End,
	}, nil
}

// GroupEntities group together adjacent tokens with the same entity predicted.
func (p *TokenClassificationPipeline) GroupEntities(entities []Entity) ([]Entity, error) {
	var entityGroups []Entity
	var currentGroupDisagg []Entity
	for _, e := range entities {
		if len(currentGroupDisagg) == 0 {
			currentGroupDisagg = append(currentGroupDisagg, e)
			continue
		}
		bi, tag := p.getTag(e.Entity)
		_, lastTag := p.getTag(currentGroupDisagg[len(currentGroupDisagg)-1].Entity)
		if tag == lastTag && bi != "B" {
			currentGroupDisagg = append(currentGroupDisagg, e)
		} else {
			groupedEntity, err := p.groupSubEntities(currentGroupDisagg)
			if err != nil {
				return nil, err
			}
			entityGroups = append(entityGroups, groupedEntity)
			currentGroupDisagg = []Entity{e}
		}
	}
	if len(currentGroupDisagg) > 0 {
		// last entity remaining
		groupedEntity, err := p.groupSubEntities(currentGroupDisagg)
		if err != nil {
			return nil, err
		}
		entityGroups = append(entityGroups, groupedEntity)
	}
	return entityGroups, nil
}

// AnnotateSentences runs the pipeline over the text of each sentence and adds
// the predicted entities as spans under labelType. Character offsets from the
// tokenizer are mapped back to token indices via the space-joined layout of
// sentence text.
func (p *TokenClassificationPipeline) AnnotateSentences(sentences []*document.Sentence, labelType string) error {
	if len(sentences) == 0 {
		return nil
	}
	texts := make([]string, len(sentences))
	for i, sentence := range sentences {
		texts[i] = sentence.Text()
	}
	output, err := p.RunPipeline(texts)
	if err != nil {
		return err
	}
	for i, entities := range output.Entities {
		if err := annotateEntities(sentences[i], entities, labelType); err != nil {
			return err
		}
	}
	return nil
}

// annotateEntities projects entities, located by character offsets into the
// space-joined sentence text, onto token spans under labelType.
func annotateEntities(sentence *document.Sentence, entities []Entity, labelType string) error {
	boundaries := tokenBoundaries(sentence.TokenTexts())
	for _, entity := range entities {
		startToken, endToken, ok := tokenRange(boundaries, entity.Start, entity.End)
		if !ok {
			return fmt.Errorf("entity %q at offsets [%d, %d) does not align with token boundaries of %q", entity.Word, entity.Start, entity.End, sentence.Text())
		}
		if _, err := sentence.AnnotateSpan(startToken, endToken, labelType, entity.Entity); err != nil {
			return err
		}
	}
	return nil
}

// tokenBoundaries computes the character span of each token in the
// space-joined sentence text.
func tokenBoundaries(tokens []string) [][2]uint {
	boundaries := make([][2]uint, len(tokens))
	pos := 0
	for i, token := range tokens {
		boundaries[i] = [2]uint{uint(pos), uint(pos + len(token))}
		pos += len(token) + 1
	}
	return boundaries
}

// tokenRange maps a character range to the covered token index range
// [startToken, endToken).
func tokenRange(boundaries [][2]uint, start, end uint) (int, int, bool) {
	startToken := -1
	endToken := -1
	for i, b := range boundaries {
		if start < b[1] && end > b[0] {
			if startToken == -1 {
				startToken = i
			}
			endToken = i + 1
		}
	}
	if startToken == -1 {
		return 0, 0, false
	}
	return startToken, endToken, true
}

// Run the pipeline on a string batch.
func (p *TokenClassificationPipeline) Run(inputs []string) (PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline is like Run but returns the concrete type rather than the interface.
func (p *TokenClassificationPipeline) RunPipeline(inputs []string) (*TokenClassificationOutput, error) {
	var runErrors []error
	batch := NewBatch()
	defer func(*PipelineBatch) {
		runErrors = append(runErrors, batch.Destroy())
	}(batch)
	runErrors = append(runErrors, p.Preprocess(batch, inputs))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}
	runErrors = append(runErrors, p.Forward(batch))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}
	result, postErr := p.Postprocess(batch)
	runErrors = append(runErrors, postErr)
	return result, errors.Join(runErrors...)
}
