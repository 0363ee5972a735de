package pipelines

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relmask/relmask/options"
	util "github.com/relmask/relmask/utils"
)

// FeatureExtractionPipeline computes a dense embedding for each input string.
// Models returning token level embeddings are mean pooled over the attention
// mask, models returning sentence level embeddings are passed through.
type FeatureExtractionPipeline struct {
	*BasePipeline
	Normalization bool
	OutputName    string
	Output        InputOutputInfo
}

type FeatureExtractionOutput struct {
	Embeddings [][]float32
}

func (t *FeatureExtractionOutput) GetOutput() []any {
	out := make([]any, len(t.Embeddings))
	for i, embedding := range t.Embeddings {
		out[i] = any(embedding)
	}
	return out
}

// PIPELINE OPTIONS

// WithNormalization applies normalization to the mean pooled output of the feature pipeline.
func WithNormalization() PipelineOption[*FeatureExtractionPipeline] {
	return func(pipeline *FeatureExtractionPipeline) {
		pipeline.Normalization = true
	}
}

// WithOutputName if there are multiple outputs from the underlying model, which output should
// be returned. If not passed, the first output from the feature pipeline is returned.
func WithOutputName(outputName string) PipelineOption[*FeatureExtractionPipeline] {
	return func(pipeline *FeatureExtractionPipeline) {
		pipeline.OutputName = outputName
	}
}

// NewFeatureExtractionPipeline init a feature extraction pipeline.
func NewFeatureExtractionPipeline(config PipelineConfig[*FeatureExtractionPipeline], s *options.Options) (*FeatureExtractionPipeline, error) {
	defaultPipeline, err := newBasePipeline(config.ModelPath, config.OnnxFilename, config.Name, s)
	if err != nil {
		return nil, err
	}

	pipeline := &FeatureExtractionPipeline{BasePipeline: defaultPipeline}
	for _, o := range config.Options {
		o(pipeline)
	}

	// filter outputs
	if pipeline.OutputName != "" {
		for _, output := range pipeline.OutputsMeta {
			if output.Name == pipeline.OutputName {
				pipeline.Output = output
				break
			}
		}
		if pipeline.Output.Name == "" {
			return nil, fmt.Errorf("output %s is not available, outputs are: %s", pipeline.OutputName, strings.Join(getNames(pipeline.OutputsMeta), ", "))
		}
	} else {
		pipeline.Output = pipeline.OutputsMeta[0] // we take the first output otherwise, like transformers does
	}

	// validate pipeline
	err = pipeline.Validate()
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

// GetMetadata returns metadata information about the pipeline, in particular:
// OutputInfo: names and dimensions of the output layer.
func (p *FeatureExtractionPipeline) GetMetadata() PipelineMetadata {
	return PipelineMetadata{
		OutputsInfo: []OutputInfo{
			{
				Name:       p.OutputName,
				Dimensions: p.Output.Dimensions,
			},
		},
	}
}

// GetStats returns the runtime statistics for the pipeline.
func (p *FeatureExtractionPipeline) GetStats() []string {
	return p.baseStats()
}

// EmbeddingLength is the dimension of the embeddings this pipeline produces.
func (p *FeatureExtractionPipeline) EmbeddingLength() int {
	dims := []int64(p.Output.Dimensions)
	if len(dims) == 0 {
		return 0
	}
	return int(dims[len(dims)-1])
}

// Validate checks that the pipeline is valid.
func (p *FeatureExtractionPipeline) Validate() error {
	var validationErrors []error

	for _, input := range p.InputsMeta {
		dims := []int64(input.Dimensions)
		if len(dims) > 3 {
			validationErrors = append(validationErrors, fmt.Errorf("inputs and outputs currently can have at most 3 dimensions"))
		}
		nDynamicDimensions := 0
		for _, d := range dims {
			if d == -1 {
				nDynamicDimensions++
			}
		}
		if nDynamicDimensions > 2 {
			validationErrors = append(validationErrors, fmt.Errorf(`input %s has dimensions: %s.
			There can only be max 2 dynamic dimensions (batch size and sequence length)`,
				input.Name, input.Dimensions.String()))
		}
	}
	if p.EmbeddingLength() <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("output %s does not have a fixed embedding dimension", p.Output.Name))
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes the input strings.
func (p *FeatureExtractionPipeline) Preprocess(batch *PipelineBatch, inputs []string) error {
	start := time.Now()
	tokenizeInputs(batch, p.Tokenizer, inputs)
	atomic.AddUint64(&p.Tokenizer.TokenizerTimings.NumCalls, 1)
	atomic.AddUint64(&p.Tokenizer.TokenizerTimings.TotalNS, uint64(time.Since(start)))
	return createInputTensors(batch, p.BasePipeline)
}

// Forward performs the forward inference of the feature extraction pipeline.
func (p *FeatureExtractionPipeline) Forward(batch *PipelineBatch) error {
	start := time.Now()
	if err := runSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, uint64(time.Since(start)))
	return nil
}

// Postprocess mean pools token embeddings when the model returns them per
// token, otherwise passes the sentence embeddings through.
func (p *FeatureExtractionPipeline) Postprocess(batch *PipelineBatch) (*FeatureExtractionOutput, error) {
	output, err := batch.OutputByName(p.Output.Name)
	if err != nil {
		return nil, err
	}

	batchEmbeddings := make([][]float32, len(batch.Input))
	embeddingDimension := p.EmbeddingLength()

	switch len(output.Shape) {
	case 2:
		for batchIndex := range batch.Input {
			offset := batchIndex * embeddingDimension
			batchEmbeddings[batchIndex] = output.Data[offset : offset+embeddingDimension]
		}
	case 3:
		tokenStride := batch.MaxSequenceLength * embeddingDimension
		for batchIndex, input := range batch.Input {
			tokens := output.Data[batchIndex*tokenStride : (batchIndex+1)*tokenStride]
			batchEmbeddings[batchIndex] = meanPooling(tokens, input, batch.MaxSequenceLength, embeddingDimension)
		}
	default:
		return nil, fmt.Errorf("output %s has %d dimensions, expected 2 or 3", output.Name, len(output.Shape))
	}

	// Normalize embeddings (if asked), like in https://huggingface.co/sentence-transformers/all-mpnet-base-v2
	if p.Normalization {
		for i, embedding := range batchEmbeddings {
			batchEmbeddings[i] = util.Normalize(embedding, 2)
		}
	}

	return &FeatureExtractionOutput{Embeddings: batchEmbeddings}, nil
}

func meanPooling(tokens []float32, input TokenizedInput, maxSequence int, dimensions int) []float32 {
	length := len(input.AttentionMask)
	vector := make([]float32, dimensions)
	for j := 0; j < maxSequence; j++ {
		if j+1 <= length && input.AttentionMask[j] != 0 {
			for k, vectorValue := range tokens[j*dimensions : (j+1)*dimensions] {
				vector[k] = vector[k] + vectorValue
			}
		}
	}

	numAttentionTokens := float32(input.MaxAttentionIndex + 1)
	for v, vectorValue := range vector {
		vector[v] = vectorValue / numAttentionTokens
	}

	return vector
}

// Run the pipeline on a batch of strings.
func (p *FeatureExtractionPipeline) Run(inputs []string) (PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline is like Run, but returns the concrete feature extraction output type rather than the interface.
func (p *FeatureExtractionPipeline) RunPipeline(inputs []string) (*FeatureExtractionOutput, error) {
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
