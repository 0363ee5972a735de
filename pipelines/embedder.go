package pipelines

import (
	"fmt"

	"github.com/relmask/relmask/document"
)

// FeatureExtractionEmbedder adapts a feature extraction pipeline to the
// SentenceEmbedder interface: sentences are embedded from their space-joined
// token text and the vectors are stored on the sentences under the pipeline
// name.
type FeatureExtractionEmbedder struct {
	pipeline *FeatureExtractionPipeline
}

func NewFeatureExtractionEmbedder(pipeline *FeatureExtractionPipeline) *FeatureExtractionEmbedder {
	return &FeatureExtractionEmbedder{pipeline: pipeline}
}

// Embed runs the feature extraction pipeline once over all sentences and
// attaches one embedding per sentence.
func (e *FeatureExtractionEmbedder) Embed(sentences []*document.Sentence) error {
	if len(sentences) == 0 {
		return nil
	}
	texts := make([]string, len(sentences))
	for i, sentence := range sentences {
		texts[i] = sentence.Text()
	}
	output, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return err
	}
	if len(output.Embeddings) != len(sentences) {
		return fmt.Errorf("embedding pipeline returned %d vectors for %d sentences", len(output.Embeddings), len(sentences))
	}
	name := e.Names()[0]
	for i, sentence := range sentences {
		sentence.SetEmbedding(name, output.Embeddings[i])
	}
	return nil
}

// EmbeddingLength is the dimension of the vectors produced by Embed.
func (e *FeatureExtractionEmbedder) EmbeddingLength() int {
	return e.pipeline.EmbeddingLength()
}

// Names returns the identifiers under which embeddings are stored.
func (e *FeatureExtractionEmbedder) Names() []string {
	return []string{e.pipeline.PipelineName}
}
