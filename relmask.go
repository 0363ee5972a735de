// Package relmask provides masked relation classification over ONNX models:
// sessions hold the backend environment and the initialized pipelines, from
// feature extraction (sentence embeddings) and token classification (entity
// annotation) up to the relation classifier that pairs, masks and embeds
// entity spans.
package relmask

import (
	"errors"
	"fmt"
	"slices"

	"github.com/relmask/relmask/document"
	"github.com/relmask/relmask/options"
	"github.com/relmask/relmask/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipelines
// already created.
type Session struct {
	featureExtractionPipelines      pipelineMap[*pipelines.FeatureExtractionPipeline]
	tokenClassificationPipelines    pipelineMap[*pipelines.TokenClassificationPipeline]
	relationClassificationPipelines map[string]*pipelines.RelationClassificationPipeline
	options                         *options.Options
	environmentDestroy              func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	// Collect options into a struct, so they can be applied in the correct order later
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		featureExtractionPipelines:      map[string]*pipelines.FeatureExtractionPipeline{},
		tokenClassificationPipelines:    map[string]*pipelines.TokenClassificationPipeline{},
		relationClassificationPipelines: map[string]*pipelines.RelationClassificationPipeline{},
		options:                         parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

type pipelineMap[T pipelines.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, p := range m {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

func (m pipelineMap[T]) Destroy() error {
	var err error
	for _, p := range m {
		err = errors.Join(err, p.Destroy())
	}
	return err
}

// FeatureExtractionConfig is the configuration for a feature extraction pipeline.
type FeatureExtractionConfig = pipelines.PipelineConfig[*pipelines.FeatureExtractionPipeline]

// FeatureExtractionOption is an option for a feature extraction pipeline.
type FeatureExtractionOption = pipelines.PipelineOption[*pipelines.FeatureExtractionPipeline]

// TokenClassificationConfig is the configuration for a token classification pipeline.
type TokenClassificationConfig = pipelines.PipelineConfig[*pipelines.TokenClassificationPipeline]

// TokenClassificationOption is an option for a token classification pipeline.
type TokenClassificationOption = pipelines.PipelineOption[*pipelines.TokenClassificationPipeline]

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once.
func NewPipeline[T pipelines.Pipeline](s *Session, pipelineConfig pipelines.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	switch any(pipeline).(type) {
	case *pipelines.FeatureExtractionPipeline:
		config := any(pipelineConfig).(pipelines.PipelineConfig[*pipelines.FeatureExtractionPipeline])
		pipelineInitialised, err := pipelines.NewFeatureExtractionPipeline(config, s.options)
		if err != nil {
			return pipeline, err
		}
		s.featureExtractionPipelines[config.Name] = pipelineInitialised
		pipeline = any(pipelineInitialised).(T)
	case *pipelines.TokenClassificationPipeline:
		config := any(pipelineConfig).(pipelines.PipelineConfig[*pipelines.TokenClassificationPipeline])
		pipelineInitialised, err := pipelines.NewTokenClassificationPipeline(config, s.options)
		if err != nil {
			return pipeline, err
		}
		s.tokenClassificationPipelines[config.Name] = pipelineInitialised
		pipeline = any(pipelineInitialised).(T)
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", pipeline)
	}
	return pipeline, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T pipelines.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.FeatureExtractionPipeline:
		p, ok := s.featureExtractionPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	case *pipelines.TokenClassificationPipeline:
		p, ok := s.tokenClassificationPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// RelationClassifierConfig configures a relation classification pipeline on
// top of a feature extraction pipeline registered in the same session.
type RelationClassifierConfig struct {
	Name             string
	EmbedderName     string
	LabelDictionary  *document.Dictionary
	LabelType        string
	EntityLabelTypes any
	Options          []pipelines.RelationClassificationOption
}

// NewRelationClassifier creates a relation classification pipeline wired to
// the named feature extraction pipeline and stores it in the session.
func (s *Session) NewRelationClassifier(config RelationClassifierConfig) (*pipelines.RelationClassificationPipeline, error) {
	if config.Name == "" {
		return nil, errors.New("a name for the pipeline is required")
	}
	if _, ok := s.relationClassificationPipelines[config.Name]; ok {
		return nil, fmt.Errorf("pipeline %s has already been initialised", config.Name)
	}

	embedderPipeline, err := GetPipeline[*pipelines.FeatureExtractionPipeline](s, config.EmbedderName)
	if err != nil {
		return nil, err
	}

	pipeline, err := pipelines.NewRelationClassificationPipeline(
		pipelines.NewFeatureExtractionEmbedder(embedderPipeline),
		config.LabelDictionary,
		config.LabelType,
		config.EntityLabelTypes,
		config.Options...,
	)
	if err != nil {
		return nil, err
	}
	s.relationClassificationPipelines[config.Name] = pipeline
	return pipeline, nil
}

// GetRelationClassifier retrieves a relation classification pipeline by name.
func (s *Session) GetRelationClassifier(name string) (*pipelines.RelationClassificationPipeline, error) {
	p, ok := s.relationClassificationPipelines[name]
	if !ok {
		return nil, &pipelineNotFoundError{pipelineName: name}
	}
	return p, nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. We currently record for each pipeline:
// the total runtime of the tokenization step
// the number of batch calls to the tokenization step
// the average time per tokenization batch call
// the total runtime of the inference (i.e. onnxruntime) step
// the number of batch calls to the onnxruntime inference
// the average time per onnxruntime inference batch call.
func (s *Session) GetStats() []string {
	return slices.Concat(
		s.featureExtractionPipelines.GetStats(),
		s.tokenClassificationPipelines.GetStats(),
	)
}

// Destroy deletes the session and the backend environment along with all
// initialized pipelines, freeing memory. A session should be destroyed when
// not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	err := errors.Join(
		s.featureExtractionPipelines.Destroy(),
		s.tokenClassificationPipelines.Destroy(),
	)
	s.featureExtractionPipelines = nil
	s.tokenClassificationPipelines = nil
	s.relationClassificationPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
