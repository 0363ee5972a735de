// Package pipelines implements the inference pipelines: feature extraction
// (sentence embeddings), token classification (entity annotation) and
// relation classification (masked entity-pair candidates).
package pipelines

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/advancedclimatesystems/gonnx"
	jsoniter "github.com/json-iterator/go"

	"github.com/relmask/relmask/options"
	util "github.com/relmask/relmask/utils"
)

// BasePipeline can be embedded by a pipeline running an ONNX model.
type BasePipeline struct {
	ModelPath             string
	OnnxFilename          string
	PipelineName          string
	Runtime               string
	ORTSession            *ORTSession
	GoSession             *gonnx.Model
	Tokenizer             *Tokenizer
	IDLabelMap            map[int]string
	MaxPositionEmbeddings int
	InputsMeta            []InputOutputInfo
	OutputsMeta           []InputOutputInfo
	PipelineTimings       *timings
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}

type PipelineMetadata struct {
	OutputsInfo []OutputInfo
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any text pipeline must implement.
type Pipeline interface {
	Destroy() error                            // Destroy the pipeline along with its onnx session
	GetStats() []string                        // Get the pipeline running stats
	Validate() error                           // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata             // Return metadata information for the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on an input
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T)

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	Options      []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// TokenizedInput holds the result of running the tokenizer on an input.
type TokenizedInput struct {
	Raw               string
	Tokens            []string
	TokenIDs          []uint32
	TypeIDs           []uint32
	AttentionMask     []uint32
	SpecialTokensMask []uint32
	Offsets           [][2]uint
	MaxAttentionIndex int
}

// OutputTensor is a network output converted to a flat float32 slice with its
// resolved dimensions for this batch. Converting eagerly lets the backend
// tensors be released as soon as the session call returns.
type OutputTensor struct {
	Name  string
	Data  []float32
	Shape []int64
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
// InputValues holds the runtime-specific input tensors, with DestroyInputs as
// their deallocation function, so that this file stays free of backend
// imports and build tags.
type PipelineBatch struct {
	Input             []TokenizedInput
	InputValues       any
	DestroyInputs     func() error
	Outputs           []OutputTensor
	MaxSequenceLength int
}

// NewBatch initializes a new batch for inference.
func NewBatch() *PipelineBatch {
	return &PipelineBatch{DestroyInputs: func() error {
		return nil
	}}
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// OutputByName returns the output tensor with the given name, falling back to
// the first output when name is empty.
func (b *PipelineBatch) OutputByName(name string) (OutputTensor, error) {
	if len(b.Outputs) == 0 {
		return OutputTensor{}, errors.New("batch has no outputs, was the forward pass run?")
	}
	if name == "" {
		return b.Outputs[0], nil
	}
	for _, output := range b.Outputs {
		if output.Name == name {
			return output, nil
		}
	}
	return OutputTensor{}, fmt.Errorf("output %s not found in batch outputs", name)
}

func newBasePipeline(modelPath, onnxFilename, name string, s *options.Options) (*BasePipeline, error) {
	pipeline := &BasePipeline{
		ModelPath:       modelPath,
		OnnxFilename:    onnxFilename,
		PipelineName:    name,
		Runtime:         s.Backend,
		PipelineTimings: &timings{},
	}

	onnxBytes, err := loadOnnxModelBytes(modelPath, onnxFilename)
	if err != nil {
		return nil, err
	}

	switch s.Backend {
	case "ORT":
		err = createORTSession(pipeline, onnxBytes, s)
	case "GO":
		err = createGoSession(pipeline, onnxBytes)
	default:
		err = fmt.Errorf("runtime %s not recognized", s.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := loadModelConfig(pipeline); err != nil {
		return nil, err
	}
	if err := loadTokenizer(pipeline); err != nil {
		return nil, err
	}
	return pipeline, nil
}

func (p *BasePipeline) Destroy() error {
	var destroyErrors []error
	if p.Tokenizer != nil {
		destroyErrors = append(destroyErrors, p.Tokenizer.Destroy())
	}
	if p.ORTSession != nil {
		destroyErrors = append(destroyErrors, p.ORTSession.Destroy())
	}
	return errors.Join(destroyErrors...)
}

func (p *BasePipeline) baseStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("Tokenizer: Total time=%s, Execution count=%d, Average query time=%s",
			time.Duration(p.Tokenizer.TokenizerTimings.TotalNS),
			p.Tokenizer.TokenizerTimings.NumCalls,
			time.Duration(float64(p.Tokenizer.TokenizerTimings.TotalNS)/math.Max(1, float64(p.Tokenizer.TokenizerTimings.NumCalls)))),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			time.Duration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
	}
}

func loadOnnxModelBytes(modelPath string, modelFilename string) ([]byte, error) {
	var modelOnnxFile string
	onnxFiles, err := getOnnxFiles(modelPath)
	if err != nil {
		return nil, err
	}
	if len(onnxFiles) == 0 {
		return nil, fmt.Errorf("no .onnx file detected at %s. There should be exactly one .onnx file", modelPath)
	}
	if len(onnxFiles) > 1 {
		if modelFilename == "" {
			return nil, fmt.Errorf("multiple .onnx files detected at %s and no OnnxFilename specified", modelPath)
		}
		modelNameFound := false
		for i := range onnxFiles {
			if onnxFiles[i][1] == modelFilename {
				modelNameFound = true
				modelOnnxFile = util.PathJoinSafe(onnxFiles[i]...)
			}
		}
		if !modelNameFound {
			return nil, fmt.Errorf("file %s not found at %s", modelFilename, modelPath)
		}
	} else {
		modelOnnxFile = util.PathJoinSafe(onnxFiles[0]...)
	}
	return util.ReadFileBytes(modelOnnxFile)
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{util.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := util.FileSystem.Walk(context.Background(), path, walker)
	return onnxFiles, err
}

// loadModelConfig reads the model's config.json, if present. The id2label
// mapping is typically absent for embedding models and present for
// classification models.
func loadModelConfig(pipeline *BasePipeline) error {
	configPath := util.PathJoinSafe(pipeline.ModelPath, "config.json")
	exists, err := util.FileExists(configPath)
	if err != nil || !exists {
		return err
	}
	configBytes, err := util.ReadFileBytes(configPath)
	if err != nil {
		return err
	}
	config := struct {
		ID2Label              map[string]string `json:"id2label"`
		MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	}{}
	if err := jsoniter.Unmarshal(configBytes, &config); err != nil {
		return fmt.Errorf("cannot parse %s: %w", configPath, err)
	}
	pipeline.MaxPositionEmbeddings = config.MaxPositionEmbeddings
	if len(config.ID2Label) > 0 {
		pipeline.IDLabelMap = map[int]string{}
		for k, v := range config.ID2Label {
			kInt := 0
			if _, scanErr := fmt.Sscanf(k, "%d", &kInt); scanErr != nil {
				return fmt.Errorf("id2label key %q is not an integer", k)
			}
			pipeline.IDLabelMap[kInt] = v
		}
	}
	return nil
}

func getNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

func runSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	switch p.Runtime {
	case "ORT":
		return runORTSessionOnBatch(batch, p)
	case "GO":
		return runGoSessionOnBatch(batch, p)
	}
	return fmt.Errorf("runtime %s not recognized", p.Runtime)
}

func createInputTensors(batch *PipelineBatch, p *BasePipeline) error {
	switch p.Runtime {
	case "ORT":
		return createInputTensorsORT(batch, p.InputsMeta)
	case "GO":
		return nil // gonnx tensors are created from the batch at run time
	}
	return fmt.Errorf("runtime %s not recognized", p.Runtime)
}
