package pipelines

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

func createGoSession(pipeline *BasePipeline, onnxBytes []byte) error {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return err
	}

	inputs, outputs, errLoad := loadInputOutputMetaGo(model)
	if errLoad != nil {
		return errLoad
	}

	pipeline.GoSession = model
	pipeline.InputsMeta = inputs
	pipeline.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo, error) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: NewShape(dimensions...),
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: NewShape(dimensions...),
		})
	}
	return inputs, outputs, nil
}

func createInputTensorsGo(batch *PipelineBatch, inputsMeta []InputOutputInfo) (map[string]tensor.Tensor, error) {
	batchSize := len(batch.Input)
	tensorSize := batchSize * batch.MaxSequenceLength

	inputMap := map[string]tensor.Tensor{}
	for _, inputMeta := range inputsMeta {
		backingSlice := make([]int64, tensorSize)
		counter := 0

		for _, input := range batch.Input {
			length := len(input.TokenIDs)
			for j := 0; j < batch.MaxSequenceLength; j++ {
				if j+1 <= length {
					switch inputMeta.Name {
					case "input_ids":
						backingSlice[counter] = int64(input.TokenIDs[j])
					case "token_type_ids":
						backingSlice[counter] = int64(input.TypeIDs[j])
					case "attention_mask":
						backingSlice[counter] = int64(input.AttentionMask[j])
					default:
						return nil, fmt.Errorf("input %s not recognized", inputMeta.Name)
					}
				} else {
					backingSlice[counter] = 0 // pad with zero
				}
				counter++
			}
		}
		inputMap[inputMeta.Name] = tensor.New(
			tensor.Of(tensor.Int64),
			tensor.WithShape(batchSize, batch.MaxSequenceLength),
			tensor.WithBacking(backingSlice),
		)
	}
	return inputMap, nil
}

func runGoSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	inputMap, err := createInputTensorsGo(batch, p.InputsMeta)
	if err != nil {
		return err
	}

	tensors, errRun := p.GoSession.Run(inputMap)
	if errRun != nil {
		return errRun
	}

	converted := make([]OutputTensor, 0, len(p.OutputsMeta))
	for _, meta := range p.OutputsMeta {
		out, ok := tensors[meta.Name]
		if !ok {
			return fmt.Errorf("output %s missing from session results", meta.Name)
		}
		data, castOK := out.Data().([]float32)
		if !castOK {
			return fmt.Errorf("output %s is not a float32 tensor", meta.Name)
		}
		outShape := out.Shape()
		shape := make([]int64, len(outShape))
		for i, dim := range outShape {
			shape[i] = int64(dim)
		}
		converted = append(converted, OutputTensor{
			Name:  meta.Name,
			Data:  data,
			Shape: shape,
		})
	}
	batch.Outputs = converted
	return nil
}
