//go:build NOORT && !ALL

package pipelines

import (
	"errors"

	"github.com/relmask/relmask/options"
)

type ORTSession struct {
	Destroy func() error
}

func createORTSession(_ *BasePipeline, _ []byte, _ *options.Options) error {
	return errors.New("the ORT runtime is not included in this build")
}

func createInputTensorsORT(_ *PipelineBatch, _ []InputOutputInfo) error {
	return nil
}

func runORTSessionOnBatch(_ *PipelineBatch, _ *BasePipeline) error {
	return nil
}
