//go:build NOORT && !ALL

package pipelines

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte, _ *BasePipeline) error {
	return errors.New("the rust tokenizer is not included in this build")
}

func tokenizeInputsRust(_ *PipelineBatch, _ *Tokenizer, _ []string) {}

func decodeRust(_ []uint32, _ *Tokenizer, _ bool) string {
	return ""
}

func allInputTokensRust(_ *BasePipeline) {}
