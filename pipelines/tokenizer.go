package pipelines

import (
	"fmt"

	util "github.com/relmask/relmask/utils"
)

type Tokenizer struct {
	Runtime          string
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *timings
	MaxAllowedTokens int
	Destroy          func() error
}

// loadTokenizer reads tokenizer.json and initializes the tokenizer matching
// the session runtime: the rust bindings for ORT, the pure go tokenizer for
// the gonnx backend.
func loadTokenizer(pipeline *BasePipeline) error {
	tokenizerBytes, err := util.ReadFileBytes(util.PathJoinSafe(pipeline.ModelPath, "tokenizer.json"))
	if err != nil {
		return err
	}

	switch pipeline.Runtime {
	case "ORT":
		return loadRustTokenizer(tokenizerBytes, pipeline)
	case "GO":
		return loadGoTokenizer(tokenizerBytes, pipeline)
	default:
		return fmt.Errorf("runtime %s not recognized", pipeline.Runtime)
	}
}

func tokenizeInputs(batch *PipelineBatch, tk *Tokenizer, inputs []string) {
	switch tk.Runtime {
	case "RUST":
		tokenizeInputsRust(batch, tk, inputs)
	case "GO":
		tokenizeInputsGo(batch, tk, inputs)
	}
}

func allInputTokens(pipeline *BasePipeline) {
	if pipeline.Tokenizer.Runtime == "RUST" {
		allInputTokensRust(pipeline)
	}
}

func decode(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) (string, error) {
	switch tokenizer.Runtime {
	case "RUST":
		return decodeRust(tokens, tokenizer, skipSpecialTokens), nil
	case "GO":
		return decodeGo(tokens, tokenizer, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", tokenizer.Runtime)
}
