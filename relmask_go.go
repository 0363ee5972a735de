package relmask

import (
	"github.com/relmask/relmask/options"
)

// NewGoSession creates a session backed by the pure Go onnx runtime. No
// shared libraries are required at runtime; building with `-tags NOORT` also
// drops the cgo tokenizer and onnxruntime bindings from the binary.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
