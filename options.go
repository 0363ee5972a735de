package relmask

import (
	"github.com/relmask/relmask/options"
)

// SessionOption configures a session at creation time.
type SessionOption = options.WithOption

// WithOnnxLibraryPath (ORT only) sets the path to the onnxruntime shared
// library.
var WithOnnxLibraryPath = options.WithOnnxLibraryPath

// WithTelemetry (ORT only) enables onnxruntime telemetry events.
var WithTelemetry = options.WithTelemetry

// WithIntraOpNumThreads (ORT only) sets the intra-op thread count.
var WithIntraOpNumThreads = options.WithIntraOpNumThreads

// WithInterOpNumThreads (ORT only) sets the inter-op thread count.
var WithInterOpNumThreads = options.WithInterOpNumThreads

// WithCPUMemArena (ORT only) enables or disables the CPU memory arena.
var WithCPUMemArena = options.WithCPUMemArena

// WithMemPattern (ORT only) enables or disables the memory pattern
// optimization.
var WithMemPattern = options.WithMemPattern
