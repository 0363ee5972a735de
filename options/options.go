// Package options collects the runtime options for a relmask session. Options
// are gathered into a struct first so they can be applied in the correct
// order once the backend is known.
package options

import (
	"fmt"
	"runtime"
)

type Options struct {
	RuntimeOptions any
	ORTOptions     *OrtOptions
	Destroy        func() error
	Backend        string
}

func Defaults() *Options {
	_, libraryPathDefault := defaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func defaultLibraryPaths() (string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) sets the path to the onnxruntime shared
// library file ("libonnxruntime.so", "libonnxruntime.dylib" or
// "onnxruntime.dll").
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.LibraryPath = &ortLibraryPath
			return nil
		}
		return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
	}
}

// WithTelemetry (ORT only) enables telemetry events for the onnxruntime
// environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) sets the number of threads used to
// parallelize execution within onnxruntime graph nodes. If unspecified,
// onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) sets the number of threads used to
// parallelize execution across separate onnxruntime graph nodes. If
// unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) enables or disables the memory arena on CPU.
// The arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) enables or disables the memory pattern
// optimization. If enabled memory is preallocated when all shapes are known.
// Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}
