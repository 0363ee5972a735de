//go:build !NOORT || ALL

package relmask

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/relmask/relmask/options"
	util "github.com/relmask/relmask/utils"
)

// NewORTSession creates a session backed by the onnxruntime shared library.
// Only one ORT session can be active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}

	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}

	// set session options and initialise
	if initialised, initErr := session.initialiseORT(); initErr != nil {
		if initialised {
			destroyErr := session.Destroy()
			envErr := ort.DestroyEnvironment()
			return nil, errors.Join(initErr, destroyErr, envErr)
		}
		return nil, initErr
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}
	return session, nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions

	// Set pre-initialisation options
	if o.LibraryPath != nil {
		ortPathExists, err := util.FileSystem.Exists(context.Background(), *o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	// Start OnnxRuntime
	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// Create session options for use in all pipelines
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.options.RuntimeOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}
	return true, nil
}
