//go:build NOORT && !ALL

package relmask

import (
	"errors"

	"github.com/relmask/relmask/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("this binary was built with the NOORT tag, the ORT backend is not available")
}
