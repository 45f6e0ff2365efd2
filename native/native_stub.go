//go:build !(cgo && nvjitlink)

package native

import (
	"log/slog"

	"github.com/frobware/go-nvjitlink"
)

// Available reports whether the native binding was compiled in.
func Available() bool { return false }

// NewService returns nvjitlink.ErrUnavailable in this build.
func NewService(*slog.Logger) (nvjitlink.Service, error) {
	return nil, nvjitlink.ErrUnavailable
}

// NewCompiler returns nvjitlink.ErrUnavailable in this build.
func NewCompiler(*slog.Logger) (nvjitlink.Compiler, error) {
	return nil, nvjitlink.ErrUnavailable
}

// NewDevice returns nvjitlink.ErrUnavailable in this build.
func NewDevice() (nvjitlink.DeviceQuerier, error) {
	return nil, nvjitlink.ErrUnavailable
}
