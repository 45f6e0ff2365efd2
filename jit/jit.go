// Package jit is the integration surface a kernel JIT pipeline uses to
// link device code. The pipeline owns a Config whose NewLinker hook
// constructs linkers; the shim package installs a factory backed by
// nvJitLink there.
package jit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/frobware/go-nvjitlink"
)

// KernelPTXName is the name under which a kernel's own PTX is added.
const KernelPTXName = "<cudapy-ptx>"

// ErrNoLinker is returned when a Config has no linker factory.
var ErrNoLinker = errors.New("no linker factory configured")

// LinkerConfig is what the pipeline knows when it asks for a linker.
type LinkerConfig struct {
	MaxRegisters    int
	Lineinfo        bool
	CC              *nvjitlink.ComputeCapability
	LTO             bool
	AdditionalFlags []string
}

// Options converts c to link session options.
func (c LinkerConfig) Options() nvjitlink.Options {
	return nvjitlink.Options{
		Arch:            c.CC,
		MaxRegisters:    c.MaxRegisters,
		Lineinfo:        c.Lineinfo,
		LTO:             c.LTO,
		AdditionalFlags: c.AdditionalFlags,
	}
}

// Linker links one kernel.
type Linker interface {
	AddPTX(ptx []byte, name string) error
	// AddFile adds the file at path as an artifact of the given kind.
	AddFile(ctx context.Context, path string, kind nvjitlink.LinkableKind) error
	// AddCU compiles CUDA source and adds the resulting PTX.
	AddCU(ctx context.Context, src []byte, name string) error
	// AddInput classifies and adds a path or in-memory artifact.
	AddInput(ctx context.Context, in nvjitlink.Input) error
	// Complete finishes the link and returns the linked binary.
	Complete() ([]byte, error)
	InfoLog() string
	ErrorLog() string
	Close() error
}

// LinkerFactory constructs a Linker.
type LinkerFactory func(LinkerConfig) (Linker, error)

// LinkerError is the pipeline's linker failure. It wraps the cause
// unchanged.
type LinkerError struct {
	Cause error
}

func (e *LinkerError) Error() string {
	return "linker error: " + e.Cause.Error()
}

func (e *LinkerError) Unwrap() error {
	return e.Cause
}

// frameworkExtensions is the pipeline's own extension table. It
// predates LTO-IR support.
var frameworkExtensions = map[string]nvjitlink.LinkableKind{
	"cubin":  nvjitlink.LinkableCubin,
	"fatbin": nvjitlink.LinkableFatbin,
	"a":      nvjitlink.LinkableArchive,
	"o":      nvjitlink.LinkableObject,
	"ptx":    nvjitlink.LinkablePTXSource,
	"cu":     nvjitlink.LinkableCUSource,
}

// FileExtensionKind looks up ext, with or without the leading dot, in
// the pipeline's extension table.
func FileExtensionKind(ext string) (nvjitlink.LinkableKind, bool) {
	k, ok := frameworkExtensions[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return k, ok
}

// Kernel is a compiled kernel and the artifacts it must be linked
// with.
type Kernel struct {
	Name string
	PTX  []byte
	Link []nvjitlink.Input
}

func (k Kernel) String() string {
	return fmt.Sprintf("%s (%d link inputs)", k.Name, len(k.Link))
}
