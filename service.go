package nvjitlink

import (
	"context"
	"fmt"
)

// Handle is an opaque reference to a native link session. The zero
// Handle is never valid.
type Handle uint64

// Version is the native link library version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Service is the native device-code link service. Implementations
// report failures as *ServiceError.
//
// A Handle is not safe for concurrent use; callers drive one handle
// from one goroutine at a time.
type Service interface {
	// Create starts a link session configured by options. An
	// architecture option is mandatory.
	Create(options []string) (Handle, error)
	// Destroy releases a session. It must be called exactly once
	// per handle returned by Create.
	Destroy(h Handle) error
	// AddData adds one artifact. name is used only in diagnostics.
	AddData(h Handle, kind InputKind, data []byte, name string) error
	// Complete performs the link. It may succeed at most once.
	Complete(h Handle) error
	InfoLog(h Handle) (string, error)
	ErrorLog(h Handle) (string, error)
	// LinkedCubin returns the linked binary of a completed session.
	LinkedCubin(h Handle) ([]byte, error)
	// LinkedPTX returns linked PTX; only meaningful for LTO links.
	LinkedPTX(h Handle) ([]byte, error)
	Version() (Version, error)
}

// Compiler compiles CUDA C/C++ source to PTX for a target
// architecture.
type Compiler interface {
	// CompileToPTX returns the PTX text and the compiler log.
	CompileToPTX(ctx context.Context, src []byte, name string, cc ComputeCapability) (ptx []byte, log string, err error)
}

// DeviceQuerier reports the compute capability of the active device.
type DeviceQuerier interface {
	CurrentComputeCapability(ctx context.Context) (ComputeCapability, error)
}
