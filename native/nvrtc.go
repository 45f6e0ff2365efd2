//go:build cgo && nvjitlink

package native

/*
#cgo LDFLAGS: -lnvrtc -lcuda
#include <stdlib.h>
#include <nvrtc.h>
#include <cuda.h>
*/
import "C"

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/logging"
)

type compiler struct {
	logger *slog.Logger
}

// NewCompiler returns an NVRTC-backed compiler. Source is compiled as
// relocatable device code so that it can take part in a link.
func NewCompiler(logger *slog.Logger) (nvjitlink.Compiler, error) {
	return &compiler{logger: logging.OrDiscard(logger).With("component", logging.ComponentNative)}, nil
}

func nvrtcError(op string, r C.nvrtcResult) error {
	if r == C.NVRTC_SUCCESS {
		return nil
	}
	return fmt.Errorf("%s error when calling %s", C.GoString(C.nvrtcGetErrorString(r)), op)
}

func (c *compiler) CompileToPTX(_ context.Context, src []byte, name string, cc nvjitlink.ComputeCapability) ([]byte, string, error) {
	csrc := C.CString(string(src))
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var prog C.nvrtcProgram
	if err := nvrtcError("nvrtcCreateProgram", C.nvrtcCreateProgram(&prog, csrc, cname, 0, nil, nil)); err != nil {
		return nil, "", err
	}
	defer C.nvrtcDestroyProgram(&prog)

	options := []string{
		fmt.Sprintf("--gpu-architecture=compute_%d", cc.SM()),
		"-rdc=true",
	}
	argv := make([]*C.char, len(options))
	for i, o := range options {
		argv[i] = C.CString(o)
		defer C.free(unsafe.Pointer(argv[i]))
	}
	// argv holds only C pointers.
	compileErr := nvrtcError("nvrtcCompileProgram", C.nvrtcCompileProgram(prog, C.int(len(argv)), &argv[0]))

	var logSize C.size_t
	var log string
	if C.nvrtcGetProgramLogSize(prog, &logSize) == C.NVRTC_SUCCESS && logSize > 1 {
		buf := make([]byte, int(logSize))
		if C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&buf[0]))) == C.NVRTC_SUCCESS {
			log = string(bytes.TrimRight(buf, "\x00"))
		}
	}
	if compileErr != nil {
		return nil, log, compileErr
	}

	var ptxSize C.size_t
	if err := nvrtcError("nvrtcGetPTXSize", C.nvrtcGetPTXSize(prog, &ptxSize)); err != nil {
		return nil, log, err
	}
	ptx := make([]byte, int(ptxSize))
	if ptxSize > 0 {
		if err := nvrtcError("nvrtcGetPTX", C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0])))); err != nil {
			return nil, log, err
		}
	}
	c.logger.Debug("compiled", "name", name, "arch", cc.Arch(), "ptx_size", len(ptx))
	return ptx, log, nil
}

type device struct{}

// NewDevice returns a querier for the device of the calling thread's
// current CUDA context.
func NewDevice() (nvjitlink.DeviceQuerier, error) {
	if r := C.cuInit(0); r != C.CUDA_SUCCESS {
		return nil, fmt.Errorf("cuInit failed: %d", int(r))
	}
	return device{}, nil
}

func (device) CurrentComputeCapability(context.Context) (nvjitlink.ComputeCapability, error) {
	var dev C.CUdevice
	if r := C.cuCtxGetDevice(&dev); r != C.CUDA_SUCCESS {
		return nvjitlink.ComputeCapability{}, fmt.Errorf("cuCtxGetDevice failed: %d", int(r))
	}
	var major, minor C.int
	if r := C.cuDeviceGetAttribute(&major, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, dev); r != C.CUDA_SUCCESS {
		return nvjitlink.ComputeCapability{}, fmt.Errorf("cuDeviceGetAttribute failed: %d", int(r))
	}
	if r := C.cuDeviceGetAttribute(&minor, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, dev); r != C.CUDA_SUCCESS {
		return nvjitlink.ComputeCapability{}, fmt.Errorf("cuDeviceGetAttribute failed: %d", int(r))
	}
	return nvjitlink.CC(int(major), int(minor)), nil
}
