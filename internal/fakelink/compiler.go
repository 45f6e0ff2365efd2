package fakelink

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/frobware/go-nvjitlink"
)

var deviceFuncRE = regexp.MustCompile(`__device__\s+[\w\s\*]*?\b(\w+)\s*\(`)

// Compiler is a fake nvjitlink.Compiler. Every __device__ function in
// the source becomes a defined symbol of the returned PTX. A source
// containing "#error" fails to compile.
type Compiler struct {
	mu    sync.Mutex
	calls []ComputeCapabilityCall
}

// ComputeCapabilityCall records one compilation request.
type ComputeCapabilityCall struct {
	Name string
	CC   nvjitlink.ComputeCapability
}

var _ nvjitlink.Compiler = (*Compiler)(nil)

// CompileToPTX implements nvjitlink.Compiler. Like the real compiler
// the PTX is NUL terminated.
func (c *Compiler) CompileToPTX(_ context.Context, src []byte, name string, cc nvjitlink.ComputeCapability) ([]byte, string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, ComputeCapabilityCall{Name: name, CC: cc})
	c.mu.Unlock()

	if i := bytes.Index(src, []byte("#error")); i >= 0 {
		line := bytes.Count(src[:i], []byte("\n")) + 1
		log := fmt.Sprintf("%s(%d): catastrophic error: #error directive\n", name, line)
		return nil, log, fmt.Errorf("compile %s: NVRTC_ERROR_COMPILATION", name)
	}

	var m Module
	m.Arch = cc.SM()
	for _, match := range deviceFuncRE.FindAllSubmatch(src, -1) {
		m.Defines = append(m.Defines, string(match[1]))
	}
	return append(PTX(m), 0), "", nil
}

// Calls returns the recorded compilation requests.
func (c *Compiler) Calls() []ComputeCapabilityCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ComputeCapabilityCall(nil), c.calls...)
}

// Device is a fake nvjitlink.DeviceQuerier. A zero CC reports no
// active device.
type Device struct {
	CC nvjitlink.ComputeCapability
}

var _ nvjitlink.DeviceQuerier = Device{}

// CurrentComputeCapability implements nvjitlink.DeviceQuerier.
func (d Device) CurrentComputeCapability(context.Context) (nvjitlink.ComputeCapability, error) {
	if d.CC.IsZero() {
		return nvjitlink.ComputeCapability{}, fmt.Errorf("no active CUDA context")
	}
	return d.CC, nil
}
