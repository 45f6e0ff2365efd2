//go:build cgo && nvjitlink

package native

/*
#cgo LDFLAGS: -lnvJitLink
#include <stdlib.h>
#include <nvJitLink.h>
*/
import "C"

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/logging"
)

// Available reports whether the native binding was compiled in.
func Available() bool { return true }

// service implements nvjitlink.Service over libnvJitLink. Native
// handles never leave this package; callers see registry keys.
type service struct {
	logger *slog.Logger

	mu      sync.Mutex
	next    nvjitlink.Handle
	handles map[nvjitlink.Handle]C.nvJitLinkHandle
}

// NewService returns the libnvJitLink service.
func NewService(logger *slog.Logger) (nvjitlink.Service, error) {
	return &service{
		logger:  logging.OrDiscard(logger).With("component", logging.ComponentNative),
		handles: make(map[nvjitlink.Handle]C.nvJitLinkHandle),
	}, nil
}

func check(op string, r C.nvJitLinkResult) error {
	if r == C.NVJITLINK_SUCCESS {
		return nil
	}
	return &nvjitlink.ServiceError{Op: op, Result: nvjitlink.Result(r)}
}

func (s *service) trace(op string, h nvjitlink.Handle, start time.Time, err error) {
	s.logger.Log(context.Background(), logging.LevelTrace.Slog(), "call",
		"op", op, "handle", uint64(h), "duration_ms", float64(time.Since(start).Microseconds())/1000, "error", err)
}

func (s *service) lookup(op string, h nvjitlink.Handle) (C.nvJitLinkHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.handles[h]
	if !ok {
		return nil, &nvjitlink.ServiceError{Op: op, Result: nvjitlink.ResultNullInput}
	}
	return ch, nil
}

func (s *service) Create(options []string) (nvjitlink.Handle, error) {
	start := time.Now()

	var argv **C.char
	if len(options) > 0 {
		argv = (**C.char)(C.malloc(C.size_t(len(options)) * C.size_t(unsafe.Sizeof((*C.char)(nil)))))
		defer C.free(unsafe.Pointer(argv))
		args := unsafe.Slice(argv, len(options))
		for i, o := range options {
			args[i] = C.CString(o)
			defer C.free(unsafe.Pointer(args[i]))
		}
	}

	var ch C.nvJitLinkHandle
	if err := check("nvJitLinkCreate", C.nvJitLinkCreate(&ch, C.uint32_t(len(options)), argv)); err != nil {
		s.trace("nvJitLinkCreate", 0, start, err)
		return 0, err
	}

	s.mu.Lock()
	s.next++
	h := s.next
	s.handles[h] = ch
	s.mu.Unlock()

	s.trace("nvJitLinkCreate", h, start, nil)
	return h, nil
}

func (s *service) Destroy(h nvjitlink.Handle) error {
	start := time.Now()
	s.mu.Lock()
	ch, ok := s.handles[h]
	delete(s.handles, h)
	s.mu.Unlock()
	if !ok {
		return &nvjitlink.ServiceError{Op: "nvJitLinkDestroy", Result: nvjitlink.ResultNullInput}
	}
	err := check("nvJitLinkDestroy", C.nvJitLinkDestroy(&ch))
	s.trace("nvJitLinkDestroy", h, start, err)
	return err
}

func (s *service) AddData(h nvjitlink.Handle, kind nvjitlink.InputKind, data []byte, name string) error {
	const op = "nvJitLinkAddData"
	start := time.Now()
	ch, err := s.lookup(op, h)
	if err != nil {
		return err
	}

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	err = check(op, C.nvJitLinkAddData(ch, C.nvJitLinkInputType(kind), ptr, C.size_t(len(data)), cname))
	s.trace(op, h, start, err)
	return err
}

func (s *service) Complete(h nvjitlink.Handle) error {
	const op = "nvJitLinkComplete"
	start := time.Now()
	ch, err := s.lookup(op, h)
	if err != nil {
		return err
	}
	err = check(op, C.nvJitLinkComplete(ch))
	s.trace(op, h, start, err)
	return err
}

// read performs the size query then fills a buffer of exactly that
// size.
func (s *service) read(h nvjitlink.Handle, sizeOp, op string,
	size func(C.nvJitLinkHandle, *C.size_t) C.nvJitLinkResult,
	fill func(C.nvJitLinkHandle, unsafe.Pointer) C.nvJitLinkResult,
) ([]byte, error) {
	start := time.Now()
	ch, err := s.lookup(op, h)
	if err != nil {
		return nil, err
	}

	var n C.size_t
	if err := check(sizeOp, size(ch, &n)); err != nil {
		s.trace(sizeOp, h, start, err)
		return nil, err
	}
	buf := make([]byte, int(n))
	if n > 0 {
		if err := check(op, fill(ch, unsafe.Pointer(&buf[0]))); err != nil {
			s.trace(op, h, start, err)
			return nil, err
		}
	}
	s.trace(op, h, start, nil)
	return buf, nil
}

func (s *service) InfoLog(h nvjitlink.Handle) (string, error) {
	buf, err := s.read(h, "nvJitLinkGetInfoLogSize", "nvJitLinkGetInfoLog",
		func(ch C.nvJitLinkHandle, n *C.size_t) C.nvJitLinkResult { return C.nvJitLinkGetInfoLogSize(ch, n) },
		func(ch C.nvJitLinkHandle, p unsafe.Pointer) C.nvJitLinkResult { return C.nvJitLinkGetInfoLog(ch, (*C.char)(p)) })
	return string(bytes.TrimRight(buf, "\x00")), err
}

func (s *service) ErrorLog(h nvjitlink.Handle) (string, error) {
	buf, err := s.read(h, "nvJitLinkGetErrorLogSize", "nvJitLinkGetErrorLog",
		func(ch C.nvJitLinkHandle, n *C.size_t) C.nvJitLinkResult { return C.nvJitLinkGetErrorLogSize(ch, n) },
		func(ch C.nvJitLinkHandle, p unsafe.Pointer) C.nvJitLinkResult { return C.nvJitLinkGetErrorLog(ch, (*C.char)(p)) })
	return string(bytes.TrimRight(buf, "\x00")), err
}

func (s *service) LinkedCubin(h nvjitlink.Handle) ([]byte, error) {
	return s.read(h, "nvJitLinkGetLinkedCubinSize", "nvJitLinkGetLinkedCubin",
		func(ch C.nvJitLinkHandle, n *C.size_t) C.nvJitLinkResult { return C.nvJitLinkGetLinkedCubinSize(ch, n) },
		func(ch C.nvJitLinkHandle, p unsafe.Pointer) C.nvJitLinkResult { return C.nvJitLinkGetLinkedCubin(ch, p) })
}

func (s *service) LinkedPTX(h nvjitlink.Handle) ([]byte, error) {
	buf, err := s.read(h, "nvJitLinkGetLinkedPtxSize", "nvJitLinkGetLinkedPtx",
		func(ch C.nvJitLinkHandle, n *C.size_t) C.nvJitLinkResult { return C.nvJitLinkGetLinkedPtxSize(ch, n) },
		func(ch C.nvJitLinkHandle, p unsafe.Pointer) C.nvJitLinkResult { return C.nvJitLinkGetLinkedPtx(ch, (*C.char)(p)) })
	return bytes.TrimRight(buf, "\x00"), err
}

func (s *service) Version() (nvjitlink.Version, error) {
	var major, minor C.uint
	if err := check("nvJitLinkVersion", C.nvJitLinkVersion(&major, &minor)); err != nil {
		return nvjitlink.Version{}, err
	}
	return nvjitlink.Version{Major: int(major), Minor: int(minor)}, nil
}
