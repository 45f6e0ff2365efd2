package shim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/jit"
	"github.com/frobware/go-nvjitlink/session"
)

// CompileError is a CUDA source compilation failure.
type CompileError struct {
	Name  string
	Log   string
	Cause error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile %s: %v", e.Name, e.Cause)
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Linker is a jit.Linker backed by one link session.
type Linker struct {
	f      *factory
	sess   *session.Session
	cc     nvjitlink.ComputeCapability
	logger *slog.Logger
}

var _ jit.Linker = (*Linker)(nil)

// Options returns the option list the session was created with.
func (l *Linker) Options() []string {
	return l.sess.Options()
}

// AddPTX adds PTX text.
func (l *Linker) AddPTX(ptx []byte, name string) error {
	return l.add(nvjitlink.InputPTX, ptx, name)
}

// AddFile reads path and adds it as kind. Archives are added as
// libraries; CUDA source is compiled first.
func (l *Linker) AddFile(ctx context.Context, path string, kind nvjitlink.LinkableKind) error {
	if !kind.Valid() {
		return &jit.LinkerError{Cause: &nvjitlink.UnknownKindError{Path: path, Ext: filepath.Ext(path)}}
	}

	data, err := afero.ReadFile(l.f.fs, path)
	if err != nil {
		return &jit.LinkerError{Cause: err}
	}
	name := filepath.Base(path)

	l.logger.Debug("add file", "path", path, "kind", kind)
	if kind.NeedsCompile() {
		return l.AddCU(ctx, data, name)
	}
	return l.add(kind.InputKind(), data, name)
}

// AddCU compiles CUDA source for the active device's architecture,
// falling back to the linker's, and adds the PTX under the source
// name with its extension replaced by ".ptx".
func (l *Linker) AddCU(ctx context.Context, src []byte, name string) error {
	if name == "" {
		name = nvjitlink.LinkableCUSource.DefaultName()
	}
	if l.f.compiler == nil {
		return &jit.LinkerError{Cause: ErrNoCompiler}
	}

	cc := l.targetCC(ctx)
	ptx, log, err := l.f.compiler.CompileToPTX(ctx, src, name, cc)
	if err != nil {
		return &CompileError{Name: name, Log: log, Cause: err}
	}
	ptx = bytes.TrimRight(ptx, "\x00")
	ptxName := nvjitlink.PTXNameFor(name)

	if l.f.dump != nil {
		dumpAssembly(l.f.dump, ptxName, ptx)
	}
	l.logger.Debug("compiled CUDA source", "name", name, "cc", cc.String(), "ptx_size", len(ptx))
	return l.add(nvjitlink.InputPTX, ptx, ptxName)
}

func (l *Linker) targetCC(ctx context.Context) nvjitlink.ComputeCapability {
	if l.f.device == nil {
		return l.cc
	}
	cc, err := l.f.device.CurrentComputeCapability(ctx)
	if err != nil {
		l.logger.Debug("device query failed; using link target", "cc", l.cc.String(), "error", err)
		return l.cc
	}
	return cc
}

// AddInput adds a path or an in-memory artifact. A path is classified
// by extension. An in-memory artifact must carry one of the defined
// kinds; its bytes are never inspected to guess one.
func (l *Linker) AddInput(ctx context.Context, in nvjitlink.Input) error {
	switch v := in.(type) {
	case nvjitlink.FilePath:
		kind, err := nvjitlink.KindForPath(string(v))
		if err != nil {
			return &jit.LinkerError{Cause: err}
		}
		return l.AddFile(ctx, string(v), kind)
	case nvjitlink.Linkable:
		if !v.Kind.Valid() {
			return &nvjitlink.InputTypeError{Name: v.Name, Kind: v.Kind}
		}
		if v.Kind.NeedsCompile() {
			return l.AddCU(ctx, v.Data, v.Name)
		}
		return l.add(v.Kind.InputKind(), v.Data, v.Name)
	default:
		return &nvjitlink.InputTypeError{Name: fmt.Sprintf("%T", in)}
	}
}

func (l *Linker) add(kind nvjitlink.InputKind, data []byte, name string) error {
	if err := l.sess.AddData(kind, data, name); err != nil {
		return &jit.LinkerError{Cause: err}
	}
	return nil
}

// Complete finishes the link and returns the linked cubin.
func (l *Linker) Complete() ([]byte, error) {
	out, err := l.sess.LinkedCubin()
	if err != nil {
		return nil, &jit.LinkerError{Cause: err}
	}
	return out, nil
}

// CompletePTX finishes an LTO link and returns the linked PTX.
func (l *Linker) CompletePTX() ([]byte, error) {
	out, err := l.sess.LinkedPTX()
	if err != nil {
		return nil, &jit.LinkerError{Cause: err}
	}
	return out, nil
}

// InfoLog returns the info log, or "" if none has been fetched.
func (l *Linker) InfoLog() string {
	log, _ := l.sess.InfoLog()
	return log
}

// ErrorLog returns the error log, or "" if none has been fetched.
func (l *Linker) ErrorLog() string {
	log, _ := l.sess.ErrorLog()
	return log
}

// Close releases the link session.
func (l *Linker) Close() error {
	if err := l.sess.Close(); err != nil {
		return &jit.LinkerError{Cause: err}
	}
	return nil
}

const dumpWidth = 80

func dumpAssembly(w io.Writer, name string, ptx []byte) {
	fmt.Fprintln(w, center("ASSEMBLY "+name, dumpWidth, '-'))
	w.Write(ptx)
	if !bytes.HasSuffix(ptx, []byte("\n")) {
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, strings.Repeat("=", dumpWidth))
}

func center(s string, width int, fill byte) string {
	pad := width - len(s)
	if pad <= 0 {
		return s
	}
	left := pad / 2
	return strings.Repeat(string(fill), left) + s + strings.Repeat(string(fill), pad-left)
}
