// Package shim plugs nvJitLink into the JIT pipeline's linker hook.
//
// A factory built by NewFactory creates one link session per kernel.
// The Linker it returns accepts paths and in-memory artifacts,
// classifies them and routes each to the matching session add
// operation. CUDA source is compiled to PTX first.
package shim

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/jit"
	"github.com/frobware/go-nvjitlink/logging"
	"github.com/frobware/go-nvjitlink/session"
)

// ErrNoCompiler is returned when CUDA source is added to a linker
// built without a compiler.
var ErrNoCompiler = errors.New("no CUDA source compiler configured")

type factory struct {
	svc      nvjitlink.Service
	compiler nvjitlink.Compiler
	device   nvjitlink.DeviceQuerier
	fs       afero.Fs
	logger   *slog.Logger
	dump     io.Writer
}

// Option configures NewFactory.
type Option func(*factory)

// WithCompiler sets the compiler used for CUDA source inputs.
func WithCompiler(c nvjitlink.Compiler) Option {
	return func(f *factory) {
		f.compiler = c
	}
}

// WithDeviceQuerier sets where CUDA source inputs get their target
// architecture from. Without one, or if the query fails, the linker's
// own architecture is used.
func WithDeviceQuerier(d nvjitlink.DeviceQuerier) Option {
	return func(f *factory) {
		f.device = d
	}
}

// WithFS sets the filesystem path inputs are read from.
func WithFS(fs afero.Fs) Option {
	return func(f *factory) {
		f.fs = fs
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *factory) {
		f.logger = l
	}
}

// WithAssemblyDump writes the PTX generated from CUDA source to w.
func WithAssemblyDump(w io.Writer) Option {
	return func(f *factory) {
		f.dump = w
	}
}

// NewFactory returns a linker factory backed by svc.
func NewFactory(svc nvjitlink.Service, opts ...Option) jit.LinkerFactory {
	return newFactory(svc, opts...).linkerFactory()
}

func newFactory(svc nvjitlink.Service, opts ...Option) *factory {
	f := &factory{svc: svc}
	for _, opt := range opts {
		opt(f)
	}
	if f.fs == nil {
		f.fs = afero.NewOsFs()
	}
	f.logger = logging.OrDiscard(f.logger).With("component", logging.ComponentShim)
	return f
}

func (f *factory) linkerFactory() jit.LinkerFactory {
	return func(cfg jit.LinkerConfig) (jit.Linker, error) {
		l, err := f.newLinker(cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Install makes the pipeline configured by cfg link with factory.
func Install(cfg *jit.Config, factory jit.LinkerFactory) {
	cfg.NewLinker = factory
}

// Configure installs a factory backed by svc into cfg. It also sets
// what cached outputs are keyed on besides the kernel: the library
// version, the filesystem path inputs are read from and the device
// CUDA source is compiled for.
func Configure(cfg *jit.Config, svc nvjitlink.Service, opts ...Option) error {
	v, err := svc.Version()
	if err != nil {
		return err
	}
	f := newFactory(svc, opts...)
	cfg.NewLinker = f.linkerFactory()
	cfg.Version = v
	cfg.FS = f.fs
	cfg.Device = f.device
	return nil
}

func (f *factory) newLinker(cfg jit.LinkerConfig) (*Linker, error) {
	options, err := cfg.Options().Flags()
	if err != nil {
		return nil, err
	}

	sess, err := session.New(f.svc, options, session.WithLogger(f.logger))
	if err != nil {
		return nil, &jit.LinkerError{Cause: err}
	}

	l := &Linker{
		f:      f,
		sess:   sess,
		cc:     *cfg.CC,
		logger: f.logger.With("session", sess.ID()),
	}
	l.logger.Debug("linker created", "options", options)
	return l, nil
}
