// Package session drives one native link job from creation to
// release: add artifacts, complete once, fetch the linked output, and
// read the diagnostic logs the service produced along the way.
package session

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/logging"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("link session is closed")

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The session logs under the "session"
// component.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithID overrides the generated session ID used to correlate log
// records.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// handleRelease destroys a native handle at most once. It is shared
// between Close and the cleanup registered for a leaked Session, so
// it must not refer back to the Session.
type handleRelease struct {
	once   sync.Once
	svc    nvjitlink.Service
	handle nvjitlink.Handle
	logger *slog.Logger
	err    error
}

func (r *handleRelease) release() error {
	r.once.Do(func() {
		r.err = r.svc.Destroy(r.handle)
		if r.err != nil {
			r.logger.Warn("destroy failed", "handle", uint64(r.handle), "error", r.err)
			return
		}
		r.logger.Debug("destroyed", "handle", uint64(r.handle))
	})
	return r.err
}

func releaseLeaked(r *handleRelease) {
	r.logger.Warn("link session was not closed; releasing handle", "handle", uint64(r.handle))
	_ = r.release()
}

// Session is one link job for a fixed target architecture. The
// option list is fixed at creation. Once a linked output has been
// produced no further artifacts may be added.
//
// A Session is not safe for concurrent use.
type Session struct {
	svc     nvjitlink.Service
	id      string
	options []string
	logger  *slog.Logger

	rel     *handleRelease
	cleanup runtime.Cleanup
	closed  bool

	finalized bool
	infoLog   *string
	errorLog  *string
}

// New creates a link session with the given option list. The service
// validates the options; a failure is returned as a *LinkError in
// PhaseCreate wrapping the *ServiceError.
func New(svc nvjitlink.Service, options []string, opts ...Option) (*Session, error) {
	s := &Session{
		svc:     svc,
		options: slices.Clone(options),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.logger = logging.OrDiscard(s.logger).With("component", logging.ComponentSession, "session", s.id)

	h, err := svc.Create(s.options)
	if err != nil {
		s.logger.Debug("create failed", "options", s.options, "error", err)
		return nil, &nvjitlink.LinkError{Phase: nvjitlink.PhaseCreate, Cause: err}
	}

	s.rel = &handleRelease{svc: svc, handle: h, logger: s.logger}
	s.cleanup = runtime.AddCleanup(s, releaseLeaked, s.rel)
	s.logger.Debug("created", "handle", uint64(h), "options", s.options)
	return s, nil
}

// NewFromValues is New for loosely typed option values. A non-string
// value fails with an *OptionTypeError, wrapped in PhaseCreate, before
// the service is contacted.
func NewFromValues(svc nvjitlink.Service, values []any, opts ...Option) (*Session, error) {
	options, err := nvjitlink.StringOptions(values)
	if err != nil {
		return nil, &nvjitlink.LinkError{Phase: nvjitlink.PhaseCreate, Cause: err}
	}
	return New(svc, options, opts...)
}

// NewFromOptions builds the option list from o and creates a session.
// A missing architecture fails with a *ConfigurationError without
// contacting the service.
func NewFromOptions(svc nvjitlink.Service, o nvjitlink.Options, opts ...Option) (*Session, error) {
	flags, err := o.Flags()
	if err != nil {
		return nil, err
	}
	return New(svc, flags, opts...)
}

// ID returns the session's log correlation ID.
func (s *Session) ID() string {
	return s.id
}

// Options returns a copy of the option list the session was created
// with.
func (s *Session) Options() []string {
	return slices.Clone(s.options)
}

// Finalized reports whether a completion has succeeded.
func (s *Session) Finalized() bool {
	return s.finalized
}

// InfoLog returns the most recently fetched info log. The second
// result is false if no log has been fetched yet.
func (s *Session) InfoLog() (string, bool) {
	if s.infoLog == nil {
		return "", false
	}
	return *s.infoLog, true
}

// ErrorLog returns the most recently fetched error log. The second
// result is false if no log has been fetched yet.
func (s *Session) ErrorLog() (string, bool) {
	if s.errorLog == nil {
		return "", false
	}
	return *s.errorLog, true
}

// AddData adds one artifact of the given kind. An empty name is
// replaced by the kind's placeholder. Adding to a finalized session
// fails with ErrLinkComplete and leaves the session untouched.
//
// When the service rejects the artifact both logs are fetched before
// returning, and the returned *LinkError carries the error log.
func (s *Session) AddData(kind nvjitlink.InputKind, data []byte, name string) error {
	if name == "" {
		name = kind.DefaultName()
	}
	if s.closed {
		return &nvjitlink.LinkError{Phase: nvjitlink.PhaseAdd, Name: name, Cause: ErrClosed}
	}
	if s.finalized {
		return &nvjitlink.LinkError{Phase: nvjitlink.PhaseAdd, Name: name, Cause: nvjitlink.ErrLinkComplete}
	}

	start := time.Now()
	err := s.svc.AddData(s.rel.handle, kind, data, name)
	s.logger.Log(context.Background(), logging.LevelTrace.Slog(), "add data",
		"kind", kind, "name", name, "size", len(data),
		"duration_ms", msec(time.Since(start)), "error", err)
	if err != nil {
		s.refreshInfoLog()
		s.refreshErrorLog()
		s.logger.Debug("add rejected", "kind", kind, "name", name, "error", err)
		return &nvjitlink.LinkError{
			Phase:    nvjitlink.PhaseAdd,
			Name:     name,
			ErrorLog: deref(s.errorLog),
			Cause:    err,
		}
	}
	return nil
}

// AddCubin adds a cubin.
func (s *Session) AddCubin(data []byte, name string) error {
	return s.AddData(nvjitlink.InputCubin, data, name)
}

// AddPTX adds PTX text.
func (s *Session) AddPTX(data []byte, name string) error {
	return s.AddData(nvjitlink.InputPTX, data, name)
}

// AddLTOIR adds LTO-IR. The session must have been created with -lto
// for the link to complete.
func (s *Session) AddLTOIR(data []byte, name string) error {
	return s.AddData(nvjitlink.InputLTOIR, data, name)
}

// AddObject adds a relocatable object.
func (s *Session) AddObject(data []byte, name string) error {
	return s.AddData(nvjitlink.InputObject, data, name)
}

// AddFatbin adds a fatbin.
func (s *Session) AddFatbin(data []byte, name string) error {
	return s.AddData(nvjitlink.InputFatbin, data, name)
}

// AddLibrary adds a static library archive.
func (s *Session) AddLibrary(data []byte, name string) error {
	return s.AddData(nvjitlink.InputLibrary, data, name)
}

// LinkedCubin completes the link and returns the linked binary.
func (s *Session) LinkedCubin() ([]byte, error) {
	return s.finalize("cubin", s.svc.LinkedCubin)
}

// LinkedPTX completes the link and returns linked PTX. The service
// only produces PTX for LTO links.
func (s *Session) LinkedPTX() ([]byte, error) {
	return s.finalize("ptx", s.svc.LinkedPTX)
}

// finalize runs complete and fetch. The result is never cached: a
// second call reaches the service again and surfaces whatever it
// reports. The info log is refreshed whatever the outcome; the error
// log only on failure.
func (s *Session) finalize(what string, fetch func(nvjitlink.Handle) ([]byte, error)) (out []byte, err error) {
	if s.closed {
		return nil, &nvjitlink.LinkError{Phase: nvjitlink.PhaseFinalize, Cause: ErrClosed}
	}

	start := time.Now()
	defer func() {
		s.refreshInfoLog()
		if err != nil {
			s.refreshErrorLog()
			err = &nvjitlink.LinkError{
				Phase:    nvjitlink.PhaseFinalize,
				ErrorLog: deref(s.errorLog),
				Cause:    err,
			}
			s.logger.Debug("finalize failed", "output", what, "error", err)
			return
		}
		s.logger.Debug("finalized", "output", what, "size", len(out), "duration_ms", msec(time.Since(start)))
	}()

	if cerr := s.svc.Complete(s.rel.handle); cerr != nil {
		return nil, cerr
	}
	s.finalized = true
	return fetch(s.rel.handle)
}

func (s *Session) refreshInfoLog() {
	log, err := s.svc.InfoLog(s.rel.handle)
	if err != nil {
		s.logger.Debug("info log unavailable", "error", err)
		return
	}
	s.infoLog = &log
}

func (s *Session) refreshErrorLog() {
	log, err := s.svc.ErrorLog(s.rel.handle)
	if err != nil {
		s.logger.Debug("error log unavailable", "error", err)
		return
	}
	s.errorLog = &log
}

// Close destroys the native handle. It is safe to call more than
// once; only the first call reaches the service.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	return s.rel.release()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func msec(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
