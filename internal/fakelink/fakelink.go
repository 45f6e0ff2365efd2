// Package fakelink provides an in-process stand-in for the native
// link service, the CUDA source compiler and the device query used in
// tests. It understands the synthetic artifacts built by Cubin,
// Fatbin, PTX, LTOIR, Object and Archive and models the service
// behaviours the session and shim layers depend on: option
// validation, architecture compatibility, undefined symbols, the
// one-shot complete, and lazily populated logs.
package fakelink

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/frobware/go-nvjitlink"
)

// Call names recorded by Service.
const (
	OpCreate      = "nvJitLinkCreate"
	OpDestroy     = "nvJitLinkDestroy"
	OpAddData     = "nvJitLinkAddData"
	OpComplete    = "nvJitLinkComplete"
	OpInfoLog     = "nvJitLinkGetInfoLog"
	OpErrorLog    = "nvJitLinkGetErrorLog"
	OpLinkedCubin = "nvJitLinkGetLinkedCubin"
	OpLinkedPTX   = "nvJitLinkGetLinkedPtx"
	OpVersion     = "nvJitLinkVersion"
)

// Call records one service invocation.
type Call struct {
	Op     string
	Handle nvjitlink.Handle
	Kind   nvjitlink.InputKind
	Name   string
	Err    error
}

type linkState int

const (
	stateOpen linkState = iota
	stateComplete
	stateFailed
)

type symbolDef struct {
	name  string
	input string
}

type link struct {
	options  []string
	arch     int
	lto      bool
	ptx      bool
	verbose  bool
	state    linkState
	defined  map[string]symbolDef
	undef    []symbolDef
	ltoNames []string
	inputs   []string
	infoLog  strings.Builder
	errorLog strings.Builder
}

type injected struct {
	result nvjitlink.Result
	log    string
}

// Service is a fake nvjitlink.Service. The zero value is not usable;
// call New.
type Service struct {
	mu        sync.Mutex
	next      nvjitlink.Handle
	links     map[nvjitlink.Handle]*link
	calls     []Call
	destroyed map[nvjitlink.Handle]int
	failures  map[string]injected
	version   nvjitlink.Version
}

var _ nvjitlink.Service = (*Service)(nil)

// New returns a fake service reporting version 12.4.
func New() *Service {
	return &Service{
		next:      0x1000,
		links:     make(map[nvjitlink.Handle]*link),
		destroyed: make(map[nvjitlink.Handle]int),
		failures:  make(map[string]injected),
		version:   nvjitlink.Version{Major: 12, Minor: 4},
	}
}

// SetVersion changes the version reported by Version.
func (s *Service) SetVersion(v nvjitlink.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// FailNext makes the next call to op fail with r. If log is non-empty
// it is appended to the handle's error log.
func (s *Service) FailNext(op string, r nvjitlink.Result, log string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = injected{result: r, log: log}
}

// Calls returns a copy of the recorded calls.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times op was invoked.
func (s *Service) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Live returns the number of handles created and not yet destroyed.
func (s *Service) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// DestroyCount returns how many times Destroy was called for h.
func (s *Service) DestroyCount(h nvjitlink.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed[h]
}

func (s *Service) record(c Call) {
	s.calls = append(s.calls, c)
}

func fail(op string, r nvjitlink.Result) error {
	return &nvjitlink.ServiceError{Op: op, Result: r}
}

// takeFailure consumes an injected failure for op. Callers hold s.mu.
func (s *Service) takeFailure(op string, l *link) error {
	f, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	if l != nil && f.log != "" {
		l.errorLog.WriteString(f.log)
	}
	return fail(op, f.result)
}

var archRE = regexp.MustCompile(`^sm_([0-9]{2,3})a?$`)

// knownArchs are the sm numbers the fake accepts.
var knownArchs = []int{50, 52, 53, 60, 61, 62, 70, 72, 75, 80, 86, 87, 89, 90, 100, 120}

var valueOptions = []string{
	"-maxrregcount=",
	"-Xptxas=",
	"-Xnvvm=",
	"-kernels-used=",
	"-variables-used=",
	"-split-compile=",
	"-split-compile-extended=",
	"-jump-table-density=",
}

var flagOptions = []string{
	"-lineinfo", "-lto", "-ptx", "-g", "-G", "-time", "-verbose",
	"-O0", "-O1", "-O2", "-O3", "-no-cache", "-optimize-unused-variables",
}

func parseOptions(options []string) (*link, nvjitlink.Result) {
	l := &link{
		options: slices.Clone(options),
		defined: make(map[string]symbolDef),
	}
	for _, opt := range options {
		switch {
		case strings.HasPrefix(opt, "-arch="):
			m := archRE.FindStringSubmatch(strings.TrimPrefix(opt, "-arch="))
			if m == nil {
				return nil, nvjitlink.ResultUnrecognizedOption
			}
			n, _ := strconv.Atoi(m[1])
			if !slices.Contains(knownArchs, n) {
				return nil, nvjitlink.ResultUnrecognizedOption
			}
			l.arch = n
		case slices.Contains(flagOptions, opt):
			switch opt {
			case "-lto":
				l.lto = true
			case "-ptx":
				l.ptx = true
			case "-verbose":
				l.verbose = true
			}
		case hasValuePrefix(opt):
		default:
			return nil, nvjitlink.ResultUnrecognizedOption
		}
	}
	if l.arch == 0 {
		return nil, nvjitlink.ResultMissingArch
	}
	return l, nvjitlink.ResultSuccess
}

func hasValuePrefix(opt string) bool {
	for _, p := range valueOptions {
		if strings.HasPrefix(opt, p) && len(opt) > len(p) {
			return true
		}
	}
	return false
}

// Create implements nvjitlink.Service.
func (s *Service) Create(options []string) (nvjitlink.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpCreate, nil); err != nil {
		s.record(Call{Op: OpCreate, Err: err})
		return 0, err
	}

	l, r := parseOptions(options)
	if r != nvjitlink.ResultSuccess {
		err := fail(OpCreate, r)
		s.record(Call{Op: OpCreate, Err: err})
		return 0, err
	}

	s.next++
	h := s.next
	s.links[h] = l
	s.record(Call{Op: OpCreate, Handle: h})
	return h, nil
}

// Destroy implements nvjitlink.Service.
func (s *Service) Destroy(h nvjitlink.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyed[h]++
	if _, ok := s.links[h]; !ok {
		err := fail(OpDestroy, nvjitlink.ResultNullInput)
		s.record(Call{Op: OpDestroy, Handle: h, Err: err})
		return err
	}
	delete(s.links, h)
	s.record(Call{Op: OpDestroy, Handle: h})
	return nil
}

func sameFamily(code, target int) bool {
	return code/10 == target/10 && code <= target
}

// AddData implements nvjitlink.Service.
func (s *Service) AddData(h nvjitlink.Handle, kind nvjitlink.InputKind, data []byte, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[h]
	if !ok {
		err := fail(OpAddData, nvjitlink.ResultNullInput)
		s.record(Call{Op: OpAddData, Handle: h, Kind: kind, Name: name, Err: err})
		return err
	}
	err := s.addData(l, kind, data, name)
	s.record(Call{Op: OpAddData, Handle: h, Kind: kind, Name: name, Err: err})
	return err
}

func (s *Service) addData(l *link, kind nvjitlink.InputKind, data []byte, name string) error {
	if err := s.takeFailure(OpAddData, l); err != nil {
		return err
	}
	if l.state != stateOpen {
		l.errorLog.WriteString("ERROR: link already complete\n")
		return fail(OpAddData, nvjitlink.ResultInternal)
	}
	if len(data) == 0 {
		return fail(OpAddData, nvjitlink.ResultNullInput)
	}

	invalid := func(format string, args ...any) error {
		fmt.Fprintf(&l.errorLog, "error   : "+format+"\n", args...)
		return fail(OpAddData, nvjitlink.ResultInvalidInput)
	}

	p, err := parse(data)
	if err != nil {
		return invalid("'%s': %v", name, err)
	}

	switch kind {
	case nvjitlink.InputCubin:
		if p.container != containerELF {
			return invalid("'%s': not a cubin (found %s)", name, p.container)
		}
		if len(p.archs) == 0 {
			return invalid("'%s': no code for any architecture", name)
		}
		if !sameFamily(p.archs[0], l.arch) {
			return invalid("'%s': sm_%d code is incompatible with link target sm_%d", name, p.archs[0], l.arch)
		}
	case nvjitlink.InputFatbin:
		switch p.container {
		case containerELF:
			// A cubin passed as a fatbin is accepted and contributes
			// nothing.
			l.inputs = append(l.inputs, name)
			return nil
		case containerFatbin:
			if !slices.ContainsFunc(p.archs, func(a int) bool { return sameFamily(a, l.arch) }) {
				return invalid("'%s': fatbin has no code for sm_%d", name, l.arch)
			}
		default:
			return invalid("'%s': not a fatbin (found %s)", name, p.container)
		}
	case nvjitlink.InputPTX:
		if p.container != containerPTX {
			return invalid("'%s': not PTX (found %s)", name, p.container)
		}
		if p.archs[0] > l.arch {
			fmt.Fprintf(&l.errorLog, "ptxas fatal   : '%s': PTX targets sm_%d, newer than sm_%d\n", name, p.archs[0], l.arch)
			return fail(OpAddData, nvjitlink.ResultPTXCompile)
		}
	case nvjitlink.InputLTOIR:
		if p.container != containerLTOIR {
			return invalid("'%s': not LTO-IR (found %s)", name, p.container)
		}
	case nvjitlink.InputObject:
		if p.container != containerELF {
			return invalid("'%s': not an object (found %s)", name, p.container)
		}
		if !p.lto && len(p.archs) == 0 {
			return invalid("'%s': no code for any architecture", name)
		}
		if !p.lto && !sameFamily(p.archs[0], l.arch) {
			return invalid("'%s': sm_%d code is incompatible with link target sm_%d", name, p.archs[0], l.arch)
		}
	case nvjitlink.InputLibrary:
		if p.container != containerArchive {
			return invalid("'%s': not a library (found %s)", name, p.container)
		}
	default:
		return invalid("'%s': unsupported input type %d", name, uint32(kind))
	}

	for _, d := range p.defines {
		if prev, ok := l.defined[d]; ok {
			return invalid("Multiple definition of '%s' in '%s', first defined in '%s'", d, name, prev.input)
		}
	}
	for _, d := range p.defines {
		l.defined[d] = symbolDef{name: d, input: name}
	}
	for _, u := range p.undefined {
		l.undef = append(l.undef, symbolDef{name: u, input: name})
	}
	if p.lto {
		l.ltoNames = append(l.ltoNames, name)
	}
	l.inputs = append(l.inputs, name)
	return nil
}

// Complete implements nvjitlink.Service.
func (s *Service) Complete(h nvjitlink.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[h]
	if !ok {
		err := fail(OpComplete, nvjitlink.ResultNullInput)
		s.record(Call{Op: OpComplete, Handle: h, Err: err})
		return err
	}
	err := s.complete(l)
	s.record(Call{Op: OpComplete, Handle: h, Err: err})
	return err
}

func (s *Service) complete(l *link) error {
	if err := s.takeFailure(OpComplete, l); err != nil {
		l.state = stateFailed
		return err
	}
	if l.state != stateOpen {
		l.errorLog.WriteString("ERROR: link already complete\n")
		return fail(OpComplete, nvjitlink.ResultInternal)
	}

	var failed bool
	if len(l.ltoNames) > 0 && !l.lto {
		for _, n := range l.ltoNames {
			fmt.Fprintf(&l.errorLog, "error   : '%s': LTO-IR input requires -lto\n", n)
		}
		failed = true
	}
	for _, u := range l.undef {
		if _, ok := l.defined[u.name]; !ok {
			fmt.Fprintf(&l.errorLog, "error   : Undefined reference to '%s' in '%s'\n", u.name, u.input)
			failed = true
		}
	}
	if l.verbose {
		for _, n := range l.inputs {
			fmt.Fprintf(&l.infoLog, "info    : linking '%s' for sm_%d\n", n, l.arch)
		}
	}
	if failed {
		l.state = stateFailed
		return fail(OpComplete, nvjitlink.ResultInvalidInput)
	}
	l.state = stateComplete
	return nil
}

// InfoLog implements nvjitlink.Service.
func (s *Service) InfoLog(h nvjitlink.Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[h]
	if !ok {
		err := fail(OpInfoLog, nvjitlink.ResultNullInput)
		s.record(Call{Op: OpInfoLog, Handle: h, Err: err})
		return "", err
	}
	if err := s.takeFailure(OpInfoLog, l); err != nil {
		s.record(Call{Op: OpInfoLog, Handle: h, Err: err})
		return "", err
	}
	s.record(Call{Op: OpInfoLog, Handle: h})
	return l.infoLog.String(), nil
}

// ErrorLog implements nvjitlink.Service.
func (s *Service) ErrorLog(h nvjitlink.Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[h]
	if !ok {
		err := fail(OpErrorLog, nvjitlink.ResultNullInput)
		s.record(Call{Op: OpErrorLog, Handle: h, Err: err})
		return "", err
	}
	s.record(Call{Op: OpErrorLog, Handle: h})
	return l.errorLog.String(), nil
}

// LinkedCubin implements nvjitlink.Service. The output is a synthetic
// cubin for the link target defining every symbol that was linked.
func (s *Service) LinkedCubin(h nvjitlink.Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[h]
	if !ok || l.state != stateComplete {
		err := fail(OpLinkedCubin, nvjitlink.ResultInternal)
		s.record(Call{Op: OpLinkedCubin, Handle: h, Err: err})
		return nil, err
	}
	if err := s.takeFailure(OpLinkedCubin, l); err != nil {
		s.record(Call{Op: OpLinkedCubin, Handle: h, Err: err})
		return nil, err
	}
	s.record(Call{Op: OpLinkedCubin, Handle: h})
	return Cubin(Module{Arch: l.arch, Defines: l.definedNames()}), nil
}

// LinkedPTX implements nvjitlink.Service. Linked PTX is only available
// from an LTO link.
func (s *Service) LinkedPTX(h nvjitlink.Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[h]
	if !ok || l.state != stateComplete || !l.lto {
		err := fail(OpLinkedPTX, nvjitlink.ResultInternal)
		s.record(Call{Op: OpLinkedPTX, Handle: h, Err: err})
		return nil, err
	}
	s.record(Call{Op: OpLinkedPTX, Handle: h})
	return PTX(Module{Arch: l.arch, Defines: l.definedNames()}), nil
}

// Version implements nvjitlink.Service.
func (s *Service) Version() (nvjitlink.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpVersion})
	if err := s.takeFailure(OpVersion, nil); err != nil {
		return nvjitlink.Version{}, err
	}
	return s.version, nil
}

func (l *link) definedNames() []string {
	names := make([]string, 0, len(l.defined))
	for n := range l.defined {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
