package session_test

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/internal/fakelink"
	"github.com/frobware/go-nvjitlink/logging"
	"github.com/frobware/go-nvjitlink/session"
)

// testLogger discards output unless NVJITLINK_TEST_LOG is set.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	spec := os.Getenv("NVJITLINK_TEST_LOG")
	if spec == "" {
		return logging.Discard()
	}
	l, err := logging.New(logging.Options{CLISpec: spec, Output: os.Stderr})
	require.NoError(t, err)
	return l
}

func newSession(t *testing.T, svc *fakelink.Service, options ...string) *session.Session {
	t.Helper()
	s, err := session.New(svc, options, session.WithLogger(testLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateRequiresArch(t *testing.T) {
	svc := fakelink.New()

	_, err := session.New(svc, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, nvjitlink.ResultMissingArch)
	assert.Contains(t, err.Error(), "NVJITLINK_ERROR_MISSING_ARCH error when calling nvJitLinkCreate")

	var le *nvjitlink.LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, nvjitlink.PhaseCreate, le.Phase)
	assert.Zero(t, svc.Live())

	_, err = session.New(svc, []string{"-lineinfo"})
	assert.ErrorIs(t, err, nvjitlink.ResultMissingArch)
}

func TestCreateUnrecognizedOption(t *testing.T) {
	for _, opts := range [][]string{
		{"-arch=sm_75", "-fictitious_option"},
		{"-arch=sm_XX"},
		{"-fictitious_option"},
	} {
		_, err := session.New(fakelink.New(), opts)
		assert.ErrorIs(t, err, nvjitlink.ResultUnrecognizedOption, "%v", opts)
	}
}

func TestCreateRejectsNonStringOptions(t *testing.T) {
	svc := fakelink.New()

	_, err := session.NewFromValues(svc, []any{"-arch=sm_75", 1})
	require.Error(t, err)
	var ote *nvjitlink.OptionTypeError
	require.ErrorAs(t, err, &ote)
	assert.Equal(t, 1, ote.Index)
	assert.Contains(t, err.Error(), "expecting only strings")
	assert.Zero(t, svc.CallCount(fakelink.OpCreate))

	s, err := session.NewFromValues(svc, []any{"-arch=sm_75"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestNewFromOptions(t *testing.T) {
	svc := fakelink.New()

	_, err := session.NewFromOptions(svc, nvjitlink.Options{Lineinfo: true})
	var ce *nvjitlink.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Zero(t, svc.CallCount(fakelink.OpCreate))

	cc := nvjitlink.CC(7, 5)
	s, err := session.NewFromOptions(svc, nvjitlink.Options{
		Arch:            &cc,
		MaxRegisters:    32,
		Lineinfo:        true,
		LTO:             true,
		AdditionalFlags: []string{"-g"},
	})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"-arch=sm_75", "-maxrregcount=32", "-lineinfo", "-lto", "-g"}, s.Options())
}

func TestEmptyLinkYieldsELF(t *testing.T) {
	s := newSession(t, fakelink.New(), "-arch=sm_75")

	cubin, err := s.LinkedCubin()
	require.NoError(t, err)
	assert.True(t, nvjitlink.IsELF(cubin))
	assert.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, cubin[:4])
	assert.True(t, s.Finalized())

	info, ok := s.InfoLog()
	assert.True(t, ok)
	assert.Empty(t, info)
	_, ok = s.ErrorLog()
	assert.False(t, ok, "error log is only fetched on failure")
}

func TestLogsAbsentBeforeAnyFetch(t *testing.T) {
	s := newSession(t, fakelink.New(), "-arch=sm_75")
	_, ok := s.InfoLog()
	assert.False(t, ok)
	_, ok = s.ErrorLog()
	assert.False(t, ok)
	assert.False(t, s.Finalized())
	assert.NotEmpty(t, s.ID())
}

func TestAddAfterFinalize(t *testing.T) {
	svc := fakelink.New()
	s := newSession(t, svc, "-arch=sm_75")
	require.NoError(t, s.AddPTX(fakelink.PTX(fakelink.Module{Arch: 75, Defines: []string{"f"}}), "a.ptx"))

	first, err := s.LinkedCubin()
	require.NoError(t, err)
	adds := svc.CallCount(fakelink.OpAddData)

	err = s.AddCubin(fakelink.Cubin(fakelink.Module{Arch: 75}), "late.cubin")
	require.Error(t, err)
	assert.ErrorIs(t, err, nvjitlink.ErrLinkComplete)
	assert.True(t, nvjitlink.IsProtocolViolation(err))
	assert.Equal(t, adds, svc.CallCount(fakelink.OpAddData), "service must not be contacted")
	assert.True(t, s.Finalized())
	assert.True(t, nvjitlink.IsELF(first))
}

func TestSecondFetchReachesService(t *testing.T) {
	svc := fakelink.New()
	s := newSession(t, svc, "-arch=sm_75")

	_, err := s.LinkedCubin()
	require.NoError(t, err)

	_, err = s.LinkedCubin()
	require.Error(t, err)
	assert.ErrorIs(t, err, nvjitlink.ResultInternal)
	assert.True(t, nvjitlink.IsProtocolViolation(err))
	assert.Equal(t, 2, svc.CallCount(fakelink.OpComplete))
	assert.True(t, s.Finalized())

	_, ok := s.ErrorLog()
	assert.True(t, ok)
}

func TestLinkedPTXRequiresLTO(t *testing.T) {
	s := newSession(t, fakelink.New(), "-arch=sm_75")
	_, err := s.LinkedPTX()
	assert.ErrorIs(t, err, nvjitlink.ResultInternal)

	s = newSession(t, fakelink.New(), "-arch=sm_75", "-lto")
	require.NoError(t, s.AddLTOIR(fakelink.LTOIR(fakelink.Module{Arch: 75, Defines: []string{"g"}}), ""))
	ptx, err := s.LinkedPTX()
	require.NoError(t, err)
	assert.Equal(t, nvjitlink.LinkablePTXSource, nvjitlink.SniffKind(ptx))
}

func TestLTOIRWithoutLTOFailsAtFinalize(t *testing.T) {
	s := newSession(t, fakelink.New(), "-arch=sm_75")
	require.NoError(t, s.AddLTOIR(fakelink.LTOIR(fakelink.Module{Arch: 75}), "k.ltoir"))

	_, err := s.LinkedCubin()
	require.Error(t, err)
	assert.False(t, s.Finalized())
	log, ok := s.ErrorLog()
	require.True(t, ok)
	assert.Contains(t, log, "k.ltoir")
}

func TestFatbinCubinTaggingAsymmetry(t *testing.T) {
	cubin := fakelink.Cubin(fakelink.Module{Arch: 75})
	fatbin := fakelink.Fatbin([]int{75}, fakelink.Module{})

	s := newSession(t, fakelink.New(), "-arch=sm_75")
	assert.NoError(t, s.AddFatbin(cubin, "test.cubin"), "cubin tagged as fatbin is accepted")

	s = newSession(t, fakelink.New(), "-arch=sm_75")
	err := s.AddCubin(fatbin, "test.fatbin")
	assert.ErrorIs(t, err, nvjitlink.ResultInvalidInput)
}

func TestArchRoundTrip(t *testing.T) {
	m := fakelink.Module{Arch: 75, Defines: []string{"_Z3fooPi"}}
	inputs := []struct {
		name string
		add  func(*session.Session) error
	}{
		{"ptx", func(s *session.Session) error { return s.AddPTX(fakelink.PTX(m), "") }},
		{"cubin", func(s *session.Session) error { return s.AddCubin(fakelink.Cubin(m), "") }},
		{"fatbin", func(s *session.Session) error { return s.AddFatbin(fakelink.Fatbin([]int{75, 80}, m), "") }},
		{"object", func(s *session.Session) error { return s.AddObject(fakelink.Object(m), "") }},
		{"library", func(s *session.Session) error { return s.AddLibrary(fakelink.Archive(m), "") }},
	}

	for _, tt := range inputs {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, fakelink.New(), "-arch=sm_75")
			require.NoError(t, tt.add(s))
			cubin, err := s.LinkedCubin()
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(cubin, []byte("\x7fELF")))
		})
	}
}

func TestIncompatibleMajorArch(t *testing.T) {
	m := fakelink.Module{Arch: 75}

	s := newSession(t, fakelink.New(), "-arch=sm_80")
	err := s.AddCubin(fakelink.Cubin(m), "test.cubin")
	require.Error(t, err)
	assert.ErrorIs(t, err, nvjitlink.ResultInvalidInput)

	var le *nvjitlink.LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, nvjitlink.PhaseAdd, le.Phase)
	assert.Equal(t, "test.cubin", le.Name)
	assert.Contains(t, le.ErrorLog, "test.cubin")
	assert.Contains(t, err.Error(), le.ErrorLog)

	_, ok := s.InfoLog()
	assert.True(t, ok, "both logs are pulled on add failure")
	_, ok = s.ErrorLog()
	assert.True(t, ok)

	s = newSession(t, fakelink.New(), "-arch=sm_80")
	err = s.AddFatbin(fakelink.Fatbin([]int{75}, m), "test.fatbin")
	assert.ErrorIs(t, err, nvjitlink.ResultInvalidInput)
}

func TestUndefinedSymbolErrorLog(t *testing.T) {
	s := newSession(t, fakelink.New(), "-arch=sm_75")
	require.NoError(t, s.AddCubin(fakelink.Cubin(fakelink.Module{
		Arch:      75,
		Defines:   []string{"_Z6kernelPi"},
		Undefined: []string{"_Z5undefff"},
	}), "undefined_extern.cubin"))

	_, err := s.LinkedCubin()
	require.Error(t, err)
	assert.ErrorIs(t, err, nvjitlink.ResultInvalidInput)
	assert.False(t, nvjitlink.IsProtocolViolation(err))

	log, ok := s.ErrorLog()
	require.True(t, ok)
	assert.Contains(t, log, "Undefined reference to '_Z5undefff' in 'undefined_extern.cubin'")
	assert.Contains(t, err.Error(), "_Z5undefff")
	assert.False(t, s.Finalized())

	_, ok = s.InfoLog()
	assert.True(t, ok, "info log is refreshed after a failed finalize")
}

func TestDuplicateSymbol(t *testing.T) {
	m := fakelink.Module{Arch: 75, Defines: []string{"dup"}}
	s := newSession(t, fakelink.New(), "-arch=sm_75")
	require.NoError(t, s.AddCubin(fakelink.Cubin(m), "a.cubin"))
	err := s.AddPTX(fakelink.PTX(m), "b.ptx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Multiple definition of 'dup'")
}

func TestEmptyPayload(t *testing.T) {
	s := newSession(t, fakelink.New(), "-arch=sm_75")
	err := s.AddCubin(nil, "")
	assert.ErrorIs(t, err, nvjitlink.ResultNullInput)
	var le *nvjitlink.LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "<unnamed-cubin>", le.Name)
}

func TestVerboseInfoLog(t *testing.T) {
	s := newSession(t, fakelink.New(), "-arch=sm_75", "-verbose")
	require.NoError(t, s.AddPTX(fakelink.PTX(fakelink.Module{Arch: 70}), "k.ptx"))
	_, err := s.LinkedCubin()
	require.NoError(t, err)
	info, ok := s.InfoLog()
	require.True(t, ok)
	assert.Contains(t, info, "k.ptx")
}

func TestInjectedFetchFailure(t *testing.T) {
	svc := fakelink.New()
	s := newSession(t, svc, "-arch=sm_75")
	svc.FailNext(fakelink.OpLinkedCubin, nvjitlink.ResultInternal, "")

	_, err := s.LinkedCubin()
	require.Error(t, err)
	assert.True(t, s.Finalized(), "complete succeeded even though the fetch failed")
}

func TestCloseReleasesExactlyOnce(t *testing.T) {
	svc := fakelink.New()
	s, err := session.New(svc, []string{"-arch=sm_75"})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Live())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Zero(t, svc.Live())
	assert.Equal(t, 1, svc.CallCount(fakelink.OpDestroy))

	calls := svc.Calls()
	h := calls[0].Handle
	assert.Equal(t, 1, svc.DestroyCount(h))

	err = s.AddPTX([]byte("x"), "x.ptx")
	assert.ErrorIs(t, err, session.ErrClosed)
	_, err = s.LinkedCubin()
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestCloseAfterFailedFinalize(t *testing.T) {
	svc := fakelink.New()
	s, err := session.New(svc, []string{"-arch=sm_75"})
	require.NoError(t, err)
	require.NoError(t, s.AddCubin(fakelink.Cubin(fakelink.Module{Arch: 75, Undefined: []string{"x"}}), ""))
	_, err = s.LinkedCubin()
	require.Error(t, err)
	require.NoError(t, s.Close())
	assert.Zero(t, svc.Live())
}

func TestDestroyFailureIsReported(t *testing.T) {
	svc := fakelink.New()
	s, err := session.New(svc, []string{"-arch=sm_75"}, session.WithID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", s.ID())

	// Destroy the handle behind the session's back.
	h := svc.Calls()[0].Handle
	require.NoError(t, svc.Destroy(h))

	err = s.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, nvjitlink.ResultNullInput))
}

// openAndDrop creates a session and lets it become unreachable,
// closing it first if closeIt is set. It returns the native handle.
//
//go:noinline
func openAndDrop(t *testing.T, svc *fakelink.Service, closeIt bool) nvjitlink.Handle {
	t.Helper()
	s, err := session.New(svc, []string{"-arch=sm_75"})
	require.NoError(t, err)
	calls := svc.Calls()
	h := calls[len(calls)-1].Handle
	if closeIt {
		require.NoError(t, s.Close())
	}
	return h
}

func TestLeakedSessionIsReleased(t *testing.T) {
	svc := fakelink.New()
	h := openAndDrop(t, svc, false)
	require.Equal(t, 1, svc.Live())

	require.Eventually(t, func() bool {
		runtime.GC()
		return svc.Live() == 0
	}, 5*time.Second, 10*time.Millisecond, "unclosed session was never released")
	assert.Equal(t, 1, svc.DestroyCount(h))
}

func TestClosedSessionIsNotReleasedAgain(t *testing.T) {
	svc := fakelink.New()
	closed := openAndDrop(t, svc, true)
	leaked := openAndDrop(t, svc, false)

	// Both sessions are unreachable; once the leaked one has been
	// released the closed one has been collected too.
	require.Eventually(t, func() bool {
		runtime.GC()
		return svc.DestroyCount(leaked) == 1
	}, 5*time.Second, 10*time.Millisecond)
	runtime.GC()

	assert.Equal(t, 1, svc.DestroyCount(closed))
	assert.Equal(t, 2, svc.CallCount(fakelink.OpDestroy))
	assert.Zero(t, svc.Live())
}
