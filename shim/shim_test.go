package shim_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/cache/sqlite"
	"github.com/frobware/go-nvjitlink/internal/fakelink"
	"github.com/frobware/go-nvjitlink/jit"
	"github.com/frobware/go-nvjitlink/shim"
)

var sm75 = fakelink.Module{Arch: 75}

func ccPtr(major, minor int) *nvjitlink.ComputeCapability {
	cc := nvjitlink.CC(major, minor)
	return &cc
}

// testFS holds one artifact of every kind built for sm_75.
func testFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string][]byte{
		"/artifacts/test.cubin":  fakelink.Cubin(fakelink.Module{Arch: 75, Defines: []string{"cubin_fn"}}),
		"/artifacts/test.fatbin": fakelink.Fatbin([]int{75, 80}, fakelink.Module{Defines: []string{"fatbin_fn"}}),
		"/artifacts/test.o":      fakelink.Object(fakelink.Module{Arch: 75, Defines: []string{"object_fn"}}),
		"/artifacts/test.a":      fakelink.Archive(fakelink.Module{Arch: 75, Defines: []string{"archive_fn"}}),
		"/artifacts/test.ptx":    fakelink.PTX(fakelink.Module{Arch: 75, Defines: []string{"ptx_fn"}}),
		"/artifacts/test.ltoir":  fakelink.LTOIR(fakelink.Module{Arch: 75, Defines: []string{"ltoir_fn"}}),
		"/artifacts/test.cu":     []byte("__device__ int cu_fn(int x) { return x; }\n"),
		"/artifacts/bad.cu":      []byte("#error nope\n"),
		"/artifacts/test.bin":    []byte("????"),
	}
	for path, data := range files {
		require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
	}
	return fs
}

type fixture struct {
	svc      *fakelink.Service
	compiler *fakelink.Compiler
	factory  jit.LinkerFactory
}

func newFixture(t *testing.T, opts ...shim.Option) *fixture {
	t.Helper()
	f := &fixture{svc: fakelink.New(), compiler: &fakelink.Compiler{}}
	opts = append([]shim.Option{shim.WithFS(testFS(t)), shim.WithCompiler(f.compiler)}, opts...)
	f.factory = shim.NewFactory(f.svc, opts...)
	return f
}

func (f *fixture) linker(t *testing.T, cfg jit.LinkerConfig) *shim.Linker {
	t.Helper()
	l, err := f.factory(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l.(*shim.Linker)
}

// lastAdd returns the kind and name of the most recent AddData call.
func (f *fixture) lastAdd(t *testing.T) fakelink.Call {
	t.Helper()
	calls := f.svc.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Op == fakelink.OpAddData {
			return calls[i]
		}
	}
	t.Fatal("no AddData call recorded")
	return fakelink.Call{}
}

func TestFactoryRequiresComputeCapability(t *testing.T) {
	f := newFixture(t)
	_, err := f.factory(jit.LinkerConfig{})
	require.Error(t, err)
	var ce *nvjitlink.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "linker requires compute capability to be specified")
	assert.Zero(t, f.svc.CallCount(fakelink.OpCreate))
}

func TestFactoryOptions(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{
		CC:              ccPtr(7, 5),
		MaxRegisters:    32,
		Lineinfo:        true,
		LTO:             true,
		AdditionalFlags: []string{"-g"},
	})
	assert.Equal(t, []string{"-arch=sm_75", "-maxrregcount=32", "-lineinfo", "-lto", "-g"}, l.Options())
}

func TestFactoryWrapsServiceErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.factory(jit.LinkerConfig{CC: ccPtr(7, 5), AdditionalFlags: []string{"-fictitious_option"}})
	require.Error(t, err)
	var le *jit.LinkerError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, nvjitlink.ResultUnrecognizedOption)
	assert.Contains(t, err.Error(), "NVJITLINK_ERROR_UNRECOGNIZED_OPTION error when calling nvJitLinkCreate")
}

func TestPathClassification(t *testing.T) {
	tests := []struct {
		path string
		kind nvjitlink.InputKind
		name string
	}{
		{"/artifacts/test.cubin", nvjitlink.InputCubin, "test.cubin"},
		{"/artifacts/test.fatbin", nvjitlink.InputFatbin, "test.fatbin"},
		{"/artifacts/test.o", nvjitlink.InputObject, "test.o"},
		{"/artifacts/test.a", nvjitlink.InputLibrary, "test.a"},
		{"/artifacts/test.ptx", nvjitlink.InputPTX, "test.ptx"},
		{"/artifacts/test.ltoir", nvjitlink.InputLTOIR, "test.ltoir"},
		{"/artifacts/test.cu", nvjitlink.InputPTX, "test.ptx"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f := newFixture(t)
			l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5), LTO: true})

			require.NoError(t, l.AddInput(context.Background(), nvjitlink.FilePath(tt.path)))
			call := f.lastAdd(t)
			assert.Equal(t, tt.kind, call.Kind)
			assert.Equal(t, tt.name, call.Name)

			out, err := l.Complete()
			require.NoError(t, err)
			assert.True(t, nvjitlink.IsELF(out))
		})
	}
}

func TestUnknownExtension(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})

	err := l.AddInput(context.Background(), nvjitlink.FilePath("/artifacts/test.bin"))
	require.Error(t, err)
	var uk *nvjitlink.UnknownKindError
	require.ErrorAs(t, err, &uk)
	assert.Equal(t, ".bin", uk.Ext)
	assert.Contains(t, err.Error(), "don't know how to link")
	assert.Zero(t, f.svc.CallCount(fakelink.OpAddData))
}

func TestMissingFile(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})
	err := l.AddInput(context.Background(), nvjitlink.FilePath("/artifacts/absent.cubin"))
	var le *jit.LinkerError
	assert.ErrorAs(t, err, &le)
}

func TestInMemoryDispatch(t *testing.T) {
	cubin := fakelink.Cubin(sm75)
	tests := []struct {
		in   nvjitlink.Linkable
		kind nvjitlink.InputKind
		name string
	}{
		{nvjitlink.NewPTXSource(fakelink.PTX(sm75), ""), nvjitlink.InputPTX, "<unnamed-ptx>"},
		{nvjitlink.NewCubin(cubin, "k.cubin"), nvjitlink.InputCubin, "k.cubin"},
		{nvjitlink.NewFatbin(fakelink.Fatbin([]int{75}, sm75), ""), nvjitlink.InputFatbin, "<unnamed-fatbin>"},
		{nvjitlink.NewObject(fakelink.Object(sm75), ""), nvjitlink.InputObject, "<unnamed-object>"},
		{nvjitlink.NewArchive(fakelink.Archive(sm75), ""), nvjitlink.InputLibrary, "<unnamed-archive>"},
		{nvjitlink.NewLTOIR(fakelink.LTOIR(sm75), ""), nvjitlink.InputLTOIR, "<unnamed-ltoir>"},
		{nvjitlink.NewCUSource([]byte("__device__ void f() {}"), ""), nvjitlink.InputPTX, "<unnamed-cu>.ptx"},
		{nvjitlink.NewCUSource([]byte("__device__ void g() {}"), "kernel.cu"), nvjitlink.InputPTX, "kernel.ptx"},
	}

	for _, tt := range tests {
		t.Run(tt.in.Kind.String()+"/"+tt.name, func(t *testing.T) {
			f := newFixture(t)
			l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5), LTO: true})
			require.NoError(t, l.AddInput(context.Background(), tt.in))
			call := f.lastAdd(t)
			assert.Equal(t, tt.kind, call.Kind)
			assert.Equal(t, tt.name, call.Name)
		})
	}
}

func TestInvalidInMemoryKind(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})

	err := l.AddInput(context.Background(), nvjitlink.Linkable{Name: "blob", Data: []byte("bytes")})
	require.Error(t, err)
	var te *nvjitlink.InputTypeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "blob", te.Name)

	err = l.AddInput(context.Background(), nil)
	assert.ErrorAs(t, err, &te)
	assert.Zero(t, f.svc.CallCount(fakelink.OpAddData))
}

func TestInvalidKindThroughPipeline(t *testing.T) {
	f := newFixture(t)
	cfg := &jit.Config{}
	shim.Install(cfg, f.factory)
	target := &jit.Target{Config: cfg, LinkerConfig: jit.LinkerConfig{CC: ccPtr(7, 5)}}

	kernel := jit.Kernel{
		Name: "axpy",
		PTX:  fakelink.PTX(sm75),
		Link: []nvjitlink.Input{nvjitlink.Linkable{Kind: nvjitlink.LinkableKind(42), Data: []byte("x")}},
	}
	_, err := target.Link(context.Background(), kernel)
	var te *nvjitlink.InputTypeError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, f.svc.Live(), "linker is closed on failure")
}

func TestPipelineLink(t *testing.T) {
	f := newFixture(t)
	cfg := &jit.Config{}
	shim.Install(cfg, f.factory)
	target := &jit.Target{Config: cfg, LinkerConfig: jit.LinkerConfig{CC: ccPtr(7, 5)}}

	kernel := jit.Kernel{
		Name: "axpy",
		PTX:  fakelink.PTX(fakelink.Module{Arch: 75, Undefined: []string{"cubin_fn", "mem_fn"}}),
		Link: []nvjitlink.Input{
			nvjitlink.FilePath("/artifacts/test.cubin"),
			nvjitlink.NewPTXSource(fakelink.PTX(fakelink.Module{Arch: 75, Defines: []string{"mem_fn"}}), "mem.ptx"),
		},
	}
	out, err := target.Link(context.Background(), kernel)
	require.NoError(t, err)
	assert.True(t, nvjitlink.IsELF(out))
	assert.Zero(t, f.svc.Live())

	names := []string{}
	for _, c := range f.svc.Calls() {
		if c.Op == fakelink.OpAddData {
			names = append(names, c.Name)
		}
	}
	assert.Equal(t, []string{jit.KernelPTXName, "test.cubin", "mem.ptx"}, names)
}

func TestConfigureKeysCacheOnLibraryVersion(t *testing.T) {
	store, err := sqlite.NewInMemory(context.Background(), nil)
	require.NoError(t, err)
	defer store.Close()
	fs := testFS(t)
	kernel := jit.Kernel{
		Name: "axpy",
		PTX:  fakelink.PTX(fakelink.Module{Arch: 75, Undefined: []string{"cubin_fn"}}),
		Link: []nvjitlink.Input{nvjitlink.FilePath("/artifacts/test.cubin")},
	}

	link := func(svc *fakelink.Service) {
		t.Helper()
		cfg := &jit.Config{Cache: store}
		require.NoError(t, shim.Configure(cfg, svc, shim.WithFS(fs)))
		target := &jit.Target{Config: cfg, LinkerConfig: jit.LinkerConfig{CC: ccPtr(7, 5)}}
		out, err := target.Link(context.Background(), kernel)
		require.NoError(t, err)
		assert.True(t, nvjitlink.IsELF(out))
	}

	old := fakelink.New()
	old.SetVersion(nvjitlink.Version{Major: 12, Minor: 0})
	link(old)
	link(old)
	assert.Equal(t, 1, old.CallCount(fakelink.OpCreate))

	upgraded := fakelink.New()
	upgraded.SetVersion(nvjitlink.Version{Major: 12, Minor: 6})
	link(upgraded)
	assert.Equal(t, 1, upgraded.CallCount(fakelink.OpCreate), "output cached for 12.0 must not be served to 12.6")

	entries, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConfigureVersionFailure(t *testing.T) {
	svc := fakelink.New()
	svc.FailNext(fakelink.OpVersion, nvjitlink.ResultInternal, "")

	cfg := &jit.Config{}
	err := shim.Configure(cfg, svc)
	assert.ErrorIs(t, err, nvjitlink.ResultInternal)
	assert.Nil(t, cfg.NewLinker)
}

func TestUndefinedSymbolSurfacesAsLinkerError(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})
	require.NoError(t, l.AddInput(context.Background(),
		nvjitlink.NewCubin(fakelink.Cubin(fakelink.Module{Arch: 75, Undefined: []string{"_Z5undefff"}}), "undefined_extern.cubin")))

	_, err := l.Complete()
	require.Error(t, err)
	var le *jit.LinkerError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, nvjitlink.ResultInvalidInput)
	assert.Contains(t, l.ErrorLog(), "_Z5undefff")
	assert.Contains(t, l.ErrorLog(), "undefined_extern.cubin")
}

func TestCUDASourceArchitecture(t *testing.T) {
	ctx := context.Background()

	// Device architecture wins.
	f := newFixture(t, shim.WithDeviceQuerier(fakelink.Device{CC: nvjitlink.CC(7, 0)}))
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})
	require.NoError(t, l.AddCU(ctx, []byte("__device__ int f();"), "a.cu"))
	calls := f.compiler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, nvjitlink.CC(7, 0), calls[0].CC)
	assert.Equal(t, "a.cu", calls[0].Name)

	// No active device falls back to the link target.
	f = newFixture(t, shim.WithDeviceQuerier(fakelink.Device{}))
	l = f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})
	require.NoError(t, l.AddCU(ctx, []byte("__device__ int f();"), "a.cu"))
	assert.Equal(t, nvjitlink.CC(7, 5), f.compiler.Calls()[0].CC)
}

func TestCUDASourceStripsNULs(t *testing.T) {
	svc := fakelink.New()
	var dump bytes.Buffer
	factory := shim.NewFactory(svc,
		shim.WithFS(testFS(t)),
		shim.WithCompiler(&fakelink.Compiler{}),
		shim.WithAssemblyDump(&dump))
	l, err := factory(jit.LinkerConfig{CC: ccPtr(7, 5)})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AddInput(context.Background(), nvjitlink.FilePath("/artifacts/test.cu")))

	out := dump.String()
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Len(t, lines[0], 80)
	assert.Contains(t, lines[0], "ASSEMBLY test.ptx")
	assert.True(t, strings.HasPrefix(lines[0], "---"))
	assert.Equal(t, strings.Repeat("=", 80), lines[len(lines)-1])
	assert.Contains(t, out, "// define=cu_fn")
	assert.NotContains(t, out, "\x00")
}

func TestCUDASourceCompileError(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})

	err := l.AddInput(context.Background(), nvjitlink.FilePath("/artifacts/bad.cu"))
	require.Error(t, err)
	var ce *shim.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad.cu", ce.Name)
	assert.Contains(t, ce.Log, "#error")
	assert.Zero(t, f.svc.CallCount(fakelink.OpAddData))
}

func TestCUDASourceWithoutCompiler(t *testing.T) {
	factory := shim.NewFactory(fakelink.New(), shim.WithFS(testFS(t)))
	l, err := factory(jit.LinkerConfig{CC: ccPtr(7, 5)})
	require.NoError(t, err)
	defer l.Close()

	err = l.AddCU(context.Background(), []byte("x"), "x.cu")
	assert.ErrorIs(t, err, shim.ErrNoCompiler)
}

func TestAddFileExplicitKind(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5)})

	// The kind argument wins over the extension.
	require.NoError(t, l.AddFile(context.Background(), "/artifacts/test.cubin", nvjitlink.LinkableFatbin))
	assert.Equal(t, nvjitlink.InputFatbin, f.lastAdd(t).Kind)

	err := l.AddFile(context.Background(), "/artifacts/test.cubin", nvjitlink.LinkableUnknown)
	var uk *nvjitlink.UnknownKindError
	assert.ErrorAs(t, err, &uk)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	l, err := f.factory(jit.LinkerConfig{CC: ccPtr(7, 5)})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, 1, f.svc.CallCount(fakelink.OpDestroy))
}

func TestCompletePTX(t *testing.T) {
	f := newFixture(t)
	l := f.linker(t, jit.LinkerConfig{CC: ccPtr(7, 5), LTO: true})
	require.NoError(t, l.AddInput(context.Background(), nvjitlink.FilePath("/artifacts/test.ltoir")))
	ptx, err := l.CompletePTX()
	require.NoError(t, err)
	assert.Contains(t, string(ptx), ".target sm_75")
	assert.Contains(t, string(ptx), "ltoir_fn")
}
