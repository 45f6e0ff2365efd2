package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/config"
	"github.com/frobware/go-nvjitlink/jit"
	"github.com/frobware/go-nvjitlink/shim"
)

// LinkCmd links input artifacts into one output.
type LinkCmd struct {
	Inputs []string `arg:"" name:"input" help:"Artifacts to link. Each kind is taken from the file extension."`
	Output string   `short:"o" name:"output" required:"" help:"Where to write the linked output."`

	Arch         nvjitlink.ComputeCapability `name:"arch" help:"Target compute capability (7.5, 75 or sm_75). Defaults to the config file, then the active device."`
	MaxRegisters int                         `name:"max-registers" help:"Maximum registers per thread; 0 leaves it to the linker."`
	Lineinfo     bool                        `name:"lineinfo" help:"Generate line number information."`
	LTO          bool                        `name:"lto" help:"Enable link-time optimisation."`
	Flags        []string                    `short:"X" name:"flag" sep:"none" help:"Extra linker option, passed verbatim (can be repeated)."`
	Verbose      bool                        `short:"v" help:"Ask the linker for an info log and print it."`

	PTX          bool `name:"ptx" help:"Write linked PTX instead of a cubin. Requires --lto."`
	DumpAssembly bool `name:"dump-assembly" help:"Print the PTX generated from CUDA source. Nothing is printed for an output served from the cache."`
	Cache        bool `name:"cache" help:"Use the output cache even if the config file disables it."`
	NoCache      bool `name:"no-cache" help:"Bypass the output cache."`
}

// ptxCompleter is a linker that can also produce linked PTX.
type ptxCompleter interface {
	CompletePTX() ([]byte, error)
}

// Run executes the link command.
func (c *LinkCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := cli.loggerFor(cfg)
	if err != nil {
		return err
	}

	lcfg, err := c.linkerConfig(ctx, cli, cfg, logger)
	if err != nil {
		return err
	}

	svc, err := cli.LinkService(logger)
	if err != nil {
		return err
	}
	jcfg := &jit.Config{Logger: logger}
	if err := shim.Configure(jcfg, svc, c.shimOptions(cli, cfg, logger)...); err != nil {
		return err
	}

	// The pipeline closes its linker; keep hold of it for the info log.
	var linker jit.Linker
	newLinker := jcfg.NewLinker
	jcfg.NewLinker = func(lc jit.LinkerConfig) (jit.Linker, error) {
		l, err := newLinker(lc)
		if err == nil {
			linker = l
		}
		return l, err
	}

	inputs := make([]nvjitlink.Input, len(c.Inputs))
	for i, p := range c.Inputs {
		inputs[i] = nvjitlink.FilePath(p)
	}

	var out []byte
	if c.PTX {
		out, err = c.linkPTX(ctx, jcfg.NewLinker, lcfg, inputs, logger)
	} else {
		if c.useCache(cfg) {
			store, err := cli.OpenCache(ctx, cfg, logger)
			if err != nil {
				logger.Warn("cache unavailable", "error", err)
			} else {
				defer store.Close()
				jcfg.Cache = store
			}
		}
		target := &jit.Target{Config: jcfg, LinkerConfig: lcfg}
		out, err = target.Link(ctx, jit.Kernel{
			Name: strings.TrimSuffix(filepath.Base(c.Output), filepath.Ext(c.Output)),
			Link: inputs,
		})
	}
	if c.Verbose {
		c.printInfoLog(cli, linker, err == nil)
	}
	if err != nil {
		return err
	}
	return c.write(cli, logger, out)
}

// linkerConfig layers flags over the config file. Without an
// architecture from either, the active device's is used; if there is
// none the session reports the missing architecture.
func (c *LinkCmd) linkerConfig(ctx context.Context, cli *CLI, cfg config.Config, logger *slog.Logger) (jit.LinkerConfig, error) {
	opts, err := cfg.Linker.Options()
	if err != nil {
		return jit.LinkerConfig{}, err
	}
	if !c.Arch.IsZero() {
		cc := c.Arch
		opts.Arch = &cc
	}
	if c.MaxRegisters > 0 {
		opts.MaxRegisters = c.MaxRegisters
	}
	opts.Lineinfo = opts.Lineinfo || c.Lineinfo
	opts.LTO = opts.LTO || c.LTO
	opts.AdditionalFlags = append(opts.AdditionalFlags, c.Flags...)
	if c.Verbose {
		opts.AdditionalFlags = append(opts.AdditionalFlags, "-verbose")
	}

	if opts.Arch == nil {
		if dev := cli.device(logger); dev != nil {
			cc, err := dev.CurrentComputeCapability(ctx)
			if err != nil {
				logger.Debug("device query failed", "error", err)
			} else {
				opts.Arch = &cc
			}
		}
	}

	return jit.LinkerConfig{
		MaxRegisters:    opts.MaxRegisters,
		Lineinfo:        opts.Lineinfo,
		CC:              opts.Arch,
		LTO:             opts.LTO,
		AdditionalFlags: opts.AdditionalFlags,
	}, nil
}

func (c *LinkCmd) useCache(cfg config.Config) bool {
	if c.NoCache {
		return false
	}
	return c.Cache || cfg.Cache.Enabled
}

func (c *LinkCmd) shimOptions(cli *CLI, cfg config.Config, logger *slog.Logger) []shim.Option {
	opts := []shim.Option{
		shim.WithFS(cli.fs()),
		shim.WithLogger(logger),
	}
	if comp := cli.compiler(logger); comp != nil {
		opts = append(opts, shim.WithCompiler(comp))
	}
	if dev := cli.device(logger); dev != nil {
		opts = append(opts, shim.WithDeviceQuerier(dev))
	}
	if c.DumpAssembly || cfg.Compiler.DumpAssembly {
		opts = append(opts, shim.WithAssemblyDump(cli.outWriter()))
	}
	return opts
}

// linkPTX links inputs into PTX. Linked PTX bypasses the output cache.
func (c *LinkCmd) linkPTX(ctx context.Context, newLinker jit.LinkerFactory, lcfg jit.LinkerConfig, inputs []nvjitlink.Input, logger *slog.Logger) ([]byte, error) {
	linker, err := newLinker(lcfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := linker.Close(); cerr != nil {
			logger.Warn("linker close failed", "error", cerr)
		}
	}()

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := linker.AddInput(ctx, in); err != nil {
			return nil, err
		}
	}

	pc, ok := linker.(ptxCompleter)
	if !ok {
		return nil, fmt.Errorf("linker %T cannot produce PTX", linker)
	}
	return pc.CompletePTX()
}

// printInfoLog prints the linker's info log to stderr. An output
// served from the cache was never linked, so it has none.
func (c *LinkCmd) printInfoLog(cli *CLI, linker jit.Linker, ok bool) {
	if linker == nil {
		if ok {
			fmt.Fprintln(cli.errWriter(), "info    : output served from cache; nothing was linked")
		}
		return
	}
	if log := linker.InfoLog(); log != "" {
		fmt.Fprintln(cli.errWriter(), strings.TrimRight(log, "\n"))
	}
}

func (c *LinkCmd) write(cli *CLI, logger *slog.Logger, out []byte) error {
	if err := afero.WriteFile(cli.fs(), c.Output, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", c.Output, err)
	}
	logger.Info("wrote linked output", "path", c.Output, "size", len(out))
	return nil
}
