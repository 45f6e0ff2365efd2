// Package cli implements the nvjitlink command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"
	"github.com/spf13/afero"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/cache/sqlite"
	"github.com/frobware/go-nvjitlink/config"
	"github.com/frobware/go-nvjitlink/logging"
	"github.com/frobware/go-nvjitlink/native"
)

// CLI is the root command structure for nvjitlink.
type CLI struct {
	Config  string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log     string `name:"log" help:"Log spec (e.g., 'info,session=debug')." env:"NVJITLINK_LOG"`
	CacheDB string `name:"cache-db" help:"Output cache database path. Overrides the config file."`

	Link     LinkCmd     `cmd:"" help:"Link device code into a cubin or PTX."`
	Classify ClassifyCmd `cmd:"" help:"Show how input paths would be classified."`
	Inspect  InspectCmd  `cmd:"" help:"Guess the kind of artifact files from their contents."`
	Version  VersionCmd  `cmd:"" help:"Print the nvJitLink library version."`
	Cache    CacheCmd    `cmd:"" help:"Manage the linked-output cache."`

	// Out and Err receive command output and diagnostics.
	Out io.Writer `kong:"-"`
	Err io.Writer `kong:"-"`
	// FS is where input and output files live.
	FS afero.Fs `kong:"-"`
	// Service, Compiler and Device replace the native bindings when
	// set.
	Service  nvjitlink.Service       `kong:"-"`
	Compiler nvjitlink.Compiler      `kong:"-"`
	Device   nvjitlink.DeviceQuerier `kong:"-"`
}

// New returns a CLI writing to the process's stdout and stderr and
// using the OS filesystem.
func New() *CLI {
	return &CLI{
		Out: os.Stdout,
		Err: os.Stderr,
		FS:  afero.NewOsFs(),
	}
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("nvjitlink"),
		kong.Description("Link CUDA device code with nvJitLink."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(nvjitlink.ComputeCapability{}), computeCapabilityMapper()),
		kong.Vars{
			"default_config_path": config.DefaultPath(),
		},
	}
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// Logger creates a logger for CLI commands. --log (or NVJITLINK_LOG)
// wins over the config file's [logging] level, which defaults to
// warn.
func (c *CLI) Logger() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	return c.loggerFor(cfg)
}

func (c *CLI) loggerFor(cfg config.Config) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	configSpec := cfg.Logging.ToSpec()
	if configSpec == "" {
		configSpec = "warn"
	}

	logger, err := logging.New(logging.Options{
		CLISpec:    c.Log,
		ConfigSpec: configSpec,
		Format:     format,
		Output:     c.errWriter(),
	})
	if err != nil {
		return nil, err
	}
	return logger.With("component", logging.ComponentCLI), nil
}

// LinkService returns the injected service, or the native one.
func (c *CLI) LinkService(logger *slog.Logger) (nvjitlink.Service, error) {
	if c.Service != nil {
		return c.Service, nil
	}
	svc, err := native.NewService(logger)
	if err != nil {
		return nil, fmt.Errorf("%w: rebuild with -tags nvjitlink", err)
	}
	return svc, nil
}

// compiler returns nil when no CUDA source compiler is available;
// linking CUDA source then fails when it is attempted.
func (c *CLI) compiler(logger *slog.Logger) nvjitlink.Compiler {
	if c.Compiler != nil {
		return c.Compiler
	}
	comp, err := native.NewCompiler(logger)
	if err != nil {
		logger.Debug("no CUDA source compiler", "error", err)
		return nil
	}
	return comp
}

func (c *CLI) device(logger *slog.Logger) nvjitlink.DeviceQuerier {
	if c.Device != nil {
		return c.Device
	}
	dev, err := native.NewDevice()
	if err != nil {
		logger.Debug("no device querier", "error", err)
		return nil
	}
	return dev
}

func (c *CLI) fs() afero.Fs {
	if c.FS == nil {
		return afero.NewOsFs()
	}
	return c.FS
}

// OpenCache opens the output cache database named by --cache-db or
// the config file.
func (c *CLI) OpenCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sqlite.Store, error) {
	path := c.CacheDB
	if path == "" {
		p, err := cfg.Cache.DBPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	store, err := sqlite.New(ctx, path, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	return store, nil
}

func (c *CLI) outWriter() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *CLI) errWriter() io.Writer {
	if c.Err == nil {
		return os.Stderr
	}
	return c.Err
}

// WriteOut writes p to Out in full. A short write without an error is
// reported as io.ErrShortWrite.
func (c *CLI) WriteOut(p []byte) error {
	n, err := c.outWriter().Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// PrintOut writes s to Out.
func (c *CLI) PrintOut(s string) error {
	return c.WriteOut([]byte(s))
}

// PrintOutf formats according to format and writes the result to Out.
func (c *CLI) PrintOutf(format string, args ...any) error {
	return c.PrintOut(fmt.Sprintf(format, args...))
}
