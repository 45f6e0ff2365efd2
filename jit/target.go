package jit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/cache"
	"github.com/frobware/go-nvjitlink/logging"
)

// OutputCache stores linked outputs by content key.
type OutputCache interface {
	Get(ctx context.Context, key string) (cache.Entry, error)
	Put(ctx context.Context, e cache.Entry) error
}

// Config is the pipeline's linking configuration.
type Config struct {
	// NewLinker constructs the linker used for every kernel.
	NewLinker LinkerFactory
	// Cache is optional.
	Cache OutputCache
	// FS is used to digest path inputs for cache keys. Defaults to
	// the OS filesystem.
	FS afero.Fs
	// Version is the link library version recorded in cache keys.
	// Outputs cached under one version are not served for another.
	Version nvjitlink.Version
	// Device resolves the architecture CUDA source inputs are
	// compiled for when computing cache keys. It should be the
	// querier the linker factory compiles with.
	Device nvjitlink.DeviceQuerier
	Logger *slog.Logger
}

// Target links kernels for one device configuration.
type Target struct {
	Config       *Config
	LinkerConfig LinkerConfig
}

// Link links k's PTX with everything in k.Link and returns the linked
// binary. A kernel without PTX links only its inputs. The linker is
// closed before Link returns, whatever the outcome.
func (t *Target) Link(ctx context.Context, k Kernel) (out []byte, err error) {
	if t.Config == nil || t.Config.NewLinker == nil {
		return nil, ErrNoLinker
	}
	logger := logging.OrDiscard(t.Config.Logger).With("component", logging.ComponentJIT, "kernel", k.Name)

	key, options := t.cacheKey(ctx, logger, k)
	if key != "" {
		e, err := t.Config.Cache.Get(ctx, key)
		switch {
		case err == nil:
			logger.Debug("cache hit", "key", key, "size", e.Size)
			return e.Data, nil
		case !errors.Is(err, cache.ErrNotFound):
			logger.Warn("cache lookup failed", "key", key, "error", err)
		}
	}

	start := time.Now()
	out, err = t.link(ctx, logger, k)
	if err != nil {
		return nil, err
	}
	logger.Debug("linked", "size", len(out), "duration_ms", float64(time.Since(start).Microseconds())/1000)

	if key != "" {
		e := cache.Entry{
			Key:     key,
			Kernel:  k.Name,
			Arch:    t.LinkerConfig.CC.Arch(),
			Options: options,
			Size:    len(out),
			Data:    out,
		}
		if err := t.Config.Cache.Put(ctx, e); err != nil {
			logger.Warn("cache store failed", "key", key, "error", err)
		}
	}
	return out, nil
}

func (t *Target) link(ctx context.Context, logger *slog.Logger, k Kernel) (out []byte, err error) {
	linker, err := t.Config.NewLinker(t.LinkerConfig)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := linker.Close(); cerr != nil {
			logger.Warn("linker close failed", "error", cerr)
		}
	}()

	if len(k.PTX) > 0 {
		if err := linker.AddPTX(k.PTX, KernelPTXName); err != nil {
			return nil, err
		}
	}
	for _, in := range k.Link {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := linker.AddInput(ctx, in); err != nil {
			return nil, err
		}
	}

	out, err = linker.Complete()
	if log := linker.InfoLog(); log != "" {
		logger.Debug("link info log", "log", log)
	}
	return out, err
}

// cacheKey returns "" when caching is disabled or the key cannot be
// computed; the link itself then reports any configuration problem.
func (t *Target) cacheKey(ctx context.Context, logger *slog.Logger, k Kernel) (string, []string) {
	if t.Config.Cache == nil {
		return "", nil
	}
	options, err := t.LinkerConfig.Options().Flags()
	if err != nil {
		return "", nil
	}
	fs := t.Config.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	p := KeyParams{
		Version: t.Config.Version.String(),
		Options: options,
	}
	if needsCompile(k) {
		p.CompileArch = t.compileArch(ctx, logger)
	}
	key, err := CacheKey(fs, p, k)
	if err != nil {
		logger.Debug("not caching", "error", err)
		return "", nil
	}
	return key, options
}

// compileArch mirrors the shim: the active device's architecture,
// else the link target's.
func (t *Target) compileArch(ctx context.Context, logger *slog.Logger) string {
	if t.Config.Device != nil {
		cc, err := t.Config.Device.CurrentComputeCapability(ctx)
		if err == nil {
			return cc.Arch()
		}
		logger.Debug("device query failed; keying on link target", "error", err)
	}
	return t.LinkerConfig.CC.Arch()
}

func needsCompile(k Kernel) bool {
	for _, in := range k.Link {
		switch v := in.(type) {
		case nvjitlink.FilePath:
			if kind, err := nvjitlink.KindForPath(string(v)); err == nil && kind.NeedsCompile() {
				return true
			}
		case nvjitlink.Linkable:
			if v.Kind.NeedsCompile() {
				return true
			}
		}
	}
	return false
}

// KeyParams is what a cache key covers besides the kernel itself.
type KeyParams struct {
	// Version is the link library version.
	Version string
	// Options is the session option list.
	Options []string
	// CompileArch is the architecture CUDA source inputs are compiled
	// for, or "" when there are none.
	CompileArch string
}

// CacheKey returns a hex sha256 digest over p, the kernel PTX and
// every link input. Path inputs are digested by content read from
// fs, so renaming a file does not change the key but editing it does.
func CacheKey(fs afero.Fs, p KeyParams, k Kernel) (string, error) {
	h := sha256.New()
	writeField(h, []byte("nvjitlink-cache-v2"))
	writeField(h, []byte(p.Version))
	writeField(h, []byte(p.CompileArch))
	writeField(h, []byte(strconv.Itoa(len(p.Options))))
	for _, o := range p.Options {
		writeField(h, []byte(o))
	}
	writeField(h, k.PTX)

	for _, in := range k.Link {
		switch v := in.(type) {
		case nvjitlink.FilePath:
			kind, err := nvjitlink.KindForPath(string(v))
			if err != nil {
				return "", err
			}
			data, err := afero.ReadFile(fs, string(v))
			if err != nil {
				return "", fmt.Errorf("digest %s: %w", v, err)
			}
			writeField(h, []byte(kind.String()))
			writeField(h, data)
		case nvjitlink.Linkable:
			writeField(h, []byte(v.Kind.String()))
			writeField(h, v.Data)
		default:
			return "", fmt.Errorf("cannot digest input of type %T", in)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
