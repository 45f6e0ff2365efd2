package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/frobware/go-nvjitlink/cache"
	"github.com/frobware/go-nvjitlink/cache/sqlite"
)

// CacheCmd manages the linked-output cache.
type CacheCmd struct {
	List  CacheListCmd  `cmd:"" default:"withargs" help:"List cached outputs."`
	Rm    CacheRmCmd    `cmd:"" help:"Remove cached outputs by key."`
	Prune CachePruneCmd `cmd:"" help:"Remove cached outputs older than a given age."`
	Clear CacheClearCmd `cmd:"" help:"Remove every cached output."`
}

// withCache opens the cache for the duration of fn.
func withCache(ctx context.Context, cli *CLI, fn func(*sqlite.Store) error) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := cli.loggerFor(cfg)
	if err != nil {
		return err
	}
	store, err := cli.OpenCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// CacheListCmd lists cached outputs.
type CacheListCmd struct {
	OutputFlags
}

// Run executes the cache list command.
func (c *CacheListCmd) Run(cli *CLI, ctx context.Context) error {
	return withCache(ctx, cli, func(store *sqlite.Store) error {
		entries, err := store.List(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 && c.Format() == OutputFormatTable {
			return cli.PrintOut("No cached outputs found\n")
		}

		output, err := format(entries, &c.OutputFlags, func() string {
			return formatEntries(entries)
		})
		if err != nil {
			return err
		}
		return cli.PrintOut(output)
	})
}

func formatEntries(entries []cache.Entry) string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		key := e.Key
		if len(key) > 12 {
			key = key[:12]
		}
		rows[i] = []string{
			key,
			e.Kernel,
			e.Arch,
			strconv.Itoa(e.Size),
			strconv.Itoa(e.StoredSize),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return table([]string{"KEY", "KERNEL", "ARCH", "SIZE", "STORED", "CREATED"}, rows)
}

// CacheRmCmd removes cached outputs by key.
type CacheRmCmd struct {
	Keys []string `arg:"" name:"key" help:"Full cache keys, as printed by 'cache list -o json'."`
}

// Run executes the cache rm command.
func (c *CacheRmCmd) Run(cli *CLI, ctx context.Context) error {
	return withCache(ctx, cli, func(store *sqlite.Store) error {
		for _, key := range c.Keys {
			if err := store.Delete(ctx, key); err != nil {
				return fmt.Errorf("remove %s: %w", key, err)
			}
		}
		return cli.PrintOutf("Removed %d cached outputs\n", len(c.Keys))
	})
}

// CachePruneCmd removes cached outputs by age.
type CachePruneCmd struct {
	OlderThan time.Duration `name:"older-than" help:"Remove outputs created longer ago than this." default:"720h"`
}

// Run executes the cache prune command.
func (c *CachePruneCmd) Run(cli *CLI, ctx context.Context) error {
	return withCache(ctx, cli, func(store *sqlite.Store) error {
		n, err := store.Prune(ctx, time.Now().Add(-c.OlderThan))
		if err != nil {
			return err
		}
		return cli.PrintOutf("Pruned %d cached outputs\n", n)
	})
}

// CacheClearCmd empties the cache.
type CacheClearCmd struct{}

// Run executes the cache clear command.
func (c *CacheClearCmd) Run(cli *CLI, ctx context.Context) error {
	return withCache(ctx, cli, func(store *sqlite.Store) error {
		n, err := store.Clear(ctx)
		if err != nil {
			return err
		}
		return cli.PrintOutf("Removed %d cached outputs\n", n)
	})
}
