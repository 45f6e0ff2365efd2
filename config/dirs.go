package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// CacheDirs holds the on-disk layout of the output cache:
//
//	{base}/              - cache root
//	{base}/db/cache.db   - linked-output database
//
// Fields are unexported; use NewCacheDirs.
type CacheDirs struct {
	base string
	db   string
}

// NewCacheDirs returns the layout rooted at base, which must be
// absolute.
func NewCacheDirs(base string) (CacheDirs, error) {
	if base == "" {
		return CacheDirs{}, fmt.Errorf("cache base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return CacheDirs{}, fmt.Errorf("cache base path must be absolute, got %q", base)
	}
	return CacheDirs{
		base: base,
		db:   filepath.Join(base, "db", "cache.db"),
	}, nil
}

// DefaultCacheDirs roots the layout in the user cache directory.
func DefaultCacheDirs() (CacheDirs, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return CacheDirs{}, fmt.Errorf("locate user cache directory: %w", err)
	}
	return NewCacheDirs(filepath.Join(dir, "nvjitlink"))
}

func (d CacheDirs) Base() string { return d.base }
func (d CacheDirs) DB() string   { return d.db }

// DBPath resolves the database path for c: the configured path if
// set, otherwise the default layout's.
func (c *CacheConfig) DBPath() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	dirs, err := DefaultCacheDirs()
	if err != nil {
		return "", err
	}
	return dirs.DB(), nil
}
