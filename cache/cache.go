// Package cache defines the linked-output cache record shared by the
// JIT target and the cache stores.
package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one linked output.
type Entry struct {
	// Key is the content digest of everything that went into the link.
	Key     string   `json:"key"`
	Kernel  string   `json:"kernel"`
	Arch    string   `json:"arch"`
	Options []string `json:"options"`
	// Size is the uncompressed payload size.
	Size int `json:"size"`
	// StoredSize is the compressed size on disk. Set by the store.
	StoredSize int       `json:"storedSize"`
	CreatedAt  time.Time `json:"createdAt"`
	Data       []byte    `json:"-"`
}
