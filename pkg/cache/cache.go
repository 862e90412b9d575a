// Package cache implements the on-disk JSON response cache. Entries are
// MD5-keyed files under one subdirectory per kind, with an in-memory first
// layer.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind names a cache namespace; each gets its own subdirectory.
type Kind string

const (
	KindBOESearch  Kind = "boe_search"
	KindBOEIndex   Kind = "boe_index"
	KindBOEArticle Kind = "boe_article"
	KindEURLex     Kind = "eurlex"
)

type entry struct {
	StoredAt time.Time       `json:"stored_at"`
	Data     json.RawMessage `json:"data"`
}

// Cache is safe for concurrent use. A nil *Cache is a valid no-op cache, so
// callers can pass nil when caching is disabled.
type Cache struct {
	dir string
	ttl time.Duration

	mu     sync.RWMutex
	memory map[string]entry

	hits   int64
	misses int64
}

// New creates a cache rooted at dir. A zero ttl means entries never expire.
func New(dir string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Cache{
		dir:    dir,
		ttl:    ttl,
		memory: make(map[string]entry),
	}, nil
}

func cacheKey(kind Kind, key string) string {
	sum := md5.Sum([]byte(key))
	return string(kind) + "/" + hex.EncodeToString(sum[:])
}

// Get loads a cached value into v. Returns false on miss, expiry, or when
// the cache is nil.
func (c *Cache) Get(kind Kind, key string, v any) bool {
	if c == nil {
		return false
	}

	ck := cacheKey(kind, key)

	c.mu.RLock()
	e, ok := c.memory[ck]
	c.mu.RUnlock()

	if !ok {
		loaded, err := c.loadFile(ck)
		if err != nil {
			c.miss()
			return false
		}
		e = loaded

		c.mu.Lock()
		c.memory[ck] = e
		c.mu.Unlock()
	}

	if c.ttl > 0 && time.Since(e.StoredAt) > c.ttl {
		c.miss()
		return false
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		slog.Warn("Corrupt cache entry", "kind", kind, "error", err)
		c.miss()
		return false
	}

	c.hit()
	return true
}

// Put stores a value under key. Writes go through a temp file and rename so
// readers never see partial JSON.
func (c *Cache) Put(kind Kind, key string, v any) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	e := entry{StoredAt: time.Now(), Data: data}
	ck := cacheKey(kind, key)

	c.mu.Lock()
	c.memory[ck] = e
	c.mu.Unlock()

	return c.writeFile(ck, e)
}

func (c *Cache) loadFile(ck string) (entry, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, ck+".json"))
	if err != nil {
		return entry{}, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return entry{}, err
	}
	return e, nil
}

func (c *Cache) writeFile(ck string, e entry) error {
	path := filepath.Join(c.dir, ck+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache subdir: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Cache) hit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Stats reports cache usage.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.memory)}
}

// Clear drops the memory layer and removes all cache files.
func (c *Cache) Clear() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	c.memory = make(map[string]entry)
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
