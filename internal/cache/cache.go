// Package cache keeps downloaded agent binaries on local disk, addressed
// by their SHA-256 digest, so provisioning another device (or the same one
// after a reset) does not hit the network again.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type BinaryCache struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) *BinaryCache {
	return &BinaryCache{dir: dir}
}

func (c *BinaryCache) Dir() string {
	return c.dir
}

func (c *BinaryCache) path(sum string) string {
	return filepath.Join(c.dir, strings.ToLower(sum))
}

// Get returns the cached payload whose digest is sum. Entries whose
// content no longer matches their name are removed and reported as misses.
func (c *BinaryCache) Get(sum string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(sum)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("reading cached agent failed", "path", path, "error", err)
		}
		return nil, false
	}

	if !strings.EqualFold(Digest(data), sum) {
		slog.Warn("evicting corrupt cached agent", "path", path)
		_ = os.Remove(path)
		return nil, false
	}
	return data, true
}

// Put stores data under its digest. The write goes through a temp file
// and rename so readers never observe a partial entry.
func (c *BinaryCache) Put(data []byte) (string, error) {
	sum := Digest(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating cache entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(sum)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("committing cache entry: %w", err)
	}
	return sum, nil
}

// Clear removes every cached entry.
func (c *BinaryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// Prune removes every entry except keep.
func (c *BinaryCache) Prune(keep string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing cache: %w", err)
	}
	var removed int
	for _, e := range entries {
		if strings.EqualFold(e.Name(), keep) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			slog.Warn("pruning cache entry failed", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// EntryInfo describes one cached binary.
type EntryInfo struct {
	Size int64
	Age  time.Duration
}

func (c *BinaryCache) Stats() (map[string]EntryInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string]EntryInfo)
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing cache: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats[e.Name()] = EntryInfo{Size: info.Size(), Age: time.Since(info.ModTime())}
	}
	return stats, nil
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
