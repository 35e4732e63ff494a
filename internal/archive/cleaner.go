package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gamecast/broker/internal/cadence"
	"gamecast/broker/internal/logging"
)

// RetentionPolicy defines how many archived games are retained on disk.
type RetentionPolicy struct {
	MaxGames int
	MaxAge   time.Duration
}

// StorageStats summarises the disk footprint of persisted archives.
type StorageStats struct {
	Games     int
	Headers   int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes archived games according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided archive root directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	c.sweep()
	loop := cadence.NewIntervalLoop(interval, func(time.Duration) { c.sweep() })
	loop.Start(ctx)
	<-ctx.Done()
	loop.Stop()
}

// RunOnce performs a single retention sweep, primarily used for tests.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type artefact struct {
	name    string
	paths   []string
	headers []string
	size    int64
	modTime time.Time
	isDir   bool
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("archive retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	artefacts := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}
	for _, art := range artefacts {
		shouldRemove, reasons := c.shouldRemove(art, now, kept)
		if shouldRemove {
			if err := c.remove(art); err != nil {
				c.log.Warn("archive retention removal failed", logging.Error(err), logging.String("game", art.name))
				stats.Games++
				stats.Headers += len(art.headers)
				stats.Bytes += art.size
				kept++
			} else {
				c.log.Info("archive retention removed artefact", logging.String("game", art.name), logging.String("reason", reasons))
			}
			continue
		}
		kept++
		stats.Games++
		stats.Headers += len(art.headers)
		stats.Bytes += art.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect(entries []os.DirEntry) []*artefact {
	artefacts := make(map[string]*artefact, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		base := name
		isHeader := false
		if strings.HasSuffix(name, ".header.json") {
			base = strings.TrimSuffix(name, ".header.json")
			isHeader = true
		}
		path := filepath.Join(c.dir, name)
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("archive retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		art := artefacts[base]
		if art == nil {
			art = &artefact{name: base, modTime: info.ModTime(), isDir: entry.IsDir()}
			artefacts[base] = art
		}
		if info.ModTime().After(art.modTime) {
			art.modTime = info.ModTime()
		}
		if entry.IsDir() {
			size, err := directorySize(path)
			if err != nil {
				c.log.Warn("archive retention size failed", logging.Error(err), logging.String("path", path))
				continue
			}
			art.paths = append(art.paths, path)
			art.size += size
			continue
		}
		if isHeader {
			art.headers = append(art.headers, path)
		} else {
			art.paths = append(art.paths, path)
		}
		art.size += info.Size()
	}
	list := make([]*artefact, 0, len(artefacts))
	for _, art := range artefacts {
		list = append(list, art)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].modTime.After(list[j].modTime) })
	return list
}

func (c *Cleaner) shouldRemove(art *artefact, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(art.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxGames > 0 && kept >= c.policy.MaxGames {
		reasons = append(reasons, fmt.Sprintf(">=%d games", c.policy.MaxGames))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

func (c *Cleaner) remove(art *artefact) error {
	var errs error
	for _, path := range art.paths {
		if art.isDir {
			if err := os.RemoveAll(path); err != nil {
				errs = errors.Join(errs, err)
			}
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	for _, path := range art.headers {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func directorySize(root string) (int64, error) {
	var total int64
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, walkErr
}
