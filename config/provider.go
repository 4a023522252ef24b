package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/logging"
)

const cacheFileName = "intervals.json"

// Provider holds the current interval map. Construction loads defaults and
// overlays the cache file; Apply overlays document values and re-persists
// the cache. Operator edits to the cache file are picked up live through
// fsnotify.
type Provider struct {
	mu        sync.RWMutex
	intervals map[string]int

	cachePath string
	logger    logging.Logger
	workers   *goutils.StoppableWorkers
}

// NewProvider builds a provider rooted in dataDir. A missing or unreadable
// cache file is not an error; defaults stand until the document speaks.
func NewProvider(dataDir string, logger logging.Logger) *Provider {
	p := &Provider{
		intervals: Defaults(),
		cachePath: filepath.Join(dataDir, cacheFileName),
		logger:    logger,
	}
	if err := p.loadCache(); err != nil {
		logger.Debugw("no interval cache; using defaults", "path", p.cachePath, "error", err)
	}
	return p
}

func (p *Provider) loadCache() error {
	data, err := os.ReadFile(p.cachePath)
	if err != nil {
		return err
	}
	var cached map[string]int
	if err := json.Unmarshal(data, &cached); err != nil {
		return errors.Wrapf(err, "corrupt interval cache %s", p.cachePath)
	}
	p.Apply(cached)
	return nil
}

// persistCache failure is logged, not retried; the next Apply writes again.
func (p *Provider) persistCache() {
	p.mu.RLock()
	data, err := json.MarshalIndent(p.intervals, "", "  ")
	p.mu.RUnlock()
	if err == nil {
		err = os.WriteFile(p.cachePath, data, 0o644)
	}
	if err != nil {
		p.logger.Warnw("interval cache write failed", "path", p.cachePath, "error", err)
	}
}

// Apply overlays a mapping from the document (or cache). Each value is
// validated against its hard bounds; rejects keep the previous value and log
// at WARN. Returns how many keys were accepted.
func (p *Provider) Apply(intervals map[string]int) int {
	accepted, changed := 0, 0
	p.mu.Lock()
	for key, seconds := range intervals {
		if !validate(key, seconds) {
			b, known := bounds[key]
			if !known {
				p.logger.Warnw("rejecting unknown interval key", "key", key)
			} else {
				p.logger.Warnw("rejecting out-of-bounds interval",
					"key", key, "value", seconds, "min", b.min, "max", b.max, "kept", p.intervals[key])
			}
			continue
		}
		if p.intervals[key] != seconds {
			p.logger.Infow("interval updated", "key", key, "value", seconds)
			p.intervals[key] = seconds
			changed++
		}
		accepted++
	}
	p.mu.Unlock()

	// Persist only on real change so a cache reload does not rewrite the
	// file it just read (and retrigger the watcher).
	if changed > 0 {
		p.persistCache()
	}
	return accepted
}

// Get returns the current value of a key in seconds.
func (p *Provider) Get(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.intervals[key]; ok {
		return v
	}
	return Default(key)
}

// Duration returns the current value of a key as a time.Duration.
func (p *Provider) Duration(key string) time.Duration {
	return secondsToDuration(p.Get(key))
}

// Snapshot returns a copy of the current mapping.
func (p *Provider) Snapshot() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int, len(p.intervals))
	for key, v := range p.intervals {
		out[key] = v
	}
	return out
}

// WatchCacheFile reloads the cache file whenever an operator edits it. Not
// required for normal operation; callers that skip it rely on document
// updates only.
func (p *Provider) WatchCacheFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "cannot watch interval cache")
	}
	// watch the directory; editors replace files rather than write in place
	if err := watcher.Add(filepath.Dir(p.cachePath)); err != nil {
		goutils.UncheckedErrorFunc(watcher.Close)
		return errors.Wrap(err, "cannot watch data dir")
	}

	p.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		defer goutils.UncheckedErrorFunc(watcher.Close)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != p.cachePath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.loadCache(); err != nil {
					p.logger.Warnw("interval cache reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warnw("interval cache watcher error", "error", err)
			}
		}
	})
	return nil
}

// Close stops the cache watcher if one is running.
func (p *Provider) Close() {
	if p.workers != nil {
		p.workers.Stop()
	}
}
