package console

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"netscript/script"
)

// Extension is the file extension of test scripts.
const Extension = ".gotest"

// Entry is one script in the catalog.
type Entry struct {
	Name    string         `json:"name"`
	Path    string         `json:"path"`
	ModTime time.Time      `json:"mod_time"`
	Script  *script.Script `json:"script"`
}

// Catalog lists the scripts of a directory, keyed by file name without
// extension.
type Catalog struct {
	dir      string
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	entries  map[string]*Entry
	onChange func()
}

// NewCatalog creates a catalog of dir. Call Refresh to load it.
func NewCatalog(dir string, logger zerolog.Logger) *Catalog {
	return &Catalog{
		dir:      dir,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		entries:  make(map[string]*Entry),
	}
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

// OnChange registers fn to be called after every refresh.
func (c *Catalog) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Refresh rereads every script in the directory.
func (c *Catalog) Refresh() error {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read scripts directory %s", c.dir)
	}

	entries := make(map[string]*Entry)
	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), Extension) {
			continue
		}
		path := filepath.Join(c.dir, f.Name())
		s, err := script.ParseFile(path)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("skipping script")
			continue
		}
		var mod time.Time
		if info, err := f.Info(); err == nil {
			mod = info.ModTime()
		}
		name := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		entries[name] = &Entry{Name: name, Path: path, ModTime: mod, Script: s}
	}

	c.mu.Lock()
	c.entries = entries
	onChange := c.onChange
	c.mu.Unlock()

	c.logger.Debug().Int("scripts", len(entries)).Msg("catalog refreshed")
	if onChange != nil {
		onChange()
	}
	return nil
}

// List returns all entries sorted by name.
func (c *Catalog) List() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the entry called name.
func (c *Catalog) Get(name string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Watch refreshes the catalog whenever the directory changes. Bursts of
// events are coalesced. It blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", c.dir)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(event.Name), Extension) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(c.debounce, func() {
				if err := c.Refresh(); err != nil {
					c.logger.Warn().Err(err).Msg("catalog refresh failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}
