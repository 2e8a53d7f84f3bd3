package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"scriptrun/internal/logging"
)

const (
	debounceInterval = 500 * time.Millisecond
	maxDepth         = 8
)

// excludedDirs are directories excluded from scanning and watching.
var excludedDirs = map[string]bool{
	"__pycache__": true,
	".git":        true,
	"venv":        true,
	".venv":       true,
}

// Entry is one approved script in the catalog.
type Entry struct {
	Path    string    `json:"path"` // relative to the scripts directory, slash separated
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// UpdateCallback is called after a rescan changed the number of scripts.
type UpdateCallback func(count int)

// Catalog keeps an up-to-date list of the scripts in the sandbox directory
// and validates script paths on behalf of the transport layer.
type Catalog struct {
	resolver *Resolver
	callback UpdateCallback
	logger   zerolog.Logger

	mu        sync.RWMutex
	entries   []Entry
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	timer     *time.Timer
}

// New creates a catalog over resolver's sandbox. The catalog is empty until
// Start or Rescan is called.
func New(resolver *Resolver, callback UpdateCallback) *Catalog {
	return &Catalog{
		resolver: resolver,
		callback: callback,
		logger:   logging.Component("catalog"),
	}
}

// Resolve validates a caller-supplied relative path. See Resolver.Resolve.
func (c *Catalog) Resolve(rel string) (string, error) {
	return c.resolver.Resolve(rel)
}

// Root returns the sandbox directory.
func (c *Catalog) Root() string {
	return c.resolver.Root()
}

// Start performs an initial scan and watches the sandbox for changes.
func (c *Catalog) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Add directories recursively.
	if err := addDirsRecursive(fsW, c.resolver.Root()); err != nil {
		fsW.Close()
		return err
	}

	c.mu.Lock()
	c.fsWatcher = fsW
	c.cancel = make(chan struct{})
	cancel := c.cancel
	c.mu.Unlock()

	c.Rescan()

	go c.watchLoop(fsW, cancel)
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (c *Catalog) watchLoop(fsW *fsnotify.Watcher, cancel chan struct{}) {
	for {
		select {
		case <-cancel:
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						if err := fsW.Add(event.Name); err != nil {
							c.logger.Warn().Err(err).Str("dir", event.Name).Msg("watch new directory")
						}
					}
				}
			}

			// Debounce: reset timer on each event.
			c.mu.Lock()
			if c.timer != nil {
				c.timer.Stop()
			}
			c.timer = time.AfterFunc(debounceInterval, c.Rescan)
			c.mu.Unlock()

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// Rescan rebuilds the script list and notifies the callback if the number
// of scripts changed.
func (c *Catalog) Rescan() {
	entries := Scan(c.resolver)

	c.mu.Lock()
	changed := len(entries) != len(c.entries) || c.entries == nil
	c.entries = entries
	c.mu.Unlock()

	if changed {
		c.logger.Info().Int("scripts", len(entries)).Msg("catalog updated")
		if c.callback != nil {
			c.callback(len(entries))
		}
	}
}

// Entries returns a copy of the current script list, sorted by path.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Shutdown stops watching the sandbox.
func (c *Catalog) Shutdown() {
	c.mu.Lock()
	fsW, cancel, timer := c.fsWatcher, c.cancel, c.timer
	c.fsWatcher, c.cancel, c.timer = nil, nil, nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		close(cancel)
	}
	if fsW != nil {
		fsW.Close()
	}
}

// Scan walks the sandbox and returns every approved script.
func Scan(r *Resolver) []Entry {
	root := r.Root()
	entries := []Entry{}

	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()
		rel, _ := filepath.Rel(root, path)

		if d.IsDir() {
			if path == root {
				return nil
			}
			if excludedDirs[name] || isHidden(name) {
				return filepath.SkipDir
			}
			if depth(rel) >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if isHidden(name) || !d.Type().IsRegular() || !r.Allowed(name) {
			return nil
		}

		entry := Entry{Path: filepath.ToSlash(rel), Name: name}
		if info, err := d.Info(); err == nil {
			entry.Size = info.Size()
			entry.ModTime = info.ModTime().UTC()
		}
		entries = append(entries, entry)
		return nil
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func depth(rel string) int {
	if rel == "." || rel == "" {
		return 0
	}
	n := 1
	for _, r := range rel {
		if r == filepath.Separator {
			n++
		}
	}
	return n
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
