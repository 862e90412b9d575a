package reference

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Overlay adds user-provided siglas on top of the built-in tables. The
// backing YAML file (a flat sigla -> name map) is reloaded on change.
type Overlay struct {
	mu      sync.RWMutex
	siglas  map[string]string
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadOverlay reads a sigla overlay file and starts watching it for changes.
// Call Close to stop the watcher.
func LoadOverlay(path string) (*Overlay, error) {
	o := &Overlay{path: path, done: make(chan struct{})}

	if err := o.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which would drop
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	o.watcher = watcher

	go o.watch()

	return o, nil
}

// WithOverlay installs a custom sigla overlay on the registry.
func (r *Registry) WithOverlay(o *Overlay) *Registry {
	r.overlay = o
	return r
}

func (o *Overlay) reload() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return fmt.Errorf("failed to read sigla overlay: %w", err)
	}

	siglas := make(map[string]string)
	if err := yaml.Unmarshal(data, &siglas); err != nil {
		return fmt.Errorf("failed to parse sigla overlay: %w", err)
	}

	o.mu.Lock()
	o.siglas = siglas
	o.mu.Unlock()

	slog.Info("Sigla overlay loaded", "path", o.path, "entries", len(siglas))
	return nil
}

func (o *Overlay) watch() {
	for {
		select {
		case <-o.done:
			return
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(o.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := o.reload(); err != nil {
				slog.Warn("Sigla overlay reload failed", "error", err)
			}
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Sigla overlay watcher error", "error", err)
		}
	}
}

func (o *Overlay) lookup(sigla string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	name, ok := o.siglas[sigla]
	return name, ok
}

func (o *Overlay) each(fn func(sigla, name string)) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for k, v := range o.siglas {
		fn(k, v)
	}
}

// Close stops the file watcher.
func (o *Overlay) Close() error {
	close(o.done)
	if o.watcher != nil {
		return o.watcher.Close()
	}
	return nil
}
