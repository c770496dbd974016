package modload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// artifactExtensions are the file suffixes the loader probes, in order, when
// a module id has no extension of its own.
var artifactExtensions = []string{"", ".js", ".wasm", ".bin", ".json"}

// FileArtifactLoader serves artifacts from a local directory, looking up
// files by module id. It doubles as a change source: Watch wires a
// filesystem watcher that invalidates cache entries when the backing file is
// rewritten or removed, so a stale artifact is never served after the file
// on disk has moved on.
type FileArtifactLoader struct {
	dir    string
	logger Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileArtifactLoader returns a loader rooted at dir. The directory must
// exist; creation is the caller's responsibility.
func NewFileArtifactLoader(dir string, logger Logger) *FileArtifactLoader {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &FileArtifactLoader{dir: dir, logger: logger}
}

// Load implements ArtifactLoader. The artifact is the raw file content.
// A missing file is reported as a chunk-load failure so the coordinator
// retries it; the file may appear between attempts during a deploy.
func (l *FileArtifactLoader) Load(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.resolve(desc.ID)
	if err != nil {
		return nil, NewLoadError(CategoryChunkLoad, desc.ID,
			fmt.Errorf("artifact file for %q: %w", desc.ID, err))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(CategoryChunkLoad, desc.ID, err)
		}
		return nil, NewLoadError(CategoryComponent, desc.ID, err)
	}
	return data, nil
}

// resolve maps a module id to the file that backs it.
func (l *FileArtifactLoader) resolve(id string) (string, error) {
	for _, ext := range artifactExtensions {
		path := filepath.Join(l.dir, id+ext)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", os.ErrNotExist
}

// Watch starts a filesystem watcher on the artifact directory and calls
// invalidate with the derived module id whenever a backing file changes or
// disappears. It returns after the watcher is registered; delivery happens
// on a background goroutine until Close.
func (l *FileArtifactLoader) Watch(invalidate func(id, reason string) int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating artifact watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching artifact directory %q: %w", l.dir, err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop(watcher, l.done, invalidate)
	l.logger.Info("Watching artifact directory", "dir", l.dir)
	return nil
}

func (l *FileArtifactLoader) watchLoop(watcher *fsnotify.Watcher, done chan struct{}, invalidate func(id, reason string) int) {
	defer close(done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			id := moduleIDForPath(event.Name)
			if id == "" {
				continue
			}
			removed := invalidate(id, "artifact file changed: "+event.Op.String())
			if removed > 0 {
				l.logger.Info("Invalidated cached artifact after file change",
					"moduleId", id, "op", event.Op.String(), "entriesRemoved", removed)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Artifact watcher error", "error", err)
		}
	}
}

// moduleIDForPath derives the module id from an artifact file path by
// stripping the directory and any recognized extension.
func moduleIDForPath(path string) string {
	base := filepath.Base(path)
	if base == "." || strings.HasPrefix(base, ".") {
		return ""
	}
	ext := filepath.Ext(base)
	for _, known := range artifactExtensions {
		if known != "" && ext == known {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

// Close stops the watcher, if started. Safe to call more than once.
func (l *FileArtifactLoader) Close() error {
	l.mu.Lock()
	watcher, done := l.watcher, l.done
	l.watcher, l.done = nil, nil
	l.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
