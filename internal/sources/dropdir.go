package sources

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/tasuke/internal/storage"
)

const fileSource = "file"

// DropDir watches a directory and queues every file written into it.
type DropDir struct {
	root   string
	sink   Sink
	settle time.Duration
	logger *slog.Logger
}

// NewDropDir creates a watcher over root. Files are read once they have not
// changed for a short settle period.
func NewDropDir(root string, sink Sink) *DropDir {
	return &DropDir{
		root:   root,
		sink:   sink,
		settle: 250 * time.Millisecond,
		logger: slog.Default().With("source", fileSource, "root", root),
	}
}

// Watch processes file events until ctx is cancelled.
func (d *DropDir) Watch(ctx context.Context) error {
	if err := os.MkdirAll(d.root, 0o700); err != nil {
		return fmt.Errorf("creating drop dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, d.root); err != nil {
		return err
	}
	d.logger.Info("drop dir watching")

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(d.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drop dir stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || hidden(ev.Name) {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := addDirsRecursive(w, ev.Name); err != nil {
					d.logger.Warn("watching new dir failed", "path", ev.Name, "error", err)
				}
				continue
			}
			pending[ev.Name] = time.Now()

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < d.settle {
					continue
				}
				delete(pending, path)
				if _, err := d.queueFile(path); err != nil {
					d.logger.Warn("queueing file failed", "path", path, "error", err)
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("watcher error", "error", err)
		}
	}
}

func (d *DropDir) queueFile(path string) (int, error) {
	drafts, err := ExtractFile(d.root, path)
	if err != nil {
		return 0, err
	}
	return queue(d.sink, drafts)
}

// Import queues a file, or every file under a directory, and returns the
// number of drafts queued.
func Import(path string, sink Sink) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		drafts, err := ExtractFile(filepath.Dir(path), path)
		if err != nil {
			return 0, err
		}
		return queue(sink, drafts)
	}

	total := 0
	err = filepath.WalkDir(path, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if hidden(p) && p != path {
			if e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if e.IsDir() {
			return nil
		}
		drafts, err := ExtractFile(path, p)
		if err != nil {
			slog.Warn("skipping file", "path", p, "error", err)
			return nil
		}
		n, err := queue(sink, drafts)
		total += n
		return err
	})
	return total, err
}

// ExtractFile reads path and extracts its drafts. The path relative to root
// becomes the source note id and its directory the channel.
func ExtractFile(root, path string) ([]storage.NoteDraft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)

	channel := filepath.ToSlash(filepath.Dir(rel))
	if channel == "." {
		channel = ""
	}
	base := storage.NoteDraft{Source: fileSource, SourceNoteID: rel, Channel: channel}
	return Extract(path, data, base)
}

func queue(sink Sink, drafts []storage.NoteDraft) (int, error) {
	n := 0
	for _, d := range drafts {
		if err := sink.Add(d); err != nil {
			return n, fmt.Errorf("queueing %s: %w", d.SourceNoteID, err)
		}
		n++
	}
	return n, nil
}

func hidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
