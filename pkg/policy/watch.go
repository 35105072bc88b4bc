package policy

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policy file whenever it changes and swaps the
// enforcer's snapshot atomically. A reload that fails to parse or
// validate keeps the previous snapshot in service. The watch runs until
// ctx is cancelled. onSwap, if non-nil, is invoked after each successful
// swap with the old and new snapshots.
//
// The parent directory is watched rather than the file itself: editors
// and config management tools typically replace the file by rename,
// which would otherwise silently detach the watch.
func (e *Enforcer) Watch(ctx context.Context, path string, onSwap func(old, next *Snapshot)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			next, err := Load(path)
			if err != nil {
				log.Printf("policy: reload failed, keeping digest %.12s: %v", e.Current().Digest, err)
				continue
			}
			old := e.Swap(next)
			if old.Digest == next.Digest {
				continue
			}
			log.Printf("policy: reloaded, digest %.12s -> %.12s", old.Digest, next.Digest)
			if onSwap != nil {
				onSwap(old, next)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("policy: watcher error: %v", err)
		}
	}
}
