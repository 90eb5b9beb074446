// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives debounced batches of changed entry paths.
type ChangeHandler func(paths []string)

// Watcher reports corpus file changes so callers can invalidate cached
// scans mid-session.
//
// # Description
//
// Watches every tier directory and batches change events over a debounce
// window so that an editor save storm produces one invalidation, not
// hundreds. Only files matching the scanner extensions are reported.
//
// # Thread Safety
//
// Safe for concurrent use. The handler runs on a single goroutine.
type Watcher struct {
	fsw      *fsnotify.Watcher
	handler  ChangeHandler
	cache    *Cache
	exts     []string
	debounce time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// WatchTiers starts watching the given tiers' directories.
//
// Inputs:
//
//	ctx - Cancels the watch loop.
//	tiers - Tier definitions whose directories are watched.
//	cache - Optional scan cache; changed paths are invalidated in it.
//	handler - Called with each debounced batch. May be nil.
//
// Outputs:
//
//	*Watcher - Running watcher. Call Close when done.
//	error - Non-nil if the underlying watcher cannot be created.
func WatchTiers(ctx context.Context, tiers []Tier, cache *Cache, handler ChangeHandler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		handler:  handler,
		cache:    cache,
		exts:     []string{".py"},
		debounce: 200 * time.Millisecond,
		done:     make(chan struct{}),
	}

	for _, t := range tiers {
		if err := fsw.Add(t.Dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch tier %q: %w", t.Name, err)
		}
	}

	go w.loop(ctx)
	return w, nil
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	pending := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
			if w.cache != nil {
				w.cache.Invalidate(p)
			}
		}
		pending = make(map[string]bool)
		slog.Debug("corpus changed", "files", len(paths))
		if w.handler != nil {
			w.handler(paths)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			pending[ev.Name] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			flush()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("corpus watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	ext := filepath.Ext(ev.Name)
	for _, e := range w.exts {
		if ext == e {
			return true
		}
	}
	return false
}
