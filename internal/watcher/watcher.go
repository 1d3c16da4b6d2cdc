package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"finsight-rag/internal/ingest"
)

const defaultSettle = 500 * time.Millisecond

// Ingester is the part of the ingest pipeline the watcher drives.
type Ingester interface {
	File(ctx context.Context, path string) (ingest.Result, error)
}

// Watcher ingests files dropped into a directory. A file is ingested once,
// after it has stopped changing for the settle delay; the index is
// append-only so later writes to a successfully ingested path are ignored.
// A failed ingest is retried on the next write.
type Watcher struct {
	watcher    *fsnotify.Watcher
	ingester   Ingester
	extensions map[string]bool
	settle     time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    map[string]bool
	wg      sync.WaitGroup

	results chan ingest.Result
}

type Option func(*Watcher)

func WithSettleDelay(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// WithResults delivers the outcome of every successful ingest on ch.
func WithResults(ch chan ingest.Result) Option {
	return func(w *Watcher) { w.results = ch }
}

func New(ingester Ingester, extensions []string, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:    fw,
		ingester:   ingester,
		extensions: make(map[string]bool, len(extensions)),
		settle:     defaultSettle,
		pending:    make(map[string]*time.Timer),
		done:       make(map[string]bool),
	}
	for _, ext := range extensions {
		w.extensions[strings.ToLower(ext)] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches dir until ctx is cancelled, then waits for in-flight ingests.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	log.Info().Str("dir", dir).Msg("Watching inbox")

	defer w.wg.Wait()
	defer w.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.watched(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("Watcher error")
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) watched(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(base))]
}

// schedule (re)starts the settle timer for path
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		// a timer that already fired is about to ingest the file
		if t.Stop() {
			t.Reset(w.settle)
		}
		return
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.ingest(ctx, path)
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.done[path] || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.done[path] = true
	w.mu.Unlock()

	res, err := w.ingester.File(ctx, path)
	if err != nil {
		// the next change to the file retries it
		w.mu.Lock()
		delete(w.done, path)
		w.mu.Unlock()
		log.Error().Err(err).Str("path", path).Msg("Auto-ingest failed")
		return
	}
	if w.results != nil {
		select {
		case w.results <- res:
		case <-ctx.Done():
		}
	}
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}
