package airports

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads an override airport file into a Store when it changes.
// A file that fails to parse leaves the current table in place.
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool

	// OnReload is called after each reload attempt. Used by tests.
	OnReload func(err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the file at path.
func NewWatcher(store *Store, path string, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:    store,
		path:     abs,
		debounce: debounce,
		watcher:  fsWatcher,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start loads the file once and begins watching its directory. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if err := w.reload(); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Airport override not loaded, using current table")
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Airport file watcher started")
	return nil
}

// Stop stops watching and cancels any pending reload.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.cancel()
	w.watcher.Close()
	w.wg.Wait()

	log.Info().Msg("Airport file watcher stopped")
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Airport file watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	w.schedule()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.timer = nil
	err := w.reload()
	cb := w.OnReload
	w.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Airport reload failed, keeping previous table")
	}
	if cb != nil {
		cb(err)
	}
}

// reload parses the file and swaps it in. Caller must hold w.mu.
func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	t, err := Parse(data)
	if err != nil {
		return err
	}
	w.store.Replace(t)
	log.Info().Str("path", w.path).Int("airports", t.Len()).Msg("Airport table reloaded")
	return nil
}
