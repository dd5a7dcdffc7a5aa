package sources

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/executor"
)

// DefaultDebounce is the quiet period after which changed source files are
// reported together.
const DefaultDebounce = 100 * time.Millisecond

// dirWatcher reports changed files in a set of source directories. The
// fsnotify events are read on a background goroutine and handed to the
// session executor, where changes are coalesced until the directories
// have been quiet for the debounce delay.
type dirWatcher struct {
	fsw      *fsnotify.Watcher
	exec     *executor.Executor
	log      *zerolog.Logger
	delay    time.Duration
	onChange func(paths []string)

	// Owned by the executor.
	pending []string
	timer   *executor.Timer

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newDirWatcher(exec *executor.Executor, log *zerolog.Logger, dirs []string, delay time.Duration, onChange func([]string)) (*dirWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err == nil {
			_, err = os.Stat(abs)
		}
		if err == nil {
			err = fsw.Add(abs)
		}
		if err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	if delay <= 0 {
		delay = DefaultDebounce
	}
	w := &dirWatcher{
		fsw:      fsw,
		exec:     exec,
		log:      log,
		delay:    delay,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *dirWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
				!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			name := ev.Name
			if err := w.exec.Execute(func() { w.changed(name) }); err != nil {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("source watch error")
		}
	}
}

// changed runs on the executor.
func (w *dirWatcher) changed(path string) {
	if !slices.Contains(w.pending, path) {
		w.pending = append(w.pending, path)
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.exec.Schedule(w.delay, w.flush)
}

func (w *dirWatcher) flush() {
	select {
	case <-w.done:
		return
	default:
	}
	paths := w.pending
	w.pending = nil
	w.timer = nil
	if len(paths) > 0 {
		slices.Sort(paths)
		w.onChange(paths)
	}
}

// Close stops watching. Changes not yet reported are dropped.
func (w *dirWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.timer != nil {
			w.timer.Stop()
		}
		err = w.fsw.Close()
		w.wg.Wait()
		if errors.Is(err, fsnotify.ErrClosed) {
			err = nil
		}
	})
	return err
}
