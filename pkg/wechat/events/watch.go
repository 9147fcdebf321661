package events

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// PatternWatcher reloads a pattern file whenever it changes on disk.
type PatternWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Patterns)
	log      zerolog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// WatchPatterns starts watching path. onChange is called from the watcher
// goroutine with every successfully parsed version of the file; parse errors
// are logged and the previous patterns stay in effect.
func WatchPatterns(path string, log zerolog.Logger, onChange func(*Patterns)) (*PatternWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pattern file path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory since editors usually replace the file on save.
	if err = watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch pattern directory: %w", err)
	}
	pw := &PatternWatcher{
		path:     absPath,
		watcher:  watcher,
		onChange: onChange,
		log:      log.With().Str("component", "pattern_watcher").Str("path", absPath).Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go pw.loop()
	return pw, nil
}

func (pw *PatternWatcher) loop() {
	defer close(pw.done)
	for {
		select {
		case evt, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != pw.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			pw.reload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn().Err(err).Msg("Pattern file watcher error")
		case <-pw.stopChan:
			return
		}
	}
}

func (pw *PatternWatcher) reload() {
	patterns, err := LoadPatterns(pw.path)
	if err != nil {
		pw.log.Warn().Err(err).Msg("Failed to reload pattern file, keeping previous patterns")
		return
	}
	pw.log.Info().Msg("Reloaded pattern file")
	pw.onChange(patterns)
}

// Stop stops the watcher and waits for its goroutine to exit.
func (pw *PatternWatcher) Stop() {
	pw.stopOnce.Do(func() {
		close(pw.stopChan)
		_ = pw.watcher.Close()
	})
	<-pw.done
}
