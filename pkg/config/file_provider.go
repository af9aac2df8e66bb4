package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

// Update carries the result of reloading one watched file.
type Update struct {
	Path   string
	Config *Config
	Err    error
}

// FileProvider reloads a set of settings files whenever they change on disk
// and publishes the result to its subscribers.
type FileProvider struct {
	paths   map[string]struct{}
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers []chan Update
	timers      map[string]*time.Timer

	reload chan string
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFileProvider starts watching the given files. Parent directories are
// watched so editors that replace files atomically are picked up.
func NewFileProvider(paths []string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	p := &FileProvider{
		paths:   make(map[string]struct{}, len(paths)),
		watcher: watcher,
		logger:  logger,
		timers:  make(map[string]*time.Timer),
		reload:  make(chan string, 16),
		done:    make(chan struct{}),
	}

	dirs := make(map[string]struct{})
	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		p.paths[absPath] = struct{}{}
		dirs[filepath.Dir(absPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.watchLoop(ctx)

	return p, nil
}

// Subscribe returns a channel that receives reload results. Slow consumers
// miss updates rather than block the watcher.
func (p *FileProvider) Subscribe() <-chan Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Update, 8)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.timers {
		t.Stop()
	}
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-p.reload:
			p.publish(path)
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if _, watched := p.paths[path]; !watched {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				p.schedule(path)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// schedule debounces bursts of events for one path into a single reload.
func (p *FileProvider) schedule(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[path]; ok {
		t.Stop()
	}
	p.timers[path] = time.AfterFunc(debounceDuration, func() {
		select {
		case p.reload <- path:
		case <-p.done:
		}
	})
}

func (p *FileProvider) publish(path string) {
	cfg, err := Load(path)
	if err != nil {
		p.logger.Warn("Config reload failed", "path", path, "error", err)
	} else {
		p.logger.Info("Configuration reloaded", "path", path, "pipeline_id", cfg.Pipeline.ID)
	}
	update := Update{Path: path, Config: cfg, Err: err}

	p.mu.Lock()
	subscribers := make([]chan Update, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// Watch reloads the given files until ctx is done, delivering each result
// on the returned channel. The channel is closed when watching stops.
func Watch(ctx context.Context, paths []string, logger *slog.Logger) (<-chan Update, error) {
	provider, err := NewFileProvider(paths, logger)
	if err != nil {
		return nil, err
	}
	updates := provider.Subscribe()
	go func() {
		<-ctx.Done()
		if err := provider.Close(); err != nil {
			provider.logger.Warn("Failed to close config watcher", "error", err)
		}
	}()
	return updates, nil
}
