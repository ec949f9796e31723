package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rowline/rowline/pkg/domain"
)

// PipelineProvider serves the current pipeline definition from a watched file,
// reloading and re-validating it when the file changes. A definition that fails
// validation is logged and dropped; the last good definition stays current.
type PipelineProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *domain.Pipeline
	subscribers []chan *domain.Pipeline
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewPipelineProvider creates a provider watching the given definition file.
func NewPipelineProvider(path string, logger *slog.Logger) (*PipelineProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PipelineProvider{
		path:    absPath,
		logger:  logger,
		watcher: watcher,
		cancel:  cancel,
	}

	if err := p.load(); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, err
	}

	// Watch the directory, not the file: editors and atomic writers replace the
	// file, which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)
	return p, nil
}

// Current returns the most recently loaded valid pipeline.
func (p *PipelineProvider) Current() *domain.Pipeline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel receiving each newly loaded pipeline, starting with
// the current one.
func (p *PipelineProvider) Subscribe() <-chan *domain.Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *domain.Pipeline, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.current
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *PipelineProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *PipelineProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := p.load(); err != nil {
						p.logger.Error("pipeline reload failed, keeping previous definition",
							"path", p.path, "error", err)
						return
					}
					p.logger.Info("pipeline definition reloaded", "path", p.path)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("pipeline watcher error", "error", err)
		}
	}
}

func (p *PipelineProvider) load() error {
	pipeline, err := LoadPipeline(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = pipeline
	subscribers := make([]chan *domain.Pipeline, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- pipeline:
		default:
			// Skip slow consumers; they still see Current on their next read.
		}
	}
	return nil
}
