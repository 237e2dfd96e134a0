package persona

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileDocument is the YAML layout of a persona file:
//
//	personas:
//	  - agent_id: mira
//	    name: Mira
//	    description: You are Mira, a gardening companion.
//	    style: warm
type fileDocument struct {
	Personas []Persona `yaml:"personas"`
}

// FileSource serves personas from a YAML file and reloads it when the file changes.
// A reload that fails to parse keeps the previous snapshot.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	current atomic.Pointer[StaticSource]

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithDebounce sets how long the watcher waits after the last change before reloading.
func WithDebounce(d time.Duration) FileOption {
	return func(s *FileSource) { s.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FileOption {
	return func(s *FileSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileSource loads the file once. Call Watch to enable hot reload.
func NewFileSource(path string, opts ...FileOption) (*FileSource, error) {
	s := &FileSource{
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload parses the file and swaps the snapshot.
func (s *FileSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read persona file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse persona file: %w", err)
	}
	for i, p := range doc.Personas {
		if p.AgentID == "" {
			return fmt.Errorf("persona %d has no agent_id", i)
		}
	}
	s.current.Store(NewStaticSource(doc.Personas...))
	return nil
}

// Persona returns the persona of agentID from the current snapshot.
func (s *FileSource) Persona(ctx context.Context, agentID string) (Persona, error) {
	return s.current.Load().Persona(ctx, agentID)
}

// Watch starts reloading the file on change until ctx is done or Close is called.
// The parent directory is watched so that editors replacing the file are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn("persona reload failed", "path", s.path, "error", err)
				return
			}
			s.logger.Info("persona file reloaded", "path", s.path)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("persona watch error", "error", err)
		}
	}
}

// Close stops watching.
func (s *FileSource) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}
