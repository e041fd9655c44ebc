package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// PolicyStore holds the active Policy and swaps it when the file changes.
// Readers never block.
type PolicyStore struct {
	current  atomic.Pointer[Policy]
	path     string
	logger   *slog.Logger
	onChange func(*Policy)
}

// NewPolicyStore loads the policy at path. An empty path yields a store that
// always returns DefaultPolicy and has nothing to watch.
func NewPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyStore{path: path, logger: logger}
	if path == "" {
		s.current.Store(DefaultPolicy())
		return s, nil
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(p)
	return s, nil
}

// StaticPolicyStore returns a store that always serves p.
func StaticPolicyStore(p *Policy) *PolicyStore {
	s := &PolicyStore{logger: slog.Default()}
	s.current.Store(p)
	return s
}

// Current returns the active policy.
func (s *PolicyStore) Current() *Policy {
	return s.current.Load()
}

// OnChange registers a callback that fires after a successful reload.
// It must be set before Watch is started.
func (s *PolicyStore) OnChange(fn func(*Policy)) {
	s.onChange = fn
}

// Reload re-reads the policy file. On error the active policy is kept.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := LoadPolicy(s.path)
	if err != nil {
		return err
	}
	s.current.Store(p)
	if s.onChange != nil {
		s.onChange(p)
	}
	return nil
}

// Watch reloads the policy whenever its file is written, created or renamed
// into place. It watches the parent directory so that editors and mounted
// config volumes that replace the file atomically are seen. Blocks until ctx
// is done.
func (s *PolicyStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	s.logger.Info("watching policy file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Error("policy reload failed, keeping previous policy", "path", target, "error", err)
				continue
			}
			s.logger.Info("policy reloaded", "path", target, "op", event.Op.String())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher error", "error", err)
		}
	}
}
