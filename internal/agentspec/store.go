package agentspec

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Store loads agent definitions from a directory of YAML files and serves
// them by agent id. Files are re-read when the directory changes, so
// definition edits take effect without a restart. Lookups are synchronous
// and never block on I/O.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	specs map[string]*Spec

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore reads every agent definition under dir. Files that fail to
// parse or validate are logged and skipped; an unreadable directory is an
// error.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:    dir,
		logger: logger,
		specs:  make(map[string]*Spec),
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts re-loading definitions on filesystem changes. It returns
// immediately; call Close to stop the watcher.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agentspec: watch %s: %w", s.dir, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("agentspec: watch %s: %w", s.dir, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.Warn("agent definitions reload failed", "dir", s.dir, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("agent definitions watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Get returns the definition for agentID, or false if unknown.
func (s *Store) Get(agentID string) (*Spec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[agentID]
	return spec, ok
}

// Default returns an arbitrary single definition when exactly one agent is
// configured. Single-tenant deployments route every call to it.
func (s *Store) Default() (*Spec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.specs) != 1 {
		return nil, false
	}
	for _, spec := range s.specs {
		return spec, true
	}
	return nil, false
}

// IDs lists the loaded agent ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.specs))
	for id := range s.specs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("agentspec: read %s: %w", s.dir, err)
	}

	specs := make(map[string]*Spec)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		spec, err := loadFile(path)
		if err != nil {
			s.logger.Warn("skipping agent definition", "path", path, "error", err)
			continue
		}
		if _, dup := specs[spec.AgentID]; dup {
			s.logger.Warn("duplicate agent id, keeping first", "agent_id", spec.AgentID, "path", path)
			continue
		}
		specs[spec.AgentID] = spec
	}

	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()

	s.logger.Info("agent definitions loaded", "dir", s.dir, "count", len(specs))
	return nil
}

func loadFile(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
