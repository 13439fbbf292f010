package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type entry struct {
	Data    json.RawMessage `json:"data"`
	Expires time.Time       `json:"expires"`
}

// MemStore keeps sessions in memory only.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	stop    chan struct{}
	once    sync.Once
}

// NewWithCleanupInterval returns a MemStore that drops expired entries every
// interval. A zero interval disables the background sweep.
func NewWithCleanupInterval(interval time.Duration) *MemStore {
	s := &MemStore{entries: make(map[string]entry), stop: make(chan struct{})}
	if interval > 0 {
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					s.sweep(time.Now())
				case <-s.stop:
					return
				}
			}
		}()
	}
	return s
}

func (s *MemStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.Expires) {
			delete(s.entries, k)
		}
	}
}

func (s *MemStore) Find(token string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[token]
	if !ok || time.Now().After(e.Expires) {
		return nil, false, nil
	}
	return e.Data, true, nil
}

func (s *MemStore) Commit(token string, b []byte, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = entry{Data: append([]byte(nil), b...), Expires: expiry}
	return nil
}

func (s *MemStore) Delete(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

func (s *MemStore) All() (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make(map[string][]byte, len(s.entries))
	for k, e := range s.entries {
		if now.After(e.Expires) {
			continue
		}
		out[k] = e.Data
	}
	return out, nil
}

// Close stops the background sweep.
func (s *MemStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

// FileStore persists sessions as one JSON document so they survive a restart.
type FileStore struct {
	MemStore
	path    string
	flushMu sync.Mutex
}

// NewFileStore loads path if it exists. Writes replace the file atomically.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		MemStore: MemStore{entries: make(map[string]entry), stop: make(chan struct{})},
		path:     path,
	}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fs, nil
	case err != nil:
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if err := json.Unmarshal(b, &fs.entries); err != nil {
		return nil, fmt.Errorf("decode session store %s: %w", path, err)
	}
	fs.sweep(time.Now())
	return fs, nil
}

func (fs *FileStore) Commit(token string, b []byte, expiry time.Time) error {
	if err := fs.MemStore.Commit(token, b, expiry); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FileStore) Delete(token string) error {
	if err := fs.MemStore.Delete(token); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FileStore) flush() error {
	fs.flushMu.Lock()
	defer fs.flushMu.Unlock()
	fs.mu.RLock()
	b, err := json.Marshal(fs.entries)
	fs.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
