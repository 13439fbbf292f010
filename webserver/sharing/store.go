package sharing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mordilloSan/go-logger/logger"
)

// load reads shares.json. A missing file is an empty set.
func load(path string) ([]*Share, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var shares []*Share
	if err := json.Unmarshal(data, &shares); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return shares, nil
}

// save writes every share to cfg.Path. Viewers are not persisted; they
// reattach after a restart.
func (m *Manager) save() {
	if m.cfg.Path == "" {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	data, err := json.MarshalIndent(m.All(), "", "  ")
	if err == nil {
		err = writeAtomic(m.cfg.Path, data)
	}
	if err != nil {
		logger.Warnf("[Sharing] save %s: %v", m.cfg.Path, err)
	}
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
