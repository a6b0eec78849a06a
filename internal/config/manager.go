package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manager owns the on-disk gpuwatch.yaml. The dashboard saves through it
// while the refresh loop keeps running, so access is serialized.
type Manager struct {
	mu      sync.RWMutex
	path    string
	current *Config
}

// NewManager opens the configuration under GetConfigDir.
func NewManager() *Manager {
	return NewManagerWithPath(filepath.Join(GetConfigDir(), DefaultConfigFile))
}

// NewManagerWithPath opens the configuration at path, typically from -c.
func NewManagerWithPath(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) GetConfigPath() string {
	return m.path
}

// Load reads the file. A missing file is not an error: the defaults are
// written out so the user has something to edit.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := DefaultConfig()

	data, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		if err := m.write(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// 文件里没写的字段保留默认值
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", m.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m.current = cfg
	return cfg, nil
}

// Save validates cfg and replaces the file with it.
func (m *Manager) Save(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.write(cfg)
}

// Update applies fn to a copy of the loaded configuration and saves the
// result. The file is left alone when fn produces an invalid config.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.copyLocked()
	fn(cfg)
	return m.write(cfg)
}

// write 先写临时文件再 rename，避免保存一半时留下损坏的配置
func (m *Manager) write(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := EnsureConfigDir(filepath.Dir(m.path)); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", m.path, err)
	}

	m.current = cfg
	return nil
}

// Get returns a private copy of the loaded configuration, or the defaults
// before the first Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.copyLocked()
}

func (m *Manager) copyLocked() *Config {
	if m.current == nil {
		return DefaultConfig()
	}
	cfg := *m.current
	cfg.Devices = append([]DeviceConfig(nil), m.current.Devices...)
	return &cfg
}
