// Package config loads daemon configuration, merging a per-user
// settings file with a per-project override: project overrides user
// overrides built-in default, field by field.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/thrashr888/agentkernel/internal/logger"
)

// PoolKeyConfig is the warm-pool sizing; the single Pool block is
// applied to every (backend, runtime) key alike.
type PoolKeyConfig struct {
	MinWarm    int `json:"min_warm,omitempty" yaml:"min_warm,omitempty"`
	MaxWarm    int `json:"max_warm,omitempty" yaml:"max_warm,omitempty"`
	InUseLimit int `json:"in_use_limit,omitempty" yaml:"in_use_limit,omitempty"`
}

// Config is the full set of daemon-tunable values. All fields are
// omitempty so a settings file only needs to mention overrides.
type Config struct {
	SocketPath      string        `json:"socket_path,omitempty" yaml:"socket_path,omitempty"`
	AuditPath       string        `json:"audit_path,omitempty" yaml:"audit_path,omitempty"`
	AuditEnabled    *bool         `json:"audit_enabled,omitempty" yaml:"audit_enabled,omitempty"`
	PolicyAuditPath string        `json:"policy_audit_path,omitempty" yaml:"policy_audit_path,omitempty"`
	DefaultProfile  string        `json:"default_profile,omitempty" yaml:"default_profile,omitempty"`
	RootfsCacheDir  string        `json:"rootfs_cache_dir,omitempty" yaml:"rootfs_cache_dir,omitempty"`
	RootfsSizeMB    int           `json:"rootfs_size_mb,omitempty" yaml:"rootfs_size_mb,omitempty"`
	GuestAgentPath  string        `json:"guest_agent_path,omitempty" yaml:"guest_agent_path,omitempty"`
	KernelImagePath string        `json:"kernel_image_path,omitempty" yaml:"kernel_image_path,omitempty"`
	Pool            PoolKeyConfig `json:"pool,omitempty" yaml:"pool,omitempty"`
}

// Manager loads and merges the user/project configuration pair.
type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        &Config{},
	}
}

// Load reads settings.json (falling back to settings.yaml) from
// userConfigDir and from <projectDir>/.agentkernel, then merges them.
// A missing file at either location is not an error — it just leaves
// that layer empty.
func (m *Manager) Load(userConfigDir, projectDir string) error {
	if err := m.loadLayer(userConfigDir, m.userConfig); err != nil {
		return err
	}
	if err := m.loadLayer(filepath.Join(projectDir, ".agentkernel"), m.projectConfig); err != nil {
		return err
	}
	m.mergeConfigs()
	return nil
}

func (m *Manager) loadLayer(dir string, cfg *Config) error {
	if err := loadFile(filepath.Join(dir, "settings.json"), cfg, json.Unmarshal); err != nil {
		return err
	}
	if cfg.SocketPath == "" && cfg.AuditPath == "" && cfg.DefaultProfile == "" {
		// JSON layer was empty; try the YAML alternate.
		if err := loadFile(filepath.Join(dir, "settings.yaml"), cfg, yaml.Unmarshal); err != nil {
			return err
		}
	}
	return nil
}

func loadFile(path string, cfg *Config, unmarshal func([]byte, any) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return unmarshal(data, cfg)
}

func (m *Manager) mergeConfigs() {
	m.merged = &Config{
		SocketPath:      firstNonEmpty(m.projectConfig.SocketPath, m.userConfig.SocketPath, defaultSocketPath()),
		AuditPath:       firstNonEmpty(m.projectConfig.AuditPath, m.userConfig.AuditPath, ""),
		AuditEnabled:    firstBoolPtr(m.projectConfig.AuditEnabled, m.userConfig.AuditEnabled, true),
		PolicyAuditPath: firstNonEmpty(m.projectConfig.PolicyAuditPath, m.userConfig.PolicyAuditPath, ""),
		DefaultProfile:  firstNonEmpty(m.projectConfig.DefaultProfile, m.userConfig.DefaultProfile, "moderate"),
		RootfsCacheDir:  firstNonEmpty(m.projectConfig.RootfsCacheDir, m.userConfig.RootfsCacheDir, ""),
		RootfsSizeMB:    firstNonZeroInt(m.projectConfig.RootfsSizeMB, m.userConfig.RootfsSizeMB, 256),
		GuestAgentPath:  firstNonEmpty(m.projectConfig.GuestAgentPath, m.userConfig.GuestAgentPath, ""),
		KernelImagePath: firstNonEmpty(m.projectConfig.KernelImagePath, m.userConfig.KernelImagePath, ""),
		Pool: PoolKeyConfig{
			MinWarm:    firstNonZeroInt(m.projectConfig.Pool.MinWarm, m.userConfig.Pool.MinWarm, 3),
			MaxWarm:    firstNonZeroInt(m.projectConfig.Pool.MaxWarm, m.userConfig.Pool.MaxWarm, 5),
			InUseLimit: firstNonZeroInt(m.projectConfig.Pool.InUseLimit, m.userConfig.Pool.InUseLimit, 2),
		},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstBoolPtr(project, user *bool, def bool) *bool {
	if project != nil {
		return project
	}
	if user != nil {
		return user
	}
	return &def
}

func (m *Manager) Get() *Config {
	return m.merged
}

// SaveUserConfig writes the in-memory user layer back to disk.
func (m *Manager) SaveUserConfig(userConfigDir string) error {
	if err := os.MkdirAll(userConfigDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userConfigDir, "settings.json"), data, 0o644)
}

// Watch reloads the merged config whenever either settings file
// changes on disk; later Get calls return the reloaded values. Values
// a caller already read (the daemon reads pool sizing and the default
// profile once at startup) are not updated. It runs until stopCh is
// closed.
func (m *Manager) Watch(userConfigDir, projectDir string, stopCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	projectConfigDir := filepath.Join(projectDir, ".agentkernel")
	for _, dir := range []string{userConfigDir, projectConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return err
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stopCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isSettingsFile(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.Load(userConfigDir, projectDir); err != nil {
					logger.Warn("failed to reload config after change", "file", event.Name, "error", err)
					continue
				}
				logger.Info("reloaded config", "file", event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

func isSettingsFile(path string) bool {
	base := filepath.Base(path)
	return base == "settings.json" || base == "settings.yaml"
}
