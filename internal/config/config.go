package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Bus contains signal bus tuning.
type Bus struct {
	DeliveryLogCapacity   int `toml:"delivery_log_capacity"`
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
	RollcallWindowSeconds int `toml:"rollcall_window_seconds"`
}

// Evidence contains evidence ledger settings.
type Evidence struct {
	// RulesPath points at a YAML classification rule file. Empty selects the
	// built-in rule set.
	RulesPath string `toml:"rules_path"`
	// Dedupe returns the existing evidence id when identical content is
	// ingested twice into the same case.
	Dedupe bool `toml:"dedupe"`
}

// Repair contains priority repair queue limits.
type Repair struct {
	MaxItems         int `toml:"max_items"`
	SoftCap          int `toml:"soft_cap"`
	RetentionSeconds int `toml:"retention_seconds"`
}

// Orchestrator contains section ordering and wait settings.
type Orchestrator struct {
	NeedTimeoutSeconds int    `toml:"need_timeout_seconds"`
	FirstSection       string `toml:"first_section"`
	FinalSection       string `toml:"final_section"`
}

// Section describes one section processor.
type Section struct {
	ID                  string   `toml:"id"`
	Required            bool     `toml:"required"`
	Types               []string `toml:"types"`
	MandatoryTypes      []string `toml:"mandatory_types"`
	Tags                []string `toml:"tags"`
	MaxReruns           int      `toml:"max_reruns"`
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
	Tools               []string `toml:"tools"`
	// Schema is a JSON schema file path. Empty selects the built-in schema.
	Schema string `toml:"schema"`
}

// Authorization maps operation names to the operators allowed to run them.
type Authorization struct {
	Operators map[string][]string `toml:"operators"`
}

// Notifications contains ntfy push settings. An empty topic disables them.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for dossier.
//
// Configuration sections by subsystem:
//   - Paths: data (manifests, journal, lock) and log directories
//   - Bus: delivery journal size, request timeout, rollcall throttle window
//   - Evidence: classification rule file and de-duplication
//   - Repair: repair queue capacity, soft cap, and retention
//   - Orchestrator: evidence wait timeout and section ordering
//   - Sections: per-section filters, fallback tools, and thresholds
//   - Authorization: operator allow-list per operation
//   - Notifications: ntfy topic for frozen, blocked, and repair alerts
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Bus           Bus           `toml:"bus"`
	Evidence      Evidence      `toml:"evidence"`
	Repair        Repair        `toml:"repair"`
	Orchestrator  Orchestrator  `toml:"orchestrator"`
	Sections      []Section     `toml:"sections"`
	Authorization Authorization `toml:"authorization"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Explicit [[sections]] replace the defaults rather than merging by index.
		cfg.Sections = nil
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Sections) == 0 {
			cfg.Sections = defaultSections()
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("dossier.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.CasesDir(), c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CasesDir is the root for per-case manifest directories.
func (c *Config) CasesDir() string {
	return filepath.Join(c.Paths.DataDir, "cases")
}

// JournalPath is the sqlite journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.DataDir, "journal.db")
}

// LockPath is the single-runner lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "dossier.lock")
}

// RequestTimeout is the default bus request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Bus.RequestTimeoutSeconds) * time.Second
}

// RollcallWindow is the minimum spacing between honored rollcalls to one target.
func (c *Config) RollcallWindow() time.Duration {
	return time.Duration(c.Bus.RollcallWindowSeconds) * time.Second
}

// NeedTimeout bounds how long a section waits for evidence.
func (c *Config) NeedTimeout() time.Duration {
	return time.Duration(c.Orchestrator.NeedTimeoutSeconds) * time.Second
}

// NotifyTimeout bounds one ntfy request.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeoutSeconds) * time.Second
}

// RepairRetention is the age after which repair items may be evicted.
func (c *Config) RepairRetention() time.Duration {
	return time.Duration(c.Repair.RetentionSeconds) * time.Second
}

// Section returns the section configuration for id.
func (c *Config) Section(id string) (Section, bool) {
	for _, section := range c.Sections {
		if section.ID == id {
			return section, true
		}
	}
	return Section{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
