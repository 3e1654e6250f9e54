package testsupport

import (
	"path/filepath"
	"testing"

	"dossier/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Logging.Level = "debug"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return builder.cfg
}

// WithSections replaces the configured sections and ordering designations.
func WithSections(first, final string, sections ...config.Section) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sections = sections
		b.cfg.Orchestrator.FirstSection = first
		b.cfg.Orchestrator.FinalSection = final
	}
}

// WithNeedTimeout overrides the evidence wait, in seconds.
func WithNeedTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.NeedTimeoutSeconds = seconds
	}
}

// WithRulesFile points the ledger at a YAML rule file.
func WithRulesFile(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Evidence.RulesPath = path
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
