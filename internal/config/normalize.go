package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeEvidence(); err != nil {
		return err
	}
	c.normalizeBus()
	c.normalizeRepair()
	c.normalizeOrchestrator()
	if err := c.normalizeSections(); err != nil {
		return err
	}
	c.normalizeAuthorization()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" || c.Paths.DataDir == defaultDataDir {
		if value, ok := os.LookupEnv("DOSSIER_DATA_DIR"); ok && strings.TrimSpace(value) != "" {
			c.Paths.DataDir = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeEvidence() error {
	c.Evidence.RulesPath = strings.TrimSpace(c.Evidence.RulesPath)
	if c.Evidence.RulesPath == "" {
		return nil
	}
	var err error
	if c.Evidence.RulesPath, err = expandPath(c.Evidence.RulesPath); err != nil {
		return fmt.Errorf("evidence.rules_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeBus() {
	if c.Bus.DeliveryLogCapacity <= 0 {
		c.Bus.DeliveryLogCapacity = defaultDeliveryLogCapacity
	}
	if c.Bus.RequestTimeoutSeconds <= 0 {
		c.Bus.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.Bus.RollcallWindowSeconds <= 0 {
		c.Bus.RollcallWindowSeconds = defaultRollcallWindowSeconds
	}
}

func (c *Config) normalizeRepair() {
	if c.Repair.MaxItems <= 0 {
		c.Repair.MaxItems = defaultRepairMaxItems
	}
	if c.Repair.SoftCap <= 0 {
		c.Repair.SoftCap = c.Repair.MaxItems * 4 / 5
	}
	if c.Repair.RetentionSeconds <= 0 {
		c.Repair.RetentionSeconds = defaultRepairRetention
	}
}

func (c *Config) normalizeOrchestrator() {
	if c.Orchestrator.NeedTimeoutSeconds <= 0 {
		c.Orchestrator.NeedTimeoutSeconds = defaultNeedTimeoutSeconds
	}
	c.Orchestrator.FirstSection = strings.TrimSpace(c.Orchestrator.FirstSection)
	c.Orchestrator.FinalSection = strings.TrimSpace(c.Orchestrator.FinalSection)
}

func (c *Config) normalizeSections() error {
	for i := range c.Sections {
		section := &c.Sections[i]
		section.ID = strings.TrimSpace(section.ID)
		section.Types = normalizeList(section.Types)
		section.MandatoryTypes = normalizeList(section.MandatoryTypes)
		section.Tags = normalizeList(section.Tags)
		if section.MaxReruns < 0 {
			section.MaxReruns = 0
		}
		if section.ConfidenceThreshold == 0 {
			section.ConfidenceThreshold = defaultConfidenceThreshold
		}
		tools := make([]string, 0, len(section.Tools))
		for _, tool := range section.Tools {
			if trimmed := strings.TrimSpace(tool); trimmed != "" {
				tools = append(tools, trimmed)
			}
		}
		section.Tools = tools
		section.Schema = strings.TrimSpace(section.Schema)
		if section.Schema != "" {
			expanded, err := expandPath(section.Schema)
			if err != nil {
				return fmt.Errorf("sections[%s].schema: %w", section.ID, err)
			}
			section.Schema = expanded
		}
	}
	return nil
}

func (c *Config) normalizeAuthorization() {
	if c.Authorization.Operators == nil {
		c.Authorization.Operators = map[string][]string{}
	}
	for op, operators := range c.Authorization.Operators {
		trimmed := make([]string, 0, len(operators))
		for _, name := range operators {
			if name = strings.TrimSpace(name); name != "" {
				trimmed = append(trimmed, name)
			}
		}
		c.Authorization.Operators[op] = trimmed
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNotifyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// normalizeList lowercases, trims, and de-duplicates while preserving order.
func normalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		normalized := strings.ToLower(strings.TrimSpace(value))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
