package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRepair(); err != nil {
		return err
	}
	if err := c.validateSections(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	return ensurePositiveMap(map[string]int{
		"bus.delivery_log_capacity":         c.Bus.DeliveryLogCapacity,
		"bus.request_timeout_seconds":       c.Bus.RequestTimeoutSeconds,
		"bus.rollcall_window_seconds":       c.Bus.RollcallWindowSeconds,
		"orchestrator.need_timeout_seconds": c.Orchestrator.NeedTimeoutSeconds,
	})
}

func (c *Config) validateRepair() error {
	if c.Repair.SoftCap > c.Repair.MaxItems {
		return errors.New("repair.soft_cap must not exceed repair.max_items")
	}
	return nil
}

func (c *Config) validateSections() error {
	if len(c.Sections) == 0 {
		return errors.New("at least one [[sections]] entry is required")
	}
	seen := make(map[string]struct{}, len(c.Sections))
	for i, section := range c.Sections {
		if section.ID == "" {
			return fmt.Errorf("sections[%d].id must be set", i)
		}
		if _, dup := seen[section.ID]; dup {
			return fmt.Errorf("sections[%d].id %q is duplicated", i, section.ID)
		}
		seen[section.ID] = struct{}{}
		if len(section.Tools) == 0 {
			return fmt.Errorf("sections[%s].tools must include at least one extractor", section.ID)
		}
		if section.MaxReruns < 0 {
			return fmt.Errorf("sections[%s].max_reruns must be zero or positive", section.ID)
		}
		if section.ConfidenceThreshold < 0 || section.ConfidenceThreshold > 1 {
			return fmt.Errorf("sections[%s].confidence_threshold must be between 0 and 1", section.ID)
		}
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	first, final := c.Orchestrator.FirstSection, c.Orchestrator.FinalSection
	if first != "" {
		if _, ok := c.Section(first); !ok {
			return fmt.Errorf("orchestrator.first_section %q is not a configured section", first)
		}
	}
	if final != "" {
		section, ok := c.Section(final)
		if !ok {
			return fmt.Errorf("orchestrator.final_section %q is not a configured section", final)
		}
		if !section.Required {
			return fmt.Errorf("orchestrator.final_section %q must be required", final)
		}
	}
	if first != "" && first == final {
		return errors.New("orchestrator.first_section and orchestrator.final_section must differ")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
