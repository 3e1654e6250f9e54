package config

const (
	defaultConfigPath            = "~/.config/dossier/config.toml"
	defaultDataDir               = "~/.local/share/dossier"
	defaultLogDir                = "~/.local/share/dossier/logs"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultDeliveryLogCapacity   = 512
	defaultRequestTimeoutSeconds = 30
	defaultRollcallWindowSeconds = 30
	defaultRepairMaxItems        = 1000
	defaultRepairSoftCap         = 800
	defaultRepairRetention       = 3600
	defaultNeedTimeoutSeconds    = 30
	defaultMaxReruns             = 3
	defaultConfidenceThreshold   = 0.80
	defaultFirstSection          = "intake"
	defaultFinalSection          = "assembly"
	defaultNotifyTimeoutSeconds  = 10
)

// Operations that require an explicit operator allow-list entry.
const (
	OpCaseStart       = "case.start"
	OpCaseReset       = "case.reset"
	OpSectionOverride = "section.override"
	OpSectionCancel   = "section.cancel"
	OpSectionRevise   = "section.revise"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Bus: Bus{
			DeliveryLogCapacity:   defaultDeliveryLogCapacity,
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
			RollcallWindowSeconds: defaultRollcallWindowSeconds,
		},
		Evidence: Evidence{
			Dedupe: true,
		},
		Repair: Repair{
			MaxItems:         defaultRepairMaxItems,
			SoftCap:          defaultRepairSoftCap,
			RetentionSeconds: defaultRepairRetention,
		},
		Orchestrator: Orchestrator{
			NeedTimeoutSeconds: defaultNeedTimeoutSeconds,
			FirstSection:       defaultFirstSection,
			FinalSection:       defaultFinalSection,
		},
		Sections: defaultSections(),
		Authorization: Authorization{
			Operators: map[string][]string{
				OpCaseStart:       {"admin", "analyst"},
				OpCaseReset:       {"admin"},
				OpSectionOverride: {"admin"},
				OpSectionCancel:   {"admin"},
				OpSectionRevise:   {"admin"},
			},
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNotifyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func defaultSections() []Section {
	return []Section{
		{
			ID:                  "intake",
			Required:            true,
			MaxReruns:           defaultMaxReruns,
			ConfidenceThreshold: defaultConfidenceThreshold,
			Tools:               []string{"metadata"},
		},
		{
			ID:                  "parties",
			Required:            true,
			Types:               []string{"contract", "identity"},
			MaxReruns:           defaultMaxReruns,
			ConfidenceThreshold: defaultConfidenceThreshold,
			Tools:               []string{"metadata"},
		},
		{
			ID:                  "timeline",
			Required:            false,
			Types:               []string{"correspondence", "log"},
			MaxReruns:           defaultMaxReruns,
			ConfidenceThreshold: defaultConfidenceThreshold,
			Tools:               []string{"metadata"},
		},
		{
			ID:                  "assembly",
			Required:            true,
			MaxReruns:           defaultMaxReruns,
			ConfidenceThreshold: defaultConfidenceThreshold,
			Tools:               []string{"metadata"},
		},
	}
}
