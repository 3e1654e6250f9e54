// Package config loads, normalizes, and validates dossier configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the DOSSIER_DATA_DIR environment
// fallback. The Config type centralizes the bus, ledger, orchestrator, and
// repair queue knobs so the runtime and CLI discover them in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
