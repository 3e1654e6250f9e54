// Package notifications pushes case milestones to operators.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled.
// Forwarder subscribes to the signal bus and turns frozen cases, blocked
// required sections, and repair queue warnings into notes, so no component
// calls the notifier directly.
package notifications
