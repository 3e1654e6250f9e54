package ecosystem

import (
	"slices"
	"strings"

	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/internal/services"
)

var destructiveOps = []string{config.OpCaseReset, config.OpSectionOverride, config.OpSectionCancel, config.OpSectionRevise}

// Authorize reports whether requester may run operation. Operations with a
// configured allow-list admit only its members; destructive operations
// without one admit nobody; anything else admits any named requester.
func (c *Controller) Authorize(operation, requester string) bool {
	requester = strings.ToLower(strings.TrimSpace(requester))
	if requester == "" {
		return false
	}
	if allowed, ok := c.operators[operation]; ok {
		return slices.Contains(allowed, requester)
	}
	return !slices.Contains(destructiveOps, operation)
}

// Check is Authorize returning an ErrUnauthorized error on rejection.
func (c *Controller) Check(operation, requester string) error {
	if c.Authorize(operation, requester) {
		return nil
	}
	logging.WarnWithContext(c.logger, "operation rejected", "authorization_denied",
		logging.String(logging.FieldErrorHint, "add the operator to [authorization.operators] in config"),
		logging.String("operation", operation),
		logging.String("requester", requester),
	)
	return services.Wrap(services.ErrUnauthorized, component, operation, "operator "+requester+" may not run "+operation, nil)
}
