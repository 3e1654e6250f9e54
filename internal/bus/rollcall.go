package bus

import (
	"context"

	"golang.org/x/time/rate"

	"dossier/internal/services"
)

// Rollcall sends a ROLLCALL status request to target. A request within the
// rollcall window of the last honored one to the same target is rejected with
// ErrThrottled and logged, never escalated.
func (b *Bus) Rollcall(ctx context.Context, target, sender string) (DeliveryResult, error) {
	result, err := b.Publish(ctx, Signal{
		Topic:     TopicStatusRollcall,
		Sender:    sender,
		Target:    target,
		RadioCode: RadioRollcall,
		Message:   "status rollcall",
	})
	if err != nil {
		return result, err
	}
	if result.Throttled {
		return result, services.Wrap(services.ErrThrottled, component, "rollcall", "rollcall to "+target+" within window", nil)
	}
	return result, nil
}

func (b *Bus) allowRollcall(target string) bool {
	b.rollcallMu.Lock()
	defer b.rollcallMu.Unlock()
	limiter, ok := b.limiters[target]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(b.rollcallWindow), 1)
		b.limiters[target] = limiter
	}
	return limiter.AllowN(b.clock(), 1)
}
