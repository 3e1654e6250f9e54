package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dossier/internal/logging"
	"dossier/internal/services"
)

const component = "signal-bus"

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRollcallWindow = 30 * time.Second
)

// Handler processes one signal. A non-nil payload is collected as a reply.
type Handler func(ctx context.Context, sig Signal) (map[string]any, error)

// Subscription identifies a registered handler.
type Subscription struct {
	ID    uint64
	Topic Topic
	Name  string
}

type subscription struct {
	Subscription
	handler Handler
}

// Options configures a Bus.
type Options struct {
	Logger          *slog.Logger
	JournalCapacity int
	RequestTimeout  time.Duration
	RollcallWindow  time.Duration
	Clock           func() time.Time
	Sink            DeliverySink
}

// Bus is a thread-safe synchronous publish/subscribe hub.
type Bus struct {
	logger         *slog.Logger
	clock          func() time.Time
	requestTimeout time.Duration
	rollcallWindow time.Duration

	mu       sync.RWMutex
	subs     map[Topic][]subscription
	defaults map[Topic]Handler
	nextID   uint64

	journal *deliveryJournal

	rollcallMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a bus.
func New(opts Options) *Bus {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	rollcallWindow := opts.RollcallWindow
	if rollcallWindow <= 0 {
		rollcallWindow = defaultRollcallWindow
	}
	return &Bus{
		logger:         logging.NewComponentLogger(opts.Logger, component),
		clock:          clock,
		requestTimeout: requestTimeout,
		rollcallWindow: rollcallWindow,
		subs:           make(map[Topic][]subscription),
		defaults:       make(map[Topic]Handler),
		journal:        newDeliveryJournal(opts.JournalCapacity, opts.Sink),
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Subscribe registers a named handler for topic. Handlers run in
// registration order.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) (Subscription, error) {
	if err := validateTopic(topic); err != nil {
		return Subscription{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Subscription{}, services.Wrap(services.ErrValidation, component, "subscribe", "subscriber name is empty", nil)
	}
	if handler == nil {
		return Subscription{}, services.Wrap(services.ErrValidation, component, "subscribe", "handler is nil", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{
		Subscription: Subscription{ID: b.nextID, Topic: topic, Name: name},
		handler:      handler,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub.Subscription, nil
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[sub.Topic]
	for i, existing := range current {
		if existing.ID == sub.ID {
			next := make([]subscription, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			b.subs[sub.Topic] = next
			return
		}
	}
}

// RegisterDefault installs the fallback handler for topic, replacing any
// previous default. It only runs when no specific handler matches.
func (b *Bus) RegisterDefault(topic Topic, handler Handler) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if handler == nil {
		return services.Wrap(services.ErrValidation, component, "register_default", "handler is nil", nil)
	}
	b.mu.Lock()
	b.defaults[topic] = handler
	b.mu.Unlock()
	return nil
}

// Publish delivers sig synchronously to every matching subscriber. Handler
// failures are contained and reported in the result; the returned error is
// reserved for invalid envelopes.
func (b *Bus) Publish(ctx context.Context, sig Signal) (DeliveryResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateTopic(sig.Topic); err != nil {
		return DeliveryResult{}, err
	}
	sig = b.stamp(sig)
	result := DeliveryResult{SignalID: sig.ID, Topic: sig.Topic}

	if sig.RadioCode == RadioRollcall && !b.allowRollcall(sig.Target) {
		result.Throttled = true
		b.logger.Info("rollcall throttled",
			logging.String(logging.FieldEventType, "rollcall_throttled"),
			logging.String(logging.FieldSignalID, sig.ID),
			logging.String("target", sig.Target),
			logging.String(logging.FieldSender, sig.Sender),
		)
		b.journal.record(sig, result, nil, b.clock())
		return result, nil
	}

	handlers, names, defaulted := b.route(sig)
	result.Defaulted = defaulted
	if len(handlers) == 0 {
		result.Unhandled = true
		b.logger.Info("signal unhandled",
			logging.String(logging.FieldEventType, "signal_unhandled"),
			logging.String(logging.FieldTopic, string(sig.Topic)),
			logging.String(logging.FieldSignalID, sig.ID),
			logging.String(logging.FieldSender, sig.Sender),
		)
		b.journal.record(sig, result, nil, b.clock())
		return result, nil
	}

	for i, handler := range handlers {
		payload, failure := b.invoke(ctx, names[i], handler, sig)
		if failure != nil {
			result.Failures = append(result.Failures, *failure)
			continue
		}
		result.Delivered++
		if payload != nil {
			result.Replies = append(result.Replies, Reply{SignalID: sig.ID, Responder: names[i], Payload: payload})
		}
	}
	b.journal.record(sig, result, names, b.clock())
	return result, nil
}

// Request publishes sig expecting an answer and returns the first reply.
// The wait is bounded by sig.Timeout, or the bus default when unset.
func (b *Bus) Request(ctx context.Context, sig Signal) (Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateTopic(sig.Topic); err != nil {
		return Reply{}, err
	}
	sig.ResponseExpected = true
	if sig.Timeout <= 0 {
		sig.Timeout = b.requestTimeout
	}
	sig = b.stamp(sig)

	waitCtx, cancel := context.WithTimeout(ctx, sig.Timeout)
	defer cancel()

	type outcome struct {
		result DeliveryResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := b.Publish(waitCtx, sig)
		done <- outcome{result: result, err: err}
	}()

	timedOut := func() (Reply, error) {
		b.logger.Warn("request timed out",
			logging.String(logging.FieldEventType, "request_timeout"),
			logging.String(logging.FieldErrorHint, "check the responder for "+string(sig.Topic)),
			logging.String(logging.FieldTopic, string(sig.Topic)),
			logging.String(logging.FieldSignalID, sig.ID),
			logging.Duration("timeout", sig.Timeout),
		)
		return Reply{SignalID: sig.ID}, services.Wrap(services.ErrTimeout, component, "request",
			fmt.Sprintf("%s after %s", sig.Topic, sig.Timeout), waitCtx.Err())
	}

	select {
	case out := <-done:
		if out.err != nil {
			return Reply{}, out.err
		}
		if len(out.result.Replies) == 0 {
			// A responder that gave up on the expired context is a timeout.
			if ctx.Err() == nil && waitCtx.Err() != nil {
				return timedOut()
			}
			message := fmt.Sprintf("no reply to %s", sig.Topic)
			if out.result.Failed() > 0 {
				message = fmt.Sprintf("%s (%d handler failures)", message, out.result.Failed())
			}
			return Reply{SignalID: sig.ID}, services.Wrap(services.ErrNotFound, component, "request", message, nil)
		}
		return out.result.Replies[0], nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return Reply{SignalID: sig.ID}, ctx.Err()
		}
		return timedOut()
	}
}

func (b *Bus) stamp(sig Signal) Signal {
	sig = sig.clone()
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = b.clock().UTC()
	}
	return sig
}

// route snapshots the handlers for sig under the read lock so delivery runs
// without holding the registry.
func (b *Bus) route(sig Signal) ([]Handler, []string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var handlers []Handler
	var names []string
	for _, sub := range b.subs[sig.Topic] {
		if sig.Target != "" && sig.Target != "*" && sub.Name != sig.Target {
			continue
		}
		handlers = append(handlers, sub.handler)
		names = append(names, sub.Name)
	}
	if len(handlers) > 0 {
		return handlers, names, false
	}
	if fallback, ok := b.defaults[sig.Topic]; ok {
		return []Handler{fallback}, []string{"default"}, true
	}
	return nil, nil, false
}

func (b *Bus) invoke(ctx context.Context, name string, handler Handler, sig Signal) (payload map[string]any, failure *HandlerFailure) {
	defer func() {
		if recovered := recover(); recovered != nil {
			payload = nil
			failure = &HandlerFailure{Subscriber: name, Err: fmt.Sprint(recovered), Panicked: true}
			logging.ErrorWithContext(b.logger, "signal handler panicked", "handler_panic",
				logging.String(logging.FieldTopic, string(sig.Topic)),
				logging.String(logging.FieldSignalID, sig.ID),
				logging.String(logging.FieldSender, sig.Sender),
				logging.String("subscriber", name),
				logging.Any("panic", recovered),
				logging.String("stack", string(debug.Stack())),
			)
		}
	}()
	payload, err := handler(ctx, sig)
	if err != nil {
		details := services.Details(err)
		logging.WarnWithContext(b.logger, "signal handler failed", "handler_failed",
			logging.String(logging.FieldTopic, string(sig.Topic)),
			logging.String(logging.FieldSignalID, sig.ID),
			logging.String(logging.FieldSender, sig.Sender),
			logging.String("subscriber", name),
			logging.String(logging.FieldErrorKind, details.Kind),
			logging.String(logging.FieldImpact, "remaining subscribers still receive the signal"),
			logging.Error(err),
		)
		return nil, &HandlerFailure{Subscriber: name, Err: err.Error()}
	}
	return payload, nil
}
