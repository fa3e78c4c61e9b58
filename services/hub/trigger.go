package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Subscriber consumes domain events. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// EventTrigger forces a reconciliation pass on the next tick when membership,
// enrollment or package availability changes.
type EventTrigger struct {
	reconciler *Reconciler
	bus        Subscriber
	deps       Deps

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewEventTrigger binds a reconciler to the event bus.
func NewEventTrigger(deps Deps, reconciler *Reconciler, bus Subscriber) (*EventTrigger, error) {
	if reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	return &EventTrigger{reconciler: reconciler, bus: bus, deps: deps}, nil
}

// Start registers the subscriptions. They are drained when ctx ends.
func (t *EventTrigger) Start(ctx context.Context) error {
	subs := []struct {
		subject string
		durable string
	}{
		{SubjectGroupsChanged, "reconciler-groups"},
		{SubjectAgentEnrolled, "reconciler-agents"},
		{SubjectPackageProcessed, "reconciler-packages"},
	}

	for _, sub := range subs {
		closer, err := t.bus.Subscribe(ctx, sub.subject, sub.durable, t.handle(sub.subject))
		if err != nil {
			_ = t.Close()
			return err
		}
		t.subsMu.Lock()
		t.subs = append(t.subs, closer)
		t.subsMu.Unlock()
	}
	return nil
}

// Close tears down active subscriptions.
func (t *EventTrigger) Close() error {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	var firstErr error
	for _, sub := range t.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.subs = nil
	return firstErr
}

func (t *EventTrigger) handle(subject string) func(context.Context, []byte) error {
	return func(ctx context.Context, data []byte) error {
		var evt struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			// A malformed event is acknowledged; redelivery cannot fix it.
			t.deps.Logger.Warn().Err(err).Str("subject", subject).Msg("discarding malformed event")
			return nil
		}
		if err := t.reconciler.Trigger(ctx); err != nil {
			return err
		}
		t.deps.Logger.Debug().Str("subject", subject).Str("object", evt.Object).Msg("reconciliation requested")
		return nil
	}
}
