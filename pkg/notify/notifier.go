package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"treasury/pkg/metrics"
)

type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

type Func func(ctx context.Context, evt Event) error

func (f Func) Notify(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Discard struct{}

func (Discard) Notify(context.Context, Event) error { return nil }

type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, evt Event) error {
	e := l.Logger.Info().
		Str("event_id", evt.ID).
		Str("type", evt.Type).
		Time("at", evt.At)
	if evt.VaultID != "" {
		e = e.Str("vault_id", evt.VaultID)
	}
	if evt.Subject != "" {
		e = e.Str("subject", evt.Subject)
	}
	if evt.State != "" {
		e = e.Str("state", evt.State)
	}
	e.Msg("treasury_event")
	return nil
}

type MetricsNotifier struct {
	Registry *metrics.Registry
}

func (m MetricsNotifier) Notify(_ context.Context, evt Event) error {
	if m.Registry == nil {
		return nil
	}
	m.Registry.IncEvent(evt.Type)
	if evt.State != "" {
		m.Registry.IncProposalState(evt.State)
	}
	return nil
}
