package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"
)

// IngestResult reports where a signal landed.
type IngestResult struct {
	EventID      string `json:"event_id"`
	Deduplicated bool   `json:"deduplicated"`
	Turn         int    `json:"turn"`
}

// Ingest turns an external signal into work. A signal for a service that
// already has an open event with activity inside CorrelationWindow is
// appended to that event as an inbound signal turn; otherwise a new event
// is created. Signals for one service are serialized so two racing signals
// cannot both create an event.
func (o *Orchestrator) Ingest(ctx context.Context, in store.NewEvent) (IngestResult, error) {
	if in.Service == "" {
		return IngestResult{}, errors.New("ingest: service is required")
	}
	if !in.Source.Valid() {
		return IngestResult{}, fmt.Errorf("ingest: invalid source %q", in.Source)
	}
	if err := in.Evidence.Validate(); err != nil {
		return IngestResult{}, fmt.Errorf("ingest: %w", err)
	}

	mu := o.serviceLock(in.Service)
	mu.Lock()
	defer mu.Unlock()

	since := o.nowFunc().Add(-o.Limits().CorrelationWindow)
	open, err := o.store.FindOpenForService(ctx, in.Service, since)
	switch {
	case err == nil && open.Status != protocol.EventResolved:
		evidence := in.Evidence
		turn, err := o.store.AppendInbound(ctx, open.ID, store.TurnBuilder{
			Actor:    in.Source.Actor(),
			Action:   protocol.ActionSignal,
			Evidence: &evidence,
		})
		if err != nil {
			return IngestResult{}, fmt.Errorf("ingest: %w", err)
		}
		o.log.Info("signal correlated", "event_id", open.ID, "service", in.Service, "turn", turn.Turn)
		o.enqueue(open.ID)
		return IngestResult{EventID: open.ID, Deduplicated: true, Turn: turn.Turn}, nil
	case err != nil && !errors.Is(err, protocol.ErrNotFound):
		return IngestResult{}, fmt.Errorf("ingest: %w", err)
	}

	ev, err := o.store.CreateEvent(ctx, in)
	if err != nil {
		return IngestResult{}, err
	}
	o.log.Info("event created", "event_id", ev.ID, "service", ev.Service, "source", ev.Source)
	o.enqueue(ev.ID)
	return IngestResult{EventID: ev.ID, Turn: 1}, nil
}

func (o *Orchestrator) serviceLock(service string) *sync.Mutex {
	v, _ := o.serviceLocks.LoadOrStore(service, &sync.Mutex{})
	return v.(*sync.Mutex) //nolint:forcetypeassert // only *sync.Mutex is stored
}
