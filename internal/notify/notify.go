// Package notify carries incident and stop-update triggers from the CRUD
// layer to connected clients, either in-process or over Redis pub/sub.
package notify

import (
	"context"
	"errors"
	"fmt"

	"bustrack/internal/metrics"
	"bustrack/internal/model"
)

type Kind string

const (
	KindIncident   Kind = "incident"
	KindStopUpdate Kind = "stopUpdate"
)

var ErrInvalidEvent = errors.New("invalid notify event")

// Event is one trigger. Incident is set for KindIncident; BusID and
// CurrentStop for KindStopUpdate.
type Event struct {
	Kind        Kind            `json:"kind"`
	Incident    *model.Incident `json:"incident,omitempty"`
	BusID       model.ID        `json:"busId,omitempty"`
	CurrentStop int             `json:"currentStop"`
}

func IncidentEvent(inc model.Incident) Event { return Event{Kind: KindIncident, Incident: &inc} }

func StopUpdateEvent(busID model.ID, currentStop int) Event {
	return Event{Kind: KindStopUpdate, BusID: busID, CurrentStop: currentStop}
}

// Validate checks that the fields required by Kind are present.
func (e Event) Validate() error {
	switch e.Kind {
	case KindIncident:
		if e.Incident == nil {
			return fmt.Errorf("%w: incident missing", ErrInvalidEvent)
		}
	case KindStopUpdate:
		if e.BusID == "" {
			return fmt.Errorf("%w: busId missing", ErrInvalidEvent)
		}
		if e.CurrentStop < 0 {
			return fmt.Errorf("%w: currentStop must be non-negative", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Sink fans events out to clients. *realtime.Hub implements it.
type Sink interface {
	NotifyIncident(inc model.Incident) int
	NotifyStopUpdate(busID model.ID, currentStop int) int
}

// Publisher accepts triggers from the HTTP layer.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Dispatch validates e and hands it to sink. It returns the number of
// connections written to.
func Dispatch(sink Sink, e Event, source string) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	metrics.NotifyEvents.WithLabelValues(string(e.Kind), source).Inc()
	switch e.Kind {
	case KindIncident:
		return sink.NotifyIncident(*e.Incident), nil
	case KindStopUpdate:
		return sink.NotifyStopUpdate(e.BusID, e.CurrentStop), nil
	}
	return 0, nil
}

// Local delivers events straight to an in-process sink.
type Local struct {
	Sink Sink
}

func NewLocal(sink Sink) *Local { return &Local{Sink: sink} }

func (l *Local) Publish(_ context.Context, e Event) error {
	_, err := Dispatch(l.Sink, e, "local")
	return err
}
