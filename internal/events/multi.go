package events

import (
	"context"
	"errors"
	"log"

	"storyrun-backend/internal/models"
	"storyrun-backend/internal/services"
)

// MultiPublisher delivers each event to every sink. A failing sink does not
// stop delivery to the others.
type MultiPublisher struct {
	sinks []services.EventPublisher
}

func NewMultiPublisher(sinks ...services.EventPublisher) *MultiPublisher {
	var kept []services.EventPublisher
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiPublisher{sinks: kept}
}

func (m *MultiPublisher) Publish(ctx context.Context, event models.RunEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, event); err != nil {
			log.Printf("[events] %s for run %s not delivered: %v", event.Event, event.RunID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
