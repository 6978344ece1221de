package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
	"storyrun-backend/internal/models"
)

const subjectPrefix = "storyrun.runs"

// NATSPublisher fans run events out on core NATS subjects of the form
// storyrun.runs.<project_id>.<event>.
type NATSPublisher struct {
	nc *nats.Conn
}

func ConnectNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("storyrun-backend"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Printf("[events] connected to nats at %s", url)
	return &NATSPublisher{nc: nc}, nil
}

func Subject(event models.RunEvent) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, event.ProjectID, event.Event)
}

func (p *NATSPublisher) Publish(ctx context.Context, event models.RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(event), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", Subject(event), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
