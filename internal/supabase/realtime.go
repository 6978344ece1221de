package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
	"storyrun-backend/internal/models"
)

// RealtimeClient publishes run events by inserting them into run_events
// through PostgREST. Supabase Realtime streams the inserts to clients
// subscribed on the project channel.
type RealtimeClient struct {
	client *supabase.Client
}

func NewRealtimeClient(client *supabase.Client) *RealtimeClient {
	return &RealtimeClient{
		client: client,
	}
}

type runEventRow struct {
	RunID     string                 `json:"run_id"`
	ProjectID string                 `json:"project_id"`
	UserID    string                 `json:"user_id"`
	Event     string                 `json:"event"`
	FromPhase *string                `json:"from_phase,omitempty"`
	ToPhase   *string                `json:"to_phase,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt string                 `json:"created_at"`
}

func (r *RealtimeClient) Publish(ctx context.Context, event models.RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, _, err := r.client.From("run_events").
		Insert(eventRow(event), false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to publish %s event for run %s: %w", event.Event, event.RunID, err)
	}
	return nil
}

func eventRow(event models.RunEvent) runEventRow {
	payload := event.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	row := runEventRow{
		RunID:     event.RunID.String(),
		ProjectID: event.ProjectID.String(),
		UserID:    event.UserID.String(),
		Event:     event.Event,
		Payload:   payload,
		CreatedAt: event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if event.FromPhase != "" {
		from := string(event.FromPhase)
		row.FromPhase = &from
	}
	if event.ToPhase != "" {
		to := string(event.ToPhase)
		row.ToPhase = &to
	}
	return row
}

// ProjectChannel is the Realtime channel clients join to follow a project.
func ProjectChannel(projectID uuid.UUID) string {
	return fmt.Sprintf("project:%s", projectID.String())
}

// UserChannel is the Realtime channel clients join to follow all their runs.
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s", userID.String())
}
