package supabase

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storyrun-backend/internal/models"
)

func TestEventRow(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	event := models.RunEvent{
		RunID:     uuid.New(),
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		Event:     "phase_changed",
		FromPhase: models.PhaseFormatting,
		ToPhase:   models.PhaseGeneratingImages,
		CreatedAt: at,
	}

	row := eventRow(event)
	assert.Equal(t, event.RunID.String(), row.RunID)
	require.NotNil(t, row.FromPhase)
	require.NotNil(t, row.ToPhase)
	assert.Equal(t, "formatting", *row.FromPhase)
	assert.Equal(t, "generating_images", *row.ToPhase)
	assert.NotNil(t, row.Payload)
	assert.Equal(t, "2026-03-01T11:00:00Z", row.CreatedAt)
}

func TestEventRow_WithoutPhases(t *testing.T) {
	row := eventRow(models.RunEvent{Event: "image_completed", Payload: map[string]interface{}{"scene": 2}})
	assert.Nil(t, row.FromPhase)
	assert.Nil(t, row.ToPhase)
	assert.Equal(t, 2, row.Payload["scene"])
}
