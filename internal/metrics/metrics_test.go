package metrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storyrun-backend/internal/metrics"
	"storyrun-backend/internal/models"
)

func TestMetrics_RecordWithoutProvider(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.PhaseTransition(ctx, models.PhaseFormatting, models.PhaseGeneratingImages)
		m.AdvanceAction(ctx, models.PhaseGeneratingImages, models.ActionGeneratedImage)
		m.ImageAttempt(ctx, "completed")
	})
}
