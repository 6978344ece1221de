package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"storyrun-backend/internal/database"
)

func TestSchema_SceneColumn(t *testing.T) {
	tests := []struct {
		column string
		want   string
	}{
		{"scene_id", "scene_id"},
		{"story_scene_id", "story_scene_id"},
		{"", "scene_id"},
		{"scene_id; drop table runs", "scene_id"},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			s := database.Schema{ImageSceneColumn: tt.column}
			assert.Equal(t, tt.want, s.SceneColumn())
		})
	}
}

func TestDefaultSchema(t *testing.T) {
	s := database.DefaultSchema()
	assert.Equal(t, "scene_id", s.SceneColumn())
	assert.True(t, s.HasCostLedger)
	assert.True(t, s.HasRunEvents)
}
