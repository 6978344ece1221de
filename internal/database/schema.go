package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Columns that have linked an image generation to its scene over the life of
// the schema, in preference order. Only these names are ever interpolated
// into SQL.
var sceneLinkColumns = []string{"scene_id", "story_scene_id"}

// Schema describes optional schema capabilities. It is resolved once at
// startup and passed to the stores; nothing checks the schema per request.
type Schema struct {
	// ImageSceneColumn links image_generations rows to scenes.
	ImageSceneColumn string
	// HasCostLedger is false on deployments that have not created cost_ledger.
	HasCostLedger bool
	// HasRunEvents is false on deployments that have not created run_events.
	HasRunEvents bool
}

// DefaultSchema matches the embedded migrations.
func DefaultSchema() Schema {
	return Schema{
		ImageSceneColumn: "scene_id",
		HasCostLedger:    true,
		HasRunEvents:     true,
	}
}

// ResolveSchema inspects information_schema and returns the capabilities of
// the connected database.
func ResolveSchema(ctx context.Context, db *sql.DB) (Schema, error) {
	schema := Schema{}

	columns, err := tableColumns(ctx, db, "image_generations")
	if err != nil {
		return schema, err
	}
	for _, candidate := range sceneLinkColumns {
		if columns[candidate] {
			schema.ImageSceneColumn = candidate
			break
		}
	}
	if schema.ImageSceneColumn == "" {
		return schema, fmt.Errorf("image_generations has no scene link column (tried %v)", sceneLinkColumns)
	}

	if schema.HasCostLedger, err = tableExists(ctx, db, "cost_ledger"); err != nil {
		return schema, err
	}
	if schema.HasRunEvents, err = tableExists(ctx, db, "run_events"); err != nil {
		return schema, err
	}

	log.Printf("[schema] image scene column=%s cost_ledger=%t run_events=%t",
		schema.ImageSceneColumn, schema.HasCostLedger, schema.HasRunEvents)
	return schema, nil
}

// SceneColumn returns the validated scene link column, falling back to the
// default when the descriptor holds anything outside the known set.
func (s Schema) SceneColumn() string {
	for _, candidate := range sceneLinkColumns {
		if s.ImageSceneColumn == candidate {
			return candidate
		}
	}
	return sceneLinkColumns[0]
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)
	`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return exists, nil
}
