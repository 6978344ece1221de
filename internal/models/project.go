package models

import (
	"time"

	"github.com/google/uuid"
)

// Project owns the source text and every scene, image and narration produced
// for it. A project is created together with its first run.
type Project struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Title      string
	SourceText string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DefaultProjectTitle derives a title from the first line of the source text.
func DefaultProjectTitle(text string) string {
	const maxLen = 60
	title := text
	for i, r := range text {
		if r == '\n' {
			title = text[:i]
			break
		}
	}
	runes := []rune(title)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	if title == "" {
		return "Untitled story"
	}
	return title
}
