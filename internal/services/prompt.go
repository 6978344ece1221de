package services

import (
	"fmt"
	"strings"

	"storyrun-backend/internal/models"
)

// AspectRatio maps an output preset to the ratio requested from the provider.
func AspectRatio(outputPreset string) string {
	switch {
	case strings.HasPrefix(outputPreset, "portrait"):
		return "9:16"
	case strings.HasPrefix(outputPreset, "square"):
		return "1:1"
	default:
		return "16:9"
	}
}

// BuildPrompt assembles the image prompt for a scene from the style preset
// and the selected characters.
func BuildPrompt(scene models.Scene, preset *models.StylePreset, characters []models.Character) (prompt, negative string) {
	var parts []string
	if preset != nil && strings.TrimSpace(preset.PromptPrefix) != "" {
		parts = append(parts, strings.TrimSpace(preset.PromptPrefix))
	}

	desc := strings.TrimSpace(scene.Body)
	if title := strings.TrimSpace(scene.Title); title != "" {
		desc = fmt.Sprintf("%s. %s", title, desc)
	}
	parts = append(parts, desc)

	for _, c := range characters {
		if !mentions(scene, c.Name) {
			continue
		}
		line := c.Name
		if d := strings.TrimSpace(c.Description); d != "" {
			line = fmt.Sprintf("%s: %s", c.Name, d)
		}
		parts = append(parts, line)
	}

	if preset != nil {
		if s := strings.TrimSpace(preset.PromptSuffix); s != "" {
			parts = append(parts, s)
		}
		negative = strings.TrimSpace(preset.NegativePrompt)
	}
	return strings.Join(parts, "\n"), negative
}

// SceneCharacters returns the characters named in the scene text.
func SceneCharacters(scene models.Scene, characters []models.Character) []models.Character {
	var out []models.Character
	for _, c := range characters {
		if mentions(scene, c.Name) {
			out = append(out, c)
		}
	}
	return out
}

func mentions(scene models.Scene, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(scene.Title), name) ||
		strings.Contains(strings.ToLower(scene.Body), name)
}
