package executor

import (
	"fmt"
	"strings"

	"github.com/daybook-io/daybook/internal/enrich"
	"github.com/daybook-io/daybook/pkg/models"
)

const diarySystemPrompt = "You are writing a short first-person diary entry. " +
	"Warm, concrete, a few sentences. No headings, no lists."

// registerBuiltinHandlers installs the per-category prompt builders.
func (e *Executor) registerBuiltinHandlers() {
	e.RegisterHandler(models.CategoryWeather, weatherHandler)
	e.RegisterHandler(models.CategorySocial, socialHandler)
	e.RegisterHandler(models.CategoryHealth, healthHandler)
	e.RegisterHandler(models.CategoryAnniversary, anniversaryHandler)
	e.RegisterHandler(models.CategoryPhoto, photoHandler)
	e.RegisterHandler(models.CategoryMood, moodHandler)
}

func weatherHandler(event *models.Event, ectx *enrich.EventContext) (string, string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a diary entry about today's weather moment %q.", event.Name)
	if ectx.Weather != "" {
		fmt.Fprintf(&b, " Current conditions: %s.", ectx.Weather)
	}
	appendPreferences(&b, ectx)
	return b.String(), diarySystemPrompt, "calm"
}

func socialHandler(event *models.Event, ectx *enrich.EventContext) (string, string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a diary entry about a social moment: %q.", event.Name)
	if ectx.Social != "" {
		fmt.Fprintf(&b, " Recent social context: %s.", ectx.Social)
	}
	appendPreferences(&b, ectx)
	return b.String(), diarySystemPrompt, "joyful"
}

func healthHandler(event *models.Event, ectx *enrich.EventContext) (string, string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a diary entry reflecting on %q and how the body felt.", event.Name)
	appendPreferences(&b, ectx)
	return b.String(), diarySystemPrompt, "content"
}

func anniversaryHandler(event *models.Event, ectx *enrich.EventContext) (string, string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is a special day: %q. Write a heartfelt diary entry about it.", event.Name)
	appendPreferences(&b, ectx)
	return b.String(), diarySystemPrompt, "moved"
}

func photoHandler(event *models.Event, ectx *enrich.EventContext) (string, string, string) {
	var b strings.Builder
	b.WriteString("Write a diary entry about a photo taken today and the moment it captured.")
	if caption, ok := event.Payload["caption"].(string); ok && caption != "" {
		fmt.Fprintf(&b, " The photo shows: %s.", caption)
	}
	appendPreferences(&b, ectx)
	return b.String(), diarySystemPrompt, "nostalgic"
}

func moodHandler(event *models.Event, ectx *enrich.EventContext) (string, string, string) {
	emotion := "thoughtful"
	if m, ok := event.Tags["mood"]; ok && m != "" {
		emotion = m
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Write a diary entry about feeling %s today.", emotion)
	appendPreferences(&b, ectx)
	return b.String(), diarySystemPrompt, emotion
}

// genericHandler covers categories without a dedicated builder.
func genericHandler(event *models.Event, ectx *enrich.EventContext) (string, string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a diary entry about %q.", event.Name)
	appendPreferences(&b, ectx)
	return b.String(), diarySystemPrompt, "neutral"
}

func appendPreferences(b *strings.Builder, ectx *enrich.EventContext) {
	if tone, ok := ectx.Preferences["tone"]; ok && tone != "" {
		fmt.Fprintf(b, " Preferred tone: %s.", tone)
	}
	if lang, ok := ectx.Preferences["language"]; ok && lang != "" {
		fmt.Fprintf(b, " Write in %s.", lang)
	}
}
