package content

import (
	"strings"

	"lifelog_sync/limitless"
)

// generateTags derives the searchable tag list for a lifelog: fixed
// source tags, the category, calendar buckets, time of day, duration
// class, and conversation size.
func generateTags(e limitless.LifelogEntry, cat Category, speakers []string) []string {
	tags := []string{"limitless", "pendant", "lifelog"}

	tags = append(tags, strings.ToLower(string(cat)))

	start := e.StartTime
	tags = append(tags,
		strings.ToLower(start.Format("January-2006")),
		start.Format("2006"),
		strings.ToLower(start.Weekday().String()),
	)

	switch h := start.Hour(); {
	case h >= 5 && h < 12:
		tags = append(tags, "morning")
	case h >= 12 && h < 17:
		tags = append(tags, "afternoon")
	case h >= 17 && h < 21:
		tags = append(tags, "evening")
	default:
		tags = append(tags, "night")
	}

	switch minutes := e.DurationMinutes(); {
	case minutes < 5:
		tags = append(tags, "short")
	case minutes > 30:
		tags = append(tags, "long")
	}

	switch n := len(speakers); {
	case n == 0:
		tags = append(tags, "monologue")
	case n == 2:
		tags = append(tags, "dialogue")
	case n > 2:
		tags = append(tags, "group-conversation")
	}

	if e.IsStarred {
		tags = append(tags, "starred", "important")
	}
	return tags
}
