package content

import (
	"fmt"
	"strings"

	"lifelog_sync/limitless"
)

const (
	dateFormat      = "2006-01-02 15:04"
	timestampFormat = "15:04"

	keyPointMinLen = 50
	keyPointMax    = 5
	keyPointTrunc  = 97
)

var keyPointMarkers = []string{
	"important", "key", "main", "primary", "decision", "conclusion",
}

// formatMarkdown renders the memory document for one lifelog: a title,
// a metadata block, the conversation body, optional key points, and a
// trailing tag line.
func formatMarkdown(e limitless.LifelogEntry, cat Category, speakers []string, st Structure, tags []string) string {
	title := e.Title
	if title == "" {
		title = "Untitled Lifelog"
	}

	lines := []string{
		"# " + title,
		"",
		"## Metadata",
		"- **Date:** " + e.StartTime.Format(dateFormat),
		fmt.Sprintf("- **Duration:** %d minutes", e.DurationMinutes()),
		"- **Type:** " + string(cat),
	}
	if e.IsStarred {
		lines = append(lines, "- **Status:** ⭐ STARRED")
	}
	if len(speakers) > 0 {
		lines = append(lines, "- **Participants:** "+strings.Join(speakers, ", "))
	}
	lines = append(lines, "")

	switch {
	case e.Markdown != "":
		lines = append(lines, "## Content", "", e.Markdown)
	case len(e.Contents) > 0:
		lines = append(lines, "## Conversation", "")
		lines = append(lines, renderNodes(e.Contents)...)
	default:
		lines = append(lines, "*No content available*")
	}

	if e.DurationMinutes() >= 10 && st.HeadingCount > 0 {
		points := extractKeyPoints(e.Contents)
		if len(points) > 0 {
			lines = append(lines, "", "## Key Points", "")
			for _, p := range points {
				lines = append(lines, "- "+p)
			}
		}
	}

	lines = append(lines, "", "---", "", "**Tags:** "+strings.Join(tags, ", "))
	return strings.Join(lines, "\n")
}

// renderNodes flattens the content tree into markdown lines, demoting
// lifelog headings one level below the document's own sections.
func renderNodes(nodes []limitless.ContentNode) []string {
	var lines []string
	walk(nodes, func(n limitless.ContentNode) {
		text := strings.TrimSpace(n.Content)
		if text == "" {
			return
		}

		var line string
		switch n.Type {
		case "heading1":
			line = "### " + text
		case "heading2":
			line = "#### " + text
		case "heading3":
			line = "##### " + text
		case "blockquote":
			if n.SpeakerName != "" {
				line = "**" + n.SpeakerName + ":** " + text
			} else {
				line = "> " + text
			}
		default:
			if n.SpeakerName != "" {
				line = "**" + n.SpeakerName + ":** " + text
			} else {
				line = text
			}
		}
		if n.StartTime != nil {
			line += " *(" + n.StartTime.Format(timestampFormat) + ")*"
		}
		lines = append(lines, line, "")
	})
	if len(lines) > 0 {
		// Drop the trailing blank separator.
		lines = lines[:len(lines)-1]
	}
	return lines
}

// extractKeyPoints picks up to five highlight lines: every heading, plus
// longer passages that mention an emphasis word.
func extractKeyPoints(nodes []limitless.ContentNode) []string {
	var points []string
	walk(nodes, func(n limitless.ContentNode) {
		if len(points) >= keyPointMax {
			return
		}
		text := strings.TrimSpace(n.Content)
		if text == "" {
			return
		}
		if strings.HasPrefix(n.Type, "heading") {
			points = append(points, truncatePoint(text))
			return
		}
		if len(text) > keyPointMinLen && containsMarker(text) {
			points = append(points, truncatePoint(text))
		}
	})
	return points
}

func containsMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range keyPointMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func truncatePoint(text string) string {
	if len(text) <= keyPointTrunc+3 {
		return text
	}
	return text[:keyPointTrunc] + "..."
}
