package content

import (
	"regexp"
	"sort"
	"strings"

	"lifelog_sync/limitless"
)

// Category labels a lifelog by its dominant content.
type Category string

const (
	CategoryMeeting      Category = "MEETING"
	CategoryTechnical    Category = "TECHNICAL"
	CategoryDecision     Category = "DECISION"
	CategoryPersonal     Category = "PERSONAL"
	CategoryConversation Category = "CONVERSATION"
)

// Classification requires at least this score; anything weaker falls
// back to CONVERSATION.
const scoreThreshold = 0.3

// classifyTextLimit bounds how much flattened node text joins the title
// for keyword scoring.
const classifyTextLimit = 500

var meetingKeywords = keywordSet(
	"meeting", "standup", "sync", "1:1", "review", "retrospective",
	"planning", "kickoff", "demo", "presentation", "interview",
	"call", "conference", "discussion", "session",
)

var technicalKeywords = keywordSet(
	"code", "debug", "api", "database", "deploy", "deployment",
	"bug", "fix", "feature", "implementation", "architecture",
	"system", "server", "client", "framework", "library",
	"programming", "development", "software", "technical",
	"infrastructure", "devops", "ci/cd", "testing",
)

var decisionKeywords = keywordSet(
	"decision", "decided", "plan", "strategy", "approach",
	"solution", "recommendation", "proposal", "choice",
	"option", "alternative", "conclusion", "resolution",
	"agreement", "consensus", "direction", "path forward",
)

var personalKeywords = keywordSet(
	"personal", "family", "friend", "relationship", "health",
	"hobby", "interest", "vacation", "travel", "weekend",
	"evening", "morning", "lunch", "dinner", "coffee",
	"casual", "informal", "private",
)

func keywordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

var wordRE = regexp.MustCompile(`\b\w+\b`)

// Structure summarizes the shape of a lifelog's content tree.
type Structure struct {
	TotalNodes     int
	HeadingCount   int
	SpeakerChanges int
	HasUserSpeech  bool
	ContentTypes   []string
}

// Classified is the fully prepared form of one lifelog, ready for
// delivery. It is recomputed on every attempt and never persisted.
type Classified struct {
	Category  Category
	Speakers  []string
	Markdown  string
	Tags      []string
	Structure Structure
}

// Process analyzes, classifies, and formats a lifelog entry. The result
// depends only on the entry itself.
func Process(e limitless.LifelogEntry) Classified {
	st := analyzeStructure(e.Contents)
	cat := classify(e, st)
	speakers := extractSpeakers(e.Contents)
	tags := generateTags(e, cat, speakers)
	return Classified{
		Category:  cat,
		Speakers:  speakers,
		Markdown:  formatMarkdown(e, cat, speakers, st, tags),
		Tags:      tags,
		Structure: st,
	}
}

// walk visits nodes depth first in document order using an explicit
// work stack. Content trees come straight from the API, so nesting
// depth is untrusted.
func walk(nodes []limitless.ContentNode, visit func(limitless.ContentNode)) {
	stack := make([]limitless.ContentNode, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		stack = append(stack, nodes[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(n)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

func analyzeStructure(nodes []limitless.ContentNode) Structure {
	var st Structure
	seen := map[string]bool{}
	prevSpeaker := ""
	walk(nodes, func(n limitless.ContentNode) {
		st.TotalNodes++
		if !seen[n.Type] {
			seen[n.Type] = true
			st.ContentTypes = append(st.ContentTypes, n.Type)
		}
		if strings.HasPrefix(n.Type, "heading") {
			st.HeadingCount++
		}
		if n.SpeakerName != "" {
			if prevSpeaker != "" && n.SpeakerName != prevSpeaker {
				st.SpeakerChanges++
			}
			prevSpeaker = n.SpeakerName
		}
		if n.SpeakerIdentifier == "user" {
			st.HasUserSpeech = true
		}
	})
	return st
}

func extractSpeakers(nodes []limitless.ContentNode) []string {
	set := map[string]bool{}
	walk(nodes, func(n limitless.ContentNode) {
		if n.SpeakerName != "" {
			set[n.SpeakerName] = true
		}
	})
	speakers := make([]string, 0, len(set))
	for s := range set {
		speakers = append(speakers, s)
	}
	sort.Strings(speakers)
	return speakers
}

func flattenText(nodes []limitless.ContentNode) string {
	var parts []string
	walk(nodes, func(n limitless.ContentNode) {
		if n.Content != "" {
			parts = append(parts, n.Content)
		}
	})
	return strings.Join(parts, " ")
}

func classify(e limitless.LifelogEntry, st Structure) Category {
	text := strings.ToLower(e.Title)
	flat := strings.ToLower(flattenText(e.Contents))
	if len(flat) > classifyTextLimit {
		flat = flat[:classifyTextLimit]
	}
	text += " " + flat

	scores := map[Category]float64{
		CategoryMeeting:   keywordScore(text, meetingKeywords),
		CategoryTechnical: keywordScore(text, technicalKeywords),
		CategoryDecision:  keywordScore(text, decisionKeywords),
		CategoryPersonal:  keywordScore(text, personalKeywords),
	}

	if st.SpeakerChanges >= 2 {
		scores[CategoryMeeting] += 0.3
	}
	if st.HeadingCount >= 3 {
		scores[CategoryTechnical] += 0.2
		scores[CategoryDecision] += 0.2
	}
	if st.HasUserSpeech {
		scores[CategoryMeeting] += 0.1
	}

	minutes := e.DurationMinutes()
	if minutes >= 30 {
		scores[CategoryMeeting] += 0.2
	}
	if minutes <= 5 {
		scores[CategoryPersonal] += 0.1
	}

	// Fixed evaluation order keeps ties deterministic.
	best := CategoryConversation
	bestScore := 0.0
	for _, c := range []Category{CategoryMeeting, CategoryTechnical, CategoryDecision, CategoryPersonal} {
		if scores[c] > bestScore {
			best = c
			bestScore = scores[c]
		}
	}
	if bestScore >= scoreThreshold {
		return best
	}
	return CategoryConversation
}

func keywordScore(text string, keywords map[string]bool) float64 {
	if len(keywords) == 0 {
		return 0
	}
	words := map[string]bool{}
	for _, w := range wordRE.FindAllString(text, -1) {
		words[w] = true
	}
	matched := 0
	totalHits := 0
	for kw := range keywords {
		if words[kw] {
			matched++
			totalHits += strings.Count(text, kw)
		}
	}
	base := float64(matched) / float64(len(keywords))
	bonus := float64(totalHits) * 0.1
	if bonus > 0.5 {
		bonus = 0.5
	}
	return base + bonus
}
