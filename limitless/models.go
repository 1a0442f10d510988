package limitless

import "time"

// ContentNode is one node in a lifelog's structured content tree.
// Field names follow the Limitless API wire format.
type ContentNode struct {
	Type              string        `json:"type"`
	Content           string        `json:"content"`
	StartTime         *time.Time    `json:"startTime,omitempty"`
	EndTime           *time.Time    `json:"endTime,omitempty"`
	StartOffsetMs     *int          `json:"startOffsetMs,omitempty"`
	EndOffsetMs       *int          `json:"endOffsetMs,omitempty"`
	SpeakerName       string        `json:"speakerName,omitempty"`
	SpeakerIdentifier string        `json:"speakerIdentifier,omitempty"`
	Children          []ContentNode `json:"children,omitempty"`
}

// LifelogEntry is a single recording returned by the lifelogs API.
type LifelogEntry struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Markdown  string        `json:"markdown,omitempty"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	IsStarred bool          `json:"isStarred"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Contents  []ContentNode `json:"contents,omitempty"`
}

// Duration returns the recording length.
func (e LifelogEntry) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// DurationMinutes returns the recording length in whole minutes.
func (e LifelogEntry) DurationMinutes() int {
	return int(e.Duration().Minutes())
}
