package domain

import "time"

// Metadata is the persisted JSON bag on an opportunity. Each field has one owner stage.
type Metadata struct {
	Error        *FailureDetail     `json:"error,omitempty"`
	SkipReason   SkipReason         `json:"skipReason,omitempty"`
	SkipDetail   string             `json:"skipDetail,omitempty"`
	RemovedEarly bool               `json:"removedEarly,omitempty"`
	Tracking     []TrackingSnapshot `json:"tracking,omitempty"`
	Candidates   []Candidate        `json:"candidates,omitempty"`
	PostType     PostType           `json:"postType,omitempty"`
	Persona      string             `json:"persona,omitempty"`
}

type SkipReason string

const (
	SkipLowRelevance      SkipReason = "low_relevance"
	SkipNoRelevantComment SkipReason = "no_relevant_comment"
	SkipPostingFailed     SkipReason = "posting_failed"
	SkipThreadLocked      SkipReason = "thread_locked"
)

type FailureDetail struct {
	Message    string    `json:"message"`
	Stage      string    `json:"stage"`
	Attempts   int       `json:"attempts,omitempty"`
	Code       string    `json:"code,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// TrackingSnapshot is appended once per check and never rewritten.
type TrackingSnapshot struct {
	CheckNumber int       `json:"checkNumber"`
	Score       int       `json:"score"`
	Replies     int       `json:"replies"`
	Removed     bool      `json:"removed"`
	CheckedAt   time.Time `json:"checkedAt"`
}

type Candidate struct {
	Text        string  `json:"text"`
	Temperature float32 `json:"temperature"`
	Score       float64 `json:"score"`
	Selected    bool    `json:"selected"`
}

type PostType string

const (
	PostTypeShowcase   PostType = "showcase"
	PostTypeQuestion   PostType = "question"
	PostTypeDiscussion PostType = "discussion"
)

func (p PostType) Valid() bool {
	switch p {
	case PostTypeShowcase, PostTypeQuestion, PostTypeDiscussion:
		return true
	}
	return false
}

// HasSnapshot reports whether a snapshot for checkNumber was already recorded.
func (m Metadata) HasSnapshot(checkNumber int) bool {
	for _, snap := range m.Tracking {
		if snap.CheckNumber == checkNumber {
			return true
		}
	}
	return false
}

// AppendSnapshot adds snap unless its check was already recorded.
func (m *Metadata) AppendSnapshot(snap TrackingSnapshot) bool {
	if m.HasSnapshot(snap.CheckNumber) {
		return false
	}
	m.Tracking = append(m.Tracking, snap)
	return true
}
