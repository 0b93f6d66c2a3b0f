package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the canonical workflow status for an issue group.
// The legacy open/closed flag is derived via Open(), never stored.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// AllStatuses lists the workflow statuses in their natural order.
var AllStatuses = []Status{
	StatusBacklog,
	StatusInProgress,
	StatusBlocked,
	StatusResolved,
	StatusClosed,
}

// Valid reports whether s is a known workflow status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Open reports whether the group still needs attention.
func (s Status) Open() bool {
	return s != StatusResolved && s != StatusClosed
}

// Priority is the triage priority level for an issue group.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// AllPriorities lists the priority levels from lowest to highest.
var AllPriorities = []Priority{
	PriorityLow,
	PriorityMedium,
	PriorityHigh,
	PriorityCritical,
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	for _, known := range AllPriorities {
		if p == known {
			return true
		}
	}
	return false
}

// DerivePriority maps a message's category and classifier confidence to an
// initial group priority. Bugs escalate with confidence, support requests are
// always high (a customer is waiting), feature requests can be planned.
func DerivePriority(category Category, confidence float64) Priority {
	switch category {
	case CategoryBug:
		switch {
		case confidence >= 0.8:
			return PriorityCritical
		case confidence >= 0.6:
			return PriorityHigh
		default:
			return PriorityMedium
		}
	case CategorySupport:
		return PriorityHigh
	case CategoryQuestion:
		return PriorityMedium
	case CategoryFeature:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// groupTitleMaxLen caps how much of a message summary goes into a group title.
const groupTitleMaxLen = 50

// GroupTitle derives a human-readable group title from a message summary.
// Thread-born groups are labelled as such so triagers can tell structural
// groups from semantic ones at a glance.
func GroupTitle(category Category, summary string, fromThread bool) string {
	s := truncate(summary, groupTitleMaxLen)
	if s == "" {
		s = "Discussion"
	}
	if fromThread {
		return "Thread: " + s
	}
	return fmt.Sprintf("%s: %s", capitalize(string(category)), s)
}

// IssueGroup is a cluster of messages believed to describe one underlying
// problem. Category is homogeneous across members; the target category wins
// on merge.
type IssueGroup struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary"`
	Category  Category   `json:"category"`
	Status    Status     `json:"status"`
	Priority  Priority   `json:"priority"`
	Assignee  string     `json:"assignee,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Open reports whether the group still needs attention (legacy flag view).
func (g *IssueGroup) Open() bool {
	return g.Status.Open()
}

// Membership links a message to the single group it currently belongs to,
// recording the similarity score observed at assignment time. The score is
// display/audit data only; it is never re-evaluated.
type Membership struct {
	MessageID  uuid.UUID `json:"message_id"`
	GroupID    uuid.UUID `json:"group_id"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

// StructuralMatch is the similarity score recorded for non-semantic
// assignments: thread affinity, new-group seeds, and splits.
const StructuralMatch = 1.0

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] = r[0] - 'a' + 'A'
	}
	return string(r)
}
