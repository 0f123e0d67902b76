package model

import "time"

type (
	Severity string
	Priority string
	Status   string
)

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

const (
	PriorityUrgent Priority = "Urgent"
	PriorityHigh   Priority = "High"
	PriorityNormal Priority = "Normal"
	PriorityLow    Priority = "Low"
)

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In Progress"
	StatusTesting    Status = "Testing"
	StatusResolved   Status = "Resolved"
	StatusClosed     Status = "Closed"
	StatusReopened   Status = "Reopened"
)

// CategoryOther is assigned when no category keyword appears in the report body.
const CategoryOther = "Other"

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusTesting, StatusResolved, StatusClosed, StatusReopened:
		return true
	}
	return false
}

type Environment struct {
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"`
	Resolution string `json:"resolution"`
}

type Reporter struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Comment struct {
	AuthorID   int64     `json:"author_id,string"`
	AuthorName string    `json:"author_name"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// IssueDraft is a classified inbound report that has not been persisted yet.
type IssueDraft struct {
	ExternalID       string      `json:"external_id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Severity         Severity    `json:"severity"`
	Priority         Priority    `json:"priority"`
	Category         string      `json:"category"`
	StepsToReproduce string      `json:"steps_to_reproduce"`
	ExpectedBehavior string      `json:"expected_behavior"`
	ActualBehavior   string      `json:"actual_behavior"`
	Environment      Environment `json:"environment"`
	Tags             []string    `json:"tags"`
	ReportedBy       Reporter    `json:"reported_by"`
	ReceivedAt       time.Time   `json:"received_at"`
}

// Issue is the persisted record. Exactly one exists per ExternalID.
type Issue struct {
	IssueDraft

	ID         int64      `json:"id"`
	Status     Status     `json:"status"`
	AssignedTo *int64     `json:"assigned_to,omitempty"`
	Comments   []Comment  `json:"comments"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IssuePatch is a partial update. Nil fields are left unchanged.
type IssuePatch struct {
	Status     *Status
	AssignedTo *int64
	Comment    *Comment
}
