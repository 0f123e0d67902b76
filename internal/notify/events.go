package notify

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/telex-ph/bug-reporting/internal/model"
)

// NewIssueEvent announces an issue created from an inbound message. It is
// broadcast to every operator.
func NewIssueEvent(issue *model.Issue) model.NotificationEvent {
	return model.NotificationEvent{
		Kind:    model.EventNewIssueFromSource,
		Title:   "New bug report from email",
		Message: fmt.Sprintf("New bug report: %q", issue.Title),
		Payload: map[string]any{
			"bugId":      strconv.FormatInt(issue.ID, 10),
			"severity":   issue.Severity,
			"priority":   issue.Priority,
			"category":   issue.Category,
			"reportedBy": issue.ReportedBy,
			"source":     "email",
			"bug":        summary(issue),
		},
		Timestamp: time.Now().UTC(),
	}
}

func StatusChangedEvent(issue *model.Issue, from, to model.Status) model.NotificationEvent {
	return model.NotificationEvent{
		Kind:    model.EventStatusChanged,
		Title:   "Bug status updated",
		Message: fmt.Sprintf("Bug %q changed from %s to %s", issue.Title, from, to),
		Payload: map[string]any{
			"bugId":     strconv.FormatInt(issue.ID, 10),
			"oldStatus": from,
			"newStatus": to,
		},
		Timestamp: time.Now().UTC(),
	}
}

// AssignedEvents returns the event targeted at the assignee and the copy
// broadcast to everyone.
func AssignedEvents(issue *model.Issue, assignee *model.Operator) (targeted, broadcast model.NotificationEvent) {
	broadcast = model.NotificationEvent{
		Kind:    model.EventAssigned,
		Title:   "Bug assigned",
		Message: fmt.Sprintf("Bug %q assigned to %s", issue.Title, assignee.Name),
		Payload: map[string]any{
			"bugId": strconv.FormatInt(issue.ID, 10),
			"assignedTo": map[string]any{
				"id":    strconv.FormatInt(assignee.ID, 10),
				"name":  assignee.Name,
				"email": assignee.Email,
			},
		},
		Timestamp: time.Now().UTC(),
	}
	targeted = broadcast
	targeted.Payload = maps.Clone(broadcast.Payload)
	targeted.SubjectID = strconv.FormatInt(assignee.ID, 10)
	return targeted, broadcast
}

func summary(issue *model.Issue) map[string]any {
	return map[string]any{
		"id":         strconv.FormatInt(issue.ID, 10),
		"title":      issue.Title,
		"status":     issue.Status,
		"severity":   issue.Severity,
		"priority":   issue.Priority,
		"category":   issue.Category,
		"tags":       issue.Tags,
		"receivedAt": issue.ReceivedAt,
	}
}

// wireData flattens an event into the object carried in Envelope.Data.
func wireData(e model.NotificationEvent) map[string]any {
	data := make(map[string]any, len(e.Payload)+3)
	maps.Copy(data, e.Payload)
	data["type"] = string(e.Kind)
	if e.Title != "" {
		data["title"] = e.Title
	}
	if e.Message != "" {
		data["message"] = e.Message
	}
	return data
}
