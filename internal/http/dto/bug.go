package dto

import (
	"time"

	"github.com/telex-ph/bug-reporting/internal/model"
)

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type AssignRequest struct {
	OperatorID int64 `json:"operator_id,string" binding:"required"`
}

type AddCommentRequest struct {
	Message string `json:"message" binding:"required"`
}

type ListBugsQuery struct {
	Limit int32 `form:"limit" binding:"omitempty,min=1,max=200"`
}

type BugResponse struct {
	ID               int64             `json:"id,string"`
	ExternalID       string            `json:"external_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Severity         string            `json:"severity"`
	Priority         string            `json:"priority"`
	Category         string            `json:"category"`
	Status           string            `json:"status"`
	StepsToReproduce string            `json:"steps_to_reproduce,omitempty"`
	ExpectedBehavior string            `json:"expected_behavior,omitempty"`
	ActualBehavior   string            `json:"actual_behavior,omitempty"`
	Environment      model.Environment `json:"environment"`
	Tags             []string          `json:"tags"`
	ReportedBy       model.Reporter    `json:"reported_by"`
	AssignedTo       *string           `json:"assigned_to,omitempty"`
	Comments         []model.Comment   `json:"comments"`
	ReceivedAt       time.Time         `json:"received_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func ToBugResponse(i *model.Issue) *BugResponse {
	resp := &BugResponse{
		ID:               i.ID,
		ExternalID:       i.ExternalID,
		Title:            i.Title,
		Description:      i.Description,
		Severity:         string(i.Severity),
		Priority:         string(i.Priority),
		Category:         i.Category,
		Status:           string(i.Status),
		StepsToReproduce: i.StepsToReproduce,
		ExpectedBehavior: i.ExpectedBehavior,
		ActualBehavior:   i.ActualBehavior,
		Environment:      i.Environment,
		Tags:             i.Tags,
		ReportedBy:       i.ReportedBy,
		Comments:         i.Comments,
		ReceivedAt:       i.ReceivedAt,
		ResolvedAt:       i.ResolvedAt,
		ClosedAt:         i.ClosedAt,
		CreatedAt:        i.CreatedAt,
		UpdatedAt:        i.UpdatedAt,
	}
	if i.AssignedTo != nil {
		assignee := formatID(*i.AssignedTo)
		resp.AssignedTo = &assignee
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if resp.Comments == nil {
		resp.Comments = []model.Comment{}
	}
	return resp
}

func ToBugResponses(issues []model.Issue) []BugResponse {
	out := make([]BugResponse, 0, len(issues))
	for i := range issues {
		out = append(out, *ToBugResponse(&issues[i]))
	}
	return out
}
