package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/telex-ph/bug-reporting/common/id"
	"github.com/telex-ph/bug-reporting/internal/http/dto"
	"github.com/telex-ph/bug-reporting/internal/http/middleware"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/service"
)

type BugHandler struct {
	ingestService service.IngestService
	issueService  service.IssueService
}

func NewBugHandler(ingestService service.IngestService, issueService service.IssueService) *BugHandler {
	return &BugHandler{
		ingestService: ingestService,
		issueService:  issueService,
	}
}

// Sync runs one ingestion pass and returns its summary. Concurrent callers in
// this process share the run in flight.
func (h *BugHandler) Sync(c *gin.Context) {
	ctx := c.Request.Context()

	report, err := h.ingestService.Sync(ctx, service.TriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": "a sync is already running"})
		case errors.Is(err, service.ErrIngestClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "server is shutting down"})
		case errors.Is(err, service.ErrSourceUnavailable):
			slog.WarnContext(ctx, "mail source unavailable", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "mail source unavailable"})
		case errors.Is(err, context.Canceled):
			c.Status(499)
		default:
			slog.ErrorContext(ctx, "sync failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to sync bug reports"})
		}
		return
	}

	c.JSON(http.StatusOK, report.Surface())
}

func (h *BugHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	var q dto.ListBugsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	issues, err := h.issueService.ListRecent(ctx, q.Limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list bugs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bugs"})
		return
	}

	c.JSON(http.StatusOK, dto.ToBugResponses(issues))
}

func (h *BugHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	issueID, ok := bugID(c)
	if !ok {
		return
	}

	issue, err := h.issueService.Get(ctx, issueID)
	if err != nil {
		h.writeIssueError(c, err, "failed to get bug")
		return
	}

	c.JSON(http.StatusOK, dto.ToBugResponse(issue))
}

func (h *BugHandler) UpdateStatus(c *gin.Context) {
	ctx := c.Request.Context()

	issueID, ok := bugID(c)
	if !ok {
		return
	}

	var req dto.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	issue, err := h.issueService.UpdateStatus(ctx, issueID, model.Status(req.Status))
	if err != nil {
		h.writeIssueError(c, err, "failed to update bug status")
		return
	}

	c.JSON(http.StatusOK, dto.ToBugResponse(issue))
}

func (h *BugHandler) Assign(c *gin.Context) {
	ctx := c.Request.Context()

	issueID, ok := bugID(c)
	if !ok {
		return
	}

	var req dto.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	issue, err := h.issueService.Assign(ctx, issueID, req.OperatorID)
	if err != nil {
		h.writeIssueError(c, err, "failed to assign bug")
		return
	}

	c.JSON(http.StatusOK, dto.ToBugResponse(issue))
}

// AddComment needs an operator session; the admin API key carries no author.
func (h *BugHandler) AddComment(c *gin.Context) {
	ctx := c.Request.Context()

	operator := middleware.GetOperator(ctx)
	if operator == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "commenting requires an operator session"})
		return
	}

	issueID, ok := bugID(c)
	if !ok {
		return
	}

	var req dto.AddCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	issue, err := h.issueService.AddComment(ctx, issueID, operator, req.Message)
	if err != nil {
		h.writeIssueError(c, err, "failed to add comment")
		return
	}

	c.JSON(http.StatusOK, dto.ToBugResponse(issue))
}

func (h *BugHandler) writeIssueError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrIssueNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "bug not found"})
	case errors.Is(err, service.ErrInvalidStatus), errors.Is(err, service.ErrEmptyComment):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrOperatorNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "operator not found or inactive"})
	default:
		slog.ErrorContext(c.Request.Context(), fallback, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func bugID(c *gin.Context) (int64, bool) {
	issueID, err := id.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bug id"})
		return 0, false
	}
	return issueID, true
}
