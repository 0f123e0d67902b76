package issue_tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/internal/model"
)

type gitLabMirror struct {
	client    *gitlab.Client
	projectID string
}

func NewGitLabMirror(cfg config.GitLabConfig) (IssueMirror, error) {
	client, err := newClient(cfg.BaseURL, cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &gitLabMirror{client: client, projectID: cfg.ProjectID}, nil
}

func (m *gitLabMirror) MirrorIssue(ctx context.Context, issue *model.Issue) (*MirrorRef, error) {
	labels := gitlab.LabelOptions(Labels(issue))

	created, _, err := m.client.Issues.CreateIssue(m.projectID, &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(issue.Title),
		Description: gitlab.Ptr(Description(issue)),
		Labels:      &labels,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("creating gitlab issue: %w", err)
	}

	slog.InfoContext(ctx, "issue mirrored to gitlab",
		"project_id", m.projectID,
		"gitlab_iid", created.IID,
	)
	return &MirrorRef{IID: int64(created.IID), WebURL: created.WebURL}, nil
}

// Labels are scoped so they sort together in the GitLab label picker.
func Labels(issue *model.Issue) []string {
	labels := []string{
		"severity::" + strings.ToLower(string(issue.Severity)),
		"priority::" + strings.ToLower(string(issue.Priority)),
		"category::" + issue.Category,
		"source::email",
	}
	return append(labels, issue.Tags...)
}

// Description renders the parsed report as GitLab markdown. Empty sections are omitted.
func Description(issue *model.Issue) string {
	var b strings.Builder

	b.WriteString(issue.Description)
	b.WriteString("\n")

	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", title, body)
	}
	section("Steps to reproduce", issue.StepsToReproduce)
	section("Expected behavior", issue.ExpectedBehavior)
	section("Actual behavior", issue.ActualBehavior)

	env := issue.Environment
	var rows []string
	for _, kv := range [][2]string{
		{"Browser", env.Browser},
		{"OS", env.OS},
		{"Device", env.DeviceType},
		{"Resolution", env.Resolution},
	} {
		if kv[1] != "" {
			rows = append(rows, fmt.Sprintf("| %s | %s |", kv[0], kv[1]))
		}
	}
	if len(rows) > 0 {
		b.WriteString("\n### Environment\n\n| | |\n|---|---|\n")
		b.WriteString(strings.Join(rows, "\n"))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n---\nReported by %s <%s> on %s (bug %d)\n",
		issue.ReportedBy.Name, issue.ReportedBy.Email,
		issue.ReceivedAt.UTC().Format("2006-01-02 15:04 MST"), issue.ID)
	return b.String()
}

func newClient(baseURL string, token string) (*gitlab.Client, error) {
	if baseURL == "" {
		return gitlab.NewClient(token)
	}
	apiURL := strings.TrimSuffix(baseURL, "/") + "/api/v4"
	return gitlab.NewClient(token, gitlab.WithBaseURL(apiURL))
}
