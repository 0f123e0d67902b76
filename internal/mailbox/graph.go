package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/internal/model"
)

const graphSelect = "id,subject,bodyPreview,body,uniqueBody,from,receivedDateTime,isRead,isDraft,conversationId"

type GraphOptions struct {
	BaseURL       string
	Mailbox       string
	SubjectMarker string
	PageSize      int
	Tokens        TokenProvider
	Client        *retryablehttp.Client
}

// GraphSource reads bug reports from one Microsoft Graph mailbox. It searches
// for the subject marker first and falls back to listing the inbox when the
// search request is rejected.
type GraphSource struct {
	baseURL  string
	mailbox  string
	marker   string
	pageSize int
	tokens   TokenProvider
	client   *retryablehttp.Client
}

func NewGraphSource(opts GraphOptions) *GraphSource {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	marker := strings.TrimSpace(opts.SubjectMarker)
	if marker == "" {
		marker = "[BUG REPORT]"
	}
	client := opts.Client
	if client == nil {
		client = NewRetryClient(slog.Default())
	}
	return &GraphSource{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		mailbox:  opts.Mailbox,
		marker:   marker,
		pageSize: pageSize,
		tokens:   opts.Tokens,
		client:   client,
	}
}

// NewGraphSourceFromConfig wires the client-credentials token provider and the
// Graph source onto one retrying HTTP client.
func NewGraphSourceFromConfig(cfg config.MailboxConfig) *GraphSource {
	client := NewRetryClient(slog.Default().With("component", "mailbox"))
	tokens := NewClientCredentials(cfg.AuthorityURL, cfg.TenantID, cfg.ClientID, cfg.ClientSecret, client)
	return NewGraphSource(GraphOptions{
		BaseURL:       cfg.GraphBaseURL,
		Mailbox:       cfg.Address,
		SubjectMarker: cfg.SubjectMarker,
		PageSize:      cfg.PageSize,
		Tokens:        tokens,
		Client:        client,
	})
}

// NewRetryClient returns the retrying HTTP client shared by the token
// provider and the Graph source. Retries cover 429, 5xx and connection errors.
func NewRetryClient(logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 4 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = logger
	return c
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversationId"`
	Subject          string     `json:"subject"`
	BodyPreview      string     `json:"bodyPreview"`
	Body             *graphBody `json:"body"`
	UniqueBody       *graphBody `json:"uniqueBody"`
	ReceivedDateTime time.Time  `json:"receivedDateTime"`
	IsRead           bool       `json:"isRead"`
	IsDraft          bool       `json:"isDraft"`
	From             *struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
}

type graphPage struct {
	Value []graphMessage `json:"value"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *GraphSource) FetchCandidateMessages(ctx context.Context) ([]model.RawMessage, error) {
	if s.mailbox == "" {
		return nil, fmt.Errorf("%w: mailbox address is not configured", ErrUnavailable)
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	page, err := s.search(ctx, token)
	if err != nil {
		slog.WarnContext(ctx, "mailbox search failed, falling back to inbox listing", "error", err)
		page, err = s.listInbox(ctx, token)
		if err != nil {
			return nil, err
		}
	}

	out := make([]model.RawMessage, 0, len(page.Value))
	for _, m := range page.Value {
		if !strings.Contains(strings.ToUpper(m.Subject), strings.ToUpper(s.marker)) {
			continue
		}
		out = append(out, m.toRaw())
	}

	slog.InfoContext(ctx, "fetched candidate messages", "fetched", len(page.Value), "candidates", len(out))
	return out, nil
}

// search uses the Graph $search parameter. Graph rejects $filter combined with
// $search on messages, so drafts are filtered downstream instead.
func (s *GraphSource) search(ctx context.Context, token string) (*graphPage, error) {
	term := strings.Trim(s.marker, "[] ")
	q := url.Values{
		"$search": {strconv.Quote(term)},
		"$select": {graphSelect},
		"$top":    {strconv.Itoa(s.pageSize)},
	}
	return s.getPage(ctx, token, s.userPath("messages"), q)
}

func (s *GraphSource) listInbox(ctx context.Context, token string) (*graphPage, error) {
	q := url.Values{
		"$select":  {graphSelect},
		"$filter":  {"isDraft eq false"},
		"$orderby": {"receivedDateTime desc"},
		"$top":     {strconv.Itoa(s.pageSize * 2)},
	}
	return s.getPage(ctx, token, s.userPath("mailFolders/inbox/messages"), q)
}

// MarkRead flags a processed message as read.
func (s *GraphSource) MarkRead(ctx context.Context, externalID string) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]bool{"isRead": true})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch,
		s.baseURL+s.userPath("messages/"+url.PathEscape(externalID)), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building mark-read request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: marking message read: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	return nil
}

func (s *GraphSource) userPath(rest string) string {
	return "/users/" + url.PathEscape(s.mailbox) + "/" + rest
}

func (s *GraphSource) getPage(ctx context.Context, token, path string, q url.Values) (*graphPage, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="html"`)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var page graphPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decoding message page: %w", ErrUnavailable, err)
	}
	return &page, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := strings.TrimSpace(string(raw))
	var ge graphError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
		msg = ge.Error.Code + ": " + ge.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: credentials rejected by mail API (check tenant, client id and secret): %s", ErrUnavailable, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: application lacks Mail.Read permission on the mailbox: %s", ErrUnavailable, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: mailbox not found: %s", ErrUnavailable, msg)
	default:
		return fmt.Errorf("%w: status=%d message=%s", ErrUnavailable, resp.StatusCode, msg)
	}
}

func (m graphMessage) toRaw() model.RawMessage {
	raw := model.RawMessage{
		ExternalID: m.ID,
		ThreadID:   m.ConversationID,
		Subject:    m.Subject,
		ReceivedAt: m.ReceivedDateTime,
		IsRead:     m.IsRead,
		IsDraft:    m.IsDraft,
		Body:       model.BodyVariants{Preview: m.BodyPreview},
	}
	if m.UniqueBody != nil {
		raw.Body.OriginalOnly = m.UniqueBody.Content
	}
	if m.Body != nil {
		raw.Body.Full = m.Body.Content
	}
	if m.From != nil {
		raw.Sender = model.Sender{Name: m.From.EmailAddress.Name, Address: m.From.EmailAddress.Address}
	}
	return raw
}
