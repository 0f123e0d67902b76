package pipeline

import (
	"errors"
	"regexp"
	"slices"
	"strings"

	"github.com/telex-ph/bug-reporting/internal/model"
)

var ErrMissingExternalID = errors.New("message has no external id")

const (
	untitled        = "Untitled bug report"
	unknownReporter = "Unknown"
)

// priorityBySeverity is fixed. Classification of the same input must always
// yield the same priority.
var priorityBySeverity = map[model.Severity]model.Priority{
	model.SeverityCritical: model.PriorityUrgent,
	model.SeverityHigh:     model.PriorityHigh,
	model.SeverityMedium:   model.PriorityNormal,
	model.SeverityLow:      model.PriorityLow,
}

// categories are checked in order; the first hit wins.
var categories = []string{"Frontend", "Backend", "Database", "API", "UI/UX", "Performance", "Security"}

var keywords = []string{"crash", "error", "bug", "issue", "problem", "urgent"}

var (
	severityPattern  = regexp.MustCompile(`(?i)\[\s*(CRITICAL|HIGH|MEDIUM|LOW)\s*\]`)
	reportTagPattern = regexp.MustCompile(`(?i)\[\s*BUG\s+REPORT\s*\]`)
	dashes           = strings.NewReplacer("—", "-", "–", "-")
)

// labelPattern matches "Label:" anywhere in the text as long as the label
// starts a word. Group 1 spans the label itself.
func labelPattern(alternatives string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN])((?:` + alternatives + `)[ \t]*:)[ \t]*`)
}

var (
	stepsSection    = labelPattern(`steps\s+to\s+reproduce`)
	expectedSection = labelPattern(`expected\s+behaviou?r`)
	actualSection   = labelPattern(`actual\s+behaviou?r`)

	browserField    = labelPattern(`browser`)
	osField         = labelPattern(`os|operating\s+system`)
	deviceField     = labelPattern(`device(?:\s+type)?`)
	resolutionField = labelPattern(`(?:screen\s+)?resolution|screen`)
)

// stopLabels end a section early, even when the next label sits on the same line.
var stopLabels = []*regexp.Regexp{
	stepsSection, expectedSection, actualSection,
	browserField, osField, deviceField, resolutionField,
	labelPattern(`environment`),
}

// Fields is everything Classify derives from a subject and a body.
type Fields struct {
	Severity         model.Severity
	Priority         model.Priority
	Title            string
	Description      string
	Category         string
	StepsToReproduce string
	ExpectedBehavior string
	ActualBehavior   string
	Environment      model.Environment
	Tags             []string
}

// Classify is a pure function over subject and raw body (markup allowed).
func Classify(subject, body string) Fields {
	text := bodyText(body)
	severity := severityOf(subject)
	hits := labelHits(text)

	return Fields{
		Severity:         severity,
		Priority:         priorityBySeverity[severity],
		Title:            titleOf(subject),
		Description:      strings.TrimSpace(anySpace.ReplaceAllString(text, " ")),
		Category:         categoryOf(text),
		StepsToReproduce: extractSection(text, hits, stepsSection),
		ExpectedBehavior: extractSection(text, hits, expectedSection),
		ActualBehavior:   extractSection(text, hits, actualSection),
		Environment: model.Environment{
			Browser:    extractField(text, hits, browserField),
			OS:         extractField(text, hits, osField),
			DeviceType: extractField(text, hits, deviceField),
			Resolution: extractField(text, hits, resolutionField),
		},
		Tags: tagsOf(severity, subject, text),
	}
}

// Parse turns one raw message into an IssueDraft. The only failure is a
// message without an external id.
func Parse(msg model.RawMessage) (model.IssueDraft, error) {
	if strings.TrimSpace(msg.ExternalID) == "" {
		return model.IssueDraft{}, ErrMissingExternalID
	}

	f := Classify(msg.Subject, SelectBody(msg.Body))

	reporter := model.Reporter{Name: msg.Sender.Name, Email: msg.Sender.Address}
	if strings.TrimSpace(reporter.Name) == "" {
		reporter.Name = unknownReporter
	}

	return model.IssueDraft{
		ExternalID:       msg.ExternalID,
		Title:            f.Title,
		Description:      f.Description,
		Severity:         f.Severity,
		Priority:         f.Priority,
		Category:         f.Category,
		StepsToReproduce: f.StepsToReproduce,
		ExpectedBehavior: f.ExpectedBehavior,
		ActualBehavior:   f.ActualBehavior,
		Environment:      f.Environment,
		Tags:             f.Tags,
		ReportedBy:       reporter,
		ReceivedAt:       msg.ReceivedAt,
	}, nil
}

// SelectBody prefers the original-only body, then the full thread, then the preview.
func SelectBody(b model.BodyVariants) string {
	switch {
	case strings.TrimSpace(b.OriginalOnly) != "":
		return b.OriginalOnly
	case strings.TrimSpace(b.Full) != "":
		return b.Full
	default:
		return b.Preview
	}
}

// PriorityFor exposes the fixed severity to priority table.
func PriorityFor(s model.Severity) model.Priority {
	if p, ok := priorityBySeverity[s]; ok {
		return p
	}
	return model.PriorityNormal
}

func severityOf(subject string) model.Severity {
	m := severityPattern.FindStringSubmatch(subject)
	if m == nil {
		return model.SeverityMedium
	}
	switch strings.ToUpper(m[1]) {
	case "CRITICAL":
		return model.SeverityCritical
	case "HIGH":
		return model.SeverityHigh
	case "LOW":
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}

func titleOf(subject string) string {
	t := reportTagPattern.ReplaceAllString(subject, "")
	t = severityPattern.ReplaceAllString(t, "")
	t = strings.TrimSpace(dashes.Replace(t))
	t = strings.TrimSpace(strings.TrimPrefix(t, "-"))
	t = strings.TrimSpace(inlineSpace.ReplaceAllString(t, " "))
	if t == "" {
		return untitled
	}
	return t
}

func categoryOf(text string) string {
	lower := strings.ToLower(text)
	for _, c := range categories {
		if strings.Contains(lower, strings.ToLower(c)) {
			return c
		}
	}
	return model.CategoryOther
}

func tagsOf(severity model.Severity, subject, text string) []string {
	tags := make([]string, 0, 4)
	switch severity {
	case model.SeverityCritical:
		tags = append(tags, "critical")
	case model.SeverityHigh:
		tags = append(tags, "high-priority")
	}

	haystack := strings.ToLower(subject + " " + text)
	for _, k := range keywords {
		if strings.Contains(haystack, k) && !slices.Contains(tags, k) {
			tags = append(tags, k)
		}
	}
	return tags
}

type labelHit struct {
	label      *regexp.Regexp
	start, end int
}

// labelHits lists every known label in text ordered by position. end is the
// offset just past the colon and any trailing blanks.
func labelHits(text string) []labelHit {
	var hits []labelHit
	for _, p := range stopLabels {
		for _, m := range p.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, labelHit{label: p, start: m[2], end: m[1]})
		}
	}
	slices.SortFunc(hits, func(a, b labelHit) int { return a.start - b.start })
	return hits
}

// nextLabel is the offset of the first label starting at or after from.
func nextLabel(text string, hits []labelHit, from int) int {
	for _, h := range hits {
		if h.start >= from {
			return h.start
		}
	}
	return len(text)
}

// extractSection returns the text after the section label up to a blank line,
// the next known label, or the end of text. Blank lines right after the label
// are skipped.
func extractSection(text string, hits []labelHit, label *regexp.Regexp) string {
	for _, h := range hits {
		if h.label != label {
			continue
		}

		value := text[h.end:nextLabel(text, hits, h.end)]
		value = strings.TrimLeft(value, " \t\r\n")
		if i := strings.Index(value, "\n\n"); i >= 0 {
			value = value[:i]
		}

		parts := make([]string, 0, 4)
		for _, line := range strings.Split(value, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				parts = append(parts, line)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// extractField returns the first non-empty value of a single-line field.
func extractField(text string, hits []labelHit, pattern *regexp.Regexp) string {
	for _, h := range hits {
		if h.label != pattern {
			continue
		}
		value := text[h.end:nextLabel(text, hits, h.end)]
		if i := strings.IndexByte(value, '\n'); i >= 0 {
			value = value[:i]
		}
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
