package pipeline

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	replyIntroPattern  = regexp.MustCompile(`(?i)^on\s.+\swrote:?$`)
	originalMsgPattern = regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`)
	underscoreRun      = regexp.MustCompile(`_{2,}`)
	headerLinePattern  = regexp.MustCompile(`(?i)^(from|sent|to|cc|subject|date):`)
	inlineSpace        = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	anySpace           = regexp.MustCompile(`\s+`)
	blankLines         = regexp.MustCompile(`\n{3,}`)
)

// blockElements break lines when rendered to text.
var blockElements = map[atom.Atom]bool{
	atom.Br: true, atom.P: true, atom.Div: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Blockquote: true, atom.Hr: true,
}

// htmlToText renders markup to plain text with entities decoded. Line breaks
// from block elements are kept so blank-line delimited sections survive.
// Plain text input passes through unchanged apart from entity decoding.
func htmlToText(body string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(body))
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; either way keep what was rendered.
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style || a == atom.Head {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style || a == atom.Head {
				if skip > 0 {
					skip--
				}
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			}
		}
	}
}

// stripQuoted removes quoted history: lines starting with ">", "On ... wrote:"
// intros, "Original Message" separators, and From/Sent/To/Subject header blocks.
func stripQuoted(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		switch {
		case strings.HasPrefix(line, ">"):
			continue
		case replyIntroPattern.MatchString(line):
			continue
		case originalMsgPattern.MatchString(line):
			continue
		case strings.HasPrefix(strings.ToLower(line), "from:") && isHeaderBlock(lines[i:]):
			for i+1 < len(lines) && headerLinePattern.MatchString(strings.TrimSpace(lines[i+1])) {
				i++
			}
			continue
		}

		out = append(out, underscoreRun.ReplaceAllString(lines[i], ""))
	}

	return strings.Join(out, "\n")
}

// A "From:" line starts a header block when a "Sent:" line follows closely.
func isHeaderBlock(lines []string) bool {
	for j := 1; j < len(lines) && j <= 4; j++ {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(lines[j])), "sent:") {
			return true
		}
	}
	return false
}

// normalizeLines collapses runs of inline whitespace, trims every line, and
// squeezes more than one blank line into one.
func normalizeLines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n"))
}

// bodyText is the line-preserving cleaned body used for section extraction.
func bodyText(body string) string {
	if body == "" {
		return ""
	}
	return normalizeLines(stripQuoted(normalizeLines(htmlToText(body))))
}

// CleanBody strips markup, decodes entities, removes quoted replies and
// collapses all whitespace into single spaces.
func CleanBody(body string) string {
	return strings.TrimSpace(anySpace.ReplaceAllString(bodyText(body), " "))
}
