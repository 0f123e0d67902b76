package pipeline

import (
	"strconv"
	"strings"

	"github.com/telex-ph/bug-reporting/internal/model"
)

// IsReply reports whether a subject carries one of the reply/forward markers.
// Markers ending in ":" must prefix the subject; any other marker may appear
// anywhere. Matching is case-insensitive.
func IsReply(subject string, markers []string) bool {
	s := strings.ToUpper(strings.TrimSpace(subject))
	for _, m := range markers {
		marker := strings.ToUpper(strings.TrimSpace(m))
		if marker == "" {
			continue
		}
		if strings.HasSuffix(marker, ":") {
			if strings.HasPrefix(s, marker) {
				return true
			}
			continue
		}
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Deduplicate keeps one originating message per thread: the one with the
// earliest ReceivedAt. Drafts and replies/forwards are dropped first. On equal
// timestamps the message seen first in msgs wins. Output order follows the
// first appearance of each thread.
func Deduplicate(msgs []model.RawMessage, replyMarkers []string) []model.RawMessage {
	out := make([]model.RawMessage, 0, len(msgs))
	slot := make(map[string]int, len(msgs))

	for i, msg := range msgs {
		if msg.IsDraft || IsReply(msg.Subject, replyMarkers) {
			continue
		}

		key := threadKey(msg, i)
		if j, seen := slot[key]; seen {
			if msg.ReceivedAt.Before(out[j].ReceivedAt) {
				out[j] = msg
			}
			continue
		}

		slot[key] = len(out)
		out = append(out, msg)
	}

	return out
}

// Messages without a thread id are their own thread. Without an external id
// either, the position in the batch keeps them apart.
func threadKey(msg model.RawMessage, index int) string {
	switch {
	case msg.ThreadID != "":
		return "thread:" + msg.ThreadID
	case msg.ExternalID != "":
		return "message:" + msg.ExternalID
	default:
		return "index:" + strconv.Itoa(index)
	}
}
