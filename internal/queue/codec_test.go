package queue_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/queue"
)

var _ = Describe("stream entries", func() {
	It("carries the subject and trace id across processes", func() {
		event := model.NotificationEvent{
			Kind:      model.EventAssigned,
			Title:     "Bug assigned",
			Payload:   map[string]any{"bugId": "123"},
			SubjectID: "77",
			Timestamp: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		}

		values, err := queue.EncodeEvent(event, "4bf92f3577b34da6a3ce929d0e0e4736")
		Expect(err).NotTo(HaveOccurred())

		got, traceID, err := queue.ParseEvent(redis.XMessage{ID: "1-0", Values: values})

		Expect(err).NotTo(HaveOccurred())
		Expect(traceID).To(Equal("4bf92f3577b34da6a3ce929d0e0e4736"))
		Expect(got.SubjectID).To(Equal("77"))
		Expect(got.Payload).To(HaveKeyWithValue("bugId", "123"))
		Expect(got.Timestamp.Equal(event.Timestamp)).To(BeTrue())
	})

	It("omits the trace id when there is none", func() {
		values, err := queue.EncodeEvent(model.NotificationEvent{Kind: model.EventStatusChanged}, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(values).NotTo(HaveKey("trace_id"))
	})

	DescribeTable("rejects entries it cannot dispatch",
		func(values map[string]any) {
			_, _, err := queue.ParseEvent(redis.XMessage{ID: "1-0", Values: values})
			Expect(err).To(HaveOccurred())
		},
		Entry("no event field", map[string]any{"kind": "bug_assigned"}),
		Entry("not json", map[string]any{"event": "{"}),
		Entry("no kind", map[string]any{"event": `{"title":"x"}`}),
	)
})
