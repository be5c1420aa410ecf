package domain

import "strings"

// Canonical event types exchanged between the platform services. The relay
// forwards unknown types untouched (consumers decide what to do with them),
// but only catalogued types can be produced through the admin API.
const (
	EventStudentEnrolled       = "student.enrolled"
	EventStudentWithdrawn      = "student.withdrawn"
	EventPaymentProcessed      = "payment.processed"
	EventPaymentFailed         = "payment.failed"
	EventInvoiceIssued         = "invoice.issued"
	EventExamScheduled         = "exam.scheduled"
	EventExamGraded            = "exam.graded"
	EventNotificationRequested = "notification.requested"
)

const (
	ChannelStudentEvents      = "student.events"
	ChannelPaymentEvents      = "payment.events"
	ChannelExamEvents         = "exam.events"
	ChannelNotificationEvents = "notification.events"
)

var channelByEvent = map[string]string{
	EventStudentEnrolled:       ChannelStudentEvents,
	EventStudentWithdrawn:      ChannelStudentEvents,
	EventPaymentProcessed:      ChannelPaymentEvents,
	EventPaymentFailed:         ChannelPaymentEvents,
	EventInvoiceIssued:         ChannelPaymentEvents,
	EventExamScheduled:         ChannelExamEvents,
	EventExamGraded:            ChannelExamEvents,
	EventNotificationRequested: ChannelNotificationEvents,
}

// IsCanonicalEvent reports whether the type is part of the platform catalog.
func IsCanonicalEvent(eventType string) bool {
	_, ok := channelByEvent[strings.TrimSpace(eventType)]
	return ok
}

// ChannelFor returns the broker channel a catalogued event type is routed to.
func ChannelFor(eventType string) (string, bool) {
	ch, ok := channelByEvent[strings.TrimSpace(eventType)]
	return ch, ok
}

// Channels lists every channel the catalog routes to, deduplicated.
func Channels() []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(channelByEvent))
	for _, ch := range channelByEvent {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
