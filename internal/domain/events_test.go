package domain

import "testing"

func TestChannelFor_CatalogRouting(t *testing.T) {
	cases := map[string]string{
		EventStudentEnrolled:       ChannelStudentEvents,
		EventStudentWithdrawn:      ChannelStudentEvents,
		EventPaymentProcessed:      ChannelPaymentEvents,
		EventInvoiceIssued:         ChannelPaymentEvents,
		EventExamGraded:            ChannelExamEvents,
		EventNotificationRequested: ChannelNotificationEvents,
	}
	for eventType, want := range cases {
		ch, ok := ChannelFor(eventType)
		if !ok || ch != want {
			t.Errorf("ChannelFor(%s) = %q, %v; want %q", eventType, ch, ok, want)
		}
	}
}

func TestChannelFor_UnknownType(t *testing.T) {
	if _, ok := ChannelFor("pdf.rendered"); ok {
		t.Fatal("uncatalogued type must not resolve to a channel")
	}
	if IsCanonicalEvent("pdf.rendered") {
		t.Fatal("uncatalogued type must not be canonical")
	}
}

func TestChannels_Deduplicated(t *testing.T) {
	seen := map[string]bool{}
	for _, ch := range Channels() {
		if seen[ch] {
			t.Fatalf("channel %s listed twice", ch)
		}
		seen[ch] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(seen))
	}
}
