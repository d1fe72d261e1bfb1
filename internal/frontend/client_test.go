package frontend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adred-codev/immortal/internal/nostr"
	"github.com/adred-codev/immortal/internal/queue"
)

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		verb string
		want queue.Priority
	}{
		{nostr.VerbClose, queue.PriorityCritical},
		{nostr.VerbAuth, queue.PriorityCritical},
		{nostr.VerbReq, queue.PriorityHigh},
		{nostr.VerbEvent, queue.PriorityNormal},
		{"COUNT", queue.PriorityLow},
		{"", queue.PriorityLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, priorityFor(tc.verb), "verb %q", tc.verb)
	}
}

// A rejection must be answered in the vocabulary of the frame that was
// rejected: OK for events, CLOSED for subscriptions, NOTICE otherwise.
func TestRejectionFrame(t *testing.T) {
	ok := rejectionFrame(&nostr.FrameSummary{Verb: nostr.VerbEvent, EventID: "abc"}, "queue full")
	assert.JSONEq(t, `["OK","abc",false,"queue full"]`, string(ok))

	closed := rejectionFrame(&nostr.FrameSummary{Verb: nostr.VerbReq, SubID: "s1"}, "rate limited")
	assert.JSONEq(t, `["CLOSED","s1","rate limited"]`, string(closed))

	notice := rejectionFrame(&nostr.FrameSummary{Verb: nostr.VerbAuth}, "circuit breaker open")
	assert.JSONEq(t, `["NOTICE","circuit breaker open"]`, string(notice))

	// An unparseable frame has no verb and falls through to NOTICE.
	empty := rejectionFrame(&nostr.FrameSummary{}, "rate limited")
	assert.JSONEq(t, `["NOTICE","rate limited"]`, string(empty))
}
