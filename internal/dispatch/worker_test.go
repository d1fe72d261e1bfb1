package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/immortal/internal/kv"
	"github.com/adred-codev/immortal/internal/nostr"
	"github.com/adred-codev/immortal/internal/pubsub"
	"github.com/adred-codev/immortal/internal/storage"
)

const testNow int64 = 1700000000

type acceptAll struct{}

func (acceptAll) Verify(*nostr.Event) error { return nil }

type rejectAll struct{}

func (rejectAll) Verify(*nostr.Event) error { return errors.New("no") }

func newTestWorker(t *testing.T, verifier nostr.Verifier) (*Worker, *kv.Memory, *storage.Memory, *pubsub.Router) {
	t.Helper()
	store := kv.NewMemory()
	router := pubsub.New(pubsub.Options{Store: store, Logger: zerolog.Nop()})
	engine := storage.NewMemory()
	w := NewWorker(WorkerOptions{
		Store:    store,
		Router:   router,
		Engine:   engine,
		Verifier: verifier,
		Logger:   zerolog.Nop(),
		Shards:   1,
		Clock:    func() int64 { return testNow },
	})
	return w, store, engine, router
}

// makeEvent builds a structurally valid event with a correct id. The
// signature is well-formed hex; tests that care about it swap verifiers.
func makeEvent(pubkey string, kind int, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	if tags == nil {
		tags = []nostr.Tag{}
	}
	ev := &nostr.Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       strings.Repeat("cd", 64),
	}
	ev.ID = ev.ComputeID()
	return ev
}

func pk(c byte) string { return strings.Repeat(string(c), 64) }

func eventEnvelope(t *testing.T, connID string, ev *nostr.Event) *Envelope {
	t.Helper()
	frame, err := json.Marshal([]any{"EVENT", ev})
	if err != nil {
		t.Fatalf("marshaling frame: %v", err)
	}
	return &Envelope{ConnID: connID, Data: frame, Priority: 2, QueuedAt: testNow * 1000}
}

func reqEnvelope(t *testing.T, connID, subID string, filters ...any) *Envelope {
	t.Helper()
	parts := append([]any{"REQ", subID}, filters...)
	frame, err := json.Marshal(parts)
	if err != nil {
		t.Fatalf("marshaling frame: %v", err)
	}
	return &Envelope{ConnID: connID, Data: frame, Priority: 1, QueuedAt: testNow * 1000}
}

func closeEnvelope(t *testing.T, connID, subID string) *Envelope {
	t.Helper()
	frame, err := json.Marshal([]any{"CLOSE", subID})
	if err != nil {
		t.Fatalf("marshaling frame: %v", err)
	}
	return &Envelope{ConnID: connID, Data: frame, Priority: 0, QueuedAt: testNow * 1000}
}

func responses(t *testing.T, store *kv.Memory, connID string) []string {
	t.Helper()
	out, err := store.LPopCount(context.Background(), ResponseKey(connID), 1000)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("reading responses: %v", err)
	}
	return out
}

// TestHandle_EventStoredAckedAndFannedOut walks the full EVENT path: a
// valid event is persisted, acked OK true to its sender, and delivered to
// a matching subscription on another connection.
func TestHandle_EventStoredAckedAndFannedOut(t *testing.T) {
	w, store, engine, router := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	if err := router.Subscribe(ctx, "c2", "s1", nostr.Filters{{Kinds: []int{1}}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := makeEvent(pk('a'), 1, testNow-10, "hello")
	w.handle(ctx, w.logger, eventEnvelope(t, "c1", ev))

	got := responses(t, store, "c1")
	if len(got) != 1 {
		t.Fatalf("expected 1 reply to sender, got %d: %v", len(got), got)
	}
	want := fmt.Sprintf(`["OK","%s",true,""]`, ev.ID)
	if got[0] != want {
		t.Fatalf("expected %s, got %s", want, got[0])
	}

	if engine.Len() != 1 {
		t.Fatalf("expected event persisted, engine has %d", engine.Len())
	}

	fan := responses(t, store, "c2")
	if len(fan) != 1 {
		t.Fatalf("expected 1 broadcast frame, got %d: %v", len(fan), fan)
	}
	if !strings.HasPrefix(fan[0], `["EVENT","s1",`) {
		t.Fatalf("expected EVENT frame for s1, got %s", fan[0])
	}
	if !strings.Contains(fan[0], ev.ID) {
		t.Fatalf("expected broadcast to carry the event, got %s", fan[0])
	}
}

// TestHandle_EventResponseListTTL verifies replies land with the short
// response TTL applied.
func TestHandle_EventResponseListTTL(t *testing.T) {
	w, store, _, _ := newTestWorker(t, acceptAll{})

	ev := makeEvent(pk('a'), 1, testNow, "x")
	w.handle(context.Background(), w.logger, eventEnvelope(t, "c1", ev))

	ttl, ok := store.TTL(ResponseKey("c1"))
	if !ok || ttl <= 0 || ttl > 5*time.Second {
		t.Fatalf("expected response TTL in (0, 5s], got %s (set=%v)", ttl, ok)
	}
}

// TestHandle_EventIDMismatch verifies a tampered id is refused before
// storage.
func TestHandle_EventIDMismatch(t *testing.T) {
	w, store, engine, _ := newTestWorker(t, acceptAll{})

	ev := makeEvent(pk('a'), 1, testNow, "original")
	ev.Content = "tampered"

	w.handle(context.Background(), w.logger, eventEnvelope(t, "c1", ev))

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.Contains(got[0], `false,"invalid: event id does not match"`) {
		t.Fatalf("expected id mismatch rejection, got %v", got)
	}
	if engine.Len() != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

// TestHandle_EventBadSignature verifies verifier failures produce OK false.
func TestHandle_EventBadSignature(t *testing.T) {
	w, store, engine, _ := newTestWorker(t, rejectAll{})

	ev := makeEvent(pk('a'), 1, testNow, "x")
	w.handle(context.Background(), w.logger, eventEnvelope(t, "c1", ev))

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.Contains(got[0], `false,"invalid: signature verification failed"`) {
		t.Fatalf("expected signature rejection, got %v", got)
	}
	if engine.Len() != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

// TestHandle_EventValidation verifies structural validation runs first:
// a created_at beyond the permitted future skew is refused.
func TestHandle_EventValidation(t *testing.T) {
	w, store, _, _ := newTestWorker(t, acceptAll{})

	ev := makeEvent(pk('a'), 1, testNow+nostr.MaxCreatedAtSkew+1, "from the future")
	w.handle(context.Background(), w.logger, eventEnvelope(t, "c1", ev))

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.Contains(got[0], `false,"invalid: `) {
		t.Fatalf("expected validation rejection, got %v", got)
	}
}

// TestHandle_EventDuplicate verifies resubmission acks OK true with the
// duplicate reason and does not double-store.
func TestHandle_EventDuplicate(t *testing.T) {
	w, store, engine, _ := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	ev := makeEvent(pk('a'), 1, testNow, "once")
	w.handle(ctx, w.logger, eventEnvelope(t, "c1", ev))
	responses(t, store, "c1")

	w.handle(ctx, w.logger, eventEnvelope(t, "c1", ev))
	got := responses(t, store, "c1")
	if len(got) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(got))
	}
	want := fmt.Sprintf(`["OK","%s",true,"duplicate: already have this event"]`, ev.ID)
	if got[0] != want {
		t.Fatalf("expected %s, got %s", want, got[0])
	}
	if engine.Len() != 1 {
		t.Fatalf("expected single copy, engine has %d", engine.Len())
	}
}

// TestHandle_DeletionRemovesOwnEvents verifies the kind-5 path deletes
// targets owned by the author and leaves other authors' events alone.
func TestHandle_DeletionRemovesOwnEvents(t *testing.T) {
	w, store, engine, _ := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	mine := makeEvent(pk('a'), 1, testNow-100, "mine")
	theirs := makeEvent(pk('b'), 1, testNow-100, "theirs")
	w.handle(ctx, w.logger, eventEnvelope(t, "c1", mine))
	w.handle(ctx, w.logger, eventEnvelope(t, "c2", theirs))
	responses(t, store, "c1")
	responses(t, store, "c2")

	del := makeEvent(pk('a'), nostr.KindDeletion, testNow, "",
		nostr.Tag{"e", mine.ID}, nostr.Tag{"e", theirs.ID})
	w.handle(ctx, w.logger, eventEnvelope(t, "c1", del))

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.Contains(got[0], "true") {
		t.Fatalf("expected deletion event acked, got %v", got)
	}

	left, err := engine.Query(ctx, nostr.Filters{{IDs: []string{mine.ID, theirs.ID}}}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(left) != 1 || left[0].ID != theirs.ID {
		t.Fatalf("expected only the other author's event to survive, got %d", len(left))
	}
}

// TestHandle_ReqRegistersQueriesAndEOSE verifies REQ registers the
// subscription, streams history newest-first, and terminates with EOSE.
func TestHandle_ReqRegistersQueriesAndEOSE(t *testing.T) {
	w, store, engine, router := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := makeEvent(pk('a'), 1, testNow-int64(100-i), fmt.Sprintf("n%d", i))
		if stored, err := engine.Store(ctx, ev); err != nil || !stored {
			t.Fatalf("seeding event %d: stored=%v err=%v", i, stored, err)
		}
	}

	w.handle(ctx, w.logger, reqEnvelope(t, "c1", "s1",
		map[string]any{"kinds": []int{1}, "limit": 2}))

	got := responses(t, store, "c1")
	if len(got) != 3 {
		t.Fatalf("expected 2 events + EOSE, got %d: %v", len(got), got)
	}
	if !strings.Contains(got[0], `"n2"`) || !strings.Contains(got[1], `"n1"`) {
		t.Fatalf("expected newest-first history, got %v", got[:2])
	}
	if got[2] != `["EOSE","s1"]` {
		t.Fatalf("expected EOSE terminator, got %s", got[2])
	}

	count, err := router.SubscriptionCount(ctx, "c1")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 live subscription, got %d err=%v", count, err)
	}
}

// TestHandle_ReqLiveMatchAfterSubscribe verifies an event arriving after
// REQ reaches the subscriber through the index.
func TestHandle_ReqLiveMatchAfterSubscribe(t *testing.T) {
	w, store, _, _ := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	w.handle(ctx, w.logger, reqEnvelope(t, "c1", "s1", map[string]any{"#e": []string{"aa"}}))
	responses(t, store, "c1")

	ev := makeEvent(pk('b'), 7, testNow, "", nostr.Tag{"e", "aa"})
	w.handle(ctx, w.logger, eventEnvelope(t, "c2", ev))
	responses(t, store, "c2")

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.HasPrefix(got[0], `["EVENT","s1",`) {
		t.Fatalf("expected live EVENT for s1, got %v", got)
	}
}

// TestHandle_ReqCapsSubscriptions verifies the per-connection cap returns
// CLOSED with a rate-limited reason.
func TestHandle_ReqCapsSubscriptions(t *testing.T) {
	w, store, _, _ := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	members := make([]string, nostr.MaxSubsPerConn)
	for i := range members {
		members[i] = fmt.Sprintf("s%d", i)
	}
	if err := store.SAdd(ctx, pubsub.ConnSetKey("c1"), members...); err != nil {
		t.Fatalf("seeding connection set: %v", err)
	}

	w.handle(ctx, w.logger, reqEnvelope(t, "c1", "overflow", map[string]any{"kinds": []int{1}}))

	got := responses(t, store, "c1")
	want := `["CLOSED","overflow","rate-limited: too many concurrent subscriptions"]`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("expected %s, got %v", want, got)
	}
}

// TestHandle_ReqReplaceAtCapKeepsSubscription verifies that re-using a
// live subscription id on a connection already at the cap swaps the
// filters in place instead of rejecting: the count stays put and
// delivery follows the new filters only.
func TestHandle_ReqReplaceAtCapKeepsSubscription(t *testing.T) {
	w, store, _, router := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	for i := 0; i < nostr.MaxSubsPerConn; i++ {
		subID := fmt.Sprintf("s%d", i)
		if err := router.Subscribe(ctx, "c1", subID, nostr.Filters{{Kinds: []int{1}}}); err != nil {
			t.Fatalf("subscribe %s: %v", subID, err)
		}
	}

	w.handle(ctx, w.logger, reqEnvelope(t, "c1", "s0", map[string]any{"kinds": []int{2}}))

	got := responses(t, store, "c1")
	if len(got) != 1 || got[0] != `["EOSE","s0"]` {
		t.Fatalf("expected EOSE for replaced subscription, got %v", got)
	}

	count, err := router.SubscriptionCount(ctx, "c1")
	if err != nil || count != int64(nostr.MaxSubsPerConn) {
		t.Fatalf("expected count to stay %d, got %d err=%v", nostr.MaxSubsPerConn, count, err)
	}

	matches, err := router.FindMatchingSubscriptions(ctx, makeEvent(pk('a'), 2, testNow, "x"))
	if err != nil {
		t.Fatalf("find kind 2: %v", err)
	}
	if len(matches) != 1 || matches[0].ConnID != "c1" || matches[0].SubID != "s0" {
		t.Fatalf("expected only the replaced s0 to match kind 2, got %v", matches)
	}

	matches, err = router.FindMatchingSubscriptions(ctx, makeEvent(pk('a'), 1, testNow, "y"))
	if err != nil {
		t.Fatalf("find kind 1: %v", err)
	}
	for _, m := range matches {
		if m.SubID == "s0" {
			t.Fatal("replaced subscription still delivering on its old filters")
		}
	}
	if len(matches) != nostr.MaxSubsPerConn-1 {
		t.Fatalf("expected %d kind-1 matches, got %d", nostr.MaxSubsPerConn-1, len(matches))
	}
}

// TestHandle_ReqClampsFilterLimit verifies oversized limits are clamped
// rather than rejected.
func TestHandle_ReqClampsFilterLimit(t *testing.T) {
	w, _, _, router := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	w.handle(ctx, w.logger, reqEnvelope(t, "c1", "s1",
		map[string]any{"kinds": []int{1}, "limit": 999999}))

	matches, err := router.FindMatchingSubscriptions(ctx, makeEvent(pk('a'), 1, testNow, "x"))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected subscription registered, got %d matches", len(matches))
	}
	if got := matches[0].Filters[0].Limit; got != nostr.MaxFilterLimit {
		t.Fatalf("expected limit clamped to %d, got %d", nostr.MaxFilterLimit, got)
	}
}

// TestHandle_CloseRepliesOnlyWhenSubscriptionExisted verifies CLOSE
// teardown semantics.
func TestHandle_CloseRepliesOnlyWhenSubscriptionExisted(t *testing.T) {
	w, store, _, router := newTestWorker(t, acceptAll{})
	ctx := context.Background()

	w.handle(ctx, w.logger, closeEnvelope(t, "c1", "ghost"))
	if got := responses(t, store, "c1"); len(got) != 0 {
		t.Fatalf("expected no reply for unknown subscription, got %v", got)
	}

	if err := router.Subscribe(ctx, "c1", "s1", nostr.Filters{{Kinds: []int{1}}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	w.handle(ctx, w.logger, closeEnvelope(t, "c1", "s1"))

	got := responses(t, store, "c1")
	if len(got) != 1 || got[0] != `["CLOSED","s1",""]` {
		t.Fatalf("expected CLOSED acknowledgment, got %v", got)
	}
	count, err := router.SubscriptionCount(ctx, "c1")
	if err != nil || count != 0 {
		t.Fatalf("expected subscription removed, count=%d err=%v", count, err)
	}
}

// TestHandle_UnsupportedVerb verifies unknown verbs get a NOTICE and
// nothing else happens.
func TestHandle_UnsupportedVerb(t *testing.T) {
	w, store, _, _ := newTestWorker(t, acceptAll{})

	frame, _ := json.Marshal([]any{"AUTH", "challenge-token"})
	w.handle(context.Background(), w.logger, &Envelope{ConnID: "c1", Data: frame})

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.HasPrefix(got[0], `["NOTICE","unsupported: `) {
		t.Fatalf("expected unsupported NOTICE, got %v", got)
	}
}

// TestHandle_MalformedFrame verifies unparsable frames get a NOTICE with
// the invalid prefix.
func TestHandle_MalformedFrame(t *testing.T) {
	w, store, _, _ := newTestWorker(t, acceptAll{})

	w.handle(context.Background(), w.logger, &Envelope{ConnID: "c1", Data: []byte(`{"not":"an array"}`)})

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.HasPrefix(got[0], `["NOTICE","invalid: `) {
		t.Fatalf("expected invalid NOTICE, got %v", got)
	}
}

// TestRun_ConsumesWorkListUntilCancelled exercises the full loop: an
// envelope pushed to the work list is handled, and cancellation stops the
// worker.
func TestRun_ConsumesWorkListUntilCancelled(t *testing.T) {
	w, store, engine, _ := newTestWorker(t, acceptAll{})
	w.blockTimeout = 50 * time.Millisecond

	ev := makeEvent(pk('a'), 1, testNow, "via list")
	env := eventEnvelope(t, "c1", ev)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := store.RPush(context.Background(), w.workList, string(raw)); err != nil {
		t.Fatalf("seeding work list: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for engine.Len() == 0 {
		select {
		case <-deadline:
			t.Fatalf("worker never processed the envelope")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after cancellation")
	}

	got := responses(t, store, "c1")
	if len(got) != 1 || !strings.Contains(got[0], "true") {
		t.Fatalf("expected OK reply on the response list, got %v", got)
	}
}
