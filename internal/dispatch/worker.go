package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/immortal/internal/kv"
	"github.com/adred-codev/immortal/internal/monitoring"
	"github.com/adred-codev/immortal/internal/nostr"
	"github.com/adred-codev/immortal/internal/pubsub"
	"github.com/adred-codev/immortal/internal/storage"
)

// Worker pulls envelopes off the shared work list and runs the protocol:
// EVENT validation/persistence/fan-out, REQ registration plus historical
// query, CLOSE teardown. Envelopes are fanned to shard goroutines keyed by
// connection id so frames from one connection are handled in order while
// different connections proceed in parallel.
type Worker struct {
	store    kv.Store
	router   *pubsub.Router
	engine   storage.Engine
	verifier nostr.Verifier
	logger   zerolog.Logger

	workList     string
	batch        int
	blockTimeout time.Duration
	responseTTL  time.Duration
	queryLimit   int
	shards       int

	now func() int64
}

type WorkerOptions struct {
	Store    kv.Store
	Router   *pubsub.Router
	Engine   storage.Engine
	Verifier nostr.Verifier
	Logger   zerolog.Logger

	WorkList     string        // default nostr:work
	Batch        int           // max envelopes per fetch, default 1000
	BlockTimeout time.Duration // BLPOP timeout, capped at 1s
	ResponseTTL  time.Duration // response list TTL, default 5s
	QueryLimit   int           // historical results when no filter asks, default 500
	Shards       int           // handler goroutines, default 4

	// Clock returns unix seconds; tests pin it for created_at bounds.
	Clock func() int64
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.WorkList == "" {
		opts.WorkList = "nostr:work"
	}
	if opts.Batch <= 0 {
		opts.Batch = 1000
	}
	if opts.BlockTimeout <= 0 || opts.BlockTimeout > time.Second {
		opts.BlockTimeout = time.Second
	}
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = 5 * time.Second
	}
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = 500
	}
	if opts.Shards <= 0 {
		opts.Shards = 4
	}
	if opts.Verifier == nil {
		opts.Verifier = nostr.SchnorrVerifier{}
	}
	if opts.Clock == nil {
		opts.Clock = func() int64 { return time.Now().Unix() }
	}
	return &Worker{
		store:        opts.Store,
		router:       opts.Router,
		engine:       opts.Engine,
		verifier:     opts.Verifier,
		logger:       opts.Logger.With().Str("component", "worker").Logger(),
		workList:     opts.WorkList,
		batch:        opts.Batch,
		blockTimeout: opts.BlockTimeout,
		responseTTL:  opts.ResponseTTL,
		queryLimit:   opts.QueryLimit,
		shards:       opts.Shards,
		now:          opts.Clock,
	}
}

// Run consumes the work list until ctx is cancelled, then drains the
// shard channels and returns.
func (w *Worker) Run(ctx context.Context) {
	chans := make([]chan *Envelope, w.shards)
	var wg sync.WaitGroup
	for i := range chans {
		chans[i] = make(chan *Envelope, 256)
		wg.Add(1)
		go w.shardLoop(ctx, i, chans[i], &wg)
	}

	go w.observeDepth(ctx)

	w.logger.Info().
		Str("work_list", w.workList).
		Int("batch", w.batch).
		Int("shards", w.shards).
		Msg("worker started")

	for ctx.Err() == nil {
		for _, raw := range w.fetchBatch(ctx) {
			env, err := DecodeEnvelope([]byte(raw))
			if err != nil {
				// Nothing to reply to without a connection id.
				monitoring.ErrorsTotal.WithLabelValues("envelope", "warning").Inc()
				w.logger.Warn().Err(err).Msg("discarding bad work item")
				continue
			}
			select {
			case chans[w.shardFor(env.ConnID)] <- env:
			case <-ctx.Done():
			}
		}
	}

	for _, ch := range chans {
		close(ch)
	}
	wg.Wait()
	w.logger.Info().Msg("worker stopped")
}

// fetchBatch blocks up to the pop timeout for the first item, then drains
// whatever else is immediately available up to the batch size.
func (w *Worker) fetchBatch(ctx context.Context) []string {
	first, err := w.store.BLPop(ctx, w.blockTimeout, w.workList)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) || ctx.Err() != nil {
			return nil
		}
		monitoring.ErrorsTotal.WithLabelValues("work_list", "error").Inc()
		w.logger.Error().Err(err).Msg("work list pop failed, backing off")
		w.sleep(ctx, time.Second)
		return nil
	}

	items := append(make([]string, 0, w.batch), first)
	if w.batch > 1 {
		rest, err := w.store.LPopCount(ctx, w.workList, w.batch-1)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			w.logger.Warn().Err(err).Msg("batch drain failed, continuing with partial batch")
		}
		items = append(items, rest...)
	}
	return items
}

func (w *Worker) shardFor(connID string) int {
	h := fnv.New64a()
	h.Write([]byte(connID))
	return int(h.Sum64() % uint64(w.shards))
}

func (w *Worker) shardLoop(ctx context.Context, id int, ch <-chan *Envelope, wg *sync.WaitGroup) {
	defer wg.Done()
	log := w.logger.With().Int("shard", id).Logger()

	for env := range ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					monitoring.ErrorsTotal.WithLabelValues("handler_panic", "critical").Inc()
					log.Error().
						Interface("panic_value", r).
						Str("stack_trace", string(debug.Stack())).
						Str("conn_id", env.ConnID).
						Msg("handler panic recovered, frame dropped")
				}
			}()
			w.handle(ctx, log, env)
		}()
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, env *Envelope) {
	frame, err := nostr.ParseClientFrame(env.Data)
	if err != nil {
		monitoring.WorkerFramesTotal.WithLabelValues("malformed").Inc()
		w.respond(ctx, env.ConnID, nostr.NoticeFrame(nostr.PrefixInvalid+err.Error()))
		return
	}

	monitoring.WorkerFramesTotal.WithLabelValues(monitoring.VerbLabel(frame.Verb)).Inc()

	switch frame.Verb {
	case nostr.VerbEvent:
		w.handleEvent(ctx, log, env.ConnID, frame.Event)
	case nostr.VerbReq:
		w.handleReq(ctx, log, env.ConnID, frame.SubID, frame.Filters)
	case nostr.VerbClose:
		w.handleClose(ctx, log, env.ConnID, frame.SubID)
	default:
		w.respond(ctx, env.ConnID, nostr.NoticeFrame("unsupported: this relay does not handle "+frame.Verb+" frames"))
	}
}

func (w *Worker) handleEvent(ctx context.Context, log zerolog.Logger, connID string, ev *nostr.Event) {
	if err := ev.Validate(w.now()); err != nil {
		monitoring.EventsRejectedTotal.WithLabelValues("validation").Inc()
		w.respond(ctx, connID, nostr.OKFrame(ev.ID, false, nostr.PrefixInvalid+err.Error()))
		return
	}
	if err := ev.CheckID(); err != nil {
		monitoring.EventsRejectedTotal.WithLabelValues("id_mismatch").Inc()
		w.respond(ctx, connID, nostr.OKFrame(ev.ID, false, nostr.PrefixInvalid+"event id does not match"))
		return
	}
	if err := w.verifier.Verify(ev); err != nil {
		monitoring.EventsRejectedTotal.WithLabelValues("bad_signature").Inc()
		w.respond(ctx, connID, nostr.OKFrame(ev.ID, false, nostr.PrefixInvalid+"signature verification failed"))
		return
	}

	stored, err := w.engine.Store(ctx, ev)
	if err != nil {
		monitoring.ErrorsTotal.WithLabelValues("storage", "error").Inc()
		log.Error().Err(err).Str("event_id", ev.ID).Msg("event store failed")
		w.respond(ctx, connID, nostr.OKFrame(ev.ID, false, nostr.PrefixError+"could not persist event"))
		return
	}
	if !stored {
		monitoring.EventsDuplicateTotal.Inc()
		w.respond(ctx, connID, nostr.OKFrame(ev.ID, true, nostr.PrefixDuplicate+"already have this event"))
		return
	}

	monitoring.EventsStoredTotal.Inc()
	w.respond(ctx, connID, nostr.OKFrame(ev.ID, true, ""))

	if ev.Kind == nostr.KindDeletion {
		w.applyDeletion(ctx, log, ev)
	}

	w.broadcast(ctx, log, ev)
}

// applyDeletion removes the events a kind-5 names in its e-tags, but only
// those owned by the deletion's author.
func (w *Worker) applyDeletion(ctx context.Context, log zerolog.Logger, ev *nostr.Event) {
	targets := ev.TagValues("e")
	if len(targets) == 0 {
		return
	}

	victims, err := w.engine.Query(ctx, nostr.Filters{{IDs: targets}}, 0)
	if err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("deletion target lookup failed")
		return
	}
	for _, victim := range victims {
		if victim.PubKey != ev.PubKey || victim.ID == ev.ID {
			continue
		}
		if err := w.engine.Delete(ctx, victim.ID); err != nil {
			log.Warn().Err(err).Str("event_id", victim.ID).Msg("deletion failed")
		}
	}
}

func (w *Worker) broadcast(ctx context.Context, log zerolog.Logger, ev *nostr.Event) {
	matches, err := w.router.FindMatchingSubscriptions(ctx, ev)
	if err != nil {
		monitoring.ErrorsTotal.WithLabelValues("broadcast", "warning").Inc()
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("match lookup failed, event not fanned out")
		return
	}
	if len(matches) == 0 {
		return
	}

	monitoring.BroadcastMatchesTotal.Add(float64(len(matches)))
	for _, m := range matches {
		w.respond(ctx, m.ConnID, nostr.EventFrame(m.SubID, ev))
	}
}

func (w *Worker) handleReq(ctx context.Context, log zerolog.Logger, connID, subID string, filters nostr.Filters) {
	// Re-using a live subscription id replaces its filters without growing
	// the connection's count, so the cap gates only ids not yet held.
	replacing, err := w.router.HasSubscription(ctx, connID, subID)
	if err != nil {
		log.Warn().Err(err).Str("conn_id", connID).Str("sub_id", subID).Msg("subscription lookup unavailable, treating as new")
	}
	if !replacing {
		count, err := w.router.SubscriptionCount(ctx, connID)
		if err != nil {
			log.Warn().Err(err).Str("conn_id", connID).Msg("subscription count unavailable, admitting")
		}
		if count >= nostr.MaxSubsPerConn {
			w.respond(ctx, connID, nostr.ClosedFrame(subID, nostr.PrefixRateLimited+"too many concurrent subscriptions"))
			return
		}
	}

	for i := range filters {
		if filters[i].Limit > nostr.MaxFilterLimit {
			filters[i].Limit = nostr.MaxFilterLimit
		}
	}

	if err := w.router.Subscribe(ctx, connID, subID, filters); err != nil {
		monitoring.ErrorsTotal.WithLabelValues("subscribe", "error").Inc()
		log.Error().Err(err).Str("conn_id", connID).Str("sub_id", subID).Msg("subscribe failed")
		w.respond(ctx, connID, nostr.ClosedFrame(subID, nostr.PrefixError+"could not register subscription"))
		return
	}
	monitoring.SubscriptionsOpenedTotal.Inc()

	// The subscription's limit is the largest any of its filters asks for;
	// absent one, the relay default applies.
	limit := 0
	for _, f := range filters {
		if f.Limit > limit {
			limit = f.Limit
		}
	}
	if limit == 0 {
		limit = w.queryLimit
	}

	start := time.Now()
	events, err := w.engine.Query(ctx, filters, limit)
	monitoring.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		monitoring.ErrorsTotal.WithLabelValues("query", "error").Inc()
		log.Error().Err(err).Str("sub_id", subID).Msg("historical query failed")
		w.respond(ctx, connID, nostr.NoticeFrame(nostr.PrefixError+"historical query failed"))
		return
	}

	frames := make([][]byte, 0, len(events)+1)
	for _, ev := range events {
		frames = append(frames, nostr.EventFrame(subID, ev))
	}
	frames = append(frames, nostr.EOSEFrame(subID))
	w.respond(ctx, connID, frames...)
}

func (w *Worker) handleClose(ctx context.Context, log zerolog.Logger, connID, subID string) {
	existed, err := w.router.Unsubscribe(ctx, connID, subID)
	if err != nil {
		monitoring.ErrorsTotal.WithLabelValues("unsubscribe", "warning").Inc()
		log.Warn().Err(err).Str("conn_id", connID).Str("sub_id", subID).Msg("unsubscribe failed")
		return
	}
	if existed {
		monitoring.SubscriptionsClosedTotal.Inc()
		w.respond(ctx, connID, nostr.ClosedFrame(subID, ""))
	}
}

// respond appends frames to the connection's response list and refreshes
// its TTL, as one transaction. Delivery failures are logged and dropped;
// the frontend owns retry-free best-effort delivery.
func (w *Worker) respond(ctx context.Context, connID string, frames ...[]byte) {
	if len(frames) == 0 {
		return
	}

	values := make([]string, len(frames))
	for i, f := range frames {
		values[i] = string(f)
	}

	key := ResponseKey(connID)
	pipe := w.store.Pipeline()
	pipe.RPush(key, values...)
	pipe.Expire(key, w.responseTTL)
	if err := pipe.Exec(ctx); err != nil {
		monitoring.ErrorsTotal.WithLabelValues("respond", "warning").Inc()
		w.logger.Warn().Err(err).Str("conn_id", connID).Msg("response push failed")
		return
	}
	monitoring.ResponseFramesTotal.Add(float64(len(frames)))
}

// observeDepth keeps the work-list gauge fresh without touching the hot
// path.
func (w *Worker) observeDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := w.store.LLen(ctx, w.workList); err == nil {
				monitoring.WorkListDepth.Set(float64(n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
