package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/immortal/internal/kv"
	"github.com/adred-codev/immortal/internal/monitoring"
	"github.com/adred-codev/immortal/internal/queue"
)

// Bridge drains the ingress queue onto the shared work list. One bridge
// runs per frontend process; it is the queue's only consumer, so pops
// preserve the queue's priority-then-FIFO order on the list.
type Bridge struct {
	queue    *queue.Queue
	store    kv.Store
	workList string
	batch    int
	idle     time.Duration
	backoff  time.Duration
	logger   zerolog.Logger
}

type BridgeOptions struct {
	Queue    *queue.Queue
	Store    kv.Store
	WorkList string        // default nostr:work
	Batch    int           // messages per drain, default 1000
	Idle     time.Duration // sleep when the queue is empty, default 10ms
	Backoff  time.Duration // sleep after a failed push, default 1s
	Logger   zerolog.Logger
}

func NewBridge(opts BridgeOptions) *Bridge {
	if opts.WorkList == "" {
		opts.WorkList = "nostr:work"
	}
	if opts.Batch <= 0 {
		opts.Batch = 1000
	}
	if opts.Idle <= 0 {
		opts.Idle = 10 * time.Millisecond
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Bridge{
		queue:    opts.Queue,
		store:    opts.Store,
		workList: opts.WorkList,
		batch:    opts.Batch,
		idle:     opts.Idle,
		backoff:  opts.Backoff,
		logger:   opts.Logger.With().Str("component", "bridge").Logger(),
	}
}

// Run loops until ctx is cancelled. Store failures are logged and
// retried with the same batch after the backoff; the bridge never exits
// on its own and never drops admitted messages.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info().
		Str("work_list", b.workList).
		Int("batch", b.batch).
		Msg("bridge started")

	for ctx.Err() == nil {
		b.step(ctx)
	}

	b.logger.Info().Msg("bridge stopped")
}

// step drains one batch. Returns true when messages were forwarded.
func (b *Bridge) step(ctx context.Context) bool {
	msgs := b.queue.Pop(b.batch)
	if len(msgs) == 0 {
		b.sleep(ctx, b.idle)
		return false
	}

	payloads := make([]string, 0, len(msgs))
	for _, m := range msgs {
		data, err := EncodeMessage(m)
		if err != nil {
			// Admission already checked the frame parses; anything here
			// is a corrupted message not worth retrying.
			b.logger.Warn().Err(err).Str("conn_id", m.ConnID).Msg("dropping unencodable message")
			continue
		}
		payloads = append(payloads, string(data))
	}
	if len(payloads) == 0 {
		return false
	}

	for !b.forward(ctx, payloads) {
		if ctx.Err() != nil {
			return false
		}
	}

	monitoring.BridgeBatchesTotal.Inc()
	monitoring.BridgeMessagesTotal.Add(float64(len(payloads)))
	return true
}

// forward pushes one batch as a single pipelined transaction. Returns
// false after sleeping the backoff so the caller retries the batch.
func (b *Bridge) forward(ctx context.Context, payloads []string) bool {
	pipe := b.store.Pipeline()
	pipe.RPush(b.workList, payloads...)
	if err := pipe.Exec(ctx); err != nil {
		monitoring.BridgeFailuresTotal.Inc()
		b.logger.Error().Err(err).Int("batch_size", len(payloads)).Msg("work list push failed, backing off")
		b.sleep(ctx, b.backoff)
		return false
	}
	return true
}

func (b *Bridge) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
