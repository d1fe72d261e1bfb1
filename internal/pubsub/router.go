package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/immortal/internal/kv"
	"github.com/adred-codev/immortal/internal/nostr"
)

const (
	// DefaultSubTTL bounds how long a subscription survives without a
	// refresh from its connection's poller.
	DefaultSubTTL = 300 * time.Second

	// DefaultIndexTTL bounds index membership. It must be strictly
	// greater than the metadata TTL: a stale index member is detected by
	// its missing metadata, so the metadata has to disappear first.
	DefaultIndexTTL = 600 * time.Second
)

// Match is one live subscription whose filters accept an event.
type Match struct {
	ConnID  string
	SubID   string
	Filters nostr.Filters
}

type Options struct {
	Store    kv.Store
	Logger   zerolog.Logger
	SubTTL   time.Duration
	IndexTTL time.Duration
}

// Router owns the subscription index and metadata in the shared store.
// It is stateless in-process; every FE and worker holds its own Router
// over the same store.
type Router struct {
	store    kv.Store
	log      zerolog.Logger
	subTTL   time.Duration
	indexTTL time.Duration
}

func New(opts Options) *Router {
	if opts.SubTTL <= 0 {
		opts.SubTTL = DefaultSubTTL
	}
	if opts.IndexTTL <= opts.SubTTL {
		opts.IndexTTL = 2 * opts.SubTTL
	}
	return &Router{
		store:    opts.Store,
		log:      opts.Logger,
		subTTL:   opts.SubTTL,
		indexTTL: opts.IndexTTL,
	}
}

// Subscribe registers or atomically replaces the subscription
// (connID, subID). Metadata, connection-set membership and every index
// entry land in one pipelined transaction; on a replace, index entries
// the new filters no longer justify are removed in the same transaction.
func (r *Router) Subscribe(ctx context.Context, connID, subID string, filters nostr.Filters) error {
	if len(filters) == 0 {
		return errors.New("subscription needs at least one filter")
	}
	meta, err := json.Marshal(filters)
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}

	newKeys := FilterIndexKeys(filters)

	var stale []string
	old, err := r.loadFilters(ctx, connID, subID)
	switch {
	case err == nil:
		fresh := make(map[string]struct{}, len(newKeys))
		for _, k := range newKeys {
			fresh[k] = struct{}{}
		}
		for _, k := range FilterIndexKeys(old) {
			if _, keep := fresh[k]; !keep {
				stale = append(stale, k)
			}
		}
	case errors.Is(err, kv.ErrNotFound):
		// first registration
	default:
		// Old filters unreadable: proceed without the stale sweep. Any
		// double-indexing this leaves behind is healed by TTL expiry and
		// metadata-absence checks on the match path.
		r.log.Warn().Err(err).Str("conn_id", connID).Str("sub_id", subID).
			Msg("could not load previous filters for replace")
	}

	m := member(connID, subID)
	pipe := r.store.Pipeline()
	pipe.Set(MetadataKey(connID, subID), string(meta), r.subTTL)
	pipe.SAdd(ConnSetKey(connID), subID)
	pipe.Expire(ConnSetKey(connID), r.subTTL)
	for _, key := range newKeys {
		pipe.SAdd(key, m)
		pipe.Expire(key, r.indexTTL)
	}
	for _, key := range stale {
		pipe.SRem(key, m)
	}
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering subscription: %w", err)
	}

	r.log.Debug().
		Str("conn_id", connID).
		Str("sub_id", subID).
		Int("filters", len(filters)).
		Int("index_keys", len(newKeys)).
		Msg("subscription registered")
	return nil
}

// Unsubscribe tears down (connID, subID). Returns false when no such
// subscription was alive; the call is then a no-op.
func (r *Router) Unsubscribe(ctx context.Context, connID, subID string) (bool, error) {
	raw, err := r.store.Get(ctx, MetadataKey(connID, subID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading subscription metadata: %w", err)
	}

	var keys []string
	var filters nostr.Filters
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		r.log.Warn().Err(err).Str("conn_id", connID).Str("sub_id", subID).
			Msg("stored filters unreadable, removing metadata only")
	} else {
		keys = FilterIndexKeys(filters)
	}

	m := member(connID, subID)
	pipe := r.store.Pipeline()
	pipe.Del(MetadataKey(connID, subID))
	pipe.SRem(ConnSetKey(connID), subID)
	for _, key := range keys {
		pipe.SRem(key, m)
	}
	if err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("removing subscription: %w", err)
	}

	r.log.Debug().Str("conn_id", connID).Str("sub_id", subID).Msg("subscription removed")
	return true, nil
}

// UnsubscribeAll tears down every subscription of a connection, then the
// connection-set itself. Best-effort: it keeps going past individual
// failures and reports the first one.
func (r *Router) UnsubscribeAll(ctx context.Context, connID string) error {
	subIDs, err := r.store.SMembers(ctx, ConnSetKey(connID))
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	var firstErr error
	for _, subID := range subIDs {
		if _, err := r.Unsubscribe(ctx, connID, subID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.store.Del(ctx, ConnSetKey(connID)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RefreshConnection re-arms the TTLs of the connection-set, each
// subscription's metadata, and every index key its filters project to.
// Dangling connection-set members whose metadata already lapsed are
// dropped along the way. Idempotent.
func (r *Router) RefreshConnection(ctx context.Context, connID string) error {
	connSet := ConnSetKey(connID)
	subIDs, err := r.store.SMembers(ctx, connSet)
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}
	if len(subIDs) == 0 {
		return nil
	}

	pipe := r.store.Pipeline()
	pipe.Expire(connSet, r.subTTL)
	for _, subID := range subIDs {
		filters, err := r.loadFilters(ctx, connID, subID)
		if errors.Is(err, kv.ErrNotFound) {
			pipe.SRem(connSet, subID)
			continue
		}
		if err != nil {
			r.log.Warn().Err(err).Str("conn_id", connID).Str("sub_id", subID).
				Msg("skipping refresh of unreadable subscription")
			continue
		}
		pipe.Expire(MetadataKey(connID, subID), r.subTTL)
		for _, key := range FilterIndexKeys(filters) {
			pipe.Expire(key, r.indexTTL)
		}
	}
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refreshing subscription ttls: %w", err)
	}
	return nil
}

// FindMatchingSubscriptions returns every live subscription whose
// filters accept ev. Index candidates with missing metadata are stale
// and skipped; surviving candidates are re-evaluated against the full
// filter, so index false positives never leak through.
func (r *Router) FindMatchingSubscriptions(ctx context.Context, ev *nostr.Event) ([]Match, error) {
	candidates, err := r.store.SUnion(ctx, EventIndexKeys(ev)...)
	if err != nil {
		return nil, fmt.Errorf("scanning subscription index: %w", err)
	}

	var matches []Match
	for _, cand := range candidates {
		connID, subID, ok := splitMember(cand)
		if !ok {
			continue
		}
		filters, err := r.loadFilters(ctx, connID, subID)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			r.log.Warn().Err(err).Str("candidate", cand).
				Msg("skipping candidate with unreadable metadata")
			continue
		}
		if filters.Match(ev) {
			matches = append(matches, Match{ConnID: connID, SubID: subID, Filters: filters})
		}
	}
	return matches, nil
}

// CleanupEmptyIndexes deletes index sets with zero members. Stores that
// reclaim empty sets themselves make this a cheap no-op; it exists for
// the ones that do not.
func (r *Router) CleanupEmptyIndexes(ctx context.Context) (int, error) {
	keys, err := r.store.Scan(ctx, indexPattern)
	if err != nil {
		return 0, fmt.Errorf("scanning index keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		n, err := r.store.SCard(ctx, key)
		if err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("skipping index key during sweep")
			continue
		}
		if n == 0 {
			if err := r.store.Del(ctx, key); err != nil {
				r.log.Warn().Err(err).Str("key", key).Msg("could not delete empty index set")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug().Int("removed", removed).Msg("empty index sets reclaimed")
	}
	return removed, nil
}

// SubscriptionCount reports how many subscriptions a connection holds;
// the worker consults it to enforce the per-connection cap.
func (r *Router) SubscriptionCount(ctx context.Context, connID string) (int64, error) {
	return r.store.SCard(ctx, ConnSetKey(connID))
}

// HasSubscription reports whether the connection currently holds a live
// subscription under this id.
func (r *Router) HasSubscription(ctx context.Context, connID, subID string) (bool, error) {
	_, err := r.store.Get(ctx, MetadataKey(connID, subID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Router) loadFilters(ctx context.Context, connID, subID string) (nostr.Filters, error) {
	raw, err := r.store.Get(ctx, MetadataKey(connID, subID))
	if err != nil {
		return nil, err
	}
	var filters nostr.Filters
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, fmt.Errorf("decoding stored filters: %w", err)
	}
	return filters, nil
}
