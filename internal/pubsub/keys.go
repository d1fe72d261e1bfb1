// Package pubsub is the subscription router: an inverted index of active
// subscriptions kept in the shared store, used to find the small set of
// subscriptions whose filters may match a new event without iterating
// all of them. Index hits are candidates, not answers; the match path
// always re-evaluates the full filter.
package pubsub

import (
	"strconv"
	"strings"

	"github.com/adred-codev/immortal/internal/nostr"
)

// Key layout. Index set members are "connId:subId" strings.
const (
	indexPrefix  = "sub:index:"
	IndexAllKey  = "sub:index:all"
	indexPattern = "sub:index:*"
)

func KindIndexKey(kind int) string {
	return indexPrefix + "kind:" + strconv.Itoa(kind)
}

func AuthorIndexKey(pubkey string) string {
	return indexPrefix + "author:" + pubkey
}

func TagIndexKey(name, value string) string {
	return indexPrefix + "tag:" + name + ":" + value
}

func MetadataKey(connID, subID string) string {
	return "sub:" + connID + ":" + subID
}

func ConnSetKey(connID string) string {
	return "sub:conn:" + connID
}

func member(connID, subID string) string {
	return connID + ":" + subID
}

// splitMember undoes member. Connection ids never contain ':', so the
// first separator is authoritative even when the client-chosen subId
// contains one.
func splitMember(m string) (connID, subID string, ok bool) {
	return strings.Cut(m, ":")
}

// FilterIndexKeys projects a subscription's filters onto the index keys
// it must be registered under. A filter constraining kinds, authors or
// an indexed tag lands in each matching set; a filter with none of those
// (empty, ids-only, time-only, or only non-indexed tags) lands in the
// all-set and is narrowed by re-evaluation.
func FilterIndexKeys(filters nostr.Filters) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	for _, f := range filters {
		indexed := false
		for _, kind := range f.Kinds {
			add(KindIndexKey(kind))
			indexed = true
		}
		for _, author := range f.Authors {
			add(AuthorIndexKey(author))
			indexed = true
		}
		for name, values := range f.Tags {
			if !nostr.IndexedTagNames[name] {
				continue
			}
			for _, v := range values {
				add(TagIndexKey(name, v))
				indexed = true
			}
		}
		if !indexed {
			add(IndexAllKey)
		}
	}
	return keys
}

// EventIndexKeys projects an event onto every index set that could hold
// a matching subscription: the all-set, its kind, its author, and each
// indexed tag value it carries.
func EventIndexKeys(ev *nostr.Event) []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0, 3+len(ev.Tags))
	add := func(k string) {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	add(IndexAllKey)
	add(KindIndexKey(ev.Kind))
	add(AuthorIndexKey(ev.PubKey))
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && nostr.IndexedTagNames[tag[0]] {
			add(TagIndexKey(tag[0], tag[1]))
		}
	}
	return keys
}
