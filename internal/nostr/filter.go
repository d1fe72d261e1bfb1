package nostr

import (
	"encoding/json"
	"strings"
)

// IndexedTagNames are the single-letter tag names the subscription router
// keeps inverted indexes for. Filters constraining other tags still work,
// they are just resolved by re-evaluation instead of index lookup.
var IndexedTagNames = map[string]bool{
	"e": true,
	"p": true,
	"a": true,
	"t": true,
	"d": true,
	"r": true,
	"g": true,
}

// Filter is one NIP-01 subscription filter. A nil slice means the
// dimension is unconstrained; an empty slice matches nothing. Tag
// constraints arrive as "#<name>" keys on the wire and are stored here
// without the leading '#'.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// Filters is the filter set of one subscription. An event matches the
// set when it matches at least one member.
type Filters []Filter

func (fs Filters) Match(ev *Event) bool {
	for _, f := range fs {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Matches reports whether ev satisfies every constraint present on f:
// list fields by membership, since/until as an inclusive range, tag
// constraints by primary tag value.
func (f Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if f.IDs != nil && !containsString(f.IDs, ev.ID) {
		return false
	}
	if f.Authors != nil && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if f.Kinds != nil && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, wanted := range f.Tags {
		if !tagMatches(ev, name, wanted) {
			return false
		}
	}
	return true
}

func tagMatches(ev *Event, name string, wanted []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name && containsString(wanted, tag[1]) {
			return true
		}
	}
	return false
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 7+len(f.Tags))
	if f.IDs != nil {
		out["ids"] = f.IDs
	}
	if f.Authors != nil {
		out["authors"] = f.Authors
	}
	if f.Kinds != nil {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	for name, vals := range f.Tags {
		out["#"+name] = vals
	}
	return json.Marshal(out)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, val := range raw {
		var err error
		switch key {
		case "ids":
			err = json.Unmarshal(val, &f.IDs)
		case "authors":
			err = json.Unmarshal(val, &f.Authors)
		case "kinds":
			err = json.Unmarshal(val, &f.Kinds)
		case "since":
			f.Since = new(int64)
			err = json.Unmarshal(val, f.Since)
		case "until":
			f.Until = new(int64)
			err = json.Unmarshal(val, f.Until)
		case "limit":
			err = json.Unmarshal(val, &f.Limit)
		default:
			// Tag constraints; anything else is ignored for forward
			// compatibility.
			if strings.HasPrefix(key, "#") && len(key) > 1 {
				var vals []string
				if err = json.Unmarshal(val, &vals); err == nil {
					if f.Tags == nil {
						f.Tags = make(map[string][]string)
					}
					f.Tags[key[1:]] = vals
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
