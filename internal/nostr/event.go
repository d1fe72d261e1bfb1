// Package nostr holds the shared protocol types exchanged between the
// frontend, the bridge and the relay workers: events, filters and the
// JSON array frames that carry them over the wire (NIP-01).
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Protocol limits enforced by the core. Frames and events violating these
// are rejected before they reach storage.
const (
	// MaxFrameSize is the largest inbound WebSocket frame accepted, in bytes.
	MaxFrameSize = 500000

	// MaxSubsPerConn caps concurrently open subscriptions per connection.
	MaxSubsPerConn = 300

	// MaxFilterLimit caps the per-filter `limit` field on REQ.
	MaxFilterLimit = 5000

	// MaxTags caps the number of tags on a single event.
	MaxTags = 100

	// MaxCreatedAtSkew is how far into the future created_at may point.
	MaxCreatedAtSkew = 3600
)

// KindDeletion marks NIP-09 deletion requests: e-tags name the event ids
// the author wants removed.
const KindDeletion = 5

// NIP-01 machine-readable prefixes for OK/CLOSED reason strings.
const (
	PrefixDuplicate   = "duplicate: "
	PrefixInvalid     = "invalid: "
	PrefixBlocked     = "blocked: "
	PrefixRateLimited = "rate-limited: "
	PrefixError       = "error: "
	PrefixRestricted  = "restricted: "
)

var (
	ErrIDMismatch   = errors.New("event id does not match serialized body")
	ErrBadSignature = errors.New("schnorr signature verification failed")
)

// Tag is one event tag: position 0 is the tag name, position 1 (when
// present) the primary value, further positions are tag-specific.
type Tag []string

// Event is an immutable signed Nostr event (NIP-01).
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize renders the canonical form the event id commits to:
//
//	[0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
//
// as compact JSON with minimally-escaped strings. Go's encoding/json
// escapes HTML characters and would produce a different hash, so the
// byte form is built by hand.
func (ev *Event) Serialize() []byte {
	b := make([]byte, 0, 160+len(ev.Content))
	b = append(b, `[0,"`...)
	b = append(b, ev.PubKey...)
	b = append(b, `",`...)
	b = strconv.AppendInt(b, ev.CreatedAt, 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(ev.Kind), 10)
	b = append(b, ',')
	b = appendTags(b, ev.Tags)
	b = append(b, ',')
	b = appendEscaped(b, ev.Content)
	b = append(b, ']')
	return b
}

func appendTags(b []byte, tags []Tag) []byte {
	b = append(b, '[')
	for i, tag := range tags {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, item := range tag {
			if j > 0 {
				b = append(b, ',')
			}
			b = appendEscaped(b, item)
		}
		b = append(b, ']')
	}
	return append(b, ']')
}

// appendEscaped writes s as a JSON string using the NIP-01 escape set:
// quote, backslash and the named control characters get two-byte escapes,
// remaining control bytes get \u00XX, everything else is copied verbatim.
func appendEscaped(b []byte, s string) []byte {
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			b = append(b, '\\', '"')
		case c == '\\':
			b = append(b, '\\', '\\')
		case c == '\b':
			b = append(b, '\\', 'b')
		case c == '\t':
			b = append(b, '\\', 't')
		case c == '\n':
			b = append(b, '\\', 'n')
		case c == '\f':
			b = append(b, '\\', 'f')
		case c == '\r':
			b = append(b, '\\', 'r')
		case c < 0x20:
			b = append(b, fmt.Sprintf(`\u%04x`, c)...)
		default:
			b = append(b, c)
		}
	}
	return append(b, '"')
}

// ComputeID returns the hex SHA-256 of the canonical serialization.
func (ev *Event) ComputeID() string {
	h := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(h[:])
}

// CheckID recomputes the id and compares it to the declared one.
func (ev *Event) CheckID() error {
	if ev.ComputeID() != ev.ID {
		return ErrIDMismatch
	}
	return nil
}

// CheckSignature verifies the BIP-340 Schnorr signature over the event id
// hash under the event pubkey.
func (ev *Event) CheckSignature() error {
	pkb, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pkb) != 32 {
		return fmt.Errorf("pubkey is not 32 bytes of hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pkb)
	if err != nil {
		return fmt.Errorf("pubkey is not a valid x-only point: %w", err)
	}
	sigb, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigb) != 64 {
		return fmt.Errorf("sig is not 64 bytes of hex: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigb)
	if err != nil {
		return fmt.Errorf("sig does not parse: %w", err)
	}
	hash := sha256.Sum256(ev.Serialize())
	if !sig.Verify(hash[:], pub) {
		return ErrBadSignature
	}
	return nil
}

// Validate performs the structural checks that do not require crypto:
// hex field lengths, tag shape and count, kind and created_at bounds.
// now is injected so boundary behavior is testable.
func (ev *Event) Validate(now int64) error {
	if !isLowerHex(ev.ID, 64) {
		return errors.New("id must be 64 lowercase hex characters")
	}
	if !isLowerHex(ev.PubKey, 64) {
		return errors.New("pubkey must be 64 lowercase hex characters")
	}
	if !isLowerHex(ev.Sig, 128) {
		return errors.New("sig must be 128 lowercase hex characters")
	}
	if ev.Kind < 0 || ev.Kind > 65535 {
		return fmt.Errorf("kind %d out of range", ev.Kind)
	}
	if len(ev.Tags) > MaxTags {
		return fmt.Errorf("too many tags: %d > %d", len(ev.Tags), MaxTags)
	}
	for i, tag := range ev.Tags {
		if len(tag) == 0 || tag[0] == "" {
			return fmt.Errorf("tag %d has no name", i)
		}
	}
	if ev.CreatedAt < 0 {
		return errors.New("created_at is negative")
	}
	if ev.CreatedAt > now+MaxCreatedAtSkew {
		return fmt.Errorf("created_at %d is more than %ds in the future", ev.CreatedAt, MaxCreatedAtSkew)
	}
	return nil
}

// TagValues returns the primary value (index 1) of every tag named name.
func (ev *Event) TagValues(name string) []string {
	var vals []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			vals = append(vals, tag[1])
		}
	}
	return vals
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
