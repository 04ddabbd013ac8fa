package reconcile

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Reconciled collection names. Each collection is persisted as one blob.
const (
	CollectionProfiles     = "profiles"      // kind 0
	CollectionContacts     = "contacts"      // kind 3
	CollectionReposts      = "reposts"       // kinds 6, 16
	CollectionReactions    = "reactions"     // kind 7
	CollectionRelayLists   = "relay_lists"   // kind 10002
	CollectionFollowSets   = "follow_sets"   // kind 30000
	CollectionCurationSets = "curation_sets" // kinds 30004, 30005
)

// Item is a reconciled record. For replaceable and addressable kinds the key
// is the composite kind:pubkey:d-tag and only the newest version is retained;
// for everything else the key is the raw event id and duplicates are no-ops.
type Item struct {
	Key       string     `json:"key"`
	EventID   string     `json:"event_id"`
	Kind      int        `json:"kind"`
	PubKey    string     `json:"pubkey"`
	Target    string     `json:"target,omitempty"` // referenced event id for reactions/reposts
	Content   string     `json:"content,omitempty"`
	Tags      nostr.Tags `json:"tags,omitempty"`
	CreatedAt int64      `json:"created_at"`

	// LocalOnly marks optimistic local state (e.g. a like published but not
	// yet seen back from a relay). Cleared when the live event arrives.
	LocalOnly bool `json:"local_only,omitempty"`
}

// CollectionForKind maps an event kind to its reconciled collection.
// Returns false for kinds the reconciler does not track.
func CollectionForKind(kind int) (string, bool) {
	switch kind {
	case 0:
		return CollectionProfiles, true
	case 3:
		return CollectionContacts, true
	case 6, 16:
		return CollectionReposts, true
	case 7:
		return CollectionReactions, true
	case 10002:
		return CollectionRelayLists, true
	case 30000:
		return CollectionFollowSets, true
	case 30004, 30005:
		return CollectionCurationSets, true
	}
	return "", false
}

// IsReplaceableKind reports whether only the newest event per author is
// semantically valid (NIP-01 replaceable ranges)
func IsReplaceableKind(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

// IsAddressableKind reports whether events are versioned per author and
// d-tag (NIP-01 addressable range)
func IsAddressableKind(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// KeyFor derives the logical key for an event: kind:pubkey:d for replaceable
// and addressable kinds, the raw event id otherwise
func KeyFor(event *nostr.Event) string {
	if IsReplaceableKind(event.Kind) {
		return fmt.Sprintf("%d:%s:", event.Kind, event.PubKey)
	}
	if IsAddressableKind(event.Kind) {
		return fmt.Sprintf("%d:%s:%s", event.Kind, event.PubKey, dTag(event))
	}
	return event.ID
}

// dTag returns the first d-tag value, or empty
func dTag(event *nostr.Event) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// targetEventID returns the first e-tag value, or empty
func targetEventID(event *nostr.Event) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			return tag[1]
		}
	}
	return ""
}

// FollowedPubkeys extracts the p-tag entries from a contact list or follow
// set item, preserving order
func FollowedPubkeys(item *Item) []string {
	if item == nil {
		return nil
	}
	var pubkeys []string
	for _, tag := range item.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" {
			pubkeys = append(pubkeys, tag[1])
		}
	}
	return pubkeys
}
