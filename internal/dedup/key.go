// Package dedup computes deduplication identities for scraped leads and the
// merge rules applied when the same lead is seen more than once.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// ErrMalformedRecord marks a record that cannot produce a canonical key. It is
// an internal contract violation: the owning target fails, siblings do not.
var ErrMalformedRecord = errors.New("malformed record")

// keySeparator keeps field boundaries unambiguous inside the hash input.
const keySeparator = "\x1f"

// CanonicalKey derives the stable deduplication identity of a scraped record.
// When the source exposes a native listing ID the key is a hash of
// (source, source_id); otherwise it falls back to normalized
// (source, location, title, day-truncated timestamp).
func CanonicalKey(source string, fields engine.LeadFields, seenAt time.Time) (string, error) {
	source = normalize(source)
	if source == "" {
		return "", fmt.Errorf("%w: empty source", ErrMalformedRecord)
	}

	if id := normalize(fields.SourceID); id != "" {
		return hashKey(source, id), nil
	}

	name := normalize(fields.Name)
	if name == "" {
		return "", fmt.Errorf("%w: no source id and no name", ErrMalformedRecord)
	}
	day := seenAt.UTC().Truncate(24 * time.Hour).Format("2006-01-02")
	return hashKey(source, normalize(fields.Location), name, day), nil
}

func hashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, keySeparator)))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Merge folds an incoming record into an existing lead. Contested fields go to
// whichever observation was seen more recently, so an out-of-order replay
// never clobbers newer data; last_seen_at only moves forward.
func Merge(existing engine.Lead, incoming engine.Lead) engine.Lead {
	merged := existing
	if incoming.LastSeenAt.Before(existing.LastSeenAt) {
		merged.Fields = mergeFields(incoming.Fields, existing.Fields)
	} else {
		merged.Fields = mergeFields(existing.Fields, incoming.Fields)
	}
	if incoming.LastSeenAt.After(existing.LastSeenAt) {
		merged.LastSeenAt = incoming.LastSeenAt
	}
	if !incoming.FirstSeenAt.IsZero() && incoming.FirstSeenAt.Before(existing.FirstSeenAt) {
		merged.FirstSeenAt = incoming.FirstSeenAt
	}
	return merged
}

func mergeFields(old, new engine.LeadFields) engine.LeadFields {
	out := old
	if new.SourceID != "" {
		out.SourceID = new.SourceID
	}
	if new.Name != "" {
		out.Name = new.Name
	}
	if new.Location != "" {
		out.Location = new.Location
	}
	if new.Category != "" {
		out.Category = new.Category
	}
	if new.Address != "" {
		out.Address = new.Address
	}
	if new.Phone != "" {
		out.Phone = new.Phone
	}
	if new.Website != "" {
		out.Website = new.Website
	}
	if new.Email != "" {
		out.Email = new.Email
	}
	if new.Rating != 0 {
		out.Rating = new.Rating
	}
	if new.ReviewCount != 0 {
		out.ReviewCount = new.ReviewCount
	}
	if new.DetailURL != "" {
		out.DetailURL = new.DetailURL
	}
	return out
}
