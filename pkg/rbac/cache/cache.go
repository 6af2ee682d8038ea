// Package cache provides decision cache backends for the permission checker.
//
// Every entry carries the generation Stamp that was current when the checker started
// reading data for it. Invalidate bumps a generation instead of racing to delete rows,
// and Get refuses entries whose stamp is older than the current generations. A decision
// computed before a committed mutation therefore can never be served after the
// mutation's invalidation, even when its Put lands late.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL bounds how long any decision may be served
const DefaultTTL = 5 * time.Minute

// Key identifies a cached decision
type Key struct {
	UserID         string
	OrganizationID string
	PermissionSlug string
	ResourceKey    string
}

// String returns a stable string form of the key. Every field is length
// prefixed, so no field value can alias another key.
func (k Key) String() string {
	var b strings.Builder
	for _, field := range []string{k.UserID, k.OrganizationID, k.PermissionSlug, k.ResourceKey} {
		writeField(&b, field)
	}
	return b.String()
}

// UserPrefix is the prefix shared by the String form of every key for userID
func UserPrefix(userID string) string {
	var b strings.Builder
	writeField(&b, userID)
	return b.String()
}

func writeField(b *strings.Builder, field string) {
	b.WriteString(strconv.Itoa(len(field)))
	b.WriteByte(':')
	b.WriteString(field)
	b.WriteByte('|')
}

// Stamp is the pair of invalidation generations an entry was computed under
type Stamp struct {
	Global uint64 `json:"g"`
	User   uint64 `json:"u"`
}

// Entry is a cached decision
type Entry struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason"`
	Source       string    `json:"source"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	ComputedAt   time.Time `json:"computed_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Stamp        Stamp     `json:"stamp"`
}

// Selector chooses which entries an invalidation affects.
// An empty UserID selects every entry.
type Selector struct {
	UserID string
}

// All selects every entry
func All() Selector {
	return Selector{}
}

// ForUser selects every entry of one user, across all organizations
func ForUser(userID string) Selector {
	return Selector{UserID: userID}
}

// IsAll reports whether the selector targets the whole cache
func (s Selector) IsAll() bool {
	return s.UserID == ""
}

// Cache is a decision cache with generation-based invalidation
type Cache interface {
	// Name identifies the backend in metrics and logs
	Name() string

	// Get returns a live entry whose stamp matches the current generations
	Get(ctx context.Context, key Key) (Entry, bool, error)

	// Put stores an entry. The entry's Stamp must have been taken before any data was read.
	Put(ctx context.Context, key Key, entry Entry, ttl time.Duration) error

	// Stamp returns the current generations for a user
	Stamp(ctx context.Context, userID string) (Stamp, error)

	// Invalidate makes every selected entry unservable
	Invalidate(ctx context.Context, sel Selector) error

	Close() error
}

// prepare fills in timestamps for an entry about to be stored
func prepare(entry Entry, ttl time.Duration, now time.Time) Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if entry.ComputedAt.IsZero() {
		entry.ComputedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)
	return entry
}
