package storage

import (
	"context"
	"time"
)

// Member is a queued participant together with its arrival score.
type Member struct {
	ID    string
	Score float64
}

// Registry is the ordered, shared collection that defines queue order.
// Members are ordered by ascending score; equal scores are ordered by
// member id so that exactly one member ranks first.
type Registry interface {
	// Upsert inserts id or moves it to score.
	Upsert(ctx context.Context, id string, score float64) error

	// Insert adds id at score only if it is absent. Reports whether it was added.
	Insert(ctx context.Context, id string, score float64) (bool, error)

	// Remove deletes id. Absent ids are not an error; the bool reports
	// whether anything was removed.
	Remove(ctx context.Context, id string) (bool, error)

	// RankOf returns the zero-based rank of id, or false if it is not queued.
	RankOf(ctx context.Context, id string) (int64, bool, error)

	// Cardinality returns the number of queued members.
	Cardinality(ctx context.Context) (int64, error)

	// HeadRange returns the n lowest-scored members in ascending order.
	HeadRange(ctx context.Context, n int64) ([]Member, error)

	// Members returns every queued member in ascending order.
	Members(ctx context.Context) ([]Member, error)
}

// Liveness holds expiring per-participant heartbeat keys and countdown flags.
type Liveness interface {
	// MarkActive records seen as the participant's last heartbeat and
	// (re)sets the key to expire after ttl.
	MarkActive(ctx context.Context, id string, seen time.Time, ttl time.Duration) error

	// LastSeen returns the recorded heartbeat for each id whose key has not expired.
	LastSeen(ctx context.Context, ids []string) (map[string]time.Time, error)

	// Drop removes the heartbeat key and any countdown flag for the given ids.
	Drop(ctx context.Context, ids ...string) error

	// ArmCountdown sets the countdown flag for id, overwriting any existing one.
	ArmCountdown(ctx context.Context, id string, ttl time.Duration) error

	// ConsumeCountdown reports whether the countdown flag is set and, if
	// remove is true, deletes it.
	ConsumeCountdown(ctx context.Context, id string, remove bool) (bool, error)
}

// Credentials stores access codes bound to participants in both directions.
type Credentials interface {
	// PutCredential binds code to id and id to code, both expiring after
	// ttl. It returns false without writing if code is already bound.
	PutCredential(ctx context.Context, code, id string, ttl time.Duration) (bool, error)

	// LookupByCode returns the participant bound to code.
	LookupByCode(ctx context.Context, code string) (string, bool, error)

	// LookupByParticipant returns the code most recently bound to id.
	LookupByParticipant(ctx context.Context, id string) (string, bool, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	Registry
	Liveness
	Credentials
	Ping(ctx context.Context) error
	Close() error
}
