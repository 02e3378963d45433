package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jawaracloud/admission-queue/internal/clock"
)

// harness pairs a backend with a way to move its notion of time forward.
type harness struct {
	backend Backend
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) harness {
	t.Helper()
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			return harness{backend: NewMemoryStorage(fake), advance: fake.Advance}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return harness{backend: NewRedisStorageFromClient(client, "test_room"), advance: mr.FastForward}
		},
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	for name, newHarness := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("rank follows score", func(t *testing.T) {
				s := newHarness(t).backend
				require.NoError(t, s.Upsert(ctx, "c", 300))
				require.NoError(t, s.Upsert(ctx, "a", 100))
				require.NoError(t, s.Upsert(ctx, "b", 200))

				for want, id := range []string{"a", "b", "c"} {
					rank, ok, err := s.RankOf(ctx, id)
					require.NoError(t, err)
					require.True(t, ok)
					assert.Equal(t, int64(want), rank, "rank of %s", id)
				}

				n, err := s.Cardinality(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(3), n)
			})

			t.Run("equal scores break ties by id", func(t *testing.T) {
				s := newHarness(t).backend
				require.NoError(t, s.Upsert(ctx, "zed", 100))
				require.NoError(t, s.Upsert(ctx, "amy", 100))

				for i := 0; i < 3; i++ {
					head, err := s.HeadRange(ctx, 1)
					require.NoError(t, err)
					require.Len(t, head, 1)
					assert.Equal(t, "amy", head[0].ID)
				}
			})

			t.Run("absent member has no rank", func(t *testing.T) {
				s := newHarness(t).backend
				_, ok, err := s.RankOf(ctx, "ghost")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("insert keeps existing score", func(t *testing.T) {
				s := newHarness(t).backend
				added, err := s.Insert(ctx, "a", 100)
				require.NoError(t, err)
				assert.True(t, added)

				added, err = s.Insert(ctx, "a", 500)
				require.NoError(t, err)
				assert.False(t, added)

				members, err := s.Members(ctx)
				require.NoError(t, err)
				assert.Equal(t, []Member{{ID: "a", Score: 100}}, members)
			})

			t.Run("upsert repositions", func(t *testing.T) {
				s := newHarness(t).backend
				require.NoError(t, s.Upsert(ctx, "a", 100))
				require.NoError(t, s.Upsert(ctx, "b", 200))
				require.NoError(t, s.Upsert(ctx, "a", 300))

				rank, _, err := s.RankOf(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, int64(1), rank)
			})

			t.Run("remove is idempotent", func(t *testing.T) {
				s := newHarness(t).backend
				require.NoError(t, s.Upsert(ctx, "a", 100))

				removed, err := s.Remove(ctx, "a")
				require.NoError(t, err)
				assert.True(t, removed)

				removed, err = s.Remove(ctx, "a")
				require.NoError(t, err)
				assert.False(t, removed)
			})

			t.Run("head range", func(t *testing.T) {
				s := newHarness(t).backend
				head, err := s.HeadRange(ctx, 1)
				require.NoError(t, err)
				assert.Empty(t, head)

				for i, id := range []string{"a", "b", "c"} {
					require.NoError(t, s.Upsert(ctx, id, float64(i)))
				}
				head, err = s.HeadRange(ctx, 2)
				require.NoError(t, err)
				assert.Equal(t, []Member{{ID: "a", Score: 0}, {ID: "b", Score: 1}}, head)

				head, err = s.HeadRange(ctx, 10)
				require.NoError(t, err)
				assert.Len(t, head, 3)
			})
		})
	}
}

func TestLiveness(t *testing.T) {
	ctx := context.Background()
	seen := time.UnixMilli(1_700_000_000_000)

	for name, newHarness := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("heartbeat expires", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.backend.MarkActive(ctx, "a", seen, 30*time.Second))
				require.NoError(t, h.backend.MarkActive(ctx, "b", seen, 90*time.Second))

				got, err := h.backend.LastSeen(ctx, []string{"a", "b", "c"})
				require.NoError(t, err)
				assert.True(t, got["a"].Equal(seen))
				assert.Contains(t, got, "b")
				assert.NotContains(t, got, "c")

				h.advance(31 * time.Second)
				got, err = h.backend.LastSeen(ctx, []string{"a", "b"})
				require.NoError(t, err)
				assert.NotContains(t, got, "a")
				assert.Contains(t, got, "b")
			})

			t.Run("mark active refreshes", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.backend.MarkActive(ctx, "a", seen, 30*time.Second))
				h.advance(20 * time.Second)
				later := seen.Add(20 * time.Second)
				require.NoError(t, h.backend.MarkActive(ctx, "a", later, 30*time.Second))
				h.advance(20 * time.Second)

				got, err := h.backend.LastSeen(ctx, []string{"a"})
				require.NoError(t, err)
				assert.True(t, got["a"].Equal(later))
			})

			t.Run("countdown arm and consume", func(t *testing.T) {
				h := newHarness(t)
				armed, err := h.backend.ConsumeCountdown(ctx, "a", false)
				require.NoError(t, err)
				assert.False(t, armed)

				require.NoError(t, h.backend.ArmCountdown(ctx, "a", 5*time.Second))
				require.NoError(t, h.backend.ArmCountdown(ctx, "a", 5*time.Second))

				armed, err = h.backend.ConsumeCountdown(ctx, "a", false)
				require.NoError(t, err)
				assert.True(t, armed)

				armed, err = h.backend.ConsumeCountdown(ctx, "a", true)
				require.NoError(t, err)
				assert.True(t, armed)

				armed, err = h.backend.ConsumeCountdown(ctx, "a", false)
				require.NoError(t, err)
				assert.False(t, armed)
			})

			t.Run("countdown expires", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.backend.ArmCountdown(ctx, "a", 5*time.Second))
				h.advance(6 * time.Second)
				armed, err := h.backend.ConsumeCountdown(ctx, "a", false)
				require.NoError(t, err)
				assert.False(t, armed)
			})

			t.Run("drop clears heartbeat and countdown", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.backend.MarkActive(ctx, "a", seen, time.Minute))
				require.NoError(t, h.backend.ArmCountdown(ctx, "a", time.Minute))
				require.NoError(t, h.backend.Drop(ctx, "a", "never-existed"))

				got, err := h.backend.LastSeen(ctx, []string{"a"})
				require.NoError(t, err)
				assert.Empty(t, got)

				armed, err := h.backend.ConsumeCountdown(ctx, "a", false)
				require.NoError(t, err)
				assert.False(t, armed)
			})
		})
	}
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()

	for name, newHarness := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("bound both ways", func(t *testing.T) {
				h := newHarness(t)
				ok, err := h.backend.PutCredential(ctx, "ABCD1234", "u1", 2*time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				id, found, err := h.backend.LookupByCode(ctx, "ABCD1234")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "u1", id)

				code, found, err := h.backend.LookupByParticipant(ctx, "u1")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "ABCD1234", code)
			})

			t.Run("taken code is refused", func(t *testing.T) {
				h := newHarness(t)
				ok, err := h.backend.PutCredential(ctx, "SAMECODE", "u1", time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = h.backend.PutCredential(ctx, "SAMECODE", "u2", time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				_, found, err := h.backend.LookupByParticipant(ctx, "u2")
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("expires together", func(t *testing.T) {
				h := newHarness(t)
				_, err := h.backend.PutCredential(ctx, "EXPIRING", "u1", 2*time.Minute)
				require.NoError(t, err)
				h.advance(121 * time.Second)

				_, found, err := h.backend.LookupByCode(ctx, "EXPIRING")
				require.NoError(t, err)
				assert.False(t, found)
				_, found, err = h.backend.LookupByParticipant(ctx, "u1")
				require.NoError(t, err)
				assert.False(t, found)

				ok, err := h.backend.PutCredential(ctx, "EXPIRING", "u2", time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)
			})
		})
	}
}

func TestMemoryStorageConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%02d", i)
			_, _ = s.Insert(ctx, id, float64(i))
			_, _, _ = s.RankOf(ctx, id)
			if i%2 == 0 {
				_, _ = s.Remove(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	n, err := s.Cardinality(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	members, err := s.Members(ctx)
	require.NoError(t, err)
	for i := 1; i < len(members); i++ {
		assert.Less(t, members[i-1].Score, members[i].Score)
	}
}
