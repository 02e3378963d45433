package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jawaracloud/admission-queue/internal/clock"
	"github.com/jawaracloud/admission-queue/internal/credential"
	"github.com/jawaracloud/admission-queue/internal/metrics"
	"github.com/jawaracloud/admission-queue/internal/storage"
	"github.com/jawaracloud/admission-queue/pkg/models"
)

var errBoom = errors.New("boom")

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.QueueEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e models.QueueEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyStore fails the named operations.
type flakyStore struct {
	*storage.MemoryStorage
	fail map[string]bool
}

func (f *flakyStore) Members(ctx context.Context) ([]storage.Member, error) {
	if f.fail["members"] {
		return nil, errBoom
	}
	return f.MemoryStorage.Members(ctx)
}

func (f *flakyStore) Remove(ctx context.Context, id string) (bool, error) {
	if f.fail["remove"] {
		return false, errBoom
	}
	return f.MemoryStorage.Remove(ctx, id)
}

func (f *flakyStore) MarkActive(ctx context.Context, id string, seen time.Time, ttl time.Duration) error {
	if f.fail["mark"] {
		return errBoom
	}
	return f.MemoryStorage.MarkActive(ctx, id, seen, ttl)
}

func (f *flakyStore) PutCredential(ctx context.Context, code, id string, ttl time.Duration) (bool, error) {
	if f.fail["credential"] {
		return false, errBoom
	}
	return f.MemoryStorage.PutCredential(ctx, code, id, ttl)
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStorage
	clock *clock.Fake
	pub   *recordingPublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStorage(fake)
	pub := &recordingPublisher{}
	issuer := credential.NewIssuer(store, fake, credential.Config{PassSecret: "test-secret"})
	svc := NewService(store, pub, issuer, cfg,
		WithClock(fake),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &fixture{svc: svc, store: store, clock: fake, pub: pub}
}

func (f *fixture) join(t *testing.T, id string) *models.JoinResult {
	t.Helper()
	res, err := f.svc.Join(context.Background(), id)
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, id string) *models.QueueStatus {
	t.Helper()
	res, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	return res
}

func (f *fixture) complete(t *testing.T, id string) *models.CompleteResult {
	t.Helper()
	res, err := f.svc.Complete(context.Background(), id)
	require.NoError(t, err)
	return res
}

func position(t *testing.T, s *models.QueueStatus) int64 {
	t.Helper()
	require.NotNil(t, s.Position, "expected participant to be queued")
	return *s.Position
}

func TestWalkthrough(t *testing.T) {
	f := newFixture(t, Config{})

	joined := f.join(t, "u1")
	assert.Equal(t, &models.JoinResult{Success: true, Position: 1, TotalInQueue: 1, ID: "u1"}, joined)

	f.clock.Advance(time.Millisecond)
	f.join(t, "u2")

	s1 := f.status(t, "u1")
	assert.Equal(t, int64(1), position(t, s1))
	assert.Equal(t, int64(2), s1.TotalInQueue)
	assert.True(t, s1.CanProceed)
	assert.True(t, s1.IsHead)

	s2 := f.status(t, "u2")
	assert.Equal(t, int64(2), position(t, s2))
	assert.Equal(t, int64(2), s2.TotalInQueue)
	assert.False(t, s2.CanProceed)

	done := f.complete(t, "u1")
	require.NotNil(t, done.AccessCode)
	assert.Len(t, *done.AccessCode, credential.DefaultLength)
	require.NotNil(t, done.NextUser)
	assert.Equal(t, "u2", *done.NextUser)
	assert.NotEmpty(t, done.AccessPass)

	s2 = f.status(t, "u2")
	assert.Equal(t, int64(1), position(t, s2))
	assert.Equal(t, int64(1), s2.TotalInQueue)
	assert.True(t, s2.CanProceed)
}

func TestJoinThenStatusOnEmptyQueue(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "solo")

	s := f.status(t, "solo")
	assert.Equal(t, int64(1), position(t, s))
	assert.Equal(t, int64(1), s.TotalInQueue)
	assert.True(t, s.CanProceed)

	armed, err := f.store.ConsumeCountdown(context.Background(), "solo", false)
	require.NoError(t, err)
	assert.True(t, armed, "head should have its countdown armed")
}

func TestOrderingFollowsArrival(t *testing.T) {
	f := newFixture(t, Config{})
	ids := []string{"carol", "alice", "bob", "dave", "erin"}
	for _, id := range ids {
		f.join(t, id)
		f.clock.Advance(10 * time.Millisecond)
	}

	for want, id := range ids {
		assert.Equal(t, int64(want+1), position(t, f.status(t, id)), "position of %s", id)
	}
}

func TestTiesResolveDeterministically(t *testing.T) {
	f := newFixture(t, Config{})
	// Frozen clock: every participant arrives at the same instant.
	for _, id := range []string{"m", "z", "a"} {
		f.join(t, id)
	}

	for round := 0; round < 3; round++ {
		assert.Equal(t, int64(1), position(t, f.status(t, "a")))
		assert.Equal(t, int64(2), position(t, f.status(t, "m")))
		assert.Equal(t, int64(3), position(t, f.status(t, "z")))
	}
}

func TestAtMostOneHead(t *testing.T) {
	f := newFixture(t, Config{})
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
		f.join(t, ids[i])
		if i%3 != 0 {
			f.clock.Advance(time.Millisecond)
		}
	}

	for len(ids) > 0 {
		heads := 0
		for _, id := range ids {
			if f.status(t, id).IsHead {
				heads++
			}
		}
		assert.Equal(t, 1, heads)

		res := f.complete(t, ids[0])
		require.NotNil(t, res.AccessCode)
		ids = ids[1:]
	}

	s := f.status(t, "outsider")
	assert.Nil(t, s.Position)
	assert.False(t, s.IsHead)
	assert.Equal(t, int64(0), s.TotalInQueue)
}

func TestExpiredParticipantsAreReaped(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "idle")
	f.clock.Advance(time.Millisecond)
	f.join(t, "active")

	f.clock.Advance(20 * time.Second)
	s := f.status(t, "active")
	assert.Equal(t, int64(2), position(t, s))
	assert.Equal(t, int64(2), s.TotalInQueue)

	f.clock.Advance(20 * time.Second)
	s = f.status(t, "active")
	assert.Equal(t, int64(1), position(t, s))
	assert.Equal(t, int64(1), s.TotalInQueue)
	assert.True(t, s.CanProceed)

	_, queued, err := f.store.RankOf(context.Background(), "idle")
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Contains(t, f.pub.types(), models.EventReaped)

	// The reaped participant learns it must re-join.
	s = f.status(t, "idle")
	assert.Nil(t, s.Position)
	assert.False(t, s.CanProceed)
	assert.Equal(t, int64(1), s.TotalInQueue)
}

func TestReapingUsesHeartbeatNotArrival(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "steady")
	for i := 0; i < 10; i++ {
		f.clock.Advance(10 * time.Second)
		s := f.status(t, "steady")
		require.NotNil(t, s.Position, "heartbeating participant reaped after %d polls", i+1)
	}
}

func TestReapWithoutCallers(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "a")
	f.join(t, "b")
	f.clock.Advance(time.Minute)

	n, err := f.svc.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "u1")

	for i := 0; i < 2; i++ {
		res, err := f.svc.Leave(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, res.Success)
	}

	n, err := f.store.Cardinality(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, []models.EventType{models.EventJoined, models.EventLeft}, f.pub.types())
}

func TestLeaveDoesNotPromoteEagerly(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "head")
	f.clock.Advance(time.Millisecond)
	f.join(t, "next")

	_, err := f.svc.Leave(context.Background(), "head")
	require.NoError(t, err)

	armed, err := f.store.ConsumeCountdown(context.Background(), "next", false)
	require.NoError(t, err)
	assert.False(t, armed)

	s := f.status(t, "next")
	assert.True(t, s.CanProceed)
}

func TestCompleteArmsNextHead(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "a")
	f.clock.Advance(time.Millisecond)
	f.join(t, "b")

	res := f.complete(t, "a")
	require.NotNil(t, res.NextUser)
	assert.Equal(t, "b", *res.NextUser)

	armed, err := f.store.ConsumeCountdown(context.Background(), "b", false)
	require.NoError(t, err)
	assert.True(t, armed)

	assert.Equal(t, []models.EventType{
		models.EventJoined, models.EventJoined, models.EventCountdownArmed, models.EventAdmitted,
	}, f.pub.types())
}

func TestCompleteOnEmptyQueue(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "last")

	res := f.complete(t, "last")
	require.NotNil(t, res.AccessCode)
	assert.Nil(t, res.NextUser)
}

func TestCompleteTwiceDoesNotReissue(t *testing.T) {
	f := newFixture(t, Config{})
	f.join(t, "a")
	f.clock.Advance(time.Millisecond)
	f.join(t, "b")

	first := f.complete(t, "a")
	require.NotNil(t, first.AccessCode)

	second := f.complete(t, "a")
	assert.Nil(t, second.AccessCode)
	assert.Empty(t, second.AccessPass)
	require.NotNil(t, second.NextUser)
	assert.Equal(t, "b", *second.NextUser)

	// The first credential stays valid.
	v, err := f.svc.Verify(context.Background(), models.VerifyRequest{Code: *first.AccessCode})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "a", v.ID)
}

func TestCredentialsDifferAcrossParticipants(t *testing.T) {
	f := newFixture(t, Config{})
	codes := make(map[string]string)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("p%02d", i)
		f.join(t, id)
		res := f.complete(t, id)
		require.NotNil(t, res.AccessCode)
		prev, dup := codes[*res.AccessCode]
		assert.False(t, dup, "code %s issued to both %s and %s", *res.AccessCode, prev, id)
		codes[*res.AccessCode] = id
	}
}

func TestRejoinPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy RejoinPolicy
		want   int64
	}{
		{name: "preserve keeps place", policy: RejoinPreserve, want: 1},
		{name: "reset goes to back", policy: RejoinReset, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{RejoinPolicy: tt.policy})
			f.join(t, "first")
			f.clock.Advance(time.Millisecond)
			f.join(t, "second")
			f.clock.Advance(time.Millisecond)

			res := f.join(t, "first")
			assert.Equal(t, tt.want, res.Position)
			assert.Equal(t, int64(2), res.TotalInQueue)
		})
	}
}

func TestInvalidIDs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	long := make([]byte, MaxIDLength+1)
	for i := range long {
		long[i] = 'x'
	}

	for _, id := range []string{"", "has space", "tab\tbed", string(long), "\xff\xfe"} {
		_, err := f.svc.Join(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidArgument, "join %q", id)
		_, err = f.svc.Status(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidArgument, "status %q", id)
		_, err = f.svc.Complete(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidArgument, "complete %q", id)
		_, err = f.svc.Leave(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidArgument, "leave %q", id)
	}
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		fail string
		call func(*Service) error
	}{
		{name: "join", fail: "mark", call: func(s *Service) error { _, err := s.Join(ctx, "u1"); return err }},
		{name: "status", fail: "members", call: func(s *Service) error { _, err := s.Status(ctx, "u1"); return err }},
		{name: "complete", fail: "remove", call: func(s *Service) error { _, err := s.Complete(ctx, "u1"); return err }},
		{name: "leave", fail: "remove", call: func(s *Service) error { _, err := s.Leave(ctx, "u1"); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(nil), fail: map[string]bool{tt.fail: true}}
			svc := NewService(store, nil, credential.NewIssuer(store, nil, credential.Config{}), Config{},
				WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

			err := tt.call(svc)
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.ErrorIs(t, err, errBoom)
		})
	}
}

func TestCompleteWithoutCredentialIsSurfaced(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(nil), fail: map[string]bool{"credential": true}}
	svc := NewService(store, nil, credential.NewIssuer(store, nil, credential.Config{}), Config{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := svc.Join(ctx, "u1")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, "u1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// Accepted gap: the participant is gone from the queue without a credential.
	_, queued, err := store.RankOf(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, Config{})
	f.pub.err = errBoom

	res := f.join(t, "u1")
	assert.True(t, res.Success)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.join(t, "u1")
	done := f.complete(t, "u1")
	require.NotNil(t, done.AccessCode)

	tests := []struct {
		name    string
		req     models.VerifyRequest
		valid   bool
		wantErr error
	}{
		{name: "code", req: models.VerifyRequest{Code: *done.AccessCode}, valid: true},
		{name: "pass", req: models.VerifyRequest{Pass: done.AccessPass}, valid: true},
		{name: "pass with matching code", req: models.VerifyRequest{Code: *done.AccessCode, Pass: done.AccessPass}, valid: true},
		{name: "pass with other code", req: models.VerifyRequest{Code: "ZZZZZZZZ", Pass: done.AccessPass}},
		{name: "unknown code", req: models.VerifyRequest{Code: "ZZZZZZZZ"}},
		{name: "garbage pass", req: models.VerifyRequest{Pass: "not.a.jwt"}},
		{name: "empty", req: models.VerifyRequest{}, wantErr: ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Verify(ctx, tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.valid {
				assert.Equal(t, "u1", res.ID)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(credential.DefaultTTL + time.Second)
		res, err := f.svc.Verify(ctx, models.VerifyRequest{Code: *done.AccessCode})
		require.NoError(t, err)
		assert.False(t, res.Valid)
	})
}

func TestConcurrentJoinsKeepSingleOrder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Join(ctx, fmt.Sprintf("c%02d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := 0; i < 40; i++ {
		s := f.status(t, fmt.Sprintf("c%02d", i))
		pos := position(t, s)
		assert.False(t, seen[pos], "position %d reported twice", pos)
		seen[pos] = true
		assert.Equal(t, int64(40), s.TotalInQueue)
	}
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		f.svc.RunReaper(ctx, time.Millisecond)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}
