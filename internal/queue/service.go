// Package queue implements the admission controller: it keeps a single
// global FIFO of participants in the backing store, expires participants
// that stop polling, and hands admission to the head one at a time.
//
// The Service holds no queue state of its own. Every position and
// head-eligibility answer is recomputed from the store on each call, and
// multi-step sequences are not transactional: each store call is atomic on
// its own, and a sequence interrupted halfway is repaired by later polls.
package queue

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jawaracloud/admission-queue/internal/broker"
	"github.com/jawaracloud/admission-queue/internal/clock"
	"github.com/jawaracloud/admission-queue/internal/credential"
	"github.com/jawaracloud/admission-queue/internal/metrics"
	"github.com/jawaracloud/admission-queue/internal/storage"
	"github.com/jawaracloud/admission-queue/pkg/models"
)

const tracerName = "github.com/jawaracloud/admission-queue/internal/queue"

// RejoinPolicy decides what join does for an id that is already queued.
type RejoinPolicy string

const (
	// RejoinPreserve keeps the original arrival time; the join acts as a heartbeat.
	RejoinPreserve RejoinPolicy = "preserve"
	// RejoinReset moves the participant to the back of the queue.
	RejoinReset RejoinPolicy = "reset"
)

// Store is the part of the backing store the controller orders and expires
// participants with.
type Store interface {
	storage.Registry
	storage.Liveness
}

// Config holds the controller's timing policy.
type Config struct {
	LivenessTTL    time.Duration
	LivenessWindow time.Duration
	CountdownTTL   time.Duration
	RejoinPolicy   RejoinPolicy
}

// DefaultConfig returns the timings the browser client is built around:
// a 30s heartbeat key, reaping after 35s of silence and a 5s countdown flag.
func DefaultConfig() Config {
	return Config{
		LivenessTTL:    30 * time.Second,
		LivenessWindow: 35 * time.Second,
		CountdownTTL:   5 * time.Second,
		RejoinPolicy:   RejoinPreserve,
	}
}

type Service struct {
	store     Store
	publisher broker.Publisher
	issuer    *credential.Issuer
	cfg       Config

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(store Store, publisher broker.Publisher, issuer *credential.Issuer, cfg Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.LivenessTTL <= 0 {
		cfg.LivenessTTL = defaults.LivenessTTL
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = defaults.LivenessWindow
	}
	if cfg.CountdownTTL <= 0 {
		cfg.CountdownTTL = defaults.CountdownTTL
	}
	if cfg.RejoinPolicy == "" {
		cfg.RejoinPolicy = defaults.RejoinPolicy
	}
	if publisher == nil {
		publisher = broker.NoopPublisher{}
	}

	s := &Service{
		store:     store,
		publisher: publisher,
		issuer:    issuer,
		cfg:       cfg,
		clock:     clock.Real(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// arrivalScore encodes t as Unix microseconds, which a float64 score holds exactly.
func arrivalScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func scoreTime(score float64) time.Time {
	return time.UnixMicro(int64(score))
}

// begin opens a span for op and returns the function that closes it and
// records the outcome.
func (s *Service) begin(ctx context.Context, op, id string) (context.Context, func(*error)) {
	ctx, span := s.tracer.Start(ctx, "queue."+op, trace.WithAttributes(attribute.String("participant.id", id)))
	start := time.Now()
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.ObserveOperation(op, *errp, time.Since(start))
	}
}

// Join enqueues id at the current time and reports its 1-based position.
func (s *Service) Join(ctx context.Context, id string) (res *models.JoinResult, err error) {
	ctx, done := s.begin(ctx, "join", id)
	defer done(&err)

	if err = ValidateID(id); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	// Heartbeat first: a concurrent reap must never see the new member
	// without its liveness key.
	if err = s.store.MarkActive(ctx, id, now, s.cfg.LivenessTTL); err != nil {
		return nil, storeErr("mark active", err)
	}

	if s.cfg.RejoinPolicy == RejoinReset {
		if err = s.store.Upsert(ctx, id, arrivalScore(now)); err != nil {
			return nil, storeErr("upsert", err)
		}
		// A participant sent to the back forfeits any pending head turn.
		if _, err = s.store.ConsumeCountdown(ctx, id, true); err != nil {
			return nil, storeErr("clear countdown", err)
		}
	} else if _, err = s.store.Insert(ctx, id, arrivalScore(now)); err != nil {
		return nil, storeErr("insert", err)
	}

	rank, queued, err := s.store.RankOf(ctx, id)
	if err != nil {
		return nil, storeErr("rank", err)
	}
	total, err := s.store.Cardinality(ctx)
	if err != nil {
		return nil, storeErr("cardinality", err)
	}
	s.metrics.SetQueueDepth(total)

	position := int64(1)
	if queued {
		position = rank + 1
	}

	event := broker.NewEvent(models.EventJoined, id, now)
	event.Position = position
	event.TotalInQueue = total
	s.publish(ctx, event)

	return &models.JoinResult{
		Success:      true,
		Position:     position,
		TotalInQueue: total,
		ID:           id,
	}, nil
}

// Status reaps expired participants, refreshes the caller's heartbeat and
// reports its position. An id missing from the queue gets a nil position
// rather than an error so the client can re-join.
func (s *Service) Status(ctx context.Context, id string) (res *models.QueueStatus, err error) {
	ctx, done := s.begin(ctx, "status", id)
	defer done(&err)

	if err = ValidateID(id); err != nil {
		return nil, err
	}

	if _, err = s.reap(ctx); err != nil {
		return nil, err
	}

	if err = s.store.MarkActive(ctx, id, s.clock.Now(), s.cfg.LivenessTTL); err != nil {
		return nil, storeErr("mark active", err)
	}

	rank, queued, err := s.store.RankOf(ctx, id)
	if err != nil {
		return nil, storeErr("rank", err)
	}
	total, err := s.store.Cardinality(ctx)
	if err != nil {
		return nil, storeErr("cardinality", err)
	}
	s.metrics.SetQueueDepth(total)

	status := &models.QueueStatus{Success: true, TotalInQueue: total}
	if !queued {
		return status, nil
	}

	position := rank + 1
	status.Position = &position
	if rank == 0 {
		armed, err := s.store.ConsumeCountdown(ctx, id, false)
		if err != nil {
			return nil, storeErr("read countdown", err)
		}
		if !armed {
			if err := s.store.ArmCountdown(ctx, id, s.cfg.CountdownTTL); err != nil {
				return nil, storeErr("arm countdown", err)
			}
		}
		status.IsHead = true
		status.CanProceed = true
	}
	return status, nil
}

// Complete removes id from the queue, mints its access credential and arms
// the countdown of whoever is now at the head. For an id that is no longer
// queued only the head is re-armed; no credential is issued.
func (s *Service) Complete(ctx context.Context, id string) (res *models.CompleteResult, err error) {
	ctx, done := s.begin(ctx, "complete", id)
	defer done(&err)

	if err = ValidateID(id); err != nil {
		return nil, err
	}

	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return nil, storeErr("remove", err)
	}
	if err = s.store.Drop(ctx, id); err != nil {
		return nil, storeErr("drop liveness", err)
	}

	res = &models.CompleteResult{Success: true}
	if removed {
		cred, err := s.issuer.Issue(ctx, id)
		if err != nil {
			s.logger.Error("participant left the queue without a credential",
				"participant", id, "error", err)
			return nil, storeErr("issue credential", err)
		}
		s.metrics.CredentialIssued()
		res.AccessCode = &cred.Code
		res.AccessPass = cred.Pass
	}

	head, err := s.store.HeadRange(ctx, 1)
	if err != nil {
		return nil, storeErr("head range", err)
	}
	now := s.clock.Now()
	if len(head) > 0 {
		next := head[0].ID
		if err = s.store.ArmCountdown(ctx, next, s.cfg.CountdownTTL); err != nil {
			return nil, storeErr("arm countdown", err)
		}
		res.NextUser = &next
		s.publish(ctx, broker.NewEvent(models.EventCountdownArmed, next, now))
	}

	if removed {
		event := broker.NewEvent(models.EventAdmitted, id, now)
		if res.NextUser != nil {
			event.NextUser = *res.NextUser
		}
		s.publish(ctx, event)
	}
	return res, nil
}

// Leave withdraws id. It is idempotent and does not promote a new head;
// the next participant discovers it is first on its own next status call.
func (s *Service) Leave(ctx context.Context, id string) (res *models.LeaveResult, err error) {
	ctx, done := s.begin(ctx, "leave", id)
	defer done(&err)

	if err = ValidateID(id); err != nil {
		return nil, err
	}

	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return nil, storeErr("remove", err)
	}
	if err = s.store.Drop(ctx, id); err != nil {
		return nil, storeErr("drop liveness", err)
	}
	if removed {
		s.publish(ctx, broker.NewEvent(models.EventLeft, id, s.clock.Now()))
	}
	return &models.LeaveResult{Success: true}, nil
}

// Verify reports whether an access code, or the code inside a signed pass,
// is currently valid and who it belongs to. It never consumes the credential.
func (s *Service) Verify(ctx context.Context, req models.VerifyRequest) (res *models.VerifyResult, err error) {
	ctx, done := s.begin(ctx, "verify", "")
	defer done(&err)

	code := req.Code
	if req.Pass != "" {
		passCode, err := s.issuer.CodeFromPass(req.Pass)
		if err != nil || (code != "" && code != passCode) {
			return &models.VerifyResult{Success: true}, nil
		}
		code = passCode
	}
	if err = validateToken("code", code); err != nil {
		return nil, err
	}

	id, ok, err := s.issuer.Resolve(ctx, code)
	if err != nil {
		return nil, storeErr("lookup credential", err)
	}
	return &models.VerifyResult{Success: true, Valid: ok, ID: id}, nil
}

// Reap removes every participant whose last sign of life is older than the
// liveness window and returns how many were removed.
func (s *Service) Reap(ctx context.Context) (n int, err error) {
	ctx, done := s.begin(ctx, "reap", "")
	defer done(&err)
	return s.reap(ctx)
}

func (s *Service) reap(ctx context.Context) (int, error) {
	members, err := s.store.Members(ctx)
	if err != nil {
		return 0, storeErr("scan queue", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	seen, err := s.store.LastSeen(ctx, ids)
	if err != nil {
		return 0, storeErr("read liveness", err)
	}

	now := s.clock.Now()
	threshold := now.Add(-s.cfg.LivenessWindow)
	var expired []string
	for _, m := range members {
		last := scoreTime(m.Score)
		if hb, ok := seen[m.ID]; ok && hb.After(last) {
			last = hb
		}
		if last.Before(threshold) {
			expired = append(expired, m.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	for _, id := range expired {
		if _, err := s.store.Remove(ctx, id); err != nil {
			return 0, storeErr("remove expired", err)
		}
	}
	if err := s.store.Drop(ctx, expired...); err != nil {
		return 0, storeErr("drop expired liveness", err)
	}

	s.metrics.AddReaped(len(expired))
	s.logger.Info("reaped inactive participants", "count", len(expired))
	for _, id := range expired {
		s.publish(ctx, broker.NewEvent(models.EventReaped, id, now))
	}
	return len(expired), nil
}

// RunReaper reaps on a fixed interval until ctx is cancelled. Status calls
// reap regardless; this only bounds staleness when nobody is polling.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reap(ctx); err != nil {
				s.logger.Warn("background reap failed", "error", err)
			}
		}
	}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	p, ok := s.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event models.QueueEvent) {
	err := s.publisher.Publish(ctx, event)
	s.metrics.EventPublished(string(event.Type), err)
	if err != nil {
		s.logger.Warn("publish queue event failed",
			"type", event.Type, "participant", event.ParticipantID, "error", err)
	}
}
