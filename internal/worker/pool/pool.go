package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/acme/conversation-campaign/internal/config"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	campaignsvc "github.com/acme/conversation-campaign/internal/service/campaign"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// Manager is the campaign manager surface used by process().
type Manager interface {
	EvaluateStageProgression(ctx context.Context, conversationID string) (campaignsvc.Progression, error)
	AdvanceStage(ctx context.Context, conversationID, nextStage string) (*domain.ConversationState, error)
	CompleteConversation(ctx context.Context, conv *domain.ConversationState, processorID string) error
	FailConversation(ctx context.Context, conv *domain.ConversationState, processorID string, cause error) error
	Reschedule(ctx context.Context, conv *domain.ConversationState, processorID string, status domain.ConversationStatus, next time.Time, attempts int, cause error) error
}

// Throttle spreads capacity between campaigns. It is optional.
type Throttle interface {
	Acquire(ctx context.Context, campaignID string) (bool, error)
	Release(ctx context.Context, campaignID string) error
}

const releaseTimeout = 30 * time.Second

var errShutdown = errors.New("worker: interrupted by shutdown")

type outcome int

const (
	outcomeNotReady outcome = iota
	outcomeAdvanced
	outcomeComplete
)

// Pool pulls due conversations, claims them in the store and processes them concurrently.
type Pool struct {
	cfg           config.WorkerConfig
	conversations repository.ConversationRepository
	manager       Manager
	throttle      Throttle
	logger        *zap.Logger
	tracer        trace.Tracer

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inFlight map[string]struct{}
	active   atomic.Int64
	wg       sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
}

// New constructs a worker pool. throttle may be nil.
func New(cfg config.WorkerConfig, conversations repository.ConversationRepository, manager Manager, throttle Throttle, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	return &Pool{
		cfg:           cfg,
		conversations: conversations,
		manager:       manager,
		throttle:      throttle,
		logger:        logger.Named("worker").With(zap.String("processor_id", cfg.ProcessorID)),
		tracer:        otel.Tracer("campaign.worker"),
		sem:           semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		inFlight:      make(map[string]struct{}),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func withDefaults(cfg config.WorkerConfig) config.WorkerConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ShortDelay <= 0 {
		cfg.ShortDelay = 5 * time.Minute
	}
	if cfg.MediumDelay <= 0 {
		cfg.MediumDelay = 30 * time.Minute
	}
	if cfg.LongDelay <= 0 {
		cfg.LongDelay = 60 * time.Minute
	}
	if cfg.MaxDelay < cfg.LongDelay {
		cfg.MaxDelay = 24 * time.Hour
		if cfg.MaxDelay < cfg.LongDelay {
			cfg.MaxDelay = cfg.LongDelay
		}
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Minute
	}
	if cfg.ClaimLease <= cfg.ProcessTimeout {
		cfg.ClaimLease = 2 * cfg.ProcessTimeout
	}
	if cfg.ProcessorID == "" {
		host, _ := os.Hostname()
		cfg.ProcessorID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg
}

// Run polls until ctx is cancelled, then waits for in-flight work to release its slots.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("worker pool started",
		zap.Int("max_workers", p.cfg.MaxWorkers),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("interval", p.cfg.PollInterval))
	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("worker tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.Wait()
			p.logger.Info("worker pool stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until every spawned process() has finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Active returns the number of conversations being processed right now.
func (p *Pool) Active() int { return int(p.active.Load()) }

// InFlight reports whether this process is working on the conversation.
func (p *Pool) InFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Tick schedules one batch of due conversations and returns how many were started.
func (p *Pool) Tick(ctx context.Context) (int, error) {
	now := p.now()
	due, err := p.conversations.ListDue(ctx, now, p.cfg.ClaimLease, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("worker: list due conversations: %w", err)
	}
	p.logger.Debug("worker tick", zap.Int("due", len(due)), zap.Int("active", p.Active()))

	started := 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			break
		}
		if p.InFlight(candidate.ID) {
			continue
		}
		if !p.sem.TryAcquire(1) {
			break
		}
		if p.start(ctx, candidate, now) {
			started++
			continue
		}
		p.sem.Release(1)
	}
	return started, nil
}

// start claims the conversation and spawns process() for it. It reports whether a slot was taken.
func (p *Pool) start(ctx context.Context, candidate *domain.ConversationState, now time.Time) bool {
	logger := p.logger.With(zap.String("conversation_id", candidate.ID), zap.String("campaign_id", candidate.CampaignID))

	throttled := false
	if p.throttle != nil {
		ok, err := p.throttle.Acquire(ctx, candidate.CampaignID)
		if err != nil {
			logger.Warn("campaign throttle unavailable", zap.Error(err))
			return false
		}
		if !ok {
			logger.Debug("campaign at in-flight limit")
			return false
		}
		throttled = true
	}

	conv, err := p.conversations.Claim(ctx, candidate.ID, p.cfg.ProcessorID, now, p.cfg.ClaimLease)
	if err != nil {
		if throttled {
			p.releaseThrottle(candidate.CampaignID)
		}
		if errors.Is(err, repository.ErrClaimLost) || errors.Is(err, repository.ErrNotFound) {
			logger.Debug("conversation claimed elsewhere")
			return false
		}
		logger.Error("claim conversation", zap.Error(err))
		return false
	}

	p.mu.Lock()
	p.inFlight[conv.ID] = struct{}{}
	p.mu.Unlock()
	p.active.Add(1)
	p.wg.Add(1)

	go func() {
		defer p.finish(conv, throttled)
		p.process(ctx, conv)
	}()
	return true
}

// finish is the single place a worker slot is given back.
func (p *Pool) finish(conv *domain.ConversationState, throttled bool) {
	if r := recover(); r != nil {
		p.logger.Error("worker task panicked",
			zap.String("conversation_id", conv.ID),
			zap.Any("panic", r))
	}
	if throttled {
		p.releaseThrottle(conv.CampaignID)
	}
	p.mu.Lock()
	delete(p.inFlight, conv.ID)
	p.mu.Unlock()
	p.active.Add(-1)
	p.sem.Release(1)
	p.wg.Done()
}

func (p *Pool) releaseThrottle(campaignID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.throttle.Release(ctx, campaignID); err != nil {
		p.logger.Warn("release campaign throttle", zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

// process evaluates one claimed conversation under the process deadline and always releases the
// claim, whatever the evaluation did.
func (p *Pool) process(ctx context.Context, conv *domain.ConversationState) {
	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("campaign.id", conv.CampaignID),
		attribute.String("stage", conv.CurrentStage),
		attribute.Int("attempts", conv.Attempts),
	))
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	result, updated, err := p.evaluate(pctx, conv)
	cancel()
	if updated != nil {
		conv = updated
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	// Work cut short by shutdown is handed back as due without counting an attempt.
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = errShutdown
	}

	// Release writes must land even when the pool is shutting down.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer rcancel()
	p.settle(rctx, conv, result, err)
}

func (p *Pool) evaluate(ctx context.Context, conv *domain.ConversationState) (result outcome, updated *domain.ConversationState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: process panic: %v", r)
		}
	}()

	progression, err := p.manager.EvaluateStageProgression(ctx, conv.ID)
	if err != nil {
		return outcomeNotReady, nil, err
	}
	switch {
	case progression.ShouldAdvance:
		advanced, err := p.manager.AdvanceStage(ctx, conv.ID, progression.NextStage)
		if err != nil {
			return outcomeNotReady, nil, err
		}
		return outcomeAdvanced, advanced, nil
	case progression.Complete:
		return outcomeComplete, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return outcomeNotReady, nil, err
	}
	return outcomeNotReady, nil, nil
}

func (p *Pool) settle(ctx context.Context, conv *domain.ConversationState, result outcome, cause error) {
	logger := p.logger.With(
		zap.String("conversation_id", conv.ID),
		zap.String("campaign_id", conv.CampaignID),
		zap.String("tenant_id", conv.TenantID),
		zap.String("stage", conv.CurrentStage))
	now := p.now()

	var err error
	switch {
	case errors.Is(cause, errShutdown):
		logger.Info("conversation interrupted by shutdown; handing it back")
		err = p.manager.Reschedule(ctx, conv, p.cfg.ProcessorID, domain.ConversationStatusPending, now, conv.Attempts, nil)
	case cause != nil && isHardFailure(cause):
		err = p.manager.FailConversation(ctx, conv, p.cfg.ProcessorID, cause)
	case cause != nil:
		attempts := conv.Attempts + 1
		if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
			conv.Attempts = attempts
			err = p.manager.FailConversation(ctx, conv, p.cfg.ProcessorID, fmt.Errorf("gave up after %d attempts: %w", attempts, cause))
			break
		}
		next := now.Add(p.backoff(p.cfg.LongDelay, attempts))
		logger.Warn("conversation processing failed", zap.Error(cause), zap.Int("attempts", attempts), zap.Time("next_processing_time", next))
		err = p.manager.Reschedule(ctx, conv, p.cfg.ProcessorID, domain.ConversationStatusPending, next, attempts, cause)
	case result == outcomeAdvanced:
		next := now.Add(p.backoff(p.cfg.ShortDelay, 0))
		err = p.manager.Reschedule(ctx, conv, p.cfg.ProcessorID, domain.ConversationStatusActive, next, 0, nil)
	case result == outcomeComplete:
		err = p.manager.CompleteConversation(ctx, conv, p.cfg.ProcessorID)
	default:
		next := now.Add(p.backoff(p.cfg.MediumDelay, 0))
		err = p.manager.Reschedule(ctx, conv, p.cfg.ProcessorID, domain.ConversationStatusPending, next, 0, nil)
	}

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrClaimLost):
		logger.Warn("claim expired before release; another processor owns the conversation", zap.Error(err))
	default:
		logger.Error("release conversation", zap.Error(err))
	}
}

// isHardFailure reports errors that retrying cannot fix.
func isHardFailure(err error) bool {
	return err != nil && !apperrors.IsRetryable(err)
}

// backoff returns base doubled per attempt beyond the first, capped at the max delay, with
// symmetric jitter. attempt <= 1 means no growth.
func (p *Pool) backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < p.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if attempt > 0 && delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}

	if p.cfg.Jitter > 0 {
		p.rngMu.Lock()
		fraction := p.rng.Float64()*p.cfg.Jitter - p.cfg.Jitter/2
		p.rngMu.Unlock()
		delay += time.Duration(float64(delay) * fraction)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
