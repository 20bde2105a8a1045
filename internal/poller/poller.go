package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/config"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	campaignsvc "github.com/acme/conversation-campaign/internal/service/campaign"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// CampaignManager is the slice of the campaign manager the poller drives.
type CampaignManager interface {
	InitializeConversations(ctx context.Context, campaignID string) (int, error)
	GetCampaignMetrics(ctx context.Context, campaignID string) (*domain.CampaignMetrics, error)
}

// Poller turns batch requests into campaigns and moves campaigns through their lifecycle.
type Poller struct {
	cfg       config.PollerConfig
	requests  repository.BatchRequestRepository
	campaigns repository.CampaignRepository
	manager   CampaignManager
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New constructs a poller.
func New(cfg config.PollerConfig, requests repository.BatchRequestRepository, campaigns repository.CampaignRepository, manager CampaignManager, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	if cfg.CampaignLimit <= 0 {
		cfg.CampaignLimit = 100
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = domain.ServiceTypeCommunication
	}
	return &Poller{
		cfg:       cfg,
		requests:  requests,
		campaigns: campaigns,
		manager:   manager,
		logger:    logger.Named("poller"),
		tracer:    otel.Tracer("campaign.poller"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the polling loop until ctx is cancelled. A failing tick is logged and the loop
// carries on.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("poller started", zap.Duration("interval", p.cfg.PollInterval))
	for {
		if err := p.safeTick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poller tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller: tick panic: %v", r)
		}
	}()
	return p.Tick(ctx)
}

// Tick runs every phase once. Phases are independent; the returned error joins the phase errors.
func (p *Poller) Tick(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poller.tick")
	defer span.End()

	p.logger.Debug("poller tick started")
	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"ingest", p.ingest},
		{"promote", p.promote},
		{"activate", p.activate},
		{"reconcile", p.reconcile},
	}

	var errs []error
	for _, phase := range phases {
		if ctx.Err() != nil {
			break
		}
		pctx, pspan := p.tracer.Start(ctx, "poller."+phase.name)
		if err := phase.run(pctx); err != nil {
			pspan.RecordError(err)
			p.logger.Error("poller phase failed", zap.String("phase", phase.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", phase.name, err))
		}
		pspan.End()
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return err
	}
	p.logger.Debug("poller tick finished")
	return nil
}

// ingest converts new batch requests into campaigns. A failing request is marked failed and the
// rest of the batch continues.
func (p *Poller) ingest(ctx context.Context) error {
	requests, err := p.requests.ListNew(ctx, p.cfg.ServiceType, p.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list new batch requests: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("batch_requests.count", len(requests)))

	for _, req := range requests {
		logger := p.logger.With(zap.String("batch_request_id", req.ID), zap.String("tenant_id", req.TenantID))

		if err := p.requests.MarkProcessing(ctx, req.ID); err != nil {
			if errors.Is(err, repository.ErrClaimLost) {
				logger.Debug("batch request taken by another poller")
				continue
			}
			logger.Error("mark batch request processing", zap.Error(err))
			continue
		}

		campaignID, err := p.materialize(ctx, req)
		if err != nil {
			logger.Error("batch request failed", zap.Error(err))
			if markErr := p.requests.MarkFailed(ctx, req.ID, err.Error()); markErr != nil {
				logger.Error("mark batch request failed", zap.Error(markErr))
			}
			continue
		}
		if err := p.requests.MarkCompleted(ctx, req.ID, campaignID); err != nil {
			logger.Error("mark batch request completed", zap.Error(err), zap.String("campaign_id", campaignID))
			continue
		}
		logger.Info("campaign created from batch request", zap.String("campaign_id", campaignID))
	}
	return nil
}

func (p *Poller) materialize(ctx context.Context, req *domain.BatchRequest) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("materialize campaign: panic: %v", r)
		}
	}()

	campaign, err := campaignsvc.BuildCampaign(req, p.now())
	if err != nil {
		return "", err
	}
	if err := p.campaigns.Create(ctx, campaign); err != nil {
		// A campaign shares its request id, so a conflict means an earlier attempt already stored it.
		if errors.Is(err, repository.ErrConflict) {
			return campaign.ID, nil
		}
		return "", fmt.Errorf("insert campaign: %w", err)
	}
	return campaign.ID, nil
}

// promote flips scheduled campaigns whose time has come back to pending.
func (p *Poller) promote(ctx context.Context) error {
	due, err := p.campaigns.ListScheduledDue(ctx, p.now(), p.cfg.CampaignLimit)
	if err != nil {
		return fmt.Errorf("list scheduled campaigns: %w", err)
	}
	for _, c := range due {
		err := p.campaigns.TransitionStatus(ctx, c.ID, domain.CampaignStatusScheduled, domain.CampaignStatusPending)
		switch {
		case err == nil:
			p.logger.Info("scheduled campaign promoted", zap.String("campaign_id", c.ID))
		case errors.Is(err, repository.ErrClaimLost):
		default:
			p.logger.Error("promote campaign", zap.String("campaign_id", c.ID), zap.Error(err))
		}
	}
	return nil
}

// activate initializes conversations for pending campaigns and marks them active. Structural
// problems fail the campaign; anything else leaves it pending for the next tick.
func (p *Poller) activate(ctx context.Context) error {
	pending, err := p.campaigns.ListByStatus(ctx, domain.CampaignStatusPending, p.cfg.CampaignLimit)
	if err != nil {
		return fmt.Errorf("list pending campaigns: %w", err)
	}
	for _, c := range pending {
		logger := p.logger.With(zap.String("campaign_id", c.ID), zap.String("tenant_id", c.TenantID))
		if c.ScheduledAt != nil && c.ScheduledAt.After(p.now()) {
			continue
		}

		created, err := p.initialize(ctx, c.ID)
		if err != nil {
			if errors.Is(err, apperrors.ErrTerminal) {
				logger.Error("campaign cannot start", zap.Error(err))
				if failErr := p.campaigns.Fail(ctx, c.ID, err.Error()); failErr != nil && !errors.Is(failErr, repository.ErrClaimLost) {
					logger.Error("mark campaign failed", zap.Error(failErr))
				}
				continue
			}
			logger.Warn("campaign activation deferred", zap.Error(err))
			continue
		}

		err = p.campaigns.TransitionStatus(ctx, c.ID, domain.CampaignStatusPending, domain.CampaignStatusActive)
		if err != nil && !errors.Is(err, repository.ErrClaimLost) {
			logger.Error("activate campaign", zap.Error(err))
			continue
		}
		logger.Info("campaign activated", zap.Int("conversations_created", created))
	}
	return nil
}

func (p *Poller) initialize(ctx context.Context, campaignID string) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize conversations: panic: %v", r)
		}
	}()
	return p.manager.InitializeConversations(ctx, campaignID)
}

// reconcile completes active campaigns whose conversations are all terminal.
func (p *Poller) reconcile(ctx context.Context) error {
	active, err := p.campaigns.ListByStatus(ctx, domain.CampaignStatusActive, p.cfg.CampaignLimit)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	for _, c := range active {
		cctx, span := p.tracer.Start(ctx, "poller.reconcile.campaign", trace.WithAttributes(attribute.String("campaign.id", c.ID)))
		if err := p.reconcileOne(cctx, c); err != nil {
			span.RecordError(err)
			p.logger.Error("reconcile campaign", zap.String("campaign_id", c.ID), zap.Error(err))
		}
		span.End()
	}
	return nil
}

func (p *Poller) reconcileOne(ctx context.Context, c *domain.Campaign) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	metrics, err := p.manager.GetCampaignMetrics(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("campaign metrics: %w", err)
	}
	if !metrics.IsComplete {
		return nil
	}
	if err := p.campaigns.Complete(ctx, c.ID, metrics, p.now()); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			return nil
		}
		return fmt.Errorf("complete campaign: %w", err)
	}
	p.logger.Info("campaign completed",
		zap.String("campaign_id", c.ID),
		zap.Int64("completed", metrics.StatusCounts[domain.ConversationStatusCompleted]),
		zap.Int64("failed", metrics.StatusCounts[domain.ConversationStatusFailed]))
	return nil
}
