package campaign

import (
	"fmt"
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// DefaultCampaignType is used when a template does not name one.
const DefaultCampaignType = "standard"

// BuildCampaign derives a campaign from a batch request. The campaign shares the request id and
// its stages mirror the template stages in order. Structural problems return ErrTerminal.
func BuildCampaign(req *domain.BatchRequest, now time.Time) (*domain.Campaign, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: batch request has no id", apperrors.ErrTerminal)
	}
	if req.Template == nil {
		return nil, fmt.Errorf("%w: batch request %s has no template", apperrors.ErrTerminal, req.ID)
	}
	if len(req.Template.Stages) == 0 {
		return nil, fmt.Errorf("%w: batch request %s template has no stages", apperrors.ErrTerminal, req.ID)
	}
	recipients := uniqueRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: batch request %s has no recipients", apperrors.ErrTerminal, req.ID)
	}

	stages := make([]domain.Stage, 0, len(req.Template.Stages))
	seen := make(map[string]struct{}, len(req.Template.Stages))
	for i, ts := range req.Template.Stages {
		if ts.Stage == "" {
			return nil, fmt.Errorf("%w: batch request %s stage %d has no name", apperrors.ErrTerminal, req.ID, i)
		}
		if _, dup := seen[ts.Stage]; dup {
			return nil, fmt.Errorf("%w: batch request %s repeats stage %q", apperrors.ErrTerminal, req.ID, ts.Stage)
		}
		seen[ts.Stage] = struct{}{}
		stages = append(stages, domain.Stage{
			Name:                 ts.Stage,
			Order:                i,
			Content:              ts.ContentStructure,
			Variables:            ts.Variables,
			CompletionCriteria:   ts.CompletionCriteria,
			FollowUpTiming:       ts.FollowUpTiming,
			ConversationGuidance: ts.ConversationGuidance,
		})
	}

	campaignType := req.Template.CampaignType
	if campaignType == "" {
		campaignType = DefaultCampaignType
	}
	status := domain.CampaignStatusPending
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		status = domain.CampaignStatusScheduled
	}
	name := req.Name
	if name == "" {
		name = "campaign " + req.ID
	}

	campaign := &domain.Campaign{
		ID:          req.ID,
		TenantID:    req.TenantID,
		Name:        name,
		Type:        campaignType,
		Subtype:     req.Template.Subtype,
		Status:      status,
		Recipients:  recipients,
		Template:    *req.Template,
		Stages:      stages,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata: domain.CampaignMetadata{
			Source:            "batch_request",
			OriginalRequestID: req.ID,
			BatchID:           req.BatchID,
			CreatedBy:         req.CreatedBy,
		},
	}
	if _, err := resolveStages(campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}
