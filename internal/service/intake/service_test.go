package intake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository/memory"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

func TestSubmitNormalizesRequest(t *testing.T) {
	svc := NewService(memory.NewBatchRequestRepository(), nil)

	req, err := svc.Submit(context.Background(), &domain.BatchRequest{
		TenantID:   "tenant-a",
		Status:     domain.BatchRequestStatusCompleted,
		CampaignID: "stale",
		Recipients: []string{"u1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, domain.BatchRequestStatusNew, req.Status)
	assert.Equal(t, domain.ServiceTypeCommunication, req.ServiceType)
	assert.Empty(t, req.CampaignID)

	stored, err := svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRequestStatusNew, stored.Status)
}

func TestSubmitDuplicateID(t *testing.T) {
	svc := NewService(memory.NewBatchRequestRepository(), nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, &domain.BatchRequest{ID: "r1"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, &domain.BatchRequest{ID: "r1"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestSubmitNil(t *testing.T) {
	svc := NewService(memory.NewBatchRequestRepository(), nil)
	_, err := svc.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
