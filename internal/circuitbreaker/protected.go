package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/db"
)

// Deliverer mirrors delivery.Deliverer to avoid an import cycle.
type Deliverer interface {
	Deliver(ctx context.Context, integrationID string, item *db.QueueItem, timeout time.Duration) (string, error)
}

// ProtectedDeliverer wraps a Deliverer with the integration's breaker.
// Only errors for which countsAsFailure returns true count against the
// breaker; other errors still prove the service answered.
type ProtectedDeliverer struct {
	next            Deliverer
	registry        *Registry
	countsAsFailure func(error) bool
	logger          *zap.Logger
}

// NewProtectedDeliverer wraps next. A nil countsAsFailure counts every error.
func NewProtectedDeliverer(next Deliverer, registry *Registry, countsAsFailure func(error) bool, logger *zap.Logger) *ProtectedDeliverer {
	if countsAsFailure == nil {
		countsAsFailure = func(error) bool { return true }
	}
	return &ProtectedDeliverer{
		next:            next,
		registry:        registry,
		countsAsFailure: countsAsFailure,
		logger:          logger,
	}
}

func (p *ProtectedDeliverer) Deliver(ctx context.Context, integrationID string, item *db.QueueItem, timeout time.Duration) (string, error) {
	breaker := p.registry.Get(integrationID)
	if !breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("integration_id", integrationID),
			zap.Int64("queue_item_id", item.ID),
			zap.String("state", breaker.Current().String()),
		)
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, integrationID)
	}

	remoteID, err := p.next.Deliver(ctx, integrationID, item, timeout)
	if err != nil {
		if p.countsAsFailure(err) {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		return "", err
	}

	breaker.RecordSuccess()
	return remoteID, nil
}

// Registry exposes the breakers for the admin API.
func (p *ProtectedDeliverer) Registry() *Registry {
	return p.registry
}
