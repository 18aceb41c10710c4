package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/queue"
)

// RoutingPublisher lets automation actions push a lead onto the routing
// queue. The per-lead dedup key collapses bursts into one job, same as
// the event worker's threshold enqueue.
type RoutingPublisher struct {
	queue *queue.Queue
}

// NewRoutingPublisher wraps the routing queue.
func NewRoutingPublisher(q *queue.Queue) *RoutingPublisher {
	return &RoutingPublisher{queue: q}
}

// EnqueueRouting implements automation.Router.
func (p *RoutingPublisher) EnqueueRouting(ctx context.Context, leadID uuid.UUID, forcedPipelineSlug string) error {
	_, err := p.queue.Enqueue(ctx,
		RoutingJob{LeadID: leadID, ForcedPipeline: forcedPipelineSlug},
		queue.WithDedupKey("routing-"+leadID.String()))
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

// SyncQueuePublisher publishes CRM sync jobs. The sync queue is
// produce-only here; its consumer is the external Moco bridge.
type SyncQueuePublisher struct {
	queue *queue.Queue
}

// NewSyncQueuePublisher wraps the sync queue.
func NewSyncQueuePublisher(q *queue.Queue) *SyncQueuePublisher {
	return &SyncQueuePublisher{queue: q}
}

// PublishSync implements automation.SyncPublisher.
func (p *SyncQueuePublisher) PublishSync(ctx context.Context, leadID uuid.UUID, reason string) error {
	_, err := p.queue.Enqueue(ctx, map[string]any{
		"lead_id": leadID,
		"reason":  reason,
	})
	return err
}
