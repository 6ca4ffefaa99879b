package kafka

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/pkg/models"
)

// GraphProjector mirrors merge-store changes into the graph database. A nil
// projector disables the projection.
type GraphProjector interface {
	ProjectEntity(ctx context.Context, entity *models.MergedEntity) error
	RemoveEntity(ctx context.Context, internalID string) error
}

// Notifier fans committed mutations out to Kafka and the graph projection.
// Mutations are already committed when a notifier method runs, so failures
// here are logged and swallowed, never surfaced to the caller.
type Notifier struct {
	producer *Producer
	graph    GraphProjector
	logger   ectologger.Logger
}

func NewNotifier(producer *Producer, graph GraphProjector, logger ectologger.Logger) *Notifier {
	return &Notifier{
		producer: producer,
		graph:    graph,
		logger:   logger,
	}
}

func (n *Notifier) EntityUpserted(ctx context.Context, entity *models.MergedEntity, created bool) {
	eventType := EventEntityUpdated
	if created {
		eventType = EventEntityCreated
	}
	n.publish(ctx, &EntityEvent{
		EventType: eventType,
		EntityID:  entity.InternalID,
		Adapters:  entity.IdentityKeys(),
	})
	n.project(ctx, entity)
}

func (n *Notifier) EntitiesLinked(ctx context.Context, entity *models.MergedEntity, replaced []string) {
	n.publish(ctx, &EntityEvent{
		EventType: EventEntityLinked,
		EntityID:  entity.InternalID,
		Adapters:  entity.IdentityKeys(),
		Replaced:  replaced,
	})
	n.project(ctx, entity)
	for _, internalID := range replaced {
		n.remove(ctx, internalID)
	}
}

func (n *Notifier) EntityUnlinked(ctx context.Context, split *models.MergedEntity, remaining *models.MergedEntity) {
	n.publish(ctx, &EntityEvent{
		EventType: EventEntityUnlinked,
		EntityID:  split.InternalID,
		Adapters:  split.IdentityKeys(),
		Replaced:  []string{remaining.InternalID},
	})
	n.project(ctx, split)
	n.project(ctx, remaining)
}

func (n *Notifier) EntityTagged(ctx context.Context, entity *models.MergedEntity, tag models.Tag) {
	n.publish(ctx, &EntityEvent{
		EventType: EventEntityTagged,
		EntityID:  entity.InternalID,
		Adapters:  entity.IdentityKeys(),
		TagName:   tag.Name,
	})
	n.project(ctx, entity)
}

func (n *Notifier) CorrelationContradiction(ctx context.Context, warning models.WarningResult) error {
	if n.producer == nil {
		return nil
	}
	return n.producer.PublishWarningEvent(ctx, &WarningEvent{
		EventType:        EventCorrelationContradiction,
		NotificationType: warning.NotificationType,
		Message:          warning.Message,
		Content:          warning.Content,
	})
}

func (n *Notifier) publish(ctx context.Context, event *EntityEvent) {
	if n.producer == nil {
		return
	}
	if err := n.producer.PublishEntityEvent(ctx, event); err != nil {
		n.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event.EventType,
			"entity_id":  event.EntityID,
		}).Error("Failed to publish entity event")
	}
}

func (n *Notifier) project(ctx context.Context, entity *models.MergedEntity) {
	if n.graph == nil {
		return
	}
	if err := n.graph.ProjectEntity(ctx, entity); err != nil {
		n.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entity.InternalID,
		}).Error("Failed to project entity into the graph")
	}
}

func (n *Notifier) remove(ctx context.Context, internalID string) {
	if n.graph == nil {
		return
	}
	if err := n.graph.RemoveEntity(ctx, internalID); err != nil {
		n.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": internalID,
		}).Error("Failed to remove entity from the graph")
	}
}
