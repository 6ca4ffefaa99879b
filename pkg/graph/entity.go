package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// EntityService maintains the graph projection of the merge store: one
// Entity node per merged entity, one Adapter node per identity pair, and
// CORRELATED_WITH edges between adapters that share an entity.
type EntityService struct {
	client *Client
	logger ectologger.Logger
}

// NewEntityService creates a new entity service
func NewEntityService(client *Client, logger ectologger.Logger) *EntityService {
	return &EntityService{
		client: client,
		logger: logger,
	}
}

// ProjectEntity writes one merged entity into the graph. The projection is
// rebuilt from the document: stale membership edges are removed so the
// graph always matches the current document, even after a Link or Unlink
// moved adapters between entities.
func (s *EntityService) ProjectEntity(ctx context.Context, entity *models.MergedEntity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.ProjectEntity")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id": entity.InternalID,
		"adapters":  len(entity.Adapters),
	})

	adapters := make([]map[string]any, 0, len(entity.Adapters))
	for _, a := range entity.Adapters {
		adapters = append(adapters, map[string]any{
			"source_plugin_id": a.SourcePluginID,
			"plugin_name":      a.PluginName,
			"client_name":      a.ClientName,
			"local_id":         a.LocalID,
			"fetch_time":       a.FetchTime.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	cypher := `
		MERGE (e:Entity {id: $id})
		SET e.last_updated = $last_updated, e.adapter_count = $adapter_count
		WITH e
		OPTIONAL MATCH (stale:Adapter)-[m:MEMBER_OF]->(e)
		WHERE NOT (stale.source_plugin_id + '|' + stale.local_id) IN $identity_keys
		DELETE m
		WITH DISTINCT e
		UNWIND $adapters AS adapter
		MERGE (a:Adapter {source_plugin_id: adapter.source_plugin_id, local_id: adapter.local_id})
		SET a.plugin_name = adapter.plugin_name,
		    a.client_name = adapter.client_name,
		    a.fetch_time = adapter.fetch_time
		MERGE (a)-[:MEMBER_OF]->(e)
		WITH e
		MATCH (a:Adapter)-[:MEMBER_OF]->(e), (b:Adapter)-[:MEMBER_OF]->(e)
		WHERE a.source_plugin_id + '|' + a.local_id < b.source_plugin_id + '|' + b.local_id
		MERGE (a)-[:CORRELATED_WITH]-(b)
		RETURN e
	`

	identityKeys := make([]string, 0, len(entity.Adapters))
	for _, a := range entity.Adapters {
		identityKeys = append(identityKeys, a.SourcePluginID+"|"+a.LocalID)
	}

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":            entity.InternalID,
			"last_updated":  entity.LastUpdated.UTC().Format("2006-01-02T15:04:05Z"),
			"adapter_count": len(entity.Adapters),
			"identity_keys": identityKeys,
			"adapters":      adapters,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		log.WithError(err).Error("Failed to project entity into graph")
		return fmt.Errorf("failed to project entity into graph: %w", err)
	}

	log.Debug("Projected entity into graph")
	return nil
}

// RemoveEntity deletes an entity node and its membership edges. Adapter
// nodes survive; a Link repoints them at the surviving entity.
func (s *EntityService) RemoveEntity(ctx context.Context, internalID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.RemoveEntity")
	defer span.End()

	cypher := `
		MATCH (e:Entity {id: $id})
		DETACH DELETE e
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": internalID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to remove entity from graph")
		return fmt.Errorf("failed to remove entity from graph: %w", err)
	}

	return nil
}

// CorrelatedAdapters returns the identity pairs correlated with the given
// adapter instance, one hop out in the graph.
func (s *EntityService) CorrelatedAdapters(ctx context.Context, sourcePluginID, localID string) ([]models.AdapterRef, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.CorrelatedAdapters")
	defer span.End()

	cypher := `
		MATCH (a:Adapter {source_plugin_id: $source_plugin_id, local_id: $local_id})-[:CORRELATED_WITH]-(b:Adapter)
		RETURN b.source_plugin_id AS source_plugin_id, b.local_id AS local_id
		ORDER BY source_plugin_id, local_id
	`

	records, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"source_plugin_id": sourcePluginID,
			"local_id":         localID,
		})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query correlated adapters: %w", err)
	}

	var refs []models.AdapterRef
	for _, record := range records.([]*neo4j.Record) {
		plugin, _ := record.Get("source_plugin_id")
		id, _ := record.Get("local_id")
		pluginStr, _ := plugin.(string)
		idStr, _ := id.(string)
		refs = append(refs, models.AdapterRef{SourcePluginID: pluginStr, LocalID: idStr})
	}
	return refs, nil
}
