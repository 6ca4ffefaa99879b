package mergedentity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/bramble/pkg/database"
	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// Repository is the merge store: MergedEntity documents plus the
// adapter_index table that enforces identity exclusivity. Callers are
// responsible for holding the relevant identity-key locks; the repository
// only guarantees transactional application of each mutation.
type Repository struct {
	db          database.DB
	logger      ectologger.Logger
	maxDocBytes int
}

// NewRepository creates a new merge store repository. maxDocBytes bounds the
// serialized size of one document's adapters plus tags; zero disables the
// check.
func NewRepository(db database.DB, logger ectologger.Logger, maxDocBytes int) *Repository {
	return &Repository{
		db:          db,
		logger:      logger,
		maxDocBytes: maxDocBytes,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

type entityRow struct {
	ID          string                                 `db:"id"`
	Adapters    database.JSONB[[]models.AdapterEntity] `db:"adapters"`
	Tags        database.JSONB[[]models.Tag]           `db:"tags"`
	LastUpdated time.Time                              `db:"last_updated"`
}

func (row *entityRow) toModel() *models.MergedEntity {
	return &models.MergedEntity{
		InternalID:  row.ID,
		Adapters:    row.Adapters.GetValue(),
		Tags:        row.Tags.GetValue(),
		LastUpdated: row.LastUpdated,
	}
}

// Get retrieves a merged entity by internal id.
func (r *Repository) Get(ctx context.Context, internalID string) (*models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "adapters", "tags", "last_updated")
	sb.From("merged_entities")
	sb.Where(sb.Equal("id", internalID))

	query, args := sb.Build()
	var row entityRow
	q := database.QueryerFromContext(ctx, r.db)
	if err := q.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", internalID))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merged entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return row.toModel(), nil
}

// GetByIdentity returns the merged entity containing the identity pair, or
// nil when no document contains it.
func (r *Repository) GetByIdentity(ctx context.Context, sourcePluginID, localID string) (*models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.GetByIdentity")
	defer span.End()

	entities, err := r.FindCandidates(ctx, []models.AdapterRef{{SourcePluginID: sourcePluginID, LocalID: localID}})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return &entities[0], nil
}

// FindCandidates returns every distinct merged entity containing any of the
// given identity references, resolved through adapter_index.
func (r *Repository) FindCandidates(ctx context.Context, refs []models.AdapterRef) ([]models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.FindCandidates")
	defer span.End()

	if len(refs) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"DISTINCT merged_entities.id",
		"merged_entities.adapters",
		"merged_entities.tags",
		"merged_entities.last_updated",
	)
	sb.From("merged_entities")
	sb.Join("adapter_index", "merged_entities.id = adapter_index.merged_entity_id")

	pairs := make([]string, 0, len(refs))
	for _, ref := range refs {
		pairs = append(pairs, sb.And(
			sb.Equal("adapter_index.source_plugin_id", ref.SourcePluginID),
			sb.Equal("adapter_index.local_id", ref.LocalID),
		))
	}
	sb.Where(sb.Or(pairs...))
	sb.OrderBy("merged_entities.last_updated ASC")

	query, args := sb.Build()
	var rows []entityRow
	q := database.QueryerFromContext(ctx, r.db)
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"refs": len(refs)}).Error("Failed to find candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve candidates")
	}

	entities := make([]models.MergedEntity, 0, len(rows))
	for i := range rows {
		entities = append(entities, *rows[i].toModel())
	}
	return entities, nil
}

// List returns a page of merged entities ordered by last update.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.List")
	defer span.End()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "adapters", "tags", "last_updated")
	sb.From("merged_entities")
	sb.OrderBy("last_updated DESC")
	sb.Limit(limit)
	sb.Offset(offset)

	query, args := sb.Build()
	var rows []entityRow
	q := database.QueryerFromContext(ctx, r.db)
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merged entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	entities := make([]models.MergedEntity, 0, len(rows))
	for i := range rows {
		entities = append(entities, *rows[i].toModel())
	}
	return entities, nil
}

// All streams the full population, used by the correlation pass.
func (r *Repository) All(ctx context.Context) ([]models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.All")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "adapters", "tags", "last_updated")
	sb.From("merged_entities")
	sb.OrderBy("last_updated ASC")

	query, args := sb.Build()
	var rows []entityRow
	q := database.QueryerFromContext(ctx, r.db)
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load merged entity population")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load entities")
	}

	entities := make([]models.MergedEntity, 0, len(rows))
	for i := range rows {
		entities = append(entities, *rows[i].toModel())
	}
	return entities, nil
}

// Count returns the number of merged entity documents.
func (r *Repository) Count(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.Count")
	defer span.End()

	var count int
	q := database.QueryerFromContext(ctx, r.db)
	if err := q.GetContext(ctx, &count, "SELECT COUNT(*) FROM merged_entities"); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count merged entities")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count entities")
	}
	return count, nil
}

// Insert writes a new merged entity document and indexes every member.
func (r *Repository) Insert(ctx context.Context, entity *models.MergedEntity) error {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.Insert")
	defer span.End()

	if entity.InternalID == "" {
		entity.InternalID = uuid.New().String()
	}
	if entity.LastUpdated.IsZero() {
		entity.LastUpdated = time.Now().UTC()
	}

	if err := r.checkDocumentSize(entity); err != nil {
		return err
	}

	adapters, tags, err := marshalDocument(entity)
	if err != nil {
		return err
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merged_entities")
	sb.Cols("id", "adapters", "tags", "last_updated")
	sb.Values(entity.InternalID, adapters, tags, entity.LastUpdated)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to insert merged entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert entity")
	}

	if err := r.Reindex(ctx, entity.Refs(), entity.InternalID); err != nil {
		return err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"internal_id": entity.InternalID,
		"adapters":    len(entity.Adapters),
	}).Info("Inserted merged entity")
	return nil
}

// UpdateDocument rewrites a merged entity's adapters, tags and last_updated.
// The index is not touched; membership changes must go through Reindex.
func (r *Repository) UpdateDocument(ctx context.Context, entity *models.MergedEntity) error {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.UpdateDocument")
	defer span.End()

	if err := r.checkDocumentSize(entity); err != nil {
		return err
	}

	adapters, tags, err := marshalDocument(entity)
	if err != nil {
		return err
	}

	entity.LastUpdated = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("merged_entities")
	sb.Set(
		sb.Assign("adapters", adapters),
		sb.Assign("tags", tags),
		sb.Assign("last_updated", entity.LastUpdated),
	)
	sb.Where(sb.Equal("id", entity.InternalID))

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update merged entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", entity.InternalID))
	}

	return nil
}

// Delete removes a merged entity document. Index rows are expected to have
// been moved to a replacement document already; any leftovers are removed.
func (r *Repository) Delete(ctx context.Context, internalID string) error {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.Delete")
	defer span.End()

	q := database.QueryerFromContext(ctx, r.db)

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("adapter_index")
	db.Where(db.Equal("merged_entity_id", internalID))
	query, args := db.Build()
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete index rows")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entity")
	}

	db = sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("merged_entities")
	db.Where(db.Equal("id", internalID))
	query, args = db.Build()
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete merged entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entity")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"internal_id": internalID}).Info("Deleted merged entity")
	return nil
}

// Reindex points the given identity pairs at a merged entity document.
func (r *Repository) Reindex(ctx context.Context, refs []models.AdapterRef, internalID string) error {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.Reindex")
	defer span.End()

	if len(refs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	q := database.QueryerFromContext(ctx, r.db)
	for _, ref := range refs {
		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("adapter_index")
		sb.Cols("source_plugin_id", "local_id", "merged_entity_id", "updated_at")
		sb.Values(ref.SourcePluginID, ref.LocalID, internalID, now)

		query, args := sb.Build()
		query += " ON CONFLICT (source_plugin_id, local_id) DO UPDATE SET merged_entity_id = EXCLUDED.merged_entity_id, updated_at = EXCLUDED.updated_at"

		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source_plugin_id": ref.SourcePluginID,
				"local_id":         ref.LocalID,
			}).Error("Failed to reindex adapter entity")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to index adapter entity")
		}
	}

	return nil
}

// UpsertResult describes the outcome of one adapter-entity upsert.
type UpsertResult struct {
	InternalID string
	Created    bool
	Entity     *models.MergedEntity
}

// UpsertAdapter applies one adapter-entity snapshot: updated in place inside
// whatever merged entity currently contains its identity pair, or written as
// a brand-new single-member document. Idempotent; last write for a given
// identity pair wins. Callers must hold the identity-key lock.
func (r *Repository) UpsertAdapter(ctx context.Context, entity models.AdapterEntity) (*UpsertResult, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedentity.Repository.UpsertAdapter")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	existing, err := r.GetByIdentity(ctxTx, entity.SourcePluginID, entity.LocalID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		merged := &models.MergedEntity{
			Adapters:    []models.AdapterEntity{entity},
			Tags:        []models.Tag{},
			LastUpdated: time.Now().UTC(),
		}
		if err := r.Insert(ctxTx, merged); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit upsert")
		}
		return &UpsertResult{InternalID: merged.InternalID, Created: true, Entity: merged}, nil
	}

	member := existing.AdapterByIdentity(entity.SourcePluginID, entity.LocalID)
	*member = entity

	if err := r.UpdateDocument(ctxTx, existing); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit upsert")
	}

	return &UpsertResult{InternalID: existing.InternalID, Created: false, Entity: existing}, nil
}

func (r *Repository) checkDocumentSize(entity *models.MergedEntity) error {
	if r.maxDocBytes <= 0 {
		return nil
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to serialize entity")
	}
	if len(payload) > r.maxDocBytes {
		return httperror.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("entity %s exceeds document size limit (%d bytes)", entity.InternalID, len(payload)))
	}
	return nil
}

func marshalDocument(entity *models.MergedEntity) ([]byte, []byte, error) {
	if entity.Adapters == nil {
		entity.Adapters = []models.AdapterEntity{}
	}
	if entity.Tags == nil {
		entity.Tags = []models.Tag{}
	}

	adapters, err := json.Marshal(entity.Adapters)
	if err != nil {
		return nil, nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to serialize adapters")
	}
	tags, err := json.Marshal(entity.Tags)
	if err != nil {
		return nil, nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to serialize tags")
	}
	return adapters, tags, nil
}

// IsDocumentTooLarge reports whether the error is the document size limit.
func IsDocumentTooLarge(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusRequestEntityTooLarge
}
