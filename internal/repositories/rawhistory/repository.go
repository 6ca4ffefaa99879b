// Package rawhistory persists the raw, unparsed payloads the service
// receives: adapter fetch responses and association requests. The archive is
// append-only and independent of whether the corresponding merge succeeded.
package rawhistory

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/bramble/pkg/database"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

const (
	KindFetch       = "fetch"
	KindAssociation = "association"
)

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Record is one archived payload.
type Record struct {
	ID             string          `json:"id" db:"id"`
	SourcePluginID string          `json:"source_plugin_id" db:"source_plugin_id"`
	ClientName     string          `json:"client_name,omitempty" db:"client_name"`
	Kind           string          `json:"kind" db:"kind"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	IngestedAt     time.Time       `json:"ingested_at" db:"ingested_at"`
}

// Append archives one payload. Marshal failures are reported; storage
// failures are logged and reported but callers treat them as non-fatal.
func (r *Repository) Append(ctx context.Context, sourcePluginID, clientName, kind string, payload any) error {
	ctx, span := tracing.StartSpan(ctx, "rawhistory.Repository.Append")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to serialize raw payload")
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("raw_history")
	sb.Cols("id", "source_plugin_id", "client_name", "kind", "payload", "ingested_at")
	sb.Values(uuid.New().String(), sourcePluginID, clientName, kind, body, time.Now().UTC())

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_plugin_id": sourcePluginID,
			"kind":             kind,
		}).Error("Failed to append raw history record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to archive payload")
	}

	return nil
}

// ListBySource returns the newest archived payloads for one source.
func (r *Repository) ListBySource(ctx context.Context, sourcePluginID string, limit int) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "rawhistory.Repository.ListBySource")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 50
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "source_plugin_id", "client_name", "kind", "payload", "ingested_at")
	sb.From("raw_history")
	sb.Where(sb.Equal("source_plugin_id", sourcePluginID))
	sb.OrderBy("ingested_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var records []Record
	q := database.QueryerFromContext(ctx, r.db)
	if err := q.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list raw history")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list raw history")
	}

	return records, nil
}
