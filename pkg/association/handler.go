// Package association applies Link, Unlink and Tag requests: the only
// mutations that change which adapter entities belong together.
package association

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/internal/repositories/mergedentity"
	"github.com/Ramsey-B/bramble/internal/repositories/rawhistory"
	"github.com/Ramsey-B/bramble/pkg/appcontext"
	"github.com/Ramsey-B/bramble/pkg/keylock"
	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// Notifier receives committed mutations for fan-out (events, graph
// projection). Implementations must not fail the mutation.
type Notifier interface {
	EntityUpserted(ctx context.Context, entity *models.MergedEntity, created bool)
	EntitiesLinked(ctx context.Context, entity *models.MergedEntity, replaced []string)
	EntityUnlinked(ctx context.Context, split *models.MergedEntity, remaining *models.MergedEntity)
	EntityTagged(ctx context.Context, entity *models.MergedEntity, tag models.Tag)
}

// Handler performs merge-store graph surgery under identity-key locking.
type Handler struct {
	locks    *keylock.Manager
	repo     *mergedentity.Repository
	history  *rawhistory.Repository
	notifier Notifier
	logger   ectologger.Logger
}

func NewHandler(locks *keylock.Manager, repo *mergedentity.Repository, history *rawhistory.Repository, notifier Notifier, logger ectologger.Logger) *Handler {
	return &Handler{
		locks:    locks,
		repo:     repo,
		history:  history,
		notifier: notifier,
		logger:   logger,
	}
}

// Process applies one association request and returns the merged entity the
// request resolved to (the new document for Link/Unlink, the tagged document
// for Tag).
func (h *Handler) Process(ctx context.Context, req *models.AssociationRequest) (*models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "association.Handler.Process")
	defer span.End()

	issuer := appcontext.GetPluginID(ctx)
	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"association_type": req.AssociationType,
		"entities":         len(req.Entities),
		"issuer":           issuer,
	})

	// The raw request is archived regardless of the structural outcome.
	if err := h.history.Append(ctx, issuer, "", rawhistory.KindAssociation, req); err != nil {
		log.WithError(err).Warn("Failed to archive association request")
	}

	if len(req.Entities) == 0 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "association names no adapter entities")
	}

	guard := h.locks.Acquire(req.LockKeys()...)
	defer guard.Release()

	ctxTx, tx, err := h.repo.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	candidates, err := h.repo.FindCandidates(ctxTx, req.Refs())
	if err != nil {
		return nil, err
	}

	// The per-type methods mutate inside the transaction and hand back the
	// fan-out to run once the commit went through. Notifying earlier would
	// announce a mutation a failed commit then rolls back.
	var result *models.MergedEntity
	var notify func(context.Context)
	switch req.AssociationType {
	case models.AssociationTag:
		result, notify, err = h.tag(ctxTx, req, candidates, issuer)
	case models.AssociationLink:
		result, notify, err = h.link(ctxTx, req, candidates, log)
	case models.AssociationUnlink:
		result, notify, err = h.unlink(ctxTx, req, candidates, log)
	default:
		err = httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown association type %q", req.AssociationType))
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit association")
	}

	if notify != nil {
		notify(ctx)
	}

	log.WithFields(map[string]any{"internal_id": result.InternalID}).Info("Applied association")
	return result, nil
}

func (h *Handler) tag(ctx context.Context, req *models.AssociationRequest, candidates []models.MergedEntity, issuer string) (*models.MergedEntity, func(context.Context), error) {
	ctx, span := tracing.StartSpan(ctx, "association.Handler.tag")
	defer span.End()

	if len(req.Entities) != 1 {
		return nil, nil, httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("a Tag must name exactly 1 adapter entity, got %d", len(req.Entities)))
	}
	if len(candidates) != 1 {
		return nil, nil, httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("tagged adapter entity resolved to %d entities", len(candidates)))
	}
	if req.TagName == "" {
		return nil, nil, httperror.NewHTTPError(http.StatusBadRequest, "tagname is required")
	}
	if issuer == "" {
		return nil, nil, httperror.NewHTTPError(http.StatusBadRequest, "X-Plugin-Id header is required for Tag")
	}

	accurate := req.Accurate
	if accurate.IsZero() {
		accurate = time.Now().UTC()
	}

	tag := models.Tag{
		IssuerPluginID:     issuer,
		Name:               req.TagName,
		Type:               req.TagType,
		Value:              req.TagValue,
		AccurateFor:        accurate,
		AssociatedAdapters: req.Refs(),
	}

	entity := &candidates[0]
	entity.UpsertTag(tag)

	if err := h.repo.UpdateDocument(ctx, entity); err != nil {
		return nil, nil, err
	}

	return entity, func(ctx context.Context) {
		if h.notifier != nil {
			h.notifier.EntityTagged(ctx, entity, tag)
		}
	}, nil
}

func (h *Handler) link(ctx context.Context, req *models.AssociationRequest, candidates []models.MergedEntity, log ectologger.Logger) (*models.MergedEntity, func(context.Context), error) {
	ctx, span := tracing.StartSpan(ctx, "association.Handler.link")
	defer span.End()

	merged, err := mergeCandidates(candidates)
	if err != nil {
		return nil, nil, err
	}

	// Replace, not mutate: the merged document is inserted first so a
	// retried operation never observes partially moved members.
	if err := h.repo.Insert(ctx, merged); err != nil {
		return nil, nil, err
	}

	replaced := make([]string, 0, len(candidates))
	for i := range candidates {
		if err := h.repo.Delete(ctx, candidates[i].InternalID); err != nil {
			return nil, nil, err
		}
		replaced = append(replaced, candidates[i].InternalID)
	}

	log.WithFields(map[string]any{
		"internal_id": merged.InternalID,
		"replaced":    replaced,
		"members":     len(merged.Adapters),
	}).Info("Linked entities")

	return merged, func(ctx context.Context) {
		if h.notifier != nil {
			h.notifier.EntitiesLinked(ctx, merged, replaced)
		}
	}, nil
}

func (h *Handler) unlink(ctx context.Context, req *models.AssociationRequest, candidates []models.MergedEntity, log ectologger.Logger) (*models.MergedEntity, func(context.Context), error) {
	ctx, span := tracing.StartSpan(ctx, "association.Handler.unlink")
	defer span.End()

	if len(candidates) != 1 {
		return nil, nil, httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("an Unlink must resolve to exactly 1 entity, got %d", len(candidates)))
	}

	split, remaining, err := splitEntity(&candidates[0], req.Refs())
	if err != nil {
		return nil, nil, err
	}

	// Insert the new document, then pull the members from the old one, so
	// the data is never fully absent mid-operation.
	if err := h.repo.Insert(ctx, split); err != nil {
		return nil, nil, err
	}
	if err := h.repo.UpdateDocument(ctx, remaining); err != nil {
		return nil, nil, err
	}

	log.WithFields(map[string]any{
		"internal_id": split.InternalID,
		"source_id":   remaining.InternalID,
		"moved":       len(split.Adapters),
		"remaining":   len(remaining.Adapters),
	}).Info("Unlinked entities")

	return split, func(ctx context.Context) {
		if h.notifier != nil {
			h.notifier.EntityUnlinked(ctx, split, remaining)
		}
	}, nil
}
