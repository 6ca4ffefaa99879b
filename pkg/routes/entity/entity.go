// Package entity exposes read access to the merge store.
package entity

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/bramble/internal/repositories/mergedentity"
	"github.com/Ramsey-B/bramble/internal/repositories/rawhistory"
	"github.com/Ramsey-B/bramble/pkg/graph"
	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// Handler serves entity read routes.
type Handler struct {
	repo    *mergedentity.Repository
	history *rawhistory.Repository
	graph   *graph.EntityService
}

func NewHandler(repo *mergedentity.Repository, history *rawhistory.Repository, graphService *graph.EntityService) *Handler {
	return &Handler{repo: repo, history: history, graph: graphService}
}

// Register registers entity routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/graph", h.GetGraph)
	g.GET("/by-adapter/:pluginID/:localID", h.GetByAdapter)
	g.GET("/raw/:pluginID", h.RawHistory)
}

// ListResponse pages through merged entities.
type ListResponse struct {
	Items      []models.MergedEntity `json:"items"`
	TotalCount int                   `json:"total_count"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
}

// List returns a page of merged entities
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.List")
	defer span.End()

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	items, err := h.repo.List(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return err
	}
	totalCount, err := h.repo.Count(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListResponse{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns one merged entity by internal id
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.Get")
	defer span.End()

	entity, err := h.repo.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entity)
}

// GraphResponse is the correlation neighborhood of one merged entity.
type GraphResponse struct {
	InternalID string                         `json:"internal_id"`
	Members    map[string][]models.AdapterRef `json:"members"`
}

// GetGraph returns the graph-projected correlation neighborhood of an entity
func (h *Handler) GetGraph(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.GetGraph")
	defer span.End()

	if h.graph == nil {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "graph projection is disabled")
	}

	entity, err := h.repo.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	resp := GraphResponse{
		InternalID: entity.InternalID,
		Members:    make(map[string][]models.AdapterRef, len(entity.Adapters)),
	}
	for _, a := range entity.Adapters {
		refs, err := h.graph.CorrelatedAdapters(ctx, a.SourcePluginID, a.LocalID)
		if err != nil {
			return err
		}
		resp.Members[a.IdentityKey()] = refs
	}
	return c.JSON(http.StatusOK, resp)
}

// GetByAdapter resolves the merged entity containing an identity pair
func (h *Handler) GetByAdapter(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.GetByAdapter")
	defer span.End()

	pluginID := c.Param("pluginID")
	localID := c.Param("localID")

	entity, err := h.repo.GetByIdentity(ctx, pluginID, localID)
	if err != nil {
		return err
	}
	if entity == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "no entity contains this adapter identity")
	}
	return c.JSON(http.StatusOK, entity)
}

// RawHistory returns the most recent raw payloads archived for one plugin
func (h *Handler) RawHistory(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.RawHistory")
	defer span.End()

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	records, err := h.history.ListBySource(ctx, c.Param("pluginID"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}
