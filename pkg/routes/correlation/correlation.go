// Package correlation exposes the manual trigger endpoints: an on-demand
// fetch cycle per adapter, and an on-demand correlation pass.
package correlation

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/bramble/pkg/aggregator"
	"github.com/Ramsey-B/bramble/pkg/correlation"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// Handler serves trigger routes.
type Handler struct {
	coordinator *aggregator.Coordinator
	service     *correlation.Service
}

func NewHandler(coordinator *aggregator.Coordinator, service *correlation.Service) *Handler {
	return &Handler{coordinator: coordinator, service: service}
}

// Register registers trigger routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/trigger/:adapterID", h.TriggerFetch)
	g.POST("/correlate", h.TriggerCorrelation)
}

// TriggerFetch runs a fetch cycle for one adapter immediately
func (h *Handler) TriggerFetch(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "correlation_handler.TriggerFetch")
	defer span.End()

	adapterID := c.Param("adapterID")
	adapter, ok := h.coordinator.AdapterByUniqueName(adapterID)
	if !ok {
		return httperror.NewHTTPError(http.StatusNotFound, "unknown adapter "+adapterID)
	}

	stats, err := h.coordinator.RunCycle(ctx, adapter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// TriggerCorrelation runs a correlation pass immediately
func (h *Handler) TriggerCorrelation(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "correlation_handler.TriggerCorrelation")
	defer span.End()

	if h.service == nil {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "correlation is disabled")
	}

	summary, err := h.service.RunPass(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}
