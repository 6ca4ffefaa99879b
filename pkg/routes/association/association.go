// Package association exposes the plugin-facing mutation endpoint.
package association

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/bramble/pkg/association"
	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

var validate = validator.New()

// Handler serves association requests.
type Handler struct {
	associations *association.Handler
}

func NewHandler(associations *association.Handler) *Handler {
	return &Handler{associations: associations}
}

// Register registers association routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/plugin_push", h.PluginPush)
}

// PluginPush applies one Link, Unlink or Tag request. The issuer is taken
// from the X-Plugin-Id header.
func (h *Handler) PluginPush(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "association_handler.PluginPush")
	defer span.End()

	var req models.AssociationRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if _, err := h.associations.Process(ctx, &req); err != nil {
		return err
	}

	// Pushers only care that the mutation applied; the body stays empty.
	return c.NoContent(http.StatusOK)
}
