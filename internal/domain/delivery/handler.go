package delivery

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7bridge/pkg/pagination"
)

// Handler exposes the delivery journal read-only over HTTP.
type Handler struct {
	repo AttemptRepository
}

// NewHandler creates a new delivery journal handler.
func NewHandler(repo AttemptRepository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes registers the journal endpoints.
//
//	GET /deliveries      - list attempts (?control_id=, ?status=, limit/offset)
//	GET /deliveries/:id  - one attempt
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/deliveries", h.ListAttempts)
	g.GET("/deliveries/:id", h.GetAttempt)
}

func (h *Handler) ListAttempts(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		ControlID: c.QueryParam("control_id"),
		Status:    c.QueryParam("status"),
	}
	items, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetAttempt(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.repo.GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "delivery attempt not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}
