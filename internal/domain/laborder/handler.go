package laborder

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	ctl *Controller
}

func NewHandler(ctl *Controller) *Handler {
	return &Handler{ctl: ctl}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	lab := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RolePhlebotomist, auth.RoleTechnologist, auth.RoleManager))

	lab.POST("/orders", h.Register)
	lab.GET("/orders", h.ListOrders)
	lab.GET("/orders/:id", h.GetOrder)
	lab.GET("/orders/:id/results", h.ListResults)
	lab.POST("/orders/:id/collect", h.CollectSample)
	lab.POST("/orders/:id/processing", h.BeginProcessing)
	lab.POST("/orders/:id/results", h.SubmitResults)
	lab.POST("/orders/:id/reject", h.RejectSample)
	lab.POST("/orders/:id/verify", h.Verify)
	lab.POST("/orders/:id/amend", h.Amend)

	lab.GET("/queues/:name", h.Queue)
	lab.GET("/patients/:id/orders", h.ListPatientOrders)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, catalog.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		// the cause is logged by the request logger, never sent to the client
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// writeOrder responds with the order and its new ETag.
func writeOrder(c echo.Context, status int, o *Order) error {
	setVersionHeaders(c, o)
	return c.JSON(status, o)
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	o, err := h.ctl.Register(ctx, auth.ActorFromContext(ctx), in)
	if err != nil {
		return httpError(err)
	}
	return writeOrder(c, http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.ctl.GetOrderWithResult(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if notModified(c, out.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	setVersionHeaders(c, out.Order)
	return c.JSON(http.StatusOK, out)
}

func parseFilter(c echo.Context) (Filter, error) {
	var f Filter
	if v := c.QueryParam("status"); v != "" {
		for _, name := range strings.Split(v, ",") {
			s, err := ParseStatus(strings.TrimSpace(name))
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	if v := c.QueryParam("priority"); v != "" {
		p, err := ParsePriority(v)
		if err != nil {
			return f, err
		}
		f.Priority = p
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	return f, nil
}

func (h *Handler) ListOrders(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return httpError(err)
	}
	return h.list(c, f)
}

func (h *Handler) ListPatientOrders(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	return h.list(c, Filter{PatientID: &id})
}

func (h *Handler) list(c echo.Context, f Filter) error {
	pg := pagination.FromContext(c)
	items, total, err := h.ctl.ListOrders(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Order{}
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, items, total, pg))
}

func (h *Handler) ListResults(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.ctl.ListResultHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Result{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Queue(c echo.Context) error {
	items, err := h.ctl.Queue(c.Request().Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return httpError(err)
	}
	if items == nil {
		items = []*Order{}
	}
	return c.JSON(http.StatusOK, items)
}

// -- Transitions --

// target resolves the order id, the If-Match version and the acting user.
func target(c echo.Context) (uuid.UUID, int, auth.Actor, error) {
	id, err := parseID(c)
	if err != nil {
		return uuid.Nil, 0, auth.Actor{}, err
	}
	expected, err := expectedVersion(c)
	if err != nil {
		return uuid.Nil, 0, auth.Actor{}, err
	}
	return id, expected, auth.ActorFromContext(c.Request().Context()), nil
}

func (h *Handler) CollectSample(c echo.Context) error {
	id, expected, actor, err := target(c)
	if err != nil {
		return err
	}
	o, err := h.ctl.CollectSample(c.Request().Context(), actor, id, expected)
	if err != nil {
		return httpError(err)
	}
	return writeOrder(c, http.StatusOK, o)
}

func (h *Handler) BeginProcessing(c echo.Context) error {
	id, expected, actor, err := target(c)
	if err != nil {
		return err
	}
	o, err := h.ctl.BeginProcessing(c.Request().Context(), actor, id, expected)
	if err != nil {
		return httpError(err)
	}
	return writeOrder(c, http.StatusOK, o)
}

func (h *Handler) SubmitResults(c echo.Context) error {
	id, expected, actor, err := target(c)
	if err != nil {
		return err
	}
	var in SubmitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, res, err := h.ctl.SubmitResults(c.Request().Context(), actor, id, expected, in)
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, o)
	return c.JSON(http.StatusOK, OrderWithResult{Order: o, Result: res})
}

func (h *Handler) RejectSample(c echo.Context) error {
	id, expected, actor, err := target(c)
	if err != nil {
		return err
	}
	var in RejectInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.ctl.RejectSample(c.Request().Context(), actor, id, expected, in)
	if err != nil {
		return httpError(err)
	}
	return writeOrder(c, http.StatusOK, o)
}

func (h *Handler) Verify(c echo.Context) error {
	id, expected, actor, err := target(c)
	if err != nil {
		return err
	}
	o, err := h.ctl.Verify(c.Request().Context(), actor, id, expected)
	if err != nil {
		return httpError(err)
	}
	return writeOrder(c, http.StatusOK, o)
}

func (h *Handler) Amend(c echo.Context) error {
	id, expected, actor, err := target(c)
	if err != nil {
		return err
	}
	var in AmendInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, res, err := h.ctl.Amend(c.Request().Context(), actor, id, expected, in)
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, o)
	return c.JSON(http.StatusOK, OrderWithResult{Order: o, Result: res})
}
