package catalog

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// every lab role reads the catalog; receptionists toggle panels at registration
	readGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RolePhlebotomist, auth.RoleTechnologist, auth.RoleManager))
	readGroup.GET("/tests", h.ListTests)
	readGroup.GET("/tests/:id", h.GetTest)
	readGroup.GET("/panels", h.ListPanels)
	readGroup.GET("/panels/:id", h.GetPanel)
	readGroup.POST("/panels/:id/toggle", h.TogglePanel)

	writeGroup := api.Group("", auth.RequireCapability(auth.CapManageCatalog))
	writeGroup.POST("/tests", h.CreateTest)
	writeGroup.PUT("/tests/:id", h.UpdateTest)
	writeGroup.DELETE("/tests/:id", h.DeleteTest)
	writeGroup.POST("/panels", h.CreatePanel)
	writeGroup.PUT("/panels/:id", h.UpdatePanel)
	writeGroup.DELETE("/panels/:id", h.DeletePanel)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
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

// -- Test Handlers --

func (h *Handler) ListTests(c echo.Context) error {
	items, err := h.svc.ListTests(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetTest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) CreateTest(c echo.Context) error {
	var d TestDefinition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateTest(c.Request().Context(), &d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) UpdateTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var d TestDefinition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.ID = id
	if err := h.svc.UpdateTest(c.Request().Context(), &d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTest(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Panel Handlers --

func (h *Handler) ListPanels(c echo.Context) error {
	items, err := h.svc.ListPanels(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetPanel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPanel(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePanel(c echo.Context) error {
	var p Panel
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreatePanel(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdatePanel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p Panel
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.UpdatePanel(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePanel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePanel(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type selection struct {
	Selected []string `json:"selected"`
}

func (h *Handler) TogglePanel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req selection
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.Toggle(c.Request().Context(), id, req.Selected)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, selection{Selected: out})
}
