package laborder

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleLabTech, auth.RolePathologist))
	readGroup.GET("/orders", h.ListOrders)
	readGroup.GET("/orders/:orderId", h.GetOrder)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleLabTech))
	writeGroup.POST("/orders", h.CreateOrder)
	writeGroup.PUT("/orders/:orderId/tests/:testCode/status", h.UpdateTestStatus)
}

// HTTPError maps domain errors onto HTTP status codes.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

// ParseOrderID reads the :orderId path parameter.
func ParseOrderID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	return id, nil
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.CreateOrder(c.Request().Context(), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := ParseOrderID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrdersByPatient(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	base := c.Request().URL.Path + "?patient_id=" + url.QueryEscape(c.QueryParam("patient_id"))
	if link := pg.LinkHeader(base, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdateTestStatus(c echo.Context) error {
	id, err := ParseOrderID(c)
	if err != nil {
		return err
	}
	var req UpdateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.UpdateTestStatus(c.Request().Context(), id, c.Param("testCode"), req.Status)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, t)
}
