package rejection

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/domain/laborder"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/pkg/lisapi"
	"github.com/lis/lis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleLabTech, auth.RolePathologist))
	g.GET("/orders/:orderId/tests/:testCode/rejection-options", h.GetOptions)
	g.GET("/orders/:orderId/tests/:testCode/rejection-history", h.GetHistory)
	g.POST("/orders/:orderId/tests/:testCode/reject", h.Reject)
	g.POST("/samples/:sampleId/reject", h.RejectSample)

	// Escalation closes the test for good.
	sup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePathologist))
	sup.POST("/orders/:orderId/tests/:testCode/escalate", h.Escalate)
}

// httpError extends laborder.HTTPError with the workflow conflicts.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrActionDisabled), errors.Is(err, ErrNoActiveTests), errors.Is(err, ErrEscalationNotAllowed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return laborder.HTTPError(err)
}

func actor(c echo.Context) string {
	ctx := c.Request().Context()
	if name := auth.UserNameFromContext(ctx); name != "" {
		return name
	}
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return "unknown"
}

func (h *Handler) GetOptions(c echo.Context) error {
	orderID, err := laborder.ParseOrderID(c)
	if err != nil {
		return err
	}
	opts, err := h.svc.Options(c.Request().Context(), orderID, c.Param("testCode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, opts)
}

func (h *Handler) Reject(c echo.Context) error {
	orderID, err := laborder.ParseOrderID(c)
	if err != nil {
		return err
	}
	var req lisapi.RejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Reject(c.Request().Context(), orderID, c.Param("testCode"), req, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetHistory(c echo.Context) error {
	orderID, err := laborder.ParseOrderID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	recs, total, err := h.svc.History(c.Request().Context(), orderID, c.Param("testCode"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if link := pg.LinkHeader(c.Request().URL.Path, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg))
}

func (h *Handler) RejectSample(c echo.Context) error {
	sampleID, err := uuid.Parse(c.Param("sampleId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sample id")
	}
	var req lisapi.SampleRejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RejectSample(c.Request().Context(), sampleID, req, actor(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lisapi.SampleRejectResponse{Success: true})
}

func (h *Handler) Escalate(c echo.Context) error {
	orderID, err := laborder.ParseOrderID(c)
	if err != nil {
		return err
	}
	var req lisapi.EscalateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Escalate(c.Request().Context(), orderID, c.Param("testCode"), req.Note, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
