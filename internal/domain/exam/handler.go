package exam

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ceexam/ceexam/internal/formflow"
	"github.com/ceexam/ceexam/internal/platform/auth"
	"github.com/ceexam/ceexam/internal/platform/autofill"
	"github.com/ceexam/ceexam/internal/platform/blobstore"
	"github.com/ceexam/ceexam/pkg/pagination"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleExaminer))

	g.POST("/exams", h.CreateSession)
	g.GET("/exams", h.ListSessions)
	g.GET("/exams/:id", h.GetSession)
	g.DELETE("/exams/:id", h.CloseSession)

	g.PUT("/exams/:id/sections/:step", h.UpdateSection)
	g.PATCH("/exams/:id/sections/:step", h.PatchSection)
	g.PUT("/exams/:id/sections/:step/preview", h.PreviewSection)
	g.DELETE("/exams/:id/sections/:step", h.ResetSection)

	g.POST("/exams/:id/next", h.NextStep)
	g.POST("/exams/:id/previous", h.PreviousStep)
	g.POST("/exams/:id/goto/:index", h.GoToStep)

	g.POST("/exams/:id/save", h.SaveForm)
	g.POST("/exams/:id/load", h.LoadForm)
	g.POST("/exams/:id/reset", h.ResetForm)
	g.POST("/exams/:id/submit", h.SubmitForm)
	g.GET("/exams/:id/pdf", h.RenderPDF)
	g.POST("/exams/:id/autofill", h.Autofill)

	g.GET("/reports", h.ListReports)
	g.GET("/reports/:id", h.GetReport)
	g.GET("/reports/:id/pdf", h.ReportPDF)

	g.GET("/steps", h.ListSteps)
}

// -- Sessions --

func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	v, err := h.svc.CreateSession(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total := h.svc.ListSessions(c.Request().Context(), pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CloseSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CloseSession(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Sections --

func (h *Handler) UpdateSection(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	data, err := decodeSection(c)
	if err != nil {
		return err
	}
	v, err := h.svc.UpdateSection(c.Request().Context(), id, c.Param("step"), data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) PatchSection(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	patch, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.PatchSection(c.Request().Context(), id, c.Param("step"), patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) PreviewSection(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	data, err := decodeSection(c)
	if err != nil {
		return err
	}
	v, err := h.svc.PreviewSection(c.Request().Context(), id, c.Param("step"), data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ResetSection(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.ResetSection(c.Request().Context(), id, c.Param("step"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Navigation --

func (h *Handler) NextStep(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.NextStep(c.Request().Context(), id)
	return navigationResponse(c, res, err, "next step is locked or this is the last step")
}

func (h *Handler) PreviousStep(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.PreviousStep(c.Request().Context(), id)
	return navigationResponse(c, res, err, "already at the first step")
}

func (h *Handler) GoToStep(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid step index")
	}
	res, err := h.svc.GoToStep(c.Request().Context(), id, index)
	return navigationResponse(c, res, err, fmt.Sprintf("step %d is locked", index))
}

func navigationResponse(c echo.Context, res *NavigationResult, err error, refused string) error {
	if err != nil {
		return httpError(err)
	}
	if !res.Moved {
		return echo.NewHTTPError(http.StatusConflict, refused)
	}
	return c.JSON(http.StatusOK, res.Session)
}

// -- Persistence --

func (h *Handler) SaveForm(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.SaveForm(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) LoadForm(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	found, v, err := h.svc.LoadForm(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"found":   found,
		"session": v,
	})
}

func (h *Handler) ResetForm(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.ResetForm(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Submission and export --

func (h *Handler) SubmitForm(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	ok, v, err := h.svc.SubmitForm(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, formflow.ErrIncompleteForm) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
				"message": err.Error(),
				"session": v,
			})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"submitted": ok,
		"session":   v,
	})
}

func (h *Handler) RenderPDF(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	pdf, filename, err := h.svc.RenderPDF(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, "application/pdf", pdf)
}

func (h *Handler) Autofill(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req AutofillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Autofill(c.Request().Context(), id, req.InputText)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Reports --

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReports(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rep, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) ReportPDF(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rc, rep, err := h.svc.ReportPDF(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", rep.PDFFilename))
	return c.Stream(http.StatusOK, "application/pdf", rc)
}

func (h *Handler) ListSteps(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"steps":            h.svc.Registry().Steps(),
		"autofill_enabled": h.svc.AutofillEnabled(),
	})
}

// -- helpers --

// decodeSection reads a section record from the body. echo's binder would also
// copy path params into a map target, so the body is decoded directly.
func decodeSection(c echo.Context) (map[string]any, error) {
	var data map[string]any
	if err := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodyBytes)).Decode(&data); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "section body must be a JSON object: "+err.Error())
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

// httpError maps service and engine errors onto HTTP statuses. Storage and
// submit-handler failures surface as 502 since they come from a dependency.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrReportNotFound),
		errors.Is(err, blobstore.ErrBlobNotFound),
		errors.Is(err, formflow.ErrUnknownStep):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidPatch),
		errors.Is(err, formflow.ErrStepOutOfRange),
		errors.Is(err, autofill.ErrEmptyInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStorageKeyInUse),
		errors.Is(err, formflow.ErrSubmitInProgress),
		errors.Is(err, formflow.ErrSessionClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, formflow.ErrIncompleteForm):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, autofill.ErrNotConfigured),
		errors.Is(err, formflow.ErrNoSubmitFunc):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}
