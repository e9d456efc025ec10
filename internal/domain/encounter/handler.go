package encounter

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/outpatient/internal/platform/apperr"
	"github.com/ehr/outpatient/internal/platform/auth"
	"github.com/ehr/outpatient/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	clinical.GET("/appointments/:id/vitals", h.GetVitals)
	clinical.PUT("/appointments/:id/vitals", h.AttachVitals)
	clinical.GET("/appointments/:id/encounter", h.GetSummary)
	clinical.GET("/prescriptions", h.ListPrescriptions)
	clinical.GET("/prescriptions/:id", h.GetPrescription)
	clinical.GET("/exam-orders", h.ListExamOrders)
	clinical.GET("/exam-orders/:id", h.GetExamOrder)
	clinical.GET("/exam-orders/:id/results/:resultId/file", h.DownloadExamResult)
	clinical.POST("/exam-orders/:id/results", h.AttachExamResult)
	clinical.PATCH("/exam-orders/:id/status", h.SetExamOrderStatus)

	physician := api.Group("", auth.RequireRole(auth.RolePhysician))
	physician.PUT("/appointments/:id/diagnosis", h.SetDiagnosis)
	physician.POST("/appointments/:id/finish", h.FinishEncounter)
	physician.POST("/appointments/:id/prescriptions", h.AddPrescription)
	physician.POST("/prescriptions", h.CreatePrescription)
	physician.PUT("/prescriptions/:id", h.EditPrescription)
	physician.DELETE("/prescriptions/:id", h.DeletePrescription)
	physician.POST("/appointments/:id/exam-orders", h.AddExamOrder)
	physician.POST("/exam-orders", h.CreateExamOrder)
	physician.PUT("/exam-orders/:id", h.EditExamOrder)
	physician.DELETE("/exam-orders/:id", h.DeleteExamOrder)
	physician.DELETE("/exam-orders/:id/results/:resultId", h.DeleteExamResult)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/vitals/:id", h.DeleteVitals)
}

func parseParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func parseID(c echo.Context) (uuid.UUID, error) { return parseParam(c, "id") }

func artifactFilter(c echo.Context) (ArtifactFilter, error) {
	var f ArtifactFilter
	for name, dst := range map[string]**uuid.UUID{"patient_id": &f.PatientID, "appointment_id": &f.AppointmentID} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		*dst = &id
	}
	return f, nil
}

// -- Vitals --

func (h *Handler) AttachVitals(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in VitalsInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.AttachVitals(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetVitals(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVitals(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVitals(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVitals(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Diagnosis and finish --

type diagnosisRequest struct {
	Diagnosis string `json:"diagnosis"`
}

func (h *Handler) SetDiagnosis(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req diagnosisRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.SetDiagnosis(c.Request().Context(), id, req.Diagnosis)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) FinishEncounter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req diagnosisRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.FinishEncounter(c.Request().Context(), id, req.Diagnosis)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetSummary(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.Summary(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

// -- Prescriptions --

func (h *Handler) AddPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PrescriptionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.AddPrescription(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var in PrescriptionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CreatePrescription(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	f, err := artifactFilter(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListPrescriptions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) EditPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PrescriptionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.EditPrescription(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePrescription(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Exam orders --

func (h *Handler) AddExamOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ExamOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.AddExamOrder(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) CreateExamOrder(c echo.Context) error {
	var in ExamOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.CreateExamOrder(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetExamOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetExamOrder(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListExamOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	f, err := artifactFilter(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListExamOrders(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) EditExamOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ExamOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.EditExamOrder(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, o)
}

type examStatusRequest struct {
	Status ExamStatus `json:"status"`
}

func (h *Handler) SetExamOrderStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req examStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.SetExamOrderStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) DeleteExamOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteExamOrder(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AttachExamResult takes a multipart form with a "file" part and an
// optional "note" field.
func (h *Handler) AttachExamResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer f.Close()

	res, err := h.svc.AttachExamResult(c.Request().Context(), id, ExamResultUpload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Note:        c.FormValue("note"),
		Content:     f,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) DeleteExamResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	resultID, err := parseParam(c, "resultId")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteExamResult(c.Request().Context(), id, resultID); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DownloadExamResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	resultID, err := parseParam(c, "resultId")
	if err != nil {
		return err
	}
	res, rc, err := h.svc.OpenExamResult(c.Request().Context(), id, resultID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	defer rc.Close()

	ct := mime.TypeByExtension(filepath.Ext(res.OriginalName))
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", res.OriginalName))
	return c.Stream(http.StatusOK, ct, rc)
}
