package encounter

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/outpatient/internal/domain/scheduling"
	"github.com/ehr/outpatient/internal/platform/auth"
)

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithOperator(req.Context(), "dr.salas"))
}

func withID(c echo.Context, names []string, values ...string) echo.Context {
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestHandler_AttachVitals(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	a := env.appointment(scheduling.StatusConfirmed)

	rec := httptest.NewRecorder()
	c := withID(e.NewContext(jsonRequest(http.MethodPut, `{"weight_kg":70,"height_cm":175,"blood_pressure":"118/76"}`), rec),
		[]string{"id"}, a.ID.String())
	if err := h.AttachVitals(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"bmi":22.9`) {
		t.Errorf("expected bmi in body: %s", rec.Body.String())
	}

	c = withID(e.NewContext(jsonRequest(http.MethodPut, `{"blood_pressure":"high"}`), httptest.NewRecorder()),
		[]string{"id"}, a.ID.String())
	expectHTTPError(t, h.AttachVitals(c), http.StatusBadRequest)
}

func TestHandler_FinishThenDiagnosisConflict(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	a := env.appointment(scheduling.StatusConfirmed)

	rec := httptest.NewRecorder()
	c := withID(e.NewContext(jsonRequest(http.MethodPost, `{"diagnosis":"Acute sinusitis"}`), rec), []string{"id"}, a.ID.String())
	if err := h.FinishEncounter(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Errorf("expected completed in body: %s", rec.Body.String())
	}

	c = withID(e.NewContext(jsonRequest(http.MethodPut, `{"diagnosis":"other"}`), httptest.NewRecorder()), []string{"id"}, a.ID.String())
	expectHTTPError(t, h.SetDiagnosis(c), http.StatusConflict)
}

func TestHandler_AddPrescription(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	a := env.appointment(scheduling.StatusConfirmed)

	rec := httptest.NewRecorder()
	body := `{"medications":[{"name":"Loratadine","dose":"10mg","frequency":"daily","duration":"7d"}]}`
	c := withID(e.NewContext(jsonRequest(http.MethodPost, body), rec), []string{"id"}, a.ID.String())
	if err := h.AddPrescription(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c = withID(e.NewContext(jsonRequest(http.MethodPost, `{"medications":[]}`), httptest.NewRecorder()), []string{"id"}, a.ID.String())
	expectHTTPError(t, h.AddPrescription(c), http.StatusBadRequest)

	c = withID(e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder()), []string{"id"}, uuid.New().String())
	expectHTTPError(t, h.AddPrescription(c), http.StatusNotFound)
}

func TestHandler_ListPrescriptions(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	a := env.appointment(scheduling.StatusConfirmed)
	for i := 0; i < 3; i++ {
		if _, err := env.svc.AddPrescription(operatorCtx(), a.ID, PrescriptionInput{Instructions: "x"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?appointment_id="+a.ID.String()+"&limit=2", nil), rec)
	if err := h.ListPrescriptions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Total int               `json:"total"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 3 || len(page.Data) != 2 {
		t.Errorf("unexpected page: %s", rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?patient_id=bad", nil), httptest.NewRecorder())
	expectHTTPError(t, h.ListPrescriptions(c), http.StatusBadRequest)
}

func multipartRequest(t *testing.T, fileName, contentType, content, note string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte(content))
	w.WriteField("note", note)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req.WithContext(auth.WithOperator(req.Context(), "dr.salas"))
}

func TestHandler_AttachAndDownloadExamResult(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	a := env.appointment(scheduling.StatusConfirmed)
	o, err := env.svc.AddExamOrder(operatorCtx(), a.ID, ExamOrderInput{Type: "Ecografia"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	rec := httptest.NewRecorder()
	c := withID(e.NewContext(multipartRequest(t, "report.pdf", "application/pdf", "%PDF-1.4", "normal"), rec),
		[]string{"id"}, o.ID.String())
	if err := h.AttachExamResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res ExamResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Note != "normal" || !res.FileExists {
		t.Errorf("unexpected result: %+v", res)
	}

	rec = httptest.NewRecorder()
	c = withID(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec),
		[]string{"id", "resultId"}, o.ID.String(), res.ID.String())
	if err := h.DownloadExamResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != "%PDF-1.4" {
		t.Errorf("unexpected file body %q", rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), "report.pdf") {
		t.Errorf("expected original name in disposition, got %q", rec.Header().Get(echo.HeaderContentDisposition))
	}

	c = withID(e.NewContext(multipartRequest(t, "x.sh", "application/x-sh", "echo", ""), httptest.NewRecorder()),
		[]string{"id"}, o.ID.String())
	expectHTTPError(t, h.AttachExamResult(c), http.StatusBadRequest)
}

func TestHandler_AttachExamResult_NoFile(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	c := withID(e.NewContext(jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder()), []string{"id"}, uuid.New().String())
	expectHTTPError(t, h.AttachExamResult(c), http.StatusBadRequest)
}

func TestHandler_GetSummary(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	a := env.appointment(scheduling.StatusConfirmed)

	rec := httptest.NewRecorder()
	c := withID(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec), []string{"id"}, a.ID.String())
	if err := h.GetSummary(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"prescriptions":[]`) || !strings.Contains(body, `"exam_orders":[]`) {
		t.Errorf("expected empty lists in summary: %s", body)
	}

	c = withID(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder()), []string{"id"}, "nope")
	expectHTTPError(t, h.GetSummary(c), http.StatusBadRequest)
}

func TestHandler_SetExamOrderStatus(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	o, err := env.svc.CreateExamOrder(operatorCtx(), ExamOrderInput{PatientID: env.patient, Type: "TSH"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := httptest.NewRecorder()
	c := withID(e.NewContext(jsonRequest(http.MethodPatch, `{"status":"results_ready"}`), rec), []string{"id"}, o.ID.String())
	if err := h.SetExamOrderStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"results_ready"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	c = withID(e.NewContext(jsonRequest(http.MethodPatch, `{"status":"archived"}`), httptest.NewRecorder()), []string{"id"}, o.ID.String())
	expectHTTPError(t, h.SetExamOrderStatus(c), http.StatusBadRequest)
}

func TestHandler_DeleteVitals(t *testing.T) {
	env := newTestEnv(t)
	h, e := NewHandler(env.svc), echo.New()
	a := env.appointment(scheduling.StatusConfirmed)
	v, err := env.svc.AttachVitals(operatorCtx(), a.ID, VitalsInput{HeartRate: intPtr(70)})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	rec := httptest.NewRecorder()
	c := withID(e.NewContext(jsonRequest(http.MethodDelete, ""), rec), []string{"id"}, v.ID.String())
	if err := h.DeleteVitals(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	c = withID(e.NewContext(jsonRequest(http.MethodDelete, ""), httptest.NewRecorder()), []string{"id"}, v.ID.String())
	expectHTTPError(t, h.DeleteVitals(c), http.StatusNotFound)
}
