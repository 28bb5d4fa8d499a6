package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/identity"
	"github.com/drfirst/go-rxfill/internal/infrastructure/memory"
	"github.com/drfirst/go-rxfill/internal/notification"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

type testServer struct {
	t        *testing.T
	handler  http.Handler
	verifier *identity.Verifier
	metrics  *metrics.Metrics
}

func newServer(t *testing.T, sweeper Sweeper) *testServer {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	engine := prescription.NewEngine(memory.NewStore(nil), nil, prescription.WithObserver(m))
	if sweeper == nil {
		sweeper = notification.NewSweeper(engine, notification.NewLogEmitter(nil), nil, nil)
	}
	v := identity.NewVerifier("test-secret", "rxfill")

	r := chi.NewRouter()
	r.Mount("/prescriptions", NewPrescriptionHandler(engine, sweeper, m, nil).Routes(v))
	return &testServer{t: t, handler: r, verifier: v, metrics: m}
}

func (s *testServer) do(method, path string, as *identity.Identity, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		token, err := s.verifier.Sign(*as, time.Minute)
		if err != nil {
			s.t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

var (
	doctor7   = &identity.Identity{SubjectID: 7, Role: identity.RoleDoctor}
	doctor8   = &identity.Identity{SubjectID: 8, Role: identity.RoleDoctor}
	pharmacy3 = &identity.Identity{SubjectID: 3, Role: identity.RolePharmacy}
	pharmacy9 = &identity.Identity{SubjectID: 9, Role: identity.RolePharmacy}
	patient1  = &identity.Identity{SubjectID: 1, Role: identity.RolePatient}
)

func createBody(patient string) CreateRequest {
	return CreateRequest{
		PatientIdentifier: patient,
		Items: []prescription.ItemInput{
			{Barcode: "A1", Name: "Amoxicillin", Quantity: 2, Usage: "1x1"},
			{Barcode: "B2", Name: "Ibuprofen", Quantity: 1, Usage: "2x1"},
		},
	}
}

func (s *testServer) create(as *identity.Identity, patient string) *prescription.Prescription {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/prescriptions", as, createBody(patient))
	if rec.Code != http.StatusOK {
		s.t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	return decode[*prescription.Prescription](s.t, rec)
}

func TestPrescriptionLifecycle(t *testing.T) {
	s := newServer(t, nil)
	p := s.create(doctor7, "12345678901")
	if p.Status != prescription.StatusCreated || p.DoctorID != 7 {
		t.Fatalf("created %+v", p)
	}

	rec := s.do(http.MethodPost, "/prescriptions/submit", pharmacy3, SubmitRequest{PrescriptionID: p.ID, Barcodes: []string{"A1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[*prescription.Prescription](t, rec); got.Status != prescription.StatusPartiallySubmitted {
		t.Errorf("status = %s, want PartiallySubmitted", got.Status)
	}

	rec = s.do(http.MethodPost, "/prescriptions/submit", pharmacy9, SubmitRequest{PrescriptionID: p.ID, Barcodes: []string{"B2"}})
	got := decode[*prescription.Prescription](t, rec)
	if got.Status != prescription.StatusCompleted || len(got.Submissions) != 2 {
		t.Errorf("final = %s with %d submissions", got.Status, len(got.Submissions))
	}

	rec = s.do(http.MethodPost, "/prescriptions/submit", pharmacy9, SubmitRequest{PrescriptionID: p.ID, Barcodes: []string{"B2"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("resubmit status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/prescriptions/1", patient1, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	if v := testutil.ToFloat64(s.metrics.SubmissionsApplied); v != 3 {
		t.Errorf("submissions metric = %v, want 3", v)
	}
	if v := testutil.ToFloat64(s.metrics.PrescriptionsCreated); v != 1 {
		t.Errorf("created metric = %v", v)
	}
	if v := testutil.ToFloat64(s.metrics.PrescriptionsCompleted); v != 1 {
		t.Errorf("completed metric = %v", v)
	}
}

func TestAuthorization(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		as     *identity.Identity
		body   any
		want   int
	}{
		{"create without assertion", http.MethodPost, "/prescriptions", nil, createBody("12345678901"), http.StatusUnauthorized},
		{"pharmacy cannot create", http.MethodPost, "/prescriptions", pharmacy3, createBody("12345678901"), http.StatusForbidden},
		{"doctor cannot submit", http.MethodPost, "/prescriptions/submit", doctor7, SubmitRequest{PrescriptionID: 1, Barcodes: []string{"A1"}}, http.StatusForbidden},
		{"get requires assertion", http.MethodGet, "/prescriptions/1", nil, nil, http.StatusUnauthorized},
		{"not-completed is public", http.MethodGet, "/prescriptions/not-completed", nil, nil, http.StatusOK},
		{"patient may list", http.MethodGet, "/prescriptions", patient1, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(tt.method, tt.path, tt.as, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestErrorResponses(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(http.MethodPost, "/prescriptions", doctor7, createBody("123"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decode[ErrorResponse](t, rec); body.Code != "validation" || len(body.Fields) == 0 {
		t.Errorf("body = %+v", body)
	}

	rec = s.do(http.MethodPost, "/prescriptions/submit", pharmacy3, SubmitRequest{PrescriptionID: 999, Barcodes: []string{"A1"}})
	if rec.Code != http.StatusNotFound {
		t.Errorf("submit unknown = %d, want 404", rec.Code)
	}

	rec = s.do(http.MethodPost, "/prescriptions/submit", pharmacy3, SubmitRequest{Barcodes: []string{"A1"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("submit without id = %d, want 400", rec.Code)
	}

	if rec = s.do(http.MethodGet, "/prescriptions/abc", doctor7, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("get bad id = %d, want 400", rec.Code)
	}
	if rec = s.do(http.MethodGet, "/prescriptions/42", doctor7, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", rec.Code)
	}
	if rec = s.do(http.MethodGet, "/prescriptions?status=Pending", doctor7, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status = %d, want 400", rec.Code)
	}
	if rec = s.do(http.MethodGet, "/prescriptions?page=0", doctor7, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad page = %d, want 400", rec.Code)
	}
}

func TestListScopedByRole(t *testing.T) {
	s := newServer(t, nil)
	p := s.create(doctor7, "12345678901")
	s.create(doctor7, "12345678901")
	s.create(doctor8, "10987654321")
	s.do(http.MethodPost, "/prescriptions/submit", pharmacy3, SubmitRequest{PrescriptionID: p.ID, Barcodes: []string{"A1"}})

	tests := []struct {
		name  string
		path  string
		as    *identity.Identity
		total int64
	}{
		{"doctor sees own", "/prescriptions", doctor7, 2},
		{"other doctor", "/prescriptions", doctor8, 1},
		{"pharmacy sees submitted", "/prescriptions", pharmacy3, 1},
		{"pharmacy without submissions", "/prescriptions", pharmacy9, 0},
		{"doctor by status", "/prescriptions?status=PartiallySubmitted", doctor7, 1},
		{"patient unscoped", "/prescriptions", patient1, 3},
		{"public not-completed", "/prescriptions/not-completed", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodGet, tt.path, tt.as, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if page := decode[prescription.Page](t, rec); page.TotalCount != tt.total {
				t.Errorf("total = %d, want %d", page.TotalCount, tt.total)
			}
		})
	}
}

func TestPaging(t *testing.T) {
	s := newServer(t, nil)
	for i := 0; i < 3; i++ {
		s.create(doctor7, "12345678901")
	}

	page := decode[prescription.Page](t, s.do(http.MethodGet, "/prescriptions?page=2&pageSize=2", doctor7, nil))
	if page.PageNumber != 2 || len(page.Items) != 1 || page.TotalPages != 2 {
		t.Errorf("page = %+v", page)
	}

	page = decode[prescription.Page](t, s.do(http.MethodGet, "/prescriptions?pageSize=1000", doctor7, nil))
	if page.PageSize != MaxPageSize {
		t.Errorf("page size = %d, want %d", page.PageSize, MaxPageSize)
	}
}

func TestListByPatient(t *testing.T) {
	s := newServer(t, nil)
	first := s.create(doctor7, "12345678901")
	second := s.create(doctor8, "12345678901")
	s.create(doctor7, "10987654321")

	rec := s.do(http.MethodGet, "/prescriptions/by-patient?patientIdentifier=12345678901", patient1, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	list := decode[[]*prescription.Prescription](t, rec)
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("unexpected order: %+v", list)
	}

	rec = s.do(http.MethodGet, "/prescriptions/by-patient", patient1, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing identifier = %d, want 400", rec.Code)
	}
}

type failingSweeper struct{}

func (failingSweeper) Run(ctx context.Context) (*notification.Report, error) {
	return nil, errors.New("store unavailable")
}

func TestSendIncompleteNotifications(t *testing.T) {
	s := newServer(t, nil)
	p := s.create(doctor7, "12345678901")
	s.do(http.MethodPost, "/prescriptions/submit", pharmacy3, SubmitRequest{PrescriptionID: p.ID, Barcodes: []string{"A1"}})

	rec := s.do(http.MethodPost, "/prescriptions/send-incomplete-notifications", doctor7, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		Message string              `json:"message"`
		Report  notification.Report `json:"report"`
	}](t, rec)
	if body.Message != "Notifications sent successfully" || body.Report.Emitted != 1 {
		t.Errorf("body = %+v", body)
	}

	s = newServer(t, failingSweeper{})
	rec = s.do(http.MethodPost, "/prescriptions/send-incomplete-notifications", doctor7, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
