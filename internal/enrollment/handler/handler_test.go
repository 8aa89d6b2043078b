package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"

	"enrolld/internal/enrollment/agegroup"
	"enrolld/internal/enrollment/service"
	"enrolld/internal/enrollment/store/memory"
	"enrolld/internal/platform/rabbitmq"
	"enrolld/pkg/testutil"
)

type countingPublisher struct {
	published int
}

func (p *countingPublisher) Publish(context.Context, string, string, amqp.Publishing) error {
	p.published++
	return nil
}

func birthDate(yearsAgo int) string {
	return time.Now().UTC().AddDate(-yearsAgo, 0, -1).Format(time.DateOnly)
}

type HandlerSuite struct {
	suite.Suite
	router chi.Router
	pub    *countingPublisher
	down   error
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.pub = &countingPublisher{}
	s.down = nil
	svc := service.New(memory.New(), agegroup.Default(),
		service.WithLogger(logger),
		service.WithPublisher(s.pub, rabbitmq.Topology{Exchange: "enrollments", RoutingKey: "enrollment.request"}),
	)
	h := New(svc, logger, nil, Check{Name: "store", Probe: func(context.Context) error { return s.down }})
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) create(identity string, yearsAgo int) *enrollmentResponse {
	rr := testutil.DoJSON(s.T(), s.router, http.MethodPost, "/enrollments", map[string]string{
		"identity_number": identity,
		"full_name":       "Ana Souza",
		"birth_date":      birthDate(yearsAgo),
	})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	return testutil.UnmarshalResponse[enrollmentResponse](s.T(), rr)
}

func (s *HandlerSuite) TestCreateAndGet() {
	created := s.create("111.444.777-35", 15)
	s.Equal("11144477735", created.IdentityNumber)
	s.Equal("111.444.777-35", created.FormattedID)
	s.Equal("adolescent", created.AgeGroup)
	s.Equal("pending", created.Status)

	s.Run("by id", func() {
		rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/enrollments/"+created.ID, nil)
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "id", created.ID)
	})

	s.Run("by identity", func() {
		rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/enrollments/by-identity/11144477735", nil)
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "id", created.ID)
	})

	s.Run("duplicate identity", func() {
		rr := testutil.DoJSON(s.T(), s.router, http.MethodPost, "/enrollments", map[string]string{
			"identity_number": "11144477735",
			"full_name":       "Other",
			"birth_date":      birthDate(30),
		})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})

	s.Run("unknown id", func() {
		rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/enrollments/nope", nil)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

func (s *HandlerSuite) TestCreateRejectsBadInput() {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"not json", `{"identity_number":`, http.StatusBadRequest, "bad_request"},
		{"bad date format", `{"identity_number":"11144477735","full_name":"Ana","birth_date":"01/02/2000"}`, http.StatusBadRequest, "bad_request"},
		{"bad checksum", `{"identity_number":"11144477736","full_name":"Ana","birth_date":"2000-01-02"}`, http.StatusUnprocessableEntity, "validation_error"},
		{"future birth", `{"identity_number":"11144477735","full_name":"Ana","birth_date":"2999-01-01"}`, http.StatusUnprocessableEntity, "validation_error"},
		{"missing name", `{"identity_number":"11144477735","birth_date":"2000-01-02"}`, http.StatusUnprocessableEntity, "validation_error"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/enrollments", tt.body))
			testutil.AssertStatusAndError(s.T(), rr, tt.status, tt.code)
		})
	}
}

func (s *HandlerSuite) TestUpdateCancelDelete() {
	created := s.create("52998224725", 10)

	rr := testutil.DoJSON(s.T(), s.router, http.MethodPut, "/enrollments/"+created.ID, map[string]string{
		"identity_number": "529.982.247-25",
		"full_name":       "Bruno Lima",
		"birth_date":      birthDate(65),
		"status":          "active",
	})
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	updated := testutil.UnmarshalResponse[enrollmentResponse](s.T(), rr)
	s.Equal("senior", updated.AgeGroup)
	s.Equal("active", updated.Status)
	s.Equal(int64(2), updated.Version)

	rr = testutil.DoJSON(s.T(), s.router, http.MethodPost, "/enrollments/"+created.ID+"/cancel", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	testutil.AssertJSONContains(s.T(), rr, "status", "cancelled")

	rr = testutil.DoJSON(s.T(), s.router, http.MethodPut, "/enrollments/"+created.ID, map[string]string{
		"identity_number": "52998224725",
		"full_name":       "Bruno",
		"birth_date":      birthDate(65),
	})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")

	rr = testutil.DoJSON(s.T(), s.router, http.MethodDelete, "/enrollments/"+created.ID, nil)
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)

	rr = testutil.DoJSON(s.T(), s.router, http.MethodDelete, "/enrollments/"+created.ID, nil)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *HandlerSuite) TestList() {
	s.create("11144477735", 10)
	s.create("52998224725", 30)
	s.create("39053344705", 31)

	rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/enrollments?age_group=adult&page=1&page_size=1", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[listResponse](s.T(), rr)
	s.Len(resp.Items, 1)
	s.Equal(listMeta{Page: 1, PageSize: 1, TotalItems: 2, TotalPages: 2}, resp.Meta)

	s.Run("bad page", func() {
		rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/enrollments?page=zero", nil)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("page out of range", func() {
		rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/enrollments?page=4611686018427387904&page_size=100", nil)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("bad status", func() {
		rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/enrollments?status=archived", nil)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	})
}

func (s *HandlerSuite) TestAsyncRequest() {
	rr := testutil.DoJSON(s.T(), s.router, http.MethodPost, "/enrollments/requests", map[string]string{
		"identity_number": "111.444.777-35",
		"full_name":       "Ana",
		"birth_date":      birthDate(20),
	})
	testutil.AssertStatus(s.T(), rr, http.StatusAccepted)
	resp := testutil.UnmarshalResponse[map[string]string](s.T(), rr)
	s.NotEmpty((*resp)["message_id"])
	s.Equal(1, s.pub.published)
}

func (s *HandlerSuite) TestAgeGroups() {
	rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/age-groups", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	groups := testutil.UnmarshalResponse[[]agegroup.Group](s.T(), rr)
	s.Len(*groups, 4)
}

func (s *HandlerSuite) TestHealth() {
	rr := testutil.DoJSON(s.T(), s.router, http.MethodGet, "/healthz", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusOK)

	s.down = errors.New("connection refused")
	rr = testutil.DoJSON(s.T(), s.router, http.MethodGet, "/healthz", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusServiceUnavailable)
}

func (s *HandlerSuite) TestRequestIDEchoed() {
	req := testutil.NewJSONRequest(s.T(), http.MethodGet, "/age-groups", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rr := testutil.DoRequest(s.router, req)
	s.Equal("req-7", rr.Header().Get("X-Request-ID"))
}
