package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/arbiter/internal/config"
	disputedomain "github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/observability"
	"github.com/smallbiznis/arbiter/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const systemToken = "sweeper-secret"

// fakeDisputes overrides the calls a test needs; anything else panics on
// the nil embedded interface.
type fakeDisputes struct {
	disputedomain.Service

	lastActor disputedomain.Actor
	open      disputedomain.OpenDisputeRequest
	escalate  disputedomain.EscalateRequest
	err       error
}

func (f *fakeDisputes) OpenDispute(_ context.Context, actor disputedomain.Actor, req disputedomain.OpenDisputeRequest) (*disputedomain.Snapshot, error) {
	f.lastActor, f.open = actor, req
	if f.err != nil {
		return nil, f.err
	}
	return &disputedomain.Snapshot{Phases: disputedomain.DisputePhases{CurrentPhase: disputedomain.Phase1}}, nil
}

func (f *fakeDisputes) Escalate(_ context.Context, actor disputedomain.Actor, req disputedomain.EscalateRequest) (*disputedomain.Snapshot, error) {
	f.lastActor, f.escalate = actor, req
	if f.err != nil {
		return nil, f.err
	}
	return &disputedomain.Snapshot{Phases: disputedomain.DisputePhases{CurrentPhase: disputedomain.Phase2}}, nil
}

func (f *fakeDisputes) GetDisputeParties(_ context.Context, actor disputedomain.Actor, id string) (*disputedomain.Parties, error) {
	f.lastActor = actor
	return &disputedomain.Parties{BookingID: "bk_" + id, CustomerID: "cust_1", VendorID: "vend_1"}, f.err
}

func (f *fakeDisputes) GenerateResolutionOptions(_ context.Context, actor disputedomain.Actor, id string) (*disputedomain.OptionsView, error) {
	f.lastActor = actor
	if f.err != nil {
		return nil, f.err
	}
	return &disputedomain.OptionsView{DisputeID: id, Generation: 1}, nil
}

func (f *fakeDisputes) Statement(_ context.Context, actor disputedomain.Actor, _ string) (io.Reader, error) {
	f.lastActor = actor
	if f.err != nil {
		return nil, f.err
	}
	return strings.NewReader("%PDF-1.4 statement"), nil
}

func (f *fakeDisputes) ListConsensusLogs(_ context.Context, actor disputedomain.Actor, _ string, withTranscript bool) ([]disputedomain.ConsensusLogView, error) {
	f.lastActor = actor
	if !withTranscript {
		return nil, fmt.Errorf("expected transcript flag")
	}
	return []disputedomain.ConsensusLogView{}, nil
}

func newTestServer(t *testing.T, svc disputedomain.Service, limiter *ratelimit.ActorLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte(systemToken), bcrypt.MinCost)
	require.NoError(t, err)

	engine := NewEngine(observability.Config{Environment: "test"}, nil)
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{SystemTokenHash: string(hash)},
		Log:        zap.NewNop(),
		DisputeSvc: svc,
		Limiter:    limiter,
	})
	return engine
}

func do(engine *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

var asCustomer = map[string]string{HeaderUserID: "cust_1"}

func TestPartyRoutesRequireUserHeader(t *testing.T) {
	engine := newTestServer(t, &fakeDisputes{}, nil)

	rec := do(engine, http.MethodPost, "/api/disputes", `{"booking_id":"bk_1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestOpenDisputePassesActorAndBody(t *testing.T) {
	svc := &fakeDisputes{}
	engine := newTestServer(t, svc, nil)

	rec := do(engine, http.MethodPost, "/api/disputes",
		`{"booking_id":" bk_1 ","reason":"no_show","description":"vendor never came","evidence":["https://cdn.example.com/a.jpg"]}`,
		asCustomer)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, disputedomain.UserActor("cust_1"), svc.lastActor)
	assert.Equal(t, "bk_1", svc.open.BookingID)
	assert.Equal(t, disputedomain.Reason("no_show"), svc.open.Reason)
	assert.Len(t, svc.open.Evidence, 1)
	assert.Contains(t, rec.Body.String(), `"current_phase":"phase_1"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestOpenDisputeRejectsMalformedJSON(t *testing.T) {
	engine := newTestServer(t, &fakeDisputes{}, nil)

	rec := do(engine, http.MethodPost, "/api/disputes", `{"booking_id":`, asCustomer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
}

func TestEscalateAcceptsEmptyBody(t *testing.T) {
	svc := &fakeDisputes{}
	engine := newTestServer(t, svc, nil)

	rec := do(engine, http.MethodPost, "/api/disputes/42/escalate", "", asCustomer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "42", svc.escalate.DisputeID)
	assert.Empty(t, svc.escalate.ExpectedPhase)

	rec = do(engine, http.MethodPost, "/api/disputes/42/escalate", `{"expected_phase":"phase_1"}`, asCustomer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, disputedomain.Phase1, svc.escalate.ExpectedPhase)
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"validation", disputedomain.NewValidationError("reason", "unknown reason"), http.StatusBadRequest, "validation_error"},
		{"authorization", &disputedomain.AuthorizationError{Err: disputedomain.ErrNotParty}, http.StatusForbidden, "forbidden"},
		{"conflict", disputedomain.NewConflictError(disputedomain.ErrPhaseMismatch, disputedomain.Phase2, disputedomain.StatusOpen, ""), http.StatusConflict, "conflict"},
		{"not found", fmt.Errorf("load: %w", disputedomain.ErrNotFound), http.StatusNotFound, "not_found"},
		{"gateway failed", &disputedomain.ExternalDependencyError{Dependency: "escrow_gateway", Err: disputedomain.ErrGatewayFailed}, http.StatusBadGateway, "external_dependency"},
		{"models down", &disputedomain.ExternalDependencyError{Dependency: "ai_models", Unavailable: true}, http.StatusServiceUnavailable, "external_dependency"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestServer(t, &fakeDisputes{err: tc.err}, nil)
			rec := do(engine, http.MethodPost, "/api/disputes/1/escalate", "", asCustomer)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.typ, decodeError(t, rec).Type)
		})
	}
}

func TestConflictBodyCarriesCurrentPhase(t *testing.T) {
	err := disputedomain.NewConflictError(disputedomain.ErrPhaseMismatch, disputedomain.Phase2, disputedomain.StatusOpen, "")
	engine := newTestServer(t, &fakeDisputes{err: err}, nil)

	rec := do(engine, http.MethodPost, "/api/disputes/1/escalate", `{"expected_phase":"phase_1"}`, asCustomer)
	require.Equal(t, http.StatusConflict, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, disputedomain.Phase2, payload.CurrentPhase)
	assert.Equal(t, "open", payload.Status)
}

func TestValidationBodyListsFields(t *testing.T) {
	err := &disputedomain.ValidationError{
		Fields: []disputedomain.FieldError{{Field: "acknowledged_fee_minor", Message: "does not match the external fee"}},
		Err:    disputedomain.ErrFeeMismatch,
	}
	engine := newTestServer(t, &fakeDisputes{err: err}, nil)

	rec := do(engine, http.MethodPost, "/api/disputes/1/escalate", "", asCustomer)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "acknowledged_fee_minor", payload.Errors[0].Field)
	assert.Equal(t, "fee_acknowledgement_mismatch", payload.Errors[0].Code)
}

func TestInternalRoutesRequireSystemToken(t *testing.T) {
	svc := &fakeDisputes{}
	engine := newTestServer(t, svc, nil)

	rec := do(engine, http.MethodPost, "/internal/disputes/9/options", "", asCustomer)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(engine, http.MethodPost, "/internal/disputes/9/options", "", map[string]string{HeaderSystemToken: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(engine, http.MethodPost, "/internal/disputes/9/options", "", map[string]string{HeaderSystemToken: systemToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, svc.lastActor.IsSystem())

	rec = do(engine, http.MethodGet, "/internal/disputes/9/consensus-logs?transcript=true", "", map[string]string{HeaderSystemToken: systemToken})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(engine, http.MethodGet, "/internal/disputes/9/consensus-logs?transcript=maybe", "", map[string]string{HeaderSystemToken: systemToken})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPartiesAcceptsPartyOrSystem(t *testing.T) {
	svc := &fakeDisputes{}
	engine := newTestServer(t, svc, nil)

	rec := do(engine, http.MethodGet, "/api/disputes/7/parties", "", asCustomer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cust_1", svc.lastActor.ID)

	rec = do(engine, http.MethodGet, "/api/disputes/7/parties", "", map[string]string{HeaderSystemToken: systemToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.lastActor.IsSystem())
	assert.NotContains(t, rec.Body.String(), "email")

	rec = do(engine, http.MethodGet, "/api/disputes/7/parties", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatementIsServedAsPDF(t *testing.T) {
	engine := newTestServer(t, &fakeDisputes{}, nil)

	rec := do(engine, http.MethodGet, "/api/disputes/5/statement.pdf", "", asCustomer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "dispute-5-statement.pdf")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF"))

	rec = do(engine, http.MethodGet, "/api/disputes/a%22b/statement.pdf", "", asCustomer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="dispute-ab-statement.pdf"`, rec.Header().Get("Content-Disposition"))
}

func TestMutationsAreRateLimitedPerActor(t *testing.T) {
	limiter, err := ratelimit.NewActorLimiter(config.Config{RateLimit: config.RateLimitConfig{
		Enabled:         true,
		MutationRate:    0.001,
		MutationBurst:   1,
		GenerationRate:  0.001,
		GenerationBurst: 1,
	}}, nil, zap.NewNop())
	require.NoError(t, err)
	engine := newTestServer(t, &fakeDisputes{}, limiter)

	rec := do(engine, http.MethodPost, "/api/disputes/1/escalate", "", asCustomer)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(engine, http.MethodPost, "/api/disputes/1/escalate", "", asCustomer)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)

	// buckets are per actor
	rec = do(engine, http.MethodPost, "/api/disputes/1/escalate", "", map[string]string{HeaderUserID: "vend_1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunSchedulerUnavailableWithoutScheduler(t *testing.T) {
	engine := newTestServer(t, &fakeDisputes{}, nil)

	rec := do(engine, http.MethodPost, "/internal/scheduler/run", "", map[string]string{HeaderSystemToken: systemToken})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
