package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/hostgate/internal/gate/common/clock"
	"github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/domain"
	policymem "github.com/haukened/hostgate/internal/gate/repos/policy/memory"
	rulesmem "github.com/haukened/hostgate/internal/gate/repos/rules/memory"
	"github.com/haukened/hostgate/internal/gate/repos/statusindex"
	"github.com/haukened/hostgate/internal/gate/services/syncer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	idx, err := statusindex.New(16, 0.01)
	require.NoError(t, err)
	s := syncer.NewSyncer(syncer.Options{
		Policies: policymem.New(),
		Rules:    rulesmem.New(),
		Index:    idx,
		Clock:    &clock.MockClock{CurrentTime: time.Unix(1_700_000_000, 0)},
		Logger:   log.NewNoopLogger(),
		Seed:     &domain.GlobalPolicy{Blocked: []string{"ads.example.com"}},
	})
	_, err = s.Start(context.Background())
	require.NoError(t, err)
	return NewRouter(s, idx, log.NewNoopLogger())
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func ruleIDs(t *testing.T, v any) []int {
	t.Helper()
	list, ok := v.([]any)
	require.True(t, ok, "expected a list, got %T", v)
	ids := make([]int, 0, len(list))
	for _, item := range list {
		m := item.(map[string]any)
		ids = append(ids, int(m["id"].(float64)))
	}
	return ids
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	w, body := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	index, ok := body["index"].(map[string]any)
	require.True(t, ok, "health body carries index stats")
	assert.Equal(t, float64(16), index["capacity"])
	assert.Equal(t, float64(1), index["globalHosts"])
}

func TestHealthz_WithoutIndex(t *testing.T) {
	w, body := do(t, NewRouter(&mockService{}, nil, log.NewNoopLogger()), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "ok"}, body)
}

func TestGlobal_GetAndSave(t *testing.T) {
	r := newTestRouter(t)

	w, body := do(t, r, http.MethodGet, "/v1/global", "")
	require.Equal(t, http.StatusOK, w.Code)
	cfg := body["config"].(map[string]any)
	assert.Equal(t, []any{"ads.example.com"}, cfg["blockedHosts"])

	w, body = do(t, r, http.MethodPut, "/v1/global",
		`{"decisions":[{"host":"tracker.example.net","status":"blocked"},{"host":"ads.example.com","status":"pending"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, body["syncId"])
	cfg = body["config"].(map[string]any)
	assert.Equal(t, []any{"tracker.example.net"}, cfg["blockedHosts"])

	_, body = do(t, r, http.MethodGet, "/v1/rules", "")
	assert.Equal(t, []int{2_870_720}, ruleIDs(t, body["global"]))
	assert.Empty(t, body["site"])
}

func TestGlobal_SaveRequiresDecisions(t *testing.T) {
	r := newTestRouter(t)
	w, body := do(t, r, http.MethodPut, "/v1/global", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["error"])

	w, _ = do(t, r, http.MethodPut, "/v1/global", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSite_Lifecycle(t *testing.T) {
	r := newTestRouter(t)

	w, body := do(t, r, http.MethodPut, "/v1/sites/shop.example",
		`{"decisions":[{"host":"ads.example.com","status":"allowed"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["syncId"])

	_, body = do(t, r, http.MethodGet, "/v1/rules", "")
	assert.Equal(t, []int{622040}, ruleIDs(t, body["site"]))
	assert.Equal(t, []int{2_942_636}, ruleIDs(t, body["global"]))

	w, body = do(t, r, http.MethodPost, "/v1/sites/shop.example/state",
		`{"observed":["cdn.example.org","ads.example.com"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "shop.example", body["mainHost"])
	assert.Equal(t, false, body["disabled"])
	assert.Equal(t, []any{
		map[string]any{"host": "ads.example.com", "status": "allowed"},
		map[string]any{"host": "cdn.example.org", "status": "pending"},
	}, body["hosts"])

	w, body = do(t, r, http.MethodPost, "/v1/sites/shop.example/disable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["disabled"])
	_, body = do(t, r, http.MethodGet, "/v1/rules", "")
	assert.Empty(t, body["site"])

	w, body = do(t, r, http.MethodPost, "/v1/sites/shop.example/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["disabled"])
	_, body = do(t, r, http.MethodGet, "/v1/rules", "")
	assert.Equal(t, []int{622040}, ruleIDs(t, body["site"]))

	w, body = do(t, r, http.MethodDelete, "/v1/sites/shop.example", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	_, body = do(t, r, http.MethodGet, "/v1/rules", "")
	assert.Empty(t, body["site"])
}

func TestSiteState_EmptyBody(t *testing.T) {
	r := newTestRouter(t)
	w, body := do(t, r, http.MethodPost, "/v1/sites/news.example/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "news.example", body["mainHost"])
	assert.Empty(t, body["hosts"])
}

func TestSite_InvalidHostParam(t *testing.T) {
	r := newTestRouter(t)
	w, body := do(t, r, http.MethodPost, "/v1/sites/not_a%20host/disable", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.ErrInvalidHost.Error(), body["error"])
}

func TestNoRoute(t *testing.T) {
	r := newTestRouter(t)
	w, _ := do(t, r, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type mockService struct {
	mock.Mock
}

func (m *mockService) GlobalConfig(ctx context.Context) (domain.GlobalPolicy, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.GlobalPolicy), args.Error(1)
}

func (m *mockService) SaveGlobalDecisions(ctx context.Context, d []domain.Decision) (domain.GlobalPolicy, syncer.Report, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(domain.GlobalPolicy), args.Get(1).(syncer.Report), args.Error(2)
}

func (m *mockService) SaveSiteDecisions(ctx context.Context, site string, d []domain.Decision) (syncer.Report, error) {
	args := m.Called(ctx, site, d)
	return args.Get(0).(syncer.Report), args.Error(1)
}

func (m *mockService) ResetSite(ctx context.Context, site string) (syncer.Report, error) {
	args := m.Called(ctx, site)
	return args.Get(0).(syncer.Report), args.Error(1)
}

func (m *mockService) DisableSite(ctx context.Context, site string) (syncer.Report, error) {
	args := m.Called(ctx, site)
	return args.Get(0).(syncer.Report), args.Error(1)
}

func (m *mockService) EnableSite(ctx context.Context, site string) (syncer.Report, error) {
	args := m.Called(ctx, site)
	return args.Get(0).(syncer.Report), args.Error(1)
}

func (m *mockService) SiteState(ctx context.Context, site string, observed []string) (syncer.SiteState, error) {
	args := m.Called(ctx, site, observed)
	return args.Get(0).(syncer.SiteState), args.Error(1)
}

func (m *mockService) Rules(ctx context.Context) ([]domain.Rule, []domain.Rule, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Rule), args.Get(1).([]domain.Rule), args.Error(2)
}

func TestErrorMapping(t *testing.T) {
	collision := &domain.RuleIDCollisionError{ID: 622040, Existing: "global rule", Conflicting: "site rule"}
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"invalid host", domain.ErrInvalidHost, http.StatusBadRequest, "invalid host"},
		{"invalid status", domain.ErrInvalidStatus, http.StatusBadRequest, "invalid status"},
		{"collision", collision, http.StatusConflict, collision.Error()},
		{"store failure", errors.New("disk full"), http.StatusInternalServerError, "failed to sync"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("ResetSite", mock.Anything, "shop.example").Return(syncer.Report{}, tt.err)
			w, body := do(t, NewRouter(svc, nil, log.NewNoopLogger()), http.MethodDelete, "/v1/sites/shop.example", "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.msg, body["error"])
			svc.AssertExpectations(t)
		})
	}
}

func TestErrorMapping_AllRoutes(t *testing.T) {
	boom := errors.New("boom")
	svc := &mockService{}
	svc.On("GlobalConfig", mock.Anything).Return(domain.GlobalPolicy{}, boom)
	svc.On("SaveGlobalDecisions", mock.Anything, mock.Anything).Return(domain.GlobalPolicy{}, syncer.Report{}, boom)
	svc.On("SaveSiteDecisions", mock.Anything, "a.example", mock.Anything).Return(syncer.Report{}, boom)
	svc.On("DisableSite", mock.Anything, "a.example").Return(syncer.Report{}, boom)
	svc.On("EnableSite", mock.Anything, "a.example").Return(syncer.Report{}, boom)
	svc.On("SiteState", mock.Anything, "a.example", mock.Anything).Return(syncer.SiteState{}, boom)
	svc.On("Rules", mock.Anything).Return([]domain.Rule(nil), []domain.Rule(nil), boom)
	r := NewRouter(svc, nil, log.NewNoopLogger())

	calls := []struct{ method, path, body string }{
		{http.MethodGet, "/v1/global", ""},
		{http.MethodPut, "/v1/global", `{"decisions":[]}`},
		{http.MethodPut, "/v1/sites/a.example", `{"decisions":[]}`},
		{http.MethodPost, "/v1/sites/a.example/disable", ""},
		{http.MethodPost, "/v1/sites/a.example/enable", ""},
		{http.MethodPost, "/v1/sites/a.example/state", `{"observed":[]}`},
		{http.MethodGet, "/v1/rules", ""},
	}
	for _, c := range calls {
		w, body := do(t, r, c.method, c.path, c.body)
		assert.Equal(t, http.StatusInternalServerError, w.Code, c.path)
		assert.Equal(t, "failed to sync", body["error"], c.path)
	}
	svc.AssertExpectations(t)
}
