package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zimads/adsentinel/internal/pipeline"
	"github.com/zimads/adsentinel/internal/server"
	"github.com/zimads/adsentinel/pkg/classify"
	"github.com/zimads/adsentinel/pkg/dispatch"
	"github.com/zimads/adsentinel/pkg/messaging"
	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/operator"
	"github.com/zimads/adsentinel/pkg/storage"
)

const appSecret = "app-secret"

type nopChannel struct {
	mu   sync.Mutex
	sent int
}

func (c *nopChannel) Name() string { return "whatsapp" }

func (c *nopChannel) SendText(context.Context, string, string) (messaging.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return messaging.SendResult{MessageID: "wamid.1"}, nil
}

type expiredTokenProber struct{}

func (expiredTokenProber) Probe(context.Context, model.Account) error {
	return &classify.ProviderError{HTTPStatus: 401, Code: classify.CodeInvalidToken, Message: "Session has expired"}
}

type fixture struct {
	srv     *server.Server
	p       *pipeline.Pipeline
	store   *storage.Store
	channel *nopChannel
	camp    *model.Campaign
	account *model.Account
}

func setupServer(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	acct := &model.Account{UserID: "u1", ExternalID: "act_77", Name: "Bulawayo Bakes", AccessToken: "tok"}
	require.NoError(t, store.UpsertAccount(ctx, acct))
	camp := &model.Campaign{AccountID: acct.ID, Name: "Bread promo", DailyBudget: 20}
	require.NoError(t, store.UpsertCampaign(ctx, camp))
	require.NoError(t, store.SetPreferences(ctx, &model.UserPreferences{UserID: "u1", Phone: "+263771234567"}))

	dcfg := dispatch.DefaultConfig()
	dcfg.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	channel := &nopChannel{}
	p, err := pipeline.New(ctx, pipeline.Deps{
		Store:   store,
		Channel: channel,
		Prober:  expiredTokenProber{},
	}, pipeline.Options{
		Dispatch:  dcfg,
		Staleness: 24 * time.Hour,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(sctx)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.HTTPRequestsTotal)

	srv := server.NewServer(p, server.Options{
		VerifyToken: "verify-me",
		AppSecret:   appSecret,
		Gatherer:    reg,
	}, logger)
	return &fixture{srv: srv, p: p, store: store, channel: channel, camp: camp, account: acct}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func inboundBody(from, text string) []byte {
	return []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"messages":[` +
		`{"from":"` + from + `","id":"wamid.in","type":"text","text":{"body":"` + text + `"}}]}}]}]}`)
}

func TestServer_Health(t *testing.T) {
	f := setupServer(t)

	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]string](t, w)
	assert.Equal(t, "ok", resp["status"])
}

func TestServer_Metrics(t *testing.T) {
	f := setupServer(t)
	f.do(t, http.MethodGet, "/healthz", nil, nil)

	w := f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "adsentinel_http_requests_total")
	assert.Contains(t, w.Body.String(), `endpoint="/healthz"`)
}

func TestServer_WebhookVerify(t *testing.T) {
	f := setupServer(t)

	w := f.do(t, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12345", w.Body.String())

	w = f.do(t, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_WebhookInbound(t *testing.T) {
	f := setupServer(t)
	body := inboundBody("263771234567", "hello")

	w := f.do(t, http.MethodPost, "/webhook", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + operator.Sign(body, []byte("other-secret")),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/webhook", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + operator.Sign(body, []byte(appSecret)),
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]int](t, w)
	assert.Equal(t, 1, resp["recorded"])

	w = f.do(t, http.MethodGet, "/api/v1/sessions/+263771234567", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[map[string]any](t, w)
	assert.Equal(t, "subscribed", state["state"])
}

func TestServer_SessionInvalidPhone(t *testing.T) {
	f := setupServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/sessions/not-a-number", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_SnapshotAndAlerts(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	_, err := f.p.RecordInbound(ctx, "+263771234567", "hi")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/campaigns/"+f.camp.ID+"/snapshots", []byte(`{"ctr":0.02,"cpc":6.0,"spend":5}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Evaluation pipeline.Evaluation `json:"evaluation"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.Len(t, created.Evaluation.Created, 1)
	alertID := created.Evaluation.Created[0].ID

	w = f.do(t, http.MethodGet, "/api/v1/alerts?user=u1&open=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]model.Alert](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, model.KindHighCPC, list[0].Kind)

	w = f.do(t, http.MethodGet, "/api/v1/alerts/"+alertID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.p.Wait()
	w = f.do(t, http.MethodGet, "/api/v1/alerts/"+alertID+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	attempts := decode[[]model.DispatchAttempt](t, w)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.OutcomeSent, attempts[0].Outcome)

	w = f.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/resolve", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/resolve", []byte(`{"user_id":"u1"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resolved := decode[model.Alert](t, w)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "u1", resolved.ResolvedBy)

	w = f.do(t, http.MethodGet, "/api/v1/alerts?user=u1&open=true", nil, nil)
	assert.Empty(t, decode[[]model.Alert](t, w))
}

func TestServer_NotFound(t *testing.T) {
	f := setupServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/campaigns/missing/evaluate", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/alerts/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/alerts?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_HealthRunDryRun(t *testing.T) {
	f := setupServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/health/run?dry_run=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		SQL []string `json:"sql"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.SQL, 1)
	assert.Contains(t, resp.SQL[0], "UPDATE accounts")

	acc, err := f.store.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountActive, acc.State)
}

func TestServer_EvaluateRevokedAccount(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	for range 3 {
		_, err := f.p.RunHealthCheck(ctx, false)
		require.NoError(t, err)
	}

	w := f.do(t, http.MethodPost, "/api/v1/campaigns/"+f.camp.ID+"/evaluate", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_Sync(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPut, "/api/v1/accounts/acc-2", []byte(`{"user_id":"u2","external_id":"act_2","access_token":"tok2"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	acc, err := f.store.GetAccount(ctx, "acc-2")
	require.NoError(t, err)
	assert.Equal(t, model.AccountActive, acc.State)
	assert.Equal(t, "tok2", acc.AccessToken)

	w = f.do(t, http.MethodPut, "/api/v1/campaigns/camp-2", []byte(`{"account_id":"acc-2","name":"Launch","daily_budget":40}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	camp := decode[model.Campaign](t, w)
	assert.Equal(t, "u2", camp.UserID)

	w = f.do(t, http.MethodPut, "/api/v1/campaigns/camp-3", []byte(`{"account_id":"missing"}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/users/u2/preferences", []byte(`{"phone":"0772000111","evening":true}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	prefs, err := f.store.GetPreferences(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "+263772000111", prefs.Phone)
	assert.True(t, prefs.Evening)

	w = f.do(t, http.MethodPut, "/api/v1/users/u2/preferences", []byte(`{"phone":"12"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/users/u2/thresholds/high_cpc", []byte(`{"limit":2.5,"direction":"above"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	overrides, err := f.store.ThresholdOverrides(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 2.5, overrides[0].Limit)
	assert.True(t, overrides[0].Enabled)

	w = f.do(t, http.MethodPut, "/api/v1/users/u2/thresholds/roas", []byte(`{"limit":1,"direction":"below"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_SyncKeepsHealthState(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	for range 3 {
		_, err := f.p.RunHealthCheck(ctx, false)
		require.NoError(t, err)
	}

	body := []byte(`{"user_id":"u1","external_id":"act_77","access_token":"fresh"}`)
	w := f.do(t, http.MethodPut, "/api/v1/accounts/"+f.account.ID, body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	acc, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountRevoked, acc.State)
	assert.Equal(t, "fresh", acc.AccessToken)
}
