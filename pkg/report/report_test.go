package report_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimads/adsentinel/pkg/dispatch"
	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/report"
	"github.com/zimads/adsentinel/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var now = time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUser(t *testing.T, store *storage.Store, userID string, prefs model.UserPreferences) {
	t.Helper()
	ctx := context.Background()
	acct := &model.Account{UserID: userID, ExternalID: "act_" + userID, AccessToken: "tok"}
	require.NoError(t, store.UpsertAccount(ctx, acct))
	camp := &model.Campaign{AccountID: acct.ID, Name: "Campaign of " + userID, DailyBudget: 20}
	require.NoError(t, store.UpsertCampaign(ctx, camp))
	require.NoError(t, store.RecordSnapshot(ctx, &model.MetricSnapshot{
		CampaignID: camp.ID, CTR: 0.012, CPC: 0.4, Spend: 11, CapturedAt: now.Add(-time.Hour),
	}))
	prefs.UserID = userID
	require.NoError(t, store.SetPreferences(ctx, &prefs))
}

// fakeGenerator answers per user.
type fakeGenerator struct {
	mu     sync.Mutex
	inputs map[string]report.Input
	out    map[string]*report.Output
	errs   map[string]error
}

func (g *fakeGenerator) Generate(_ context.Context, in report.Input) (*report.Output, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inputs == nil {
		g.inputs = map[string]report.Input{}
	}
	g.inputs[in.UserID] = in
	if err := g.errs[in.UserID]; err != nil {
		return nil, err
	}
	return g.out[in.UserID], nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []dispatch.Item
}

func (q *fakeQueue) Enqueue(_ context.Context, item dispatch.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func TestRunWindow(t *testing.T) {
	store := newStore(t)
	seedUser(t, store, "urgent", model.UserPreferences{Phone: "+263771234567", Morning: true})
	seedUser(t, store, "calm", model.UserPreferences{Phone: "+263772222222", Morning: true})
	seedUser(t, store, "broken", model.UserPreferences{Morning: true})
	seedUser(t, store, "quiet", model.UserPreferences{Morning: true})
	seedUser(t, store, "evening-only", model.UserPreferences{Evening: true})

	gen := &fakeGenerator{
		out: map[string]*report.Output{
			"urgent": {Content: "Spend is running hot.", Summary: "Budget nearly gone.", Recommendations: []string{"pause Campaign of urgent"}, ShouldSendAlert: true},
			"calm":   {Content: "All steady.", Summary: "Nothing to do."},
		},
		errs: map[string]error{"broken": errors.New("generator timeout")},
	}
	queue := &fakeQueue{}
	s := report.NewScheduler(store, gen, queue, report.Config{Now: func() time.Time { return now }}, testLogger())

	res, err := s.RunWindow(context.Background(), model.WindowMorning)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Users)
	assert.Equal(t, 2, res.Generated)
	assert.Equal(t, 1, res.Empty)
	assert.Equal(t, 1, res.Enqueued)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "broken", res.Failures[0].UserID)
	assert.Contains(t, res.Failures[0].Error, "generator timeout")

	require.Len(t, queue.items, 1)
	item := queue.items[0]
	assert.Equal(t, model.SubjectReport, item.Kind)
	assert.Equal(t, "urgent", item.UserID)
	assert.Contains(t, item.Body, "Morning report")
	assert.Contains(t, item.Body, "Budget nearly gone.")
	assert.Contains(t, item.Body, "• pause Campaign of urgent")

	saved, err := store.GetReport(context.Background(), item.SubjectID)
	require.NoError(t, err)
	assert.True(t, saved.ShouldSendAlert)
	assert.Equal(t, model.WindowMorning, saved.Window)

	in := gen.inputs["calm"]
	require.Len(t, in.Campaigns, 1)
	require.NotNil(t, in.Campaigns[0].Snapshot)
	assert.InDelta(t, 11.0, in.Campaigns[0].Snapshot.Spend, 1e-9)
	_, asked := gen.inputs["evening-only"]
	assert.False(t, asked)
}

// blockingGenerator answers "fast" at once and holds every other user until
// the run context ends.
type blockingGenerator struct {
	mu    sync.Mutex
	calls map[string]int
}

func (g *blockingGenerator) Generate(ctx context.Context, in report.Input) (*report.Output, error) {
	g.mu.Lock()
	g.calls[in.UserID]++
	g.mu.Unlock()
	if in.UserID == "fast" {
		return &report.Output{Content: "Done.", Summary: "Done.", ShouldSendAlert: true}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunWindow_RunTimeoutAbandonsRemainingUsers(t *testing.T) {
	store := newStore(t)
	seedUser(t, store, "fast", model.UserPreferences{Phone: "+263771234567", Morning: true})
	seedUser(t, store, "slow-1", model.UserPreferences{Phone: "+263772222222", Morning: true})
	seedUser(t, store, "slow-2", model.UserPreferences{Phone: "+263773333333", Morning: true})

	gen := &blockingGenerator{calls: map[string]int{}}
	queue := &fakeQueue{}
	s := report.NewScheduler(store, gen, queue, report.Config{
		Concurrency: 1,
		RunTimeout:  300 * time.Millisecond,
		Now:         func() time.Time { return now },
	}, testLogger())

	start := time.Now()
	res, err := s.RunWindow(context.Background(), model.WindowMorning)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 3, res.Users)
	assert.Equal(t, 1, res.Generated)
	assert.Equal(t, 1, res.Enqueued)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "slow-1", res.Failures[0].UserID)
	assert.Equal(t, "slow-2", res.Failures[1].UserID)
	assert.Contains(t, res.Failures[1].Error, "deadline")

	require.Len(t, queue.items, 1)
	assert.Equal(t, "fast", queue.items[0].UserID)

	// each user is tried at most once; slow-2 never reaches the generator
	assert.Equal(t, 1, gen.calls["fast"])
	assert.Equal(t, 1, gen.calls["slow-1"])
	assert.Equal(t, 0, gen.calls["slow-2"])
}

func TestRunWindow_SkipsRevokedCampaigns(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1", model.UserPreferences{Afternoon: true})

	revoked := &model.Account{UserID: "u1", ExternalID: "act_old", State: model.AccountRevoked}
	require.NoError(t, store.UpsertAccount(ctx, revoked))
	require.NoError(t, store.UpsertCampaign(ctx, &model.Campaign{AccountID: revoked.ID, Name: "Old"}))

	gen := &fakeGenerator{}
	s := report.NewScheduler(store, gen, nil, report.Config{}, testLogger())
	_, err := s.RunWindow(ctx, model.WindowAfternoon)
	require.NoError(t, err)

	require.Len(t, gen.inputs["u1"].Campaigns, 1)
	assert.Equal(t, "Campaign of u1", gen.inputs["u1"].Campaigns[0].Campaign.Name)
}

func TestMessageBody(t *testing.T) {
	body := report.MessageBody(&model.Report{Window: model.WindowEvening, Content: "Full text"})
	assert.Equal(t, "Evening report\n\nFull text", body)
}

func TestChatGenerator(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		reply := `{"content":"CTR fell overnight.","summary":"CTR down.","recommendations":["refresh creative"],"shouldSendAlert":true}`
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
	defer srv.Close()

	gen, err := report.NewChatGenerator(report.ChatConfig{Endpoint: srv.URL, Model: "gpt-4o-mini", APIKey: "sk-test"})
	require.NoError(t, err)

	out, err := gen.Generate(context.Background(), report.Input{
		UserID: "u1",
		Window: model.WindowMorning,
		Campaigns: []report.CampaignMetrics{
			{Campaign: model.Campaign{ID: "c1", Name: "Winter sale"}, Snapshot: &model.MetricSnapshot{CTR: 0.004}},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.ShouldSendAlert)
	assert.Equal(t, []string{"refresh creative"}, out.Recommendations)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	user := msgs[1].(map[string]any)["content"].(string)
	assert.Contains(t, user, "Winter sale")
}

func TestChatGenerator_RecordsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"content\":\"ok\"}"}}],"usage":{"prompt_tokens":120,"completion_tokens":30}}`))
	}))
	defer srv.Close()

	gen, err := report.NewChatGenerator(report.ChatConfig{Endpoint: srv.URL, Model: "usage-test", APIKey: "sk-test"})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), report.Input{
		UserID:    "u1",
		Window:    model.WindowEvening,
		Campaigns: []report.CampaignMetrics{{Campaign: model.Campaign{ID: "c1"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, 120.0, testutil.ToFloat64(metrics.ReportTokensTotal.WithLabelValues("usage-test", "prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(metrics.ReportTokensTotal.WithLabelValues("usage-test", "completion")))
}

func TestChatGenerator_PromptBudget(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompt = req.Messages[1].Content
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"content\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	gen, err := report.NewChatGenerator(report.ChatConfig{
		Endpoint: srv.URL, Model: "gpt-4o-mini", APIKey: "k", SystemPrompt: "Report.", MaxPromptTokens: 200,
	})
	require.NoError(t, err)

	var campaigns []report.CampaignMetrics
	for range 100 {
		campaigns = append(campaigns, report.CampaignMetrics{Campaign: model.Campaign{ID: "c", Name: "A long campaign name for budget tests"}})
	}
	out, err := gen.Generate(context.Background(), report.Input{UserID: "u1", Campaigns: campaigns})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	assert.True(t, strings.HasSuffix(prompt, "[truncated]"))
	assert.Less(t, len(prompt), 2000)
}

func TestChatGenerator_Errors(t *testing.T) {
	_, err := report.NewChatGenerator(report.ChatConfig{Model: "gpt-4o"})
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gen, err := report.NewChatGenerator(report.ChatConfig{Endpoint: srv.URL, Model: "gpt-4o", APIKey: "k"})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), report.Input{UserID: "u1", Campaigns: []report.CampaignMetrics{{}}})
	assert.ErrorContains(t, err, "503")

	out, err := gen.Generate(context.Background(), report.Input{UserID: "u1"})
	assert.NoError(t, err)
	assert.Nil(t, out, "no campaigns means no report")
}
