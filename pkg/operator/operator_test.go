package operator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimads/adsentinel/pkg/operator"
)

func revokedNotice() operator.Notice {
	return operator.Notice{
		Kind:      operator.NoticeAccountRevoked,
		AccountID: "acct-1",
		UserID:    "u1",
		Action:    "permission_denied",
		Code:      100,
		Subcode:   33,
		Message:   "account act_123 revoked",
	}
}

func TestSlackNotifier_Name(t *testing.T) {
	n := operator.NewSlackNotifier("https://hooks.slack.com/test", "#test")
	assert.Equal(t, "slack", n.Name())
}

func TestSlackNotifier_Send(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)

		err := json.NewDecoder(r.Body).Decode(&received)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := operator.NewSlackNotifier(server.URL, "#ads-ops")
	require.NoError(t, n.Send(context.Background(), revokedNotice()))

	assert.Equal(t, "#ads-ops", received["channel"])
	attachments, ok := received["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]any)
	assert.Equal(t, "#cc0000", first["color"])
	assert.Equal(t, "account act_123 revoked", first["text"])
}

func TestSlackNotifier_Send_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := operator.NewSlackNotifier(server.URL, "#test")
	err := n.Send(context.Background(), operator.Notice{Kind: operator.NoticeDispatchFailed})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestWebhookNotifier_Send(t *testing.T) {
	var (
		received map[string]any
		header   http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		err := json.NewDecoder(r.Body).Decode(&received)
		require.NoError(t, err)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := operator.NewWebhookNotifier(server.URL, "")
	assert.Equal(t, "webhook", n.Name())
	require.NoError(t, n.Send(context.Background(), revokedNotice()))

	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "adsentinel/1.0", header.Get("User-Agent"))
	assert.Empty(t, header.Get("X-Signature-256"))
	assert.Equal(t, "account.revoked", header.Get("X-Adsentinel-Event"))
	assert.Equal(t, received["delivery_id"], header.Get("X-Adsentinel-Delivery"))

	assert.Equal(t, "account.revoked", received["event"])
	assert.Equal(t, "critical", received["severity"])
	assert.Equal(t, "acct-1", received["key"])
	assert.Equal(t, "u1", received["user_id"])
	assert.Equal(t, "account act_123 revoked", received["message"])
	assert.NotEmpty(t, received["occurred_at"])
	cls := received["classification"].(map[string]any)
	assert.Equal(t, "permission_denied", cls["action"])
	assert.InDelta(t, 100, cls["code"], 0)
	assert.InDelta(t, 33, cls["subcode"], 0)
}

func TestWebhookNotifier_Send_DegradedWithoutClassification(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	err := operator.NewWebhookNotifier(server.URL, "").Send(context.Background(), operator.Notice{
		Kind:    operator.NoticeAccountDegraded,
		UserID:  "u2",
		Message: "probe failing",
	})
	require.NoError(t, err)

	assert.Equal(t, "account.degraded", received["event"])
	assert.Equal(t, "warning", received["severity"])
	assert.Equal(t, "u2", received["key"])
	assert.NotContains(t, received, "classification")
	assert.NotContains(t, received, "account_id")
}

func TestNoticeKind_Severity(t *testing.T) {
	assert.Equal(t, operator.SeverityCritical, operator.NoticeAccountRevoked.Severity())
	assert.Equal(t, operator.SeverityCritical, operator.NoticeDispatchFailed.Severity())
	assert.Equal(t, operator.SeverityWarning, operator.NoticeAccountDegraded.Severity())
}

func TestWebhookNotifier_Send_WithHMAC(t *testing.T) {
	var (
		signature string
		body      []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Signature-256")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := operator.NewWebhookNotifier(server.URL, "test-secret")
	require.NoError(t, n.Send(context.Background(), revokedNotice()))

	assert.Contains(t, signature, "sha256=")
	assert.True(t, operator.VerifySignature(body, []byte("test-secret"), signature))
	assert.False(t, operator.VerifySignature(body, []byte("wrong-secret"), signature))
}

func TestWebhookNotifier_Send_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := operator.NewWebhookNotifier(server.URL, "").Send(context.Background(), revokedNotice())
	assert.ErrorContains(t, err, "status 502")
}

func TestVerifySignature_Malformed(t *testing.T) {
	msg := []byte(`{"a":1}`)
	assert.False(t, operator.VerifySignature(msg, []byte("k"), ""))
	assert.False(t, operator.VerifySignature(msg, []byte("k"), "sha1=abc"))
	assert.False(t, operator.VerifySignature(msg, []byte("k"), "sha256=zz"))
	assert.True(t, operator.VerifySignature(msg, []byte("k"), "sha256="+operator.Sign(msg, []byte("k"))))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaNotifier_Send(t *testing.T) {
	w := &fakeWriter{}
	n := operator.NewKafkaNotifierWithWriter(w, "adsentinel.dlq")
	assert.Equal(t, "kafka", n.Name())

	require.NoError(t, n.Send(context.Background(), revokedNotice()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "adsentinel.dlq", msg.Topic)
	assert.Equal(t, "acct-1", string(msg.Key))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "severity", msg.Headers[1].Key)
	assert.Equal(t, "critical", string(msg.Headers[1].Value))

	var decoded operator.Notice
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, operator.NoticeAccountRevoked, decoded.Kind)
	assert.Equal(t, 33, decoded.Subcode)

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestKafkaNotifier_Send_Error(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	err := operator.NewKafkaNotifierWithWriter(w, "dlq").Send(context.Background(), revokedNotice())
	assert.ErrorContains(t, err, "broker down")
}

type recordingNotifier struct {
	name    string
	err     error
	mu      sync.Mutex
	notices []operator.Notice
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, n operator.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func TestFanout_ContinuesPastFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bad := &recordingNotifier{name: "bad", err: errors.New("boom")}
	good := &recordingNotifier{name: "good"}

	f := operator.NewFanout(logger, bad, good)
	assert.Equal(t, 2, f.Len())

	err := f.Send(context.Background(), revokedNotice())
	assert.ErrorContains(t, err, "bad: boom")
	require.Len(t, good.notices, 1)
	assert.False(t, good.notices[0].OccurredAt.IsZero())
}
