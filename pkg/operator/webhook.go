package operator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WebhookNotifier posts notices to a generic HTTP webhook.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier creates a generic webhook notifier.
// If secret is non-empty, requests are signed with HMAC-SHA256.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, notice Notice) error {
	payload := newWebhookPayload(notice, time.Now().UTC())

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "adsentinel/1.0")
	req.Header.Set("X-Adsentinel-Event", payload.Event)
	req.Header.Set("X-Adsentinel-Delivery", payload.DeliveryID)

	if w.secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+Sign(body, []byte(w.secret)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// webhookPayload is the body receivers get. Event is the notice kind in
// dotted form ("account.revoked"); Key groups deliveries about one account
// or user so receivers can collapse them.
type webhookPayload struct {
	Event          string          `json:"event"`
	DeliveryID     string          `json:"delivery_id"`
	Severity       Severity        `json:"severity"`
	Key            string          `json:"key"`
	AccountID      string          `json:"account_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	SubjectID      string          `json:"subject_id,omitempty"`
	Classification *classification `json:"classification,omitempty"`
	Message        string          `json:"message"`
	OccurredAt     time.Time       `json:"occurred_at"`
	SentAt         time.Time       `json:"sent_at"`
}

type classification struct {
	Action  string `json:"action,omitempty"`
	Code    int    `json:"code,omitempty"`
	Subcode int    `json:"subcode,omitempty"`
}

func newWebhookPayload(n Notice, now time.Time) webhookPayload {
	p := webhookPayload{
		Event:      strings.Replace(string(n.Kind), "_", ".", 1),
		DeliveryID: uuid.New().String(),
		Severity:   n.Kind.Severity(),
		Key:        n.Key(),
		AccountID:  n.AccountID,
		UserID:     n.UserID,
		SubjectID:  n.SubjectID,
		Message:    n.Message,
		OccurredAt: n.OccurredAt,
		SentAt:     now,
	}
	if p.OccurredAt.IsZero() {
		p.OccurredAt = now
	}
	if n.Action != "" || n.Code != 0 {
		p.Classification = &classification{Action: n.Action, Code: n.Code, Subcode: n.Subcode}
	}
	return p
}

// Sign returns the hex HMAC-SHA256 of message under key.
func Sign(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value against message.
func VerifySignature(message, key []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), want)
}
