package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zimads/adsentinel/pkg/classify"
)

// WhatsAppConfig configures the WhatsApp Cloud API channel.
type WhatsAppConfig struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
}

// WhatsApp sends messages through the WhatsApp Cloud API.
type WhatsApp struct {
	cfg    WhatsAppConfig
	client *http.Client
}

// NewWhatsApp creates a WhatsApp Cloud API channel.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v21.0"
	}
	return &WhatsApp{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

type waTextRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type waTextResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// graphErrorEnvelope is the error body shared by the Graph and WhatsApp APIs.
type graphErrorEnvelope struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

func (w *WhatsApp) SendText(ctx context.Context, phone, body string) (SendResult, error) {
	payload := waTextRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(phone, "+"),
		Type:             "text",
	}
	payload.Text.Body = body

	data, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal whatsapp message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(w.cfg.BaseURL, "/"), w.cfg.APIVersion, w.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return SendResult{}, fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("send whatsapp message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("read whatsapp response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, ParseGraphError(resp.StatusCode, respBody)
	}

	var out waTextResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return SendResult{}, fmt.Errorf("decode whatsapp response: %w", err)
	}
	if len(out.Messages) == 0 {
		return SendResult{}, fmt.Errorf("whatsapp response has no message id")
	}
	return SendResult{MessageID: out.Messages[0].ID}, nil
}

// Cloud API throughput errors. They mean "slow down", like Graph code 4.
const (
	codeTooManyCalls    = 80007
	codeThroughputLimit = 130429
	codeSpamRateLimit   = 131056
)

// ParseGraphError turns a Graph API error response into a ProviderError.
// Bodies that are not a Graph error envelope keep only the HTTP status.
// Throughput errors are reported as classify.CodeRateLimited.
func ParseGraphError(status int, body []byte) *classify.ProviderError {
	pe := &classify.ProviderError{HTTPStatus: status}

	var env graphErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		pe.Code = env.Error.Code
		pe.Subcode = env.Error.ErrorSubcode
		pe.Message = env.Error.Message
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(status)
	}

	switch pe.Code {
	case codeTooManyCalls, codeThroughputLimit, codeSpamRateLimit:
		pe.Message = fmt.Sprintf("(#%d) %s", pe.Code, pe.Message)
		pe.Code = classify.CodeRateLimited
	}
	if pe.Code == 0 && status == http.StatusTooManyRequests {
		pe.Code = classify.CodeRateLimited
	}
	return pe
}
