package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SlackNotifier posts notices to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack webhook notifier.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, notice Notice) error {
	color := "#ff9900" // orange
	switch notice.Kind {
	case NoticeAccountRevoked:
		color = "#cc0000" // dark red
	case NoticeDispatchFailed:
		color = "#ff0000" // red
	}

	fields := []slackField{{Title: "Kind", Value: string(notice.Kind), Short: true}}
	if notice.AccountID != "" {
		fields = append(fields, slackField{Title: "Account", Value: notice.AccountID, Short: true})
	}
	if notice.UserID != "" {
		fields = append(fields, slackField{Title: "User", Value: notice.UserID, Short: true})
	}
	if notice.Action != "" {
		fields = append(fields, slackField{Title: "Classification", Value: notice.Action, Short: true})
	}
	if notice.Code != 0 {
		fields = append(fields, slackField{Title: "Provider Code", Value: strconv.Itoa(notice.Code), Short: true})
	}

	ts := notice.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{
			{
				Color:  color,
				Title:  fmt.Sprintf("adsentinel: %s", notice.Kind),
				Text:   notice.Message,
				Fields: fields,
				Footer: "adsentinel",
				Ts:     ts.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
