package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/zimads/adsentinel/pkg/classify"
)

// MessageCreator is the subset of the Twilio API service used to send.
type MessageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Twilio sends WhatsApp messages through Twilio's Programmable Messaging.
type Twilio struct {
	api  MessageCreator
	from string
}

// NewTwilio creates a Twilio WhatsApp channel. from is the sender number in
// E.164 form.
func NewTwilio(accountSid, authToken, from string) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return NewTwilioWithAPI(client.Api, from)
}

// NewTwilioWithAPI wraps an existing message creator.
func NewTwilioWithAPI(creator MessageCreator, from string) *Twilio {
	return &Twilio{api: creator, from: from}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) SendText(ctx context.Context, phone, body string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	params := &api.CreateMessageParams{}
	params.SetTo(whatsappAddress(phone))
	params.SetFrom(whatsappAddress(t.from))
	params.SetBody(body)

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) {
			return SendResult{}, twilioProviderError(restErr)
		}
		return SendResult{}, fmt.Errorf("send twilio message: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return SendResult{}, fmt.Errorf("twilio response has no message sid")
	}
	return SendResult{MessageID: *resp.Sid}, nil
}

func whatsappAddress(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + phone
}

// twilioProviderError maps Twilio failures onto the Graph codes the
// classifier understands.
func twilioProviderError(e *twclient.TwilioRestError) *classify.ProviderError {
	pe := &classify.ProviderError{HTTPStatus: e.Status, Code: e.Code, Message: e.Message}
	switch {
	case e.Status == http.StatusTooManyRequests:
		pe.Code = classify.CodeRateLimited
	case e.Status == http.StatusUnauthorized:
		pe.Code = classify.CodeInvalidToken
	case e.Status == http.StatusForbidden:
		pe.Code = classify.CodeInvalidParameter
		pe.Subcode = classify.SubcodeObjectNotFound
	}
	return pe
}
