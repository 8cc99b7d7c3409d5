package sms

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.sms",
	fx.Provide(NewFromConfig),
)

// Provider texts an on-call number.
type Provider interface {
	Send(ctx context.Context, to string, body string) error
}

// Disabled drops every message. It stands in when Twilio is not configured.
type Disabled struct{}

func (Disabled) Send(context.Context, string, string) error { return nil }

type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioProvider sends SMS through the Twilio REST API.
type TwilioProvider struct {
	api  messageAPI
	from string
}

func NewTwilio(accountSID, authToken, from string) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{api: client.Api, from: from}
}

// NewFromConfig returns a no-op provider unless the account, token and sender are all set.
func NewFromConfig(cfg config.Config) Provider {
	a := cfg.Alert
	if a.TwilioAccountSID == "" || a.TwilioAuthToken == "" || a.TwilioFrom == "" {
		return Disabled{}
	}
	return NewTwilio(a.TwilioAccountSID, a.TwilioAuthToken, a.TwilioFrom)
}

func (p *TwilioProvider) Send(ctx context.Context, to string, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("sms: recipient is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(p.from)
	params.SetBody(body)

	_, err := p.api.CreateMessage(params)
	return err
}
