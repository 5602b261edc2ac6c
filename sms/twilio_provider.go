package sms

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioProvider is the production Provider implementation, backed by
// the Twilio REST API (github.com/twilio/twilio-go), the SMS client
// library the example pack's messaging-gateway repos depend on.
type TwilioProvider struct {
	client *twilio.RestClient
}

// NewTwilioProvider builds a client from an account SID and auth token.
func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{client: client}
}

func (t *TwilioProvider) Send(ctx context.Context, toE164, fromE164, body string) (string, error) {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(toE164)
	params.SetFrom(fromE164)
	params.SetBody(body)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio: send message: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio: response missing message sid")
	}
	return *resp.Sid, nil
}
