package transport

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"otp-notification-service/internal/config"
	"otp-notification-service/internal/util"
)

// TwilioSender delivers SMS through the Twilio messaging API. WhatsApp
// traffic rides the same gateway upstream of this adapter.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSender(cfg *config.Config) (*TwilioSender, error) {
	smsConfig := cfg.SMS

	if smsConfig.AccountSID == "" || smsConfig.AuthToken == "" || smsConfig.FromNumber == "" {
		return nil, fmt.Errorf("missing Twilio credentials in configuration")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: smsConfig.AccountSID,
		Password: smsConfig.AuthToken,
	})

	return &TwilioSender{
		client: client,
		from:   smsConfig.FromNumber,
	}, nil
}

func (t *TwilioSender) SendSMS(ctx context.Context, to, message string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(to)
	params.SetBody(message)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}

	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		errMsg := ""
		if resp.ErrorMessage != nil {
			errMsg = *resp.ErrorMessage
		}
		return fmt.Errorf("twilio error %d: %s", *resp.ErrorCode, errMsg)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	util.Debug("SMS sent",
		zap.String("to", to),
		zap.String("sid", sid))

	return nil
}
