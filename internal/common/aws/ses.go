package aws

import (
	"context"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the part of the SES client used for plain emails.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESClient struct {
	api  SESAPI
	from string
}

func NewSESClient(ctx context.Context, region, from string) (*SESClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewSESClientWithAPI(ses.NewFromConfig(cfg), from), nil
}

func NewSESClientWithAPI(api SESAPI, from string) *SESClient {
	return &SESClient{api: api, from: from}
}

// SendEmail sends a text email from the configured source address and
// returns the SES message id.
func (s *SESClient) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	out, err := s.api.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: awssdk.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: awssdk.String(body)},
			},
		},
		Source: awssdk.String(s.from),
	})
	if err != nil {
		return "", err
	}
	return awssdk.ToString(out.MessageId), nil
}
