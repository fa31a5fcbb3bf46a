package provider

import (
	"context"
	"fmt"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const emailSubject = "Alertstream notification"

// sesSender is the slice of the SES v2 API the email client uses.
type sesSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailClient delivers email attempts through AWS SES.
type EmailClient struct {
	ses         sesSender
	fromAddress string
}

// NewEmailClient creates an SES-backed email client. Static credentials
// from config take precedence; otherwise the default AWS chain applies.
func NewEmailClient(ctx context.Context, cfg config.EmailConfig) (*EmailClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &EmailClient{
		ses:         sesv2.NewFromConfig(awsCfg),
		fromAddress: cfg.FromAddress,
	}, nil
}

// Send delivers the rendered message as a plain-text email. SES call
// failures classify like any other provider error.
func (c *EmailClient) Send(ctx context.Context, a *domain.DispatchAttempt) (string, error) {
	out, err := c.ses.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{a.Destination},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(emailSubject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(a.RenderedMessage)},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send: %w", classifyTransport(err))
	}
	return aws.ToString(out.MessageId), nil
}
