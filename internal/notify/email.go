package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/promowatch/promowatch/internal/config"
)

// EmailChannel delivers the digest by email through AWS SES.
type EmailChannel struct {
	client *sesv2.Client
	from   string
	to     []string
}

// NewEmailChannel creates the SES channel. Static credentials are used when
// configured, otherwise the default AWS credential chain applies.
func NewEmailChannel(ctx context.Context, cfg appconfig.EmailConfig) (*EmailChannel, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &EmailChannel{
		client: sesv2.NewFromConfig(awsCfg),
		from:   cfg.FromAddress,
		to:     cfg.ToAddresses,
	}, nil
}

func (c *EmailChannel) Name() string { return "email" }

// Send emails the digest to the configured recipients.
func (c *EmailChannel) Send(ctx context.Context, digest *Digest) error {
	if len(c.to) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.from),
		Destination:      &types.Destination{ToAddresses: c.to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(digest.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(digest.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if digest.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(digest.Text), Charset: aws.String("UTF-8")}
	}

	if _, err := c.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
