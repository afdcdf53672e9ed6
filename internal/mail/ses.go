package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESSender delivers mail through the AWS SES API.
type SESSender struct {
	client *ses.Client
	logger *zap.Logger
}

// SESConfig holds SES backend settings.
type SESConfig struct {
	Region string
}

// NewSESSender creates a sender backed by AWS SES.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers msg via SES with both HTML and text parts. Rejections
// for bad or unverified addresses come back wrapped as permanent;
// throttling and network errors stay transient.
func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	input := &ses.SendEmailInput{
		Source: aws.String(formatAddress(msg.FromName, msg.From)),
		Destination: &types.Destination{
			ToAddresses: []string{formatAddress(msg.ToName, msg.To)},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.HTML),
					Charset: aws.String("UTF-8"),
				},
				Text: &types.Content{
					Data:    aws.String(msg.Text),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if isPermanentSESError(err) {
			return Permanent(fmt.Errorf("ses send: %w", err))
		}
		return fmt.Errorf("ses send: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func isPermanentSESError(err error) bool {
	var (
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
	)
	return errors.As(err, &rejected) || errors.As(err, &notVerified)
}
