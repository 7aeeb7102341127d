package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"golang.org/x/time/rate"
)

// SESAPI is the part of the SES client the mailer uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the summary mailer.
type SESConfig struct {
	Region        string
	AccessKey     string
	SecretKey     string
	FromEmail     string
	RatePerSecond float64
}

// SESMailer emails the uploader a summary of their upload.
type SESMailer struct {
	client  SESAPI
	from    string
	limiter *rate.Limiter
}

// NewSESMailer builds an SES client from static credentials when given,
// else from the default AWS chain.
func NewSESMailer(ctx context.Context, cfg SESConfig) (*SESMailer, error) {
	if cfg.FromEmail == "" {
		return nil, errors.New("notify: ses from address required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-west-2"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: aws config: %w", err)
	}
	return NewSESMailerWithClient(sesv2.NewFromConfig(awsCfg), cfg.FromEmail, cfg.RatePerSecond), nil
}

// NewSESMailerWithClient wraps an existing client.
func NewSESMailerWithClient(client SESAPI, from string, perSecond float64) *SESMailer {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &SESMailer{
		client:  client,
		from:    from,
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
	}
}

func (m *SESMailer) Name() string { return "ses" }

// Send emails the summary. Notifications without a recipient are skipped.
func (m *SESMailer) Send(ctx context.Context, n Notification) error {
	if n.RecipientEmail == "" {
		return nil
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: ses throttle: %w", err)
	}

	subject, body := render(n)
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.from),
		Destination:      &types.Destination{ToAddresses: []string{n.RecipientEmail}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("event_id"), Value: aws.String(n.EventID)},
			{Name: aws.String("notification"), Value: aws.String(strings.ReplaceAll(string(n.Type), ".", "_"))},
		},
	}
	if _, err := m.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("notify: ses send: %w", err)
	}
	return nil
}

func render(n Notification) (string, string) {
	var b strings.Builder
	subject := "Your upload has been processed"
	if n.Type == TypeFailed {
		subject = "Your upload could not be fully processed"
	}
	fmt.Fprintf(&b, "Status: %s\n", n.Status)
	fmt.Fprintf(&b, "Rows: %d\nAdded: %d\nDuplicates: %d\nRejected: %d\n",
		n.Stats.TotalEmails, n.Stats.Added, n.Stats.Duplicates, n.Stats.Rejected)
	if n.FailureReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", n.FailureReason)
	}
	if n.NextGenPotential > 0 {
		fmt.Fprintf(&b, "\n%d new members can now share this repository further.\n", n.NextGenPotential)
	}
	return subject, b.String()
}
