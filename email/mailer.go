// Package email provides the client for sending transactional Circle emails.
package email

import (
	"fmt"
	"os"

	"github.com/resendlabs/resend-go"
)

// Service defines the interface for sending emails, allowing for mock
// implementations in tests.
type Service interface {
	SendCircleRewardEmail(toEmail, friendName string, days int) error
}

// ResendClient is the concrete implementation of the email Service using the
// Resend API.
type ResendClient struct {
	client    *resend.Client
	fromEmail string
	fromName  string
}

// NewService creates a new email service client, returning the Service interface.
func NewService() (Service, error) {
	apiKey := os.Getenv("RESEND_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY environment variable is required")
	}

	fromEmail := os.Getenv("EMAIL_FROM")
	if fromEmail == "" {
		fromEmail = "noreply@lunary.app"
	}

	fromName := os.Getenv("EMAIL_FROM_NAME")
	if fromName == "" {
		fromName = "Lunary"
	}

	return &ResendClient{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		fromName:  fromName,
	}, nil
}

// SendCircleRewardEmail tells a referrer that a friend activated and both
// accounts received a Lunary+ extension.
func (c *ResendClient) SendCircleRewardEmail(toEmail, friendName string, days int) error {
	subject := fmt.Sprintf("%s joined your Circle ✨", friendName)

	html := fmt.Sprintf(`
		<div style="font-family: Georgia, serif; max-width: 520px; margin: 0 auto; padding: 24px;">
			<h2 style="color: #4c3a6e;">Your Circle is growing</h2>
			<p>%s has been exploring Lunary, and their first steps just unlocked a reward for both of you.</p>
			<p style="font-size: 18px;"><strong>%d days of Lunary+</strong> have been added to each of your accounts.</p>
			<p>Thank you for sharing the stars.</p>
			<p style="color: #8a7fa8; font-size: 13px;">You receive these notes because friends join through your invite link.</p>
		</div>`, friendName, days)

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", c.fromName, c.fromEmail),
		To:      []string{toEmail},
		Subject: subject,
		Html:    html,
	}

	if _, err := c.client.Emails.Send(params); err != nil {
		return fmt.Errorf("failed to send reward email via Resend: %w", err)
	}
	return nil
}
