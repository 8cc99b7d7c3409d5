package email

import "context"

// Provider delivers operator notifications by email.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	// SendTemplate renders one of the embedded templates and sends it.
	SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error
}

// Disabled drops every message. It stands in when SMTP is not configured.
type Disabled struct{}

func (Disabled) Send(context.Context, []string, string, string) error { return nil }

func (Disabled) SendTemplate(context.Context, []string, string, map[string]any) error { return nil }
