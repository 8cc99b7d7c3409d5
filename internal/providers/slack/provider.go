package slack

import "context"

// Provider posts alert text to a channel.
type Provider interface {
	PostMessage(ctx context.Context, channel string, message string) error
}

// Disabled drops every message. It stands in when no webhook URL is set.
type Disabled struct{}

func (Disabled) PostMessage(context.Context, string, string) error { return nil }
