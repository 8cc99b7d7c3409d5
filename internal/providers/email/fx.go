package email

import (
	"strings"

	"github.com/smallbiznis/tablepay/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns a no-op provider when SMTP_HOST is unset.
func NewFromConfig(cfg config.Config) Provider {
	if strings.TrimSpace(cfg.Alert.SMTPHost) == "" {
		return Disabled{}
	}
	return NewSMTP(Config{
		Host:     cfg.Alert.SMTPHost,
		Port:     cfg.Alert.SMTPPort,
		Username: cfg.Alert.SMTPUsername,
		Password: cfg.Alert.SMTPPassword,
		From:     cfg.Alert.SMTPFrom,
	})
}
