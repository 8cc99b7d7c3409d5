package providers

import (
	"github.com/smallbiznis/tablepay/internal/providers/email"
	"github.com/smallbiznis/tablepay/internal/providers/pdf"
	"github.com/smallbiznis/tablepay/internal/providers/slack"
	"github.com/smallbiznis/tablepay/internal/providers/sms"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
	slack.Module,
	sms.Module,
)
