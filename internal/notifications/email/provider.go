package email

import (
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"

	"odds/internal/config"
	"odds/internal/external"
)

// NewProvider returns the configured mail transport, or nil when outbound
// email is disabled. Callers treat a nil provider as "skip sending".
func NewProvider(cfg config.EmailConfig, awsCfg aws.Config, logger *slog.Logger) external.EmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled() {
		logger.Warn("outbound email disabled", "provider", cfg.Provider)
		return nil
	}
	switch cfg.Provider {
	case "ses":
		return external.NewSESClient(awsCfg, logger)
	default:
		return NewSMTPSender(SMTPConfigFrom(cfg), logger)
	}
}

var _ external.EmailProvider = (*SMTPSender)(nil)
