package service

import (
	"context"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/rs/zerolog"
)

const auditPublishTimeout = 5 * time.Second

// AuditService records lifecycle events after the state they describe has
// been persisted. Failures are logged and never reach the caller.
type AuditService struct {
	repo       ports.AuditRepository
	publishers []ports.AuditPublisher
	log        zerolog.Logger
}

// NewAuditService creates a new audit service.
// If repo is nil, events are only logged and published.
func NewAuditService(repo ports.AuditRepository, log zerolog.Logger, publishers ...ports.AuditPublisher) *AuditService {
	return &AuditService{repo: repo, publishers: publishers, log: log}
}

// Record writes each event to the log, the audit repository and every publisher.
// It outlives request cancellation so a disconnecting client cannot drop events.
func (s *AuditService) Record(ctx context.Context, events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditPublishTimeout)
	defer cancel()

	for _, ev := range events {
		s.log.Info().
			Str("event", string(ev.Type)).
			Str("subject_id", ev.SubjectID().String()).
			Str("amount", ev.Amount).
			Str("currency", string(ev.Currency)).
			Msg("audit")

		if s.repo != nil {
			if err := s.repo.Save(ctx, ev); err != nil {
				s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to persist audit event")
			}
		}
		for _, p := range s.publishers {
			if err := p.Publish(ctx, ev); err != nil {
				s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to publish audit event")
			}
		}
	}
}
