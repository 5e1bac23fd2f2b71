package bus

import (
	"context"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
)

// AuditSink mirrors every published event onto the append-only audit log.
// It subscribes to all event types: audit coverage is deliberately broader
// than any single trigger binding.
type AuditSink struct {
	store store.PlaybookStore
}

// NewAuditSink returns a Handler that records every event it sees.
func NewAuditSink(s store.PlaybookStore) *AuditSink {
	return &AuditSink{store: s}
}

func (a *AuditSink) EventTypes() []string { return nil }

func (a *AuditSink) Handle(ctx context.Context, event domain.Event) error {
	return a.store.AppendAuditLog(ctx, domain.AuditEntry{
		EntityType:     domain.AuditEntityPlaybook,
		EntityID:       event.ID,
		Action:         "event.received",
		OrganizationID: event.OrganizationID,
		Details: map[string]interface{}{
			"eventType": event.Type,
			"entityId":  event.EntityID,
		},
		Severity: domain.SeverityInfo,
		Source:   domain.SourceSystem,
	})
}
