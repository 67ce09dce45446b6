package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oidc-core/security"
)

var _ security.Sink = (*Store)(nil)

// WriteAuditRecord implements security.Sink.
func (s *Store) WriteAuditRecord(ctx context.Context, rec security.AuditRecord) error {
	row := &AuditLog{
		EventType:   rec.Type,
		Outcome:     rec.Outcome,
		SubjectHash: rec.SubjectHash,
		ClientID:    rec.ClientID,
		GrantID:     rec.GrantID,
		IPAddress:   rec.IPAddress,
		CreatedAt:   rec.Timestamp,
	}
	if len(rec.Details) > 0 {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		row.Details = string(data)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the newest audit entries first. A non-empty
// eventType filters on it; limit <= 0 returns at most 100 entries.
func (s *Store) ListAuditLogs(ctx context.Context, eventType string, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	var rows []AuditLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return rows, nil
}
