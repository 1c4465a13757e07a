package db

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry is a row of the audit_log table.
type AuditLogEntry struct {
	ID         int64
	UserID     *uuid.UUID
	Action     string
	Resource   string
	ResourceID *uuid.UUID
	Detail     json.RawMessage
	IPAddress  *netip.Addr
	UserAgent  *string
	CreatedAt  time.Time
}

// CreateAuditLogEntryParams holds the fields for a new audit log row.
type CreateAuditLogEntryParams struct {
	UserID     *uuid.UUID
	Action     string
	Resource   string
	ResourceID *uuid.UUID
	Detail     json.RawMessage
	IPAddress  *netip.Addr
	UserAgent  *string
}

// CreateAuditLogEntry inserts one audit log row.
func (q *Queries) CreateAuditLogEntry(ctx context.Context, p CreateAuditLogEntryParams) (AuditLogEntry, error) {
	var ipText *string
	if p.IPAddress != nil {
		s := p.IPAddress.String()
		ipText = &s
	}

	e, err := withRetry(ctx, func() (AuditLogEntry, error) {
		var e AuditLogEntry
		err := q.db.QueryRow(ctx, `
			INSERT INTO audit_log (user_id, action, resource, resource_id, detail, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			RETURNING id, user_id, action, resource, resource_id, detail, ip_address, user_agent, created_at`,
			p.UserID, p.Action, p.Resource, p.ResourceID, p.Detail, ipText, p.UserAgent).
			Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &ipText, &e.UserAgent, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return AuditLogEntry{}, fmt.Errorf("creating audit log entry: %w", err)
	}
	if ipText != nil {
		addr, parseErr := netip.ParseAddr(*ipText)
		if parseErr == nil {
			e.IPAddress = &addr
		}
	}
	return e, nil
}

// ListAuditLogParams paginates the audit log, newest first.
type ListAuditLogParams struct {
	Limit  int
	Offset int
}

// ListAuditLog returns a page of audit log entries.
func (q *Queries) ListAuditLog(ctx context.Context, p ListAuditLogParams) ([]AuditLogEntry, error) {
	out, err := withRetry(ctx, func() ([]AuditLogEntry, error) {
		rows, err := q.db.Query(ctx, `
			SELECT id, user_id, action, resource, resource_id, detail, ip_address, user_agent, created_at
			FROM audit_log
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, p.Limit, p.Offset)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []AuditLogEntry
		for rows.Next() {
			var e AuditLogEntry
			var ipText *string
			if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &ipText, &e.UserAgent, &e.CreatedAt); err != nil {
				return nil, err
			}
			if ipText != nil {
				if addr, parseErr := netip.ParseAddr(*ipText); parseErr == nil {
					e.IPAddress = &addr
				}
			}
			out = append(out, e)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	return out, nil
}
