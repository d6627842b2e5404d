package stores

import (
	"context"

	"github.com/oarkflow/access"
)

const defaultAuditLimit = 100

// auditWhere appends the filter clauses shared by both audit tables.
func auditWhere(q string, f access.AuditFilter, actorCol, typeCol string, withSeverity bool) (string, map[string]any) {
	params := map[string]any{}
	if f.ActorID != "" {
		q += " AND " + actorCol + " = :actor"
		params["actor"] = f.ActorID
	}
	if f.Type != "" {
		q += " AND " + typeCol + " = :type"
		params["type"] = f.Type
	}
	if withSeverity && f.Severity != "" {
		q += " AND severity = :severity"
		params["severity"] = string(f.Severity)
	}
	if !f.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = formatTime(f.StartTime)
	}
	if !f.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = formatTime(f.EndTime)
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT :limit"
	params["limit"] = defaultAuditLimit
	if f.Limit > 0 {
		params["limit"] = f.Limit
	}
	return q, params
}

func (s *SQLStore) LogAudit(ctx context.Context, e *access.AuditLog) error {
	before, err := toJSON(e.Before)
	if err != nil {
		return err
	}
	after, err := toJSON(e.After)
	if err != nil {
		return err
	}
	q := `INSERT INTO audit_logs(id, actor_id, action, resource_type, resource_id, before_json, after_json, ip, location, risk_score, granted, reason, timestamp) VALUES(:id, :actor_id, :action, :resource_type, :resource_id, :before_json, :after_json, :ip, :location, :risk_score, :granted, :reason, :timestamp)`
	_, err = s.exec(ctx, q, map[string]any{
		"id":            e.ID,
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"before_json":   before,
		"after_json":    after,
		"ip":            e.IP,
		"location":      e.Location,
		"risk_score":    e.RiskScore,
		"granted":       boolToInt(e.Granted),
		"reason":        e.Reason,
		"timestamp":     formatTime(e.Timestamp),
	})
	return err
}

func (s *SQLStore) LogSecurityEvent(ctx context.Context, ev *access.SecurityEvent) error {
	details, err := toJSON(ev.Details)
	if err != nil {
		return err
	}
	q := `INSERT INTO security_events(id, type, severity, user_id, ip, details_json, timestamp) VALUES(:id, :type, :severity, :user_id, :ip, :details_json, :timestamp)`
	_, err = s.exec(ctx, q, map[string]any{
		"id":           ev.ID,
		"type":         ev.Type,
		"severity":     string(ev.Severity),
		"user_id":      ev.UserID,
		"ip":           ev.IP,
		"details_json": details,
		"timestamp":    formatTime(ev.Timestamp),
	})
	return err
}

// ListAudit returns matching entries, newest first. Without a limit at most
// 100 rows come back.
func (s *SQLStore) ListAudit(ctx context.Context, f access.AuditFilter) ([]*access.AuditLog, error) {
	q, params := auditWhere(`SELECT id, actor_id, action, resource_type, resource_id, before_json, after_json, ip, location, risk_score, granted, reason, timestamp FROM audit_logs WHERE 1=1`, f, "actor_id", "action", false)
	out := make([]*access.AuditLog, 0)
	err := s.queryRows(ctx, q, params, func(r rowScanner) error {
		e := &access.AuditLog{}
		var before, after string
		var granted int
		var tsRaw any
		if err := r.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &before, &after, &e.IP, &e.Location, &e.RiskScore, &granted, &e.Reason, &tsRaw); err != nil {
			return err
		}
		e.Granted = granted != 0
		e.Timestamp = scanTime(tsRaw)
		if err := fromJSON(before, &e.Before); err != nil {
			return err
		}
		if err := fromJSON(after, &e.After); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// ListSecurityEvents returns matching events, newest first.
func (s *SQLStore) ListSecurityEvents(ctx context.Context, f access.AuditFilter) ([]*access.SecurityEvent, error) {
	q, params := auditWhere(`SELECT id, type, severity, user_id, ip, details_json, timestamp FROM security_events WHERE 1=1`, f, "user_id", "type", true)
	out := make([]*access.SecurityEvent, 0)
	err := s.queryRows(ctx, q, params, func(r rowScanner) error {
		ev := &access.SecurityEvent{}
		var severity, details string
		var tsRaw any
		if err := r.Scan(&ev.ID, &ev.Type, &severity, &ev.UserID, &ev.IP, &details, &tsRaw); err != nil {
			return err
		}
		ev.Severity = access.Severity(severity)
		ev.Timestamp = scanTime(tsRaw)
		if err := fromJSON(details, &ev.Details); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}
