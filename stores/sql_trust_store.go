package stores

import (
	"context"

	"github.com/oarkflow/access"
)

// Trust-state rows carry a version column. Every Swap* is a single
// UPDATE guarded by the previous version; zero affected rows means another
// writer got there first.

// ----------------------------------------------------------------------------
// MFA methods
// ----------------------------------------------------------------------------

const methodColumns = `id, user_id, factor_type, secret, phone, email, device_id, is_enabled, backup_codes_json, used_backup_codes_json, version, created_at, updated_at`

func scanMethod(r rowScanner) (*access.MFAMethod, error) {
	m := &access.MFAMethod{}
	var factor, codes, used string
	var enabled int
	var createdRaw, updatedRaw any
	if err := r.Scan(&m.ID, &m.UserID, &factor, &m.Secret, &m.Phone, &m.Email, &m.DeviceID, &enabled, &codes, &used, &m.Version, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	m.FactorType = access.FactorType(factor)
	m.IsEnabled = enabled != 0
	m.CreatedAt = scanTime(createdRaw)
	m.UpdatedAt = scanTime(updatedRaw)
	if err := fromJSON(codes, &m.BackupCodes); err != nil {
		return nil, err
	}
	if err := fromJSON(used, &m.UsedBackupCodes); err != nil {
		return nil, err
	}
	return m, nil
}

func methodArgs(m *access.MFAMethod) (map[string]any, error) {
	codes, err := toJSON(m.BackupCodes)
	if err != nil {
		return nil, err
	}
	used, err := toJSON(m.UsedBackupCodes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":                     m.ID,
		"user_id":                m.UserID,
		"factor_type":            string(m.FactorType),
		"secret":                 m.Secret,
		"phone":                  m.Phone,
		"email":                  m.Email,
		"device_id":              m.DeviceID,
		"is_enabled":             boolToInt(m.IsEnabled),
		"backup_codes_json":      codes,
		"used_backup_codes_json": used,
		"version":                m.Version,
		"created_at":             formatTime(m.CreatedAt),
		"updated_at":             formatTime(m.UpdatedAt),
	}, nil
}

func (s *SQLStore) CreateMethod(ctx context.Context, m *access.MFAMethod) error {
	args, err := methodArgs(m)
	if err != nil {
		return err
	}
	q := `INSERT INTO mfa_methods(` + methodColumns + `) VALUES(:id, :user_id, :factor_type, :secret, :phone, :email, :device_id, :is_enabled, :backup_codes_json, :used_backup_codes_json, :version, :created_at, :updated_at)`
	_, err = s.exec(ctx, q, args)
	return err
}

func (s *SQLStore) GetMethod(ctx context.Context, id string) (*access.MFAMethod, error) {
	var m *access.MFAMethod
	q := `SELECT ` + methodColumns + ` FROM mfa_methods WHERE id = :id`
	err := s.queryOne(ctx, "mfa method", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var err error
		m, err = scanMethod(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLStore) ListMFAMethods(ctx context.Context, userID string) ([]*access.MFAMethod, error) {
	out := make([]*access.MFAMethod, 0)
	q := `SELECT ` + methodColumns + ` FROM mfa_methods WHERE user_id = :user_id ORDER BY created_at, id`
	err := s.queryRows(ctx, q, map[string]any{"user_id": userID}, func(r rowScanner) error {
		m, err := scanMethod(r)
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *SQLStore) SwapMethod(ctx context.Context, next *access.MFAMethod, prevVersion int64) (bool, error) {
	args, err := methodArgs(next)
	if err != nil {
		return false, err
	}
	args["prev_version"] = prevVersion
	q := `UPDATE mfa_methods SET factor_type = :factor_type, secret = :secret, phone = :phone, email = :email, device_id = :device_id, is_enabled = :is_enabled, backup_codes_json = :backup_codes_json, used_backup_codes_json = :used_backup_codes_json, version = :version, updated_at = :updated_at
WHERE id = :id AND version = :prev_version`
	return s.swap(ctx, "mfa method", next.ID, `SELECT 1 FROM mfa_methods WHERE id = :id`, q, args)
}

// swap runs a guarded update. When nothing changed it tells a lost race
// apart from a missing row.
func (s *SQLStore) swap(ctx context.Context, kind, id, exists, q string, args map[string]any) (bool, error) {
	n, err := s.exec(ctx, q, args)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	err = s.queryOne(ctx, kind, id, exists, map[string]any{"id": id}, func(r rowScanner) error {
		var one int
		return r.Scan(&one)
	})
	return false, err
}

// ----------------------------------------------------------------------------
// MFA challenges
// ----------------------------------------------------------------------------

const challengeColumns = `id, user_id, method_id, factor_type, challenge_code, attempts, max_attempts, expires_at, is_verified, state, version, created_at`

func challengeArgs(c *access.MFAChallenge) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"user_id":        c.UserID,
		"method_id":      c.MethodID,
		"factor_type":    string(c.FactorType),
		"challenge_code": c.ChallengeCode,
		"attempts":       c.Attempts,
		"max_attempts":   c.MaxAttempts,
		"expires_at":     formatTime(c.ExpiresAt),
		"is_verified":    boolToInt(c.IsVerified),
		"state":          string(c.State),
		"version":        c.Version,
		"created_at":     formatTime(c.CreatedAt),
	}
}

func (s *SQLStore) CreateChallenge(ctx context.Context, c *access.MFAChallenge) error {
	q := `INSERT INTO mfa_challenges(` + challengeColumns + `) VALUES(:id, :user_id, :method_id, :factor_type, :challenge_code, :attempts, :max_attempts, :expires_at, :is_verified, :state, :version, :created_at)`
	_, err := s.exec(ctx, q, challengeArgs(c))
	return err
}

func (s *SQLStore) GetChallenge(ctx context.Context, id string) (*access.MFAChallenge, error) {
	c := &access.MFAChallenge{}
	q := `SELECT ` + challengeColumns + ` FROM mfa_challenges WHERE id = :id`
	err := s.queryOne(ctx, "challenge", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var factor, state string
		var verified int
		var expiresRaw, createdRaw any
		if err := r.Scan(&c.ID, &c.UserID, &c.MethodID, &factor, &c.ChallengeCode, &c.Attempts, &c.MaxAttempts, &expiresRaw, &verified, &state, &c.Version, &createdRaw); err != nil {
			return err
		}
		c.FactorType = access.FactorType(factor)
		c.State = access.ChallengeState(state)
		c.IsVerified = verified != 0
		c.ExpiresAt = scanTime(expiresRaw)
		c.CreatedAt = scanTime(createdRaw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) SwapChallenge(ctx context.Context, next *access.MFAChallenge, prevVersion int64) (bool, error) {
	args := challengeArgs(next)
	args["prev_version"] = prevVersion
	q := `UPDATE mfa_challenges SET attempts = :attempts, is_verified = :is_verified, state = :state, version = :version
WHERE id = :id AND version = :prev_version`
	return s.swap(ctx, "challenge", next.ID, `SELECT 1 FROM mfa_challenges WHERE id = :id`, q, args)
}

// ----------------------------------------------------------------------------
// devices
// ----------------------------------------------------------------------------

const deviceColumns = `id, user_id, fingerprint, name, platform, model, manufacturer, os_version, status, is_trusted, token, last_ip, last_seen_at, approved_by, version, created_at`

func scanDevice(r rowScanner) (*access.UserDevice, error) {
	d := &access.UserDevice{}
	var status string
	var trusted int
	var seenRaw, createdRaw any
	if err := r.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.Platform, &d.Model, &d.Manufacturer, &d.OSVersion, &status, &trusted, &d.Token, &d.LastIP, &seenRaw, &d.ApprovedBy, &d.Version, &createdRaw); err != nil {
		return nil, err
	}
	d.Status = access.DeviceStatus(status)
	d.IsTrusted = trusted != 0
	d.LastSeenAt = scanTime(seenRaw)
	d.CreatedAt = scanTime(createdRaw)
	return d, nil
}

func deviceArgs(d *access.UserDevice) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"user_id":      d.UserID,
		"fingerprint":  d.Fingerprint,
		"name":         d.Name,
		"platform":     d.Platform,
		"model":        d.Model,
		"manufacturer": d.Manufacturer,
		"os_version":   d.OSVersion,
		"status":       string(d.Status),
		"is_trusted":   boolToInt(d.IsTrusted),
		"token":        d.Token,
		"last_ip":      d.LastIP,
		"last_seen_at": formatTime(d.LastSeenAt),
		"approved_by":  d.ApprovedBy,
		"version":      d.Version,
		"created_at":   formatTime(d.CreatedAt),
	}
}

// UpsertDevice relies on the (user_id, fingerprint) unique key: the insert
// is skipped on conflict and the existing row is refreshed instead.
func (s *SQLStore) UpsertDevice(ctx context.Context, d *access.UserDevice) (*access.UserDevice, bool, error) {
	args := deviceArgs(d)
	ins := `INSERT INTO user_devices(` + deviceColumns + `) VALUES(:id, :user_id, :fingerprint, :name, :platform, :model, :manufacturer, :os_version, :status, :is_trusted, :token, :last_ip, :last_seen_at, :approved_by, :version, :created_at)
ON CONFLICT(user_id, fingerprint) DO NOTHING`
	n, err := s.exec(ctx, ins, args)
	if err != nil {
		return nil, false, err
	}
	created := n == 1
	if !created {
		upd := `UPDATE user_devices SET token = COALESCE(NULLIF(:token, ''), token), last_ip = COALESCE(NULLIF(:last_ip, ''), last_ip), os_version = COALESCE(NULLIF(:os_version, ''), os_version), last_seen_at = :last_seen_at, version = version + 1
WHERE user_id = :user_id AND fingerprint = :fingerprint`
		if _, err := s.exec(ctx, upd, args); err != nil {
			return nil, false, err
		}
	}
	var out *access.UserDevice
	q := `SELECT ` + deviceColumns + ` FROM user_devices WHERE user_id = :user_id AND fingerprint = :fingerprint`
	err = s.queryOne(ctx, "device", d.Fingerprint, q, map[string]any{"user_id": d.UserID, "fingerprint": d.Fingerprint}, func(r rowScanner) error {
		var err error
		out, err = scanDevice(r)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *SQLStore) GetDevice(ctx context.Context, id string) (*access.UserDevice, error) {
	var d *access.UserDevice
	q := `SELECT ` + deviceColumns + ` FROM user_devices WHERE id = :id`
	err := s.queryOne(ctx, "device", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var err error
		d, err = scanDevice(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLStore) ListUserDevices(ctx context.Context, userID string) ([]*access.UserDevice, error) {
	out := make([]*access.UserDevice, 0)
	q := `SELECT ` + deviceColumns + ` FROM user_devices WHERE user_id = :user_id ORDER BY created_at, id`
	err := s.queryRows(ctx, q, map[string]any{"user_id": userID}, func(r rowScanner) error {
		d, err := scanDevice(r)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

func (s *SQLStore) SwapDevice(ctx context.Context, next *access.UserDevice, prevVersion int64) (bool, error) {
	args := deviceArgs(next)
	args["prev_version"] = prevVersion
	q := `UPDATE user_devices SET name = :name, os_version = :os_version, status = :status, is_trusted = :is_trusted, token = :token, last_ip = :last_ip, last_seen_at = :last_seen_at, approved_by = :approved_by, version = :version
WHERE id = :id AND version = :prev_version`
	return s.swap(ctx, "device", next.ID, `SELECT 1 FROM user_devices WHERE id = :id`, q, args)
}

// ----------------------------------------------------------------------------
// sessions
// ----------------------------------------------------------------------------

const sessionColumns = `id, user_id, device_id, token_hash, refresh_token_hash, created_ip, last_ip, location_json, expires_at, refresh_expires_at, last_activity_at, risk_score, risk_level, requires_mfa, status, terminated_by, version, created_at`

func scanSession(r rowScanner) (*access.UserSession, error) {
	sess := &access.UserSession{}
	var loc, level, status string
	var mfa int
	var expiresRaw, refreshRaw, activityRaw, createdRaw any
	if err := r.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.TokenHash, &sess.RefreshTokenHash, &sess.CreatedIP, &sess.LastIP, &loc,
		&expiresRaw, &refreshRaw, &activityRaw, &sess.RiskScore, &level, &mfa, &status, &sess.TerminatedBy, &sess.Version, &createdRaw); err != nil {
		return nil, err
	}
	sess.RiskLevel = access.RiskLevel(level)
	sess.Status = access.SessionStatus(status)
	sess.RequiresMFA = mfa != 0
	sess.ExpiresAt = scanTime(expiresRaw)
	sess.RefreshExpiresAt = scanTime(refreshRaw)
	sess.LastActivityAt = scanTime(activityRaw)
	sess.CreatedAt = scanTime(createdRaw)
	if err := fromJSON(loc, &sess.Location); err != nil {
		return nil, err
	}
	return sess, nil
}

func sessionArgs(sess *access.UserSession) (map[string]any, error) {
	loc, err := toJSON(sess.Location)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":                 sess.ID,
		"user_id":            sess.UserID,
		"device_id":          sess.DeviceID,
		"token_hash":         sess.TokenHash,
		"refresh_token_hash": sess.RefreshTokenHash,
		"created_ip":         sess.CreatedIP,
		"last_ip":            sess.LastIP,
		"location_json":      loc,
		"expires_at":         formatTime(sess.ExpiresAt),
		"refresh_expires_at": formatTime(sess.RefreshExpiresAt),
		"last_activity_at":   formatTime(sess.LastActivityAt),
		"risk_score":         sess.RiskScore,
		"risk_level":         string(sess.RiskLevel),
		"requires_mfa":       boolToInt(sess.RequiresMFA),
		"status":             string(sess.Status),
		"terminated_by":      sess.TerminatedBy,
		"version":            sess.Version,
		"created_at":         formatTime(sess.CreatedAt),
	}, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, sess *access.UserSession) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	q := `INSERT INTO user_sessions(` + sessionColumns + `) VALUES(:id, :user_id, :device_id, :token_hash, :refresh_token_hash, :created_ip, :last_ip, :location_json, :expires_at, :refresh_expires_at, :last_activity_at, :risk_score, :risk_level, :requires_mfa, :status, :terminated_by, :version, :created_at)`
	_, err = s.exec(ctx, q, args)
	return err
}

func (s *SQLStore) sessionBy(ctx context.Context, kind, column, value string) (*access.UserSession, error) {
	var sess *access.UserSession
	q := `SELECT ` + sessionColumns + ` FROM user_sessions WHERE ` + column + ` = :v`
	err := s.queryOne(ctx, kind, value, q, map[string]any{"v": value}, func(r rowScanner) error {
		var err error
		sess, err = scanSession(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*access.UserSession, error) {
	return s.sessionBy(ctx, "session", "id", id)
}

func (s *SQLStore) GetSessionByTokenHash(ctx context.Context, hash string) (*access.UserSession, error) {
	if hash == "" {
		return nil, notFound("session token", "")
	}
	return s.sessionBy(ctx, "session token", "token_hash", hash)
}

func (s *SQLStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*access.UserSession, error) {
	if hash == "" {
		return nil, notFound("refresh token", "")
	}
	return s.sessionBy(ctx, "refresh token", "refresh_token_hash", hash)
}

func (s *SQLStore) ListUserSessions(ctx context.Context, userID string) ([]*access.UserSession, error) {
	out := make([]*access.UserSession, 0)
	q := `SELECT ` + sessionColumns + ` FROM user_sessions WHERE user_id = :user_id ORDER BY created_at, id`
	err := s.queryRows(ctx, q, map[string]any{"user_id": userID}, func(r rowScanner) error {
		sess, err := scanSession(r)
		if err != nil {
			return err
		}
		out = append(out, sess)
		return nil
	})
	return out, err
}

func (s *SQLStore) SwapSession(ctx context.Context, next *access.UserSession, prevVersion int64) (bool, error) {
	args, err := sessionArgs(next)
	if err != nil {
		return false, err
	}
	args["prev_version"] = prevVersion
	q := `UPDATE user_sessions SET token_hash = :token_hash, refresh_token_hash = :refresh_token_hash, last_ip = :last_ip, location_json = :location_json, expires_at = :expires_at, refresh_expires_at = :refresh_expires_at, last_activity_at = :last_activity_at, risk_score = :risk_score, risk_level = :risk_level, requires_mfa = :requires_mfa, status = :status, terminated_by = :terminated_by, version = :version
WHERE id = :id AND version = :prev_version`
	return s.swap(ctx, "session", next.ID, `SELECT 1 FROM user_sessions WHERE id = :id`, q, args)
}
