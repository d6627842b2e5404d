package access

import "errors"

var (
	ErrNotFound       = errors.New("access: not found")
	ErrAlreadyExists  = errors.New("access: already exists")
	ErrInvalidInput   = errors.New("access: invalid input")
	ErrInvalidContext = errors.New("access: invalid access context")
	ErrRoleCycle      = errors.New("access: role hierarchy cycle")
	ErrRoleDepth      = errors.New("access: role hierarchy too deep")
	ErrConflict       = errors.New("access: concurrent modification")
	ErrRateLimited    = errors.New("access: rate limited")
	ErrSnapshotStale  = errors.New("access: directory changed during evaluation")
	ErrNoMFAMethod    = errors.New("access: no enabled mfa method")
	ErrInvalidState   = errors.New("access: invalid state transition")
	ErrUnavailable    = errors.New("access: capability unavailable")
)

// isNegative reports errors that callers see as a plain negative result.
func isNegative(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState)
}
