package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/access/logger"
)

// DeviceInfo is what a client reports on first contact.
type DeviceInfo struct {
	Name         string `json:"name,omitempty"`
	Platform     string `json:"platform"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	// HardwareID is a stable OS-provided identifier (Android ID, identifierForVendor).
	HardwareID string `json:"hardware_id,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	Token      string `json:"token,omitempty"`
	IP         string `json:"ip,omitempty"`
}

// Fingerprint derives the natural key of a device from its stable
// attributes. IP, OS version and timestamps do not participate.
func Fingerprint(info DeviceInfo) string {
	parts := []string{info.Platform, info.Model, info.Manufacturer, info.HardwareID}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// transition moves a PENDING device to ACTIVE or REJECTED.
func (d UserDevice) transition(to DeviceStatus, by string, now time.Time) (UserDevice, error) {
	if d.Status != DevicePending {
		return d, fmt.Errorf("%w: device %s is %s", ErrInvalidState, d.ID, d.Status)
	}
	switch to {
	case DeviceActive:
		d.IsTrusted = true
	case DeviceRejected:
		d.IsTrusted = false
	default:
		return d, fmt.Errorf("%w: cannot move device to %s", ErrInvalidState, to)
	}
	d.Status = to
	d.ApprovedBy = by
	d.LastSeenAt = now
	d.Version++
	return d, nil
}

// DeviceManager registers devices and drives their approval.
type DeviceManager struct {
	store   DeviceStore
	auditor *Auditor
	log     logger.Logger
	now     func() time.Time
}

func newDeviceManager(store DeviceStore, d deps) *DeviceManager {
	return &DeviceManager{store: store, auditor: d.auditor, log: d.log, now: d.now}
}

// RegisterDevice creates a PENDING device or refreshes the token, last IP and
// last-seen time of the device with the same fingerprint.
func (m *DeviceManager) RegisterDevice(ctx context.Context, userID string, info DeviceInfo) (*UserDevice, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if info.Platform == "" && info.Model == "" && info.HardwareID == "" {
		return nil, false, fmt.Errorf("%w: device attributes are required", ErrInvalidInput)
	}
	now := m.now()
	dev, created, err := m.store.UpsertDevice(ctx, &UserDevice{
		ID:           NewID(),
		UserID:       userID,
		Fingerprint:  Fingerprint(info),
		Name:         info.Name,
		Platform:     info.Platform,
		Model:        info.Model,
		Manufacturer: info.Manufacturer,
		OSVersion:    info.OSVersion,
		Status:       DevicePending,
		Token:        info.Token,
		LastIP:       info.IP,
		LastSeenAt:   now,
		Version:      1,
		CreatedAt:    now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("register device: %w", err)
	}
	if created {
		m.log.Info("device registered", "user_id", userID, "device_id", dev.ID)
		if m.auditor != nil {
			m.auditor.Event(ctx, &SecurityEvent{
				Type:     EventDeviceRegistered,
				Severity: SeverityLow,
				UserID:   userID,
				IP:       info.IP,
				Details:  map[string]any{"device_id": dev.ID, "platform": dev.Platform, "model": dev.Model},
			})
		}
	}
	return dev, created, nil
}

// ApproveDevice marks a pending device ACTIVE and trusted.
func (m *DeviceManager) ApproveDevice(ctx context.Context, deviceID, approvedBy string) (*UserDevice, error) {
	return m.move(ctx, deviceID, DeviceActive, approvedBy, EventDeviceApproved)
}

// RejectDevice marks a pending device REJECTED.
func (m *DeviceManager) RejectDevice(ctx context.Context, deviceID, rejectedBy string) (*UserDevice, error) {
	return m.move(ctx, deviceID, DeviceRejected, rejectedBy, EventDeviceRejected)
}

func (m *DeviceManager) move(ctx context.Context, deviceID string, to DeviceStatus, by, event string) (*UserDevice, error) {
	for i := 0; i < casRetries; i++ {
		cur, err := m.store.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		next, err := cur.transition(to, by, m.now())
		if err != nil {
			return nil, err
		}
		ok, err := m.store.SwapDevice(ctx, &next, cur.Version)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if m.auditor != nil {
			m.auditor.Event(ctx, &SecurityEvent{
				Type:     event,
				Severity: SeverityLow,
				UserID:   next.UserID,
				Details:  map[string]any{"device_id": next.ID, "by": by},
			})
			m.auditor.Record(ctx, &AuditLog{
				ActorID:      by,
				Action:       "device." + strings.ToLower(string(to)),
				ResourceType: "device",
				ResourceID:   next.ID,
				Before:       map[string]any{"status": string(cur.Status)},
				After:        map[string]any{"status": string(next.Status)},
				Granted:      true,
			})
		}
		return &next, nil
	}
	return nil, ErrConflict
}

// ListUserDevices returns every device of userID.
func (m *DeviceManager) ListUserDevices(ctx context.Context, userID string) ([]*UserDevice, error) {
	return m.store.ListUserDevices(ctx, userID)
}
